// Package handlers provides the REST handlers of the local API.
package handlers

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/logging"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error code and message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// writeError maps err to an HTTP status by its code.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err, nil)
	}
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: string(code), Message: err.Error()}})
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrValidation, apperrors.ErrUnsupportedOp:
		return http.StatusBadRequest
	case apperrors.ErrAuthExpired:
		return http.StatusUnauthorized
	case apperrors.ErrPermission:
		return http.StatusForbidden
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrDownloadInProgress, apperrors.ErrSyncInProgress, apperrors.ErrConstraint:
		return http.StatusConflict
	case apperrors.ErrApplication, apperrors.ErrNotEnrolled, apperrors.ErrAlreadyCompleted,
		apperrors.ErrIneligible, apperrors.ErrDownloadCancelled:
		return http.StatusUnprocessableEntity
	case apperrors.ErrNetwork, apperrors.ErrTimeout, apperrors.ErrDownloadFailed,
		apperrors.ErrMediaExpired, apperrors.ErrSyncFailed:
		return http.StatusBadGateway
	case apperrors.ErrOfflineUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decodeOptional decodes a JSON body into v. An empty body leaves v untouched.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !stderrors.Is(err, io.EOF) {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err)
	}
	return nil
}
