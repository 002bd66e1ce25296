package handlers

import (
	"context"
	"net/http"

	"github.com/coursely/offline/internal/strategy"
)

// Executor runs router operations.
type Executor interface {
	Execute(ctx context.Context, op strategy.Op, p strategy.Params, opts strategy.Options) (*strategy.Result, error)
}

// OpsHandler exposes the operation router.
type OpsHandler struct {
	router Executor
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(router Executor) *OpsHandler {
	return &OpsHandler{router: router}
}

// OpRequest is the body of POST /api/ops/{operation}. Missing options mean
// every behaviour is enabled.
type OpRequest struct {
	Params  strategy.Params   `json:"params"`
	Options *strategy.Options `json:"options,omitempty"`
}

// Execute handles POST /api/ops/{operation}
func (h *OpsHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req OpRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, err)
		return
	}
	opts := strategy.DefaultOptions()
	if req.Options != nil {
		opts = *req.Options
	}

	res, err := h.router.Execute(r.Context(), strategy.Op(r.PathValue("operation")), req.Params, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
