package handlers

import (
	"context"
	"net/http"
	"strconv"

	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/models"
	"github.com/coursely/offline/internal/offline"
)

// Downloader is the offline downloader surface used by OfflineHandler.
type Downloader interface {
	Start(ctx context.Context, studentID, courseID string) (*offline.Run, error)
	Cancel() bool
	Current() (models.DownloadProgress, bool)
	ListSessions(ctx context.Context, studentID string) ([]models.OfflineSession, error)
	DeleteOfflineCourse(ctx context.Context, sessionID string) error
	ValidateSessions(ctx context.Context, studentID string) ([]models.SessionValidation, error)
	PurgeExpired(ctx context.Context, daysOld int) (*offline.PurgeResult, error)
}

// StatisticsSource reports local offline statistics.
type StatisticsSource interface {
	Statistics(ctx context.Context) (*models.OfflineStatistics, error)
}

// CacheSizer reports bytes held by the media cache.
type CacheSizer interface {
	Size() (int64, error)
}

// OfflineHandler handles course downloads and offline sessions.
type OfflineHandler struct {
	downloader Downloader
	stats      StatisticsSource
	cache      CacheSizer
	studentID  string
	// base outlives requests so downloads keep running after the response.
	base context.Context
}

// NewOfflineHandler creates a new OfflineHandler. Downloads run under base.
func NewOfflineHandler(base context.Context, d Downloader, stats StatisticsSource, cache CacheSizer, studentID string) *OfflineHandler {
	return &OfflineHandler{
		downloader: d,
		stats:      stats,
		cache:      cache,
		studentID:  studentID,
		base:       base,
	}
}

func (h *OfflineHandler) student(r *http.Request) string {
	if s := r.URL.Query().Get("student_id"); s != "" {
		return s
	}
	return h.studentID
}

// StartDownload handles POST /api/offline/courses/{courseID}/download
// The download runs in the background; progress is pushed over /ws.
func (h *OfflineHandler) StartDownload(w http.ResponseWriter, r *http.Request) {
	run, err := h.downloader.Start(h.base, h.student(r), r.PathValue("courseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run.Snapshot())
}

// CurrentDownload handles GET /api/offline/download
func (h *OfflineHandler) CurrentDownload(w http.ResponseWriter, r *http.Request) {
	p, ok := h.downloader.Current()
	if !ok {
		writeJSON(w, http.StatusOK, models.DownloadProgress{Phase: models.PhaseIdle})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CancelDownload handles POST /api/offline/download/cancel
func (h *OfflineHandler) CancelDownload(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cancelled": h.downloader.Cancel(),
	})
}

// ListSessions handles GET /api/offline/sessions
func (h *OfflineHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.downloader.ListSessions(r.Context(), h.student(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// DeleteSession handles DELETE /api/offline/sessions/{id}
func (h *OfflineHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.downloader.DeleteOfflineCourse(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ValidateSessions handles POST /api/offline/sessions/validate
func (h *OfflineHandler) ValidateSessions(w http.ResponseWriter, r *http.Request) {
	verdicts, err := h.downloader.ValidateSessions(r.Context(), h.student(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": verdicts})
}

// Purge handles POST /api/offline/purge?days=N
func (h *OfflineHandler) Purge(w http.ResponseWriter, r *http.Request) {
	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, apperrors.New(apperrors.ErrInvalid, "days must be an integer"))
			return
		}
		days = n
	}
	res, err := h.downloader.PurgeExpired(r.Context(), days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StatisticsResponse is returned by GET /api/offline/statistics.
type StatisticsResponse struct {
	*models.OfflineStatistics
	MediaBytes int64 `json:"media_bytes"`
}

// Statistics handles GET /api/offline/statistics
func (h *OfflineHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Statistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := StatisticsResponse{OfflineStatistics: stats}
	if h.cache != nil {
		if n, err := h.cache.Size(); err == nil {
			resp.MediaBytes = n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
