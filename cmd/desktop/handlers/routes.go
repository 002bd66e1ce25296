package handlers

import "net/http"

// Handlers groups the local API handlers.
type Handlers struct {
	Sync         *SyncHandler
	Connectivity *ConnectivityHandler
	Offline      *OfflineHandler
	Ops          *OpsHandler
	Service      string
	Version      string
}

// Register mounts every route on mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.Health)

	mux.HandleFunc("GET /api/connectivity", h.Connectivity.GetState)
	mux.HandleFunc("POST /api/connectivity/check", h.Connectivity.Check)

	mux.HandleFunc("GET /api/sync/status", h.Sync.GetStatus)
	mux.HandleFunc("POST /api/sync/now", h.Sync.SyncNow)
	mux.HandleFunc("POST /api/sync/batches", h.Sync.SyncBatches)

	mux.HandleFunc("POST /api/offline/courses/{courseID}/download", h.Offline.StartDownload)
	mux.HandleFunc("GET /api/offline/download", h.Offline.CurrentDownload)
	mux.HandleFunc("POST /api/offline/download/cancel", h.Offline.CancelDownload)
	mux.HandleFunc("GET /api/offline/sessions", h.Offline.ListSessions)
	mux.HandleFunc("POST /api/offline/sessions/validate", h.Offline.ValidateSessions)
	mux.HandleFunc("DELETE /api/offline/sessions/{id}", h.Offline.DeleteSession)
	mux.HandleFunc("POST /api/offline/purge", h.Offline.Purge)
	mux.HandleFunc("GET /api/offline/statistics", h.Offline.Statistics)

	mux.HandleFunc("POST /api/ops/{operation}", h.Ops.Execute)
}

// Health handles GET /api/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": h.Service,
		"version": h.Version,
	})
}
