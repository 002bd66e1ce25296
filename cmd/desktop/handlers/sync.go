package handlers

import (
	"context"
	"net/http"

	"github.com/coursely/offline/internal/models"
	syncpkg "github.com/coursely/offline/internal/sync"
	"github.com/coursely/offline/internal/sync/queue"
	"github.com/coursely/offline/internal/sync/scheduler"
)

// SyncScheduler is the scheduler surface used by SyncHandler.
type SyncScheduler interface {
	GetStatus(ctx context.Context) scheduler.SchedulerStatus
	SyncNow(ctx context.Context) (*syncpkg.SyncReport, error)
}

// SyncEngine is the engine surface used by SyncHandler.
type SyncEngine interface {
	Drain(ctx context.Context, opts syncpkg.DrainOptions) (*syncpkg.SyncReport, error)
	SyncProgressBatches(ctx context.Context) (*syncpkg.SyncReport, error)
}

// QueueStats reports mutation queue statistics.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// SyncHandler handles sync status and manual sync requests.
type SyncHandler struct {
	sched  SyncScheduler
	engine SyncEngine
	queue  QueueStats
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(sched SyncScheduler, engine SyncEngine, q QueueStats) *SyncHandler {
	return &SyncHandler{sched: sched, engine: engine, queue: q}
}

// SyncStatusResponse is returned by GET /api/sync/status.
type SyncStatusResponse struct {
	Scheduler scheduler.SchedulerStatus `json:"scheduler"`
	Queue     *queue.Stats              `json:"queue,omitempty"`
}

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := SyncStatusResponse{Scheduler: h.sched.GetStatus(r.Context())}
	if stats, err := h.queue.Stats(r.Context()); err == nil {
		resp.Queue = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// SyncNow handles POST /api/sync/now
// An optional body {"force": true} also attempts items still waiting for
// their retry time.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	var opts syncpkg.DrainOptions
	if err := decodeOptional(r, &opts); err != nil {
		writeError(w, err)
		return
	}

	if opts.Force {
		report, err := h.engine.Drain(r.Context(), opts)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	report, err := h.sched.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// SyncBatches handles POST /api/sync/batches
func (h *SyncHandler) SyncBatches(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.SyncProgressBatches(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ConnectivityMonitor is the monitor surface used by ConnectivityHandler.
type ConnectivityMonitor interface {
	State() models.ConnectivityState
	Check(ctx context.Context) models.ConnectivityState
}

// ConnectivityHandler reports and refreshes connectivity.
type ConnectivityHandler struct {
	monitor ConnectivityMonitor
}

// NewConnectivityHandler creates a new ConnectivityHandler.
func NewConnectivityHandler(m ConnectivityMonitor) *ConnectivityHandler {
	return &ConnectivityHandler{monitor: m}
}

// ConnectivityResponse is returned by the connectivity endpoints.
type ConnectivityResponse struct {
	Online bool                     `json:"online"`
	State  models.ConnectivityState `json:"state"`
}

// GetState handles GET /api/connectivity
func (h *ConnectivityHandler) GetState(w http.ResponseWriter, r *http.Request) {
	st := h.monitor.State()
	writeJSON(w, http.StatusOK, ConnectivityResponse{Online: st.Online(), State: st})
}

// Check handles POST /api/connectivity/check
func (h *ConnectivityHandler) Check(w http.ResponseWriter, r *http.Request) {
	st := h.monitor.Check(r.Context())
	writeJSON(w, http.StatusOK, ConnectivityResponse{Online: st.Online(), State: st})
}
