package sync

import (
	"github.com/coursely/offline/internal/logging"
	"github.com/coursely/offline/internal/sync/conflict"
)

// SyncEventType names a sync notification.
type SyncEventType string

const (
	SyncEventStarted   SyncEventType = "sync.started"
	SyncEventProgress  SyncEventType = "sync.progress"
	SyncEventCompleted SyncEventType = "sync.completed"
	SyncEventFailed    SyncEventType = "sync.failed"
	SyncEventConflict  SyncEventType = "sync.conflict_detected"
)

// Run phases carried by started and progress events.
const (
	PhaseQueue   = "queue"
	PhaseBatches = "batches"
)

// SyncEvent is one notification.
type SyncEvent struct {
	Type      SyncEventType        `json:"type"`
	Phase     string               `json:"phase,omitempty"`
	Current   int                  `json:"current,omitempty"`
	Total     int                  `json:"total,omitempty"`
	ItemID    string               `json:"item_id,omitempty"`
	Error     string               `json:"error,omitempty"`
	Report    *SyncReport          `json:"report,omitempty"`
	Conflict  *conflict.Classified `json:"conflict,omitempty"`
	Timestamp int64                `json:"timestamp"`
}

// SyncEventHandler receives sync notifications.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(SyncEvent)

// OnSyncEvent calls f.
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) { f(event) }

// SetEventHandler sets the event handler for sync notifications. A nil
// handler disables delivery.
func (e *SyncEngine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// emit delivers event to the handler and the progress channel. Handlers run
// on the sync goroutine and must not block.
func (e *SyncEngine) emit(event SyncEvent) {
	event.Timestamp = e.now().Unix()

	e.mu.RLock()
	h := e.handler
	e.mu.RUnlock()
	if h != nil {
		h.OnSyncEvent(event)
	}

	select {
	case e.progress <- event:
	default:
		logging.Debug("sync event dropped", map[string]interface{}{"type": string(event.Type)})
	}
}
