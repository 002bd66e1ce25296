// Package strategy routes every data operation to the remote service or the
// local store depending on connectivity.
//
// Callers never pick a data source themselves. Reads go online when the
// monitor says so and may fall back to local data on a network failure;
// writes go online when a fresh probe says so and are queued for later
// replay otherwise. A single call either falls back or queues, never both.
package strategy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coursely/offline/internal/db"
	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/logging"
	"github.com/coursely/offline/internal/models"
	"github.com/coursely/offline/internal/remote"
)

// Connectivity is the subset of the monitor the router needs.
type Connectivity interface {
	IsOnline() bool
	IsOnlineFresh(ctx context.Context) bool
}

// Enqueuer appends mutations to the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, op models.OperationType, table, recordID string, payload any) (*models.MutationQueueItem, error)
}

// Options controls one Execute call.
type Options struct {
	// PersistLocally projects successful online results into the local store.
	PersistLocally bool `json:"persist_locally"`
	// QueueIfOffline queues writes made while offline.
	QueueIfOffline bool `json:"queue_if_offline"`
	// FallbackOnNetworkError serves allow-listed reads from the local store
	// when the online call fails with a network error.
	FallbackOnNetworkError bool `json:"fallback_on_network_error"`
}

// DefaultOptions enables every behaviour.
func DefaultOptions() Options {
	return Options{PersistLocally: true, QueueIfOffline: true, FallbackOnNetworkError: true}
}

// Params carries operation arguments. Each operation reads the fields it needs.
type Params struct {
	CourseID         string `json:"course_id,omitempty"`
	ModuleID         string `json:"module_id,omitempty"`
	EnrollmentID     string `json:"enrollment_id,omitempty"`
	ContentID        string `json:"content_id,omitempty"`
	QuizID           string `json:"quiz_id,omitempty"`
	AttemptID        string `json:"attempt_id,omitempty"`
	QuestionID       string `json:"question_id,omitempty"`
	SelectedOptionID string `json:"selected_option_id,omitempty"`
}

// Source says where a result came from.
type Source string

const (
	SourceRemote   Source = "remote"
	SourceLocal    Source = "local"
	SourceFallback Source = "fallback"
	SourceQueued   Source = "queued"
	SourceBatched  Source = "batched"
)

// Result is the outcome of Execute.
type Result struct {
	Data   any    `json:"data"`
	Source Source `json:"source"`
	// TempID is the locally minted id of a record created while offline.
	TempID string `json:"temp_id,omitempty"`
	// QueueItemID identifies the queued mutation, if any.
	QueueItemID string `json:"queue_item_id,omitempty"`
}

// QueuedWrite describes how an offline write is recorded.
type QueuedWrite struct {
	Operation models.OperationType
	Table     string
	RecordID  string
	Payload   any
	// Data is the synthesized success returned to the caller.
	Data any
	// TempID is set when RecordID was minted locally.
	TempID string
	// Apply performs the local write so later reads observe it.
	Apply func(ctx context.Context) error
	// Batched means Apply recorded the change in an offline session's
	// progress batch and nothing should be queued.
	Batched bool
}

// Handler wires one operation.
type Handler struct {
	Write bool
	// Fallback puts a read on the allow-list for offline fallback.
	Fallback bool
	Online   func(ctx context.Context, p Params) (any, error)
	Offline  func(ctx context.Context, p Params) (any, error)
	Project  func(ctx context.Context, p Params, data any) error
	Queue    func(ctx context.Context, p Params) (*QueuedWrite, error)
}

// Deps are the router's collaborators.
type Deps struct {
	Remote    remote.Service
	Store     db.LocalStore
	Conn      Connectivity
	Queue     Enqueuer
	StudentID string
}

// Router executes operations.
type Router struct {
	remote    remote.Service
	store     db.LocalStore
	conn      Connectivity
	queue     Enqueuer
	studentID string
	now       func() time.Time

	mu       sync.RWMutex
	handlers map[Op]Handler
}

// New creates a router with every built-in operation registered.
func New(d Deps) *Router {
	r := &Router{
		remote:    d.Remote,
		store:     d.Store,
		conn:      d.Conn,
		queue:     d.Queue,
		studentID: d.StudentID,
		now:       time.Now,
		handlers:  make(map[Op]Handler),
	}
	r.registerBuiltins()
	return r
}

// SetClock replaces the clock used for local timestamps.
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// Register adds or replaces an operation.
func (r *Router) Register(op Op, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[op] = h
}

// Operations lists the registered operations.
func (r *Router) Operations() []Op {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]Op, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	return ops
}

// Execute runs op. Application errors from the remote service are returned
// verbatim; network errors are turned into a fallback only for allow-listed
// reads.
func (r *Router) Execute(ctx context.Context, op Op, p Params, opts Options) (*Result, error) {
	r.mu.RLock()
	h, ok := r.handlers[op]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.New(apperrors.ErrUnsupportedOp, "unknown operation "+string(op))
	}

	var online bool
	if h.Write {
		online = r.conn.IsOnlineFresh(ctx)
	} else {
		online = r.conn.IsOnline()
	}

	if online {
		return r.executeOnline(ctx, op, h, p, opts)
	}
	return r.executeOffline(ctx, op, h, p, opts)
}

func (r *Router) executeOnline(ctx context.Context, op Op, h Handler, p Params, opts Options) (*Result, error) {
	data, err := h.Online(ctx, p)
	if err == nil {
		if opts.PersistLocally && h.Project != nil {
			if perr := h.Project(ctx, p, data); perr != nil {
				logging.Warn("local projection failed", map[string]interface{}{
					"operation": string(op),
					"error":     perr.Error(),
				})
			}
		}
		return &Result{Data: data, Source: SourceRemote}, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !apperrors.IsNetwork(err) || h.Write || !h.Fallback || !opts.FallbackOnNetworkError || h.Offline == nil {
		return nil, err
	}

	logging.Info("falling back to local data", map[string]interface{}{
		"operation": string(op),
		"error":     err.Error(),
	})
	data, lerr := h.Offline(ctx, p)
	if lerr != nil {
		return nil, lerr
	}
	return &Result{Data: data, Source: SourceFallback}, nil
}

func (r *Router) executeOffline(ctx context.Context, op Op, h Handler, p Params, opts Options) (*Result, error) {
	if !h.Write {
		if h.Offline == nil {
			return nil, apperrors.New(apperrors.ErrOfflineUnavailable, string(op)+" requires a connection")
		}
		data, err := h.Offline(ctx, p)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Source: SourceLocal}, nil
	}

	if h.Queue == nil {
		// Local-only writes, such as lifecycle signals.
		if h.Offline == nil {
			return nil, apperrors.New(apperrors.ErrOfflineUnavailable, string(op)+" requires a connection")
		}
		data, err := h.Offline(ctx, p)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Source: SourceLocal}, nil
	}
	if !opts.QueueIfOffline {
		return nil, apperrors.New(apperrors.ErrOfflineUnavailable, string(op)+" requires a connection")
	}

	w, err := h.Queue(ctx, p)
	if err != nil {
		return nil, err
	}

	if w.Batched {
		if err := w.Apply(ctx); err != nil {
			return nil, err
		}
		return &Result{Data: w.Data, Source: SourceBatched}, nil
	}

	item, err := r.queue.Enqueue(ctx, w.Operation, w.Table, w.RecordID, w.Payload)
	if err != nil {
		return nil, err
	}
	if w.Apply != nil {
		if err := w.Apply(ctx); err != nil {
			logging.Warn("local write for queued mutation failed", map[string]interface{}{
				"operation": string(op),
				"queue_id":  item.ID,
				"error":     err.Error(),
			})
		}
	}
	return &Result{Data: w.Data, Source: SourceQueued, TempID: w.TempID, QueueItemID: item.ID}, nil
}

// Decode converts a Result's data into a concrete type, for callers that
// received it through a generic path.
func Decode[T any](res *Result) (T, error) {
	var out T
	if v, ok := res.Data.(T); ok {
		return v, nil
	}
	raw, err := json.Marshal(res.Data)
	if err != nil {
		return out, apperrors.Wrap(apperrors.ErrInternal, "encode result", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, apperrors.Wrap(apperrors.ErrInternal, "decode result", err)
	}
	return out, nil
}
