package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/coursely/offline/internal/db"
	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/logging"
	"github.com/coursely/offline/internal/models"
	"github.com/coursely/offline/internal/remote"
	"github.com/coursely/offline/internal/sync/conflict"
	"github.com/coursely/offline/internal/uuid"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// MutationQueue is the durable queue the engine drains.
type MutationQueue interface {
	Pending(ctx context.Context) ([]models.MutationQueueItem, error)
	Get(ctx context.Context, id string) (*models.MutationQueueItem, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error, permanent bool) (*models.MutationQueueItem, error)
	Depth(ctx context.Context) (int, error)
}

// Store is the local persistence the engine reconciles into.
type Store interface {
	db.BatchRepository
	db.SessionRepository
	db.MetadataRepository
	ReplaceID(ctx context.Context, table, tempID, canonicalID string) error
}

// Remote is the remote surface used for replay and batch upload.
type Remote interface {
	remote.Caller
	SyncOfflineProgress(ctx context.Context, req remote.SyncProgressRequest) (*models.SyncProgressResult, error)
}

// DrainOptions controls one drain.
type DrainOptions struct {
	// Force attempts items whose retry time has not come yet. Permanently
	// failed items are never attempted.
	Force bool `json:"force"`
}

// SyncReport summarises a drain or batch upload.
type SyncReport struct {
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failed_ids,omitempty"`
	// PermanentFailures lists items marked permanent during this run.
	PermanentFailures []string `json:"permanent_failures,omitempty"`
	// Deferred counts items skipped because their retry time has not come.
	Deferred int `json:"deferred"`
	// Skipped counts items already marked permanent.
	Skipped    int                   `json:"skipped"`
	Batches    int                   `json:"batches"`
	Conflicts  []conflict.Classified `json:"conflicts,omitempty"`
	Warnings   []string              `json:"warnings,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
}

// merge folds other into r.
func (r *SyncReport) merge(other *SyncReport) {
	if other == nil {
		return
	}
	r.Total += other.Total
	r.Succeeded += other.Succeeded
	r.Failed += other.Failed
	r.FailedIDs = append(r.FailedIDs, other.FailedIDs...)
	r.PermanentFailures = append(r.PermanentFailures, other.PermanentFailures...)
	r.Deferred += other.Deferred
	r.Skipped += other.Skipped
	r.Batches += other.Batches
	r.Conflicts = append(r.Conflicts, other.Conflicts...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	if r.StartedAt.IsZero() || (!other.StartedAt.IsZero() && other.StartedAt.Before(r.StartedAt)) {
		r.StartedAt = other.StartedAt
	}
	if other.FinishedAt.After(r.FinishedAt) {
		r.FinishedAt = other.FinishedAt
	}
}

// Config tunes the engine.
type Config struct {
	// BatchLimit caps the progress batches uploaded per run.
	BatchLimit int
	// ConflictFallback is the policy assumed for conflicts the server did
	// not label.
	ConflictFallback string
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{BatchLimit: 50, ConflictFallback: models.PolicyServerWins}
}

// SyncEngine replays the mutation queue and uploads progress batches.
type SyncEngine struct {
	queue    MutationQueue
	store    Store
	remote   Remote
	resolver *conflict.Resolver
	config   Config
	now      func() time.Time

	flights singleflight.Group
	running atomic.Int32

	waitMu  sync.Mutex
	waiters map[string]int

	mu       sync.RWMutex
	status   SyncStatus
	lastErr  error
	handler  SyncEventHandler
	progress chan SyncEvent
}

// NewSyncEngine creates a new SyncEngine.
func NewSyncEngine(q MutationQueue, store Store, rem Remote, config Config) *SyncEngine {
	if config.BatchLimit <= 0 {
		config.BatchLimit = DefaultConfig().BatchLimit
	}
	return &SyncEngine{
		queue:    q,
		store:    store,
		remote:   rem,
		resolver: conflict.NewResolver(config.ConflictFallback),
		config:   config,
		now:      time.Now,
		status:   SyncStatusIdle,
		waiters:  make(map[string]int),
		progress: make(chan SyncEvent, 64),
	}
}

// SetClock replaces the engine's clock.
func (e *SyncEngine) SetClock(now func() time.Time) {
	e.now = now
}

// Status returns the current sync status.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Busy reports whether a run is in flight.
func (e *SyncEngine) Busy() bool {
	return e.running.Load() > 0
}

// LastError returns the last sync error.
func (e *SyncEngine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// LastSync returns the time of the last completed run, read from app
// metadata so it survives restarts.
func (e *SyncEngine) LastSync(ctx context.Context) *time.Time {
	v, ok, err := e.store.GetMetadata(ctx, models.MetaLastSyncTime)
	if err != nil || !ok {
		return nil
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(sec, 0)
	return &t
}

// QueueDepth returns the number of queued mutations.
func (e *SyncEngine) QueueDepth(ctx context.Context) (int, error) {
	return e.queue.Depth(ctx)
}

// Progress returns the engine's event stream. Events are dropped when
// nobody reads.
func (e *SyncEngine) Progress() <-chan SyncEvent {
	return e.progress
}

// =====================================================
// Runs
// =====================================================

// Drain replays every due queued mutation once, oldest first. A concurrent
// call joins the running drain and receives its report; its options are
// ignored.
//
// Cancelling ctx only stops the caller from waiting. The run stops between
// items once no caller is waiting; a request already sent is allowed to
// finish and its outcome is recorded.
func (e *SyncEngine) Drain(ctx context.Context, opts DrainOptions) (*SyncReport, error) {
	return e.join(ctx, "drain", func(run context.Context, stop func() bool) (*SyncReport, error) {
		return e.drain(run, stop, opts)
	})
}

// SyncProgressBatches uploads unsynced offline progress batches, oldest
// first. Concurrent calls join, as with Drain.
func (e *SyncEngine) SyncProgressBatches(ctx context.Context) (*SyncReport, error) {
	return e.join(ctx, "batches", func(run context.Context, stop func() bool) (*SyncReport, error) {
		return e.syncBatches(run, stop)
	})
}

// SyncAll drains the queue, then uploads progress batches. Batches are
// attempted even when the drain left failures behind.
func (e *SyncEngine) SyncAll(ctx context.Context) (*SyncReport, error) {
	report := &SyncReport{}
	drained, err := e.Drain(ctx, DrainOptions{})
	report.merge(drained)
	if err != nil {
		return report, err
	}
	batches, err := e.SyncProgressBatches(ctx)
	report.merge(batches)
	return report, err
}

// errAbandoned ends a run that nobody waits for any more.
var errAbandoned = apperrors.New(apperrors.ErrSyncFailed, "sync abandoned: no caller is waiting")

type runFunc func(run context.Context, stop func() bool) (*SyncReport, error)

// join runs fn once per key. The run uses a context that is never
// cancelled; stop reports whether every waiting caller has gone.
func (e *SyncEngine) join(ctx context.Context, key string, fn runFunc) (*SyncReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.addWaiter(key, 1)
	defer e.addWaiter(key, -1)

	run := context.WithoutCancel(ctx)
	stop := func() bool { return e.waiting(key) == 0 }
	for {
		ch := e.flights.DoChan(key, func() (any, error) {
			e.running.Add(1)
			e.setStatus(SyncStatusSyncing, nil)
			defer e.running.Add(-1)

			report, err := fn(run, stop)
			e.finish(report, err)
			return report, err
		})

		select {
		case res := <-ch:
			if res.Err == errAbandoned {
				// Joined a run that was already winding down.
				continue
			}
			report, _ := res.Val.(*SyncReport)
			if res.Shared {
				logging.Debug("joined running sync", map[string]interface{}{"run": key})
			}
			return report, res.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *SyncEngine) addWaiter(key string, delta int) {
	e.waitMu.Lock()
	e.waiters[key] += delta
	e.waitMu.Unlock()
}

func (e *SyncEngine) waiting(key string) int {
	e.waitMu.Lock()
	defer e.waitMu.Unlock()
	return e.waiters[key]
}

func (e *SyncEngine) setStatus(s SyncStatus, err error) {
	e.mu.Lock()
	e.status = s
	if s == SyncStatusSyncing {
		e.lastErr = nil
	} else {
		e.lastErr = err
	}
	e.mu.Unlock()
}

func (e *SyncEngine) finish(report *SyncReport, err error) {
	if err == nil && report != nil && report.Failed > 0 {
		err = apperrors.New(apperrors.ErrSyncFailed,
			fmt.Sprintf("%d of %d items failed", report.Failed, report.Total))
	}

	if e.running.Load() > 1 {
		// Another run is still going; it reports the final status.
		e.mu.Lock()
		if err != nil {
			e.lastErr = err
		}
		e.mu.Unlock()
	} else if err != nil {
		e.setStatus(SyncStatusFailed, err)
	} else {
		e.setStatus(SyncStatusIdle, nil)
	}

	if err != nil && (report == nil || report.Failed == 0) {
		e.emit(SyncEvent{Type: SyncEventFailed, Error: err.Error(), Report: report})
		return
	}
	e.emit(SyncEvent{Type: SyncEventCompleted, Report: report})
}

// =====================================================
// Queue drain
// =====================================================

func (e *SyncEngine) drain(ctx context.Context, stop func() bool, opts DrainOptions) (*SyncReport, error) {
	report := &SyncReport{StartedAt: e.now()}
	defer func() { report.FinishedAt = e.now() }()

	items, err := e.queue.Pending(ctx)
	if err != nil {
		return report, err
	}
	report.Total = len(items)
	e.emit(SyncEvent{Type: SyncEventStarted, Phase: PhaseQueue, Total: len(items)})
	logging.Info("Draining mutation queue", map[string]interface{}{
		"items": len(items),
		"force": opts.Force,
	})

	for i := range items {
		if stop() {
			return report, errAbandoned
		}

		// Earlier replays may have rewritten this item's ids.
		item, err := e.queue.Get(ctx, items[i].ID)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			report.Failed++
			report.FailedIDs = append(report.FailedIDs, items[i].ID)
			continue
		}

		switch {
		case item.Permanent:
			report.Skipped++
			continue
		case !opts.Force && !item.Due(e.now()):
			report.Deferred++
			continue
		}

		_ = e.replay(ctx, item, report)
		e.emit(SyncEvent{Type: SyncEventProgress, Phase: PhaseQueue, Current: i + 1, Total: len(items), ItemID: item.ID})
	}

	if err := e.store.SetMetadata(ctx, models.MetaLastSyncTime, strconv.FormatInt(e.now().Unix(), 10)); err != nil {
		report.Warnings = append(report.Warnings, "could not record last sync time: "+err.Error())
	}

	logging.Info("Mutation queue drained", map[string]interface{}{
		"total":     report.Total,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"deferred":  report.Deferred,
		"skipped":   report.Skipped,
	})
	return report, nil
}

// replay sends one item. Failures are recorded on the item and in the
// report; the returned error only tells the caller the item did not
// succeed.
func (e *SyncEngine) replay(ctx context.Context, item *models.MutationQueueItem, report *SyncReport) error {
	fail := func(cause error, permanent bool) error {
		report.Failed++
		report.FailedIDs = append(report.FailedIDs, item.ID)
		if permanent {
			report.PermanentFailures = append(report.PermanentFailures, item.ID)
		}
		if _, err := e.queue.Fail(ctx, item.ID, cause, permanent); err != nil {
			logging.Error("Failed to record mutation failure", err, map[string]interface{}{"id": item.ID})
		}
		return cause
	}

	ep, ok := LookupEndpoint(item.EntityTable, item.OperationType)
	if !ok {
		return fail(apperrors.New(apperrors.ErrUnmappedOperation,
			fmt.Sprintf("no endpoint for %s on %s", item.OperationType, item.EntityTable)), true)
	}
	if dep := blockedBy(item); dep != "" {
		return fail(apperrors.New(apperrors.ErrSyncFailed, "blocked by unsynced "+dep), false)
	}
	req, err := ep.build(item)
	if err != nil {
		return fail(err, true)
	}

	var raw json.RawMessage
	var body any
	if req.body != nil {
		body = req.body
	}
	err = e.remote.Call(ctx, req.method, req.path, body, &raw)
	if err != nil && ep.MissingIsDone && apperrors.Is(err, apperrors.ErrNotFound) {
		err = nil
	}
	if err != nil {
		return fail(err, false)
	}

	if ep.Canonical && uuid.IsTemp(item.RecordID) {
		e.reconcile(ctx, item, raw, report)
	}
	if err := e.queue.Complete(ctx, item.ID); err != nil {
		report.Warnings = append(report.Warnings, "replayed "+item.ID+" but could not dequeue it: "+err.Error())
		logging.Error("Failed to dequeue replayed mutation", err, map[string]interface{}{"id": item.ID})
	}
	report.Succeeded++
	logging.Debug("Mutation replayed", map[string]interface{}{
		"id":     item.ID,
		"table":  item.EntityTable,
		"method": req.method,
		"path":   req.path,
	})
	return nil
}

// reconcile swaps the item's local id for the one the server assigned.
func (e *SyncEngine) reconcile(ctx context.Context, item *models.MutationQueueItem, raw json.RawMessage, report *SyncReport) {
	var res models.MutationResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			report.Warnings = append(report.Warnings, "unreadable response for "+item.RecordID+": "+err.Error())
			return
		}
	}
	if res.ID == "" {
		report.Warnings = append(report.Warnings, "server returned no id for "+item.RecordID)
		return
	}
	if err := e.store.ReplaceID(ctx, item.EntityTable, item.RecordID, res.ID); err != nil {
		report.Warnings = append(report.Warnings, "could not reconcile "+item.RecordID+": "+err.Error())
		logging.Error("Failed to reconcile local id", err, map[string]interface{}{
			"table":        item.EntityTable,
			"temp_id":      item.RecordID,
			"canonical_id": res.ID,
		})
		return
	}
	logging.Info("Local id reconciled", map[string]interface{}{
		"table":        item.EntityTable,
		"temp_id":      item.RecordID,
		"canonical_id": res.ID,
	})
}
