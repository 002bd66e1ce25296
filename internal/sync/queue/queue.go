// Package queue is the durable mutation queue.
//
// Every write made while offline is appended here and replayed in order by
// the sync engine. Items leave the queue only when the remote call succeeds;
// failures are recorded on the item and rescheduled with exponential backoff.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coursely/offline/internal/db"
	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/logging"
	"github.com/coursely/offline/internal/models"
	"github.com/coursely/offline/internal/uuid"
)

// Config tunes the retry schedule.
type Config struct {
	BaseDelay time.Duration // delay after the first failure (default 30s)
	MaxDelay  time.Duration // cap (default 1h)
}

// DefaultConfig returns the default retry schedule.
func DefaultConfig() Config {
	return Config{BaseDelay: 30 * time.Second, MaxDelay: time.Hour}
}

// Queue manages pending mutations on top of a QueueRepository.
type Queue struct {
	store  db.QueueRepository
	config Config
	now    func() time.Time
	// mu serialises read-modify-write on single items.
	mu sync.Mutex
}

// New creates a Queue.
func New(store db.QueueRepository, config Config) *Queue {
	def := DefaultConfig()
	if config.BaseDelay <= 0 {
		config.BaseDelay = def.BaseDelay
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = def.MaxDelay
		if config.MaxDelay < config.BaseDelay {
			config.MaxDelay = config.BaseDelay
		}
	}
	return &Queue{store: store, config: config, now: time.Now}
}

// SetClock replaces the clock used for scheduling.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Enqueue appends a mutation. payload may be a json.RawMessage or any
// JSON-marshalable value.
func (q *Queue) Enqueue(ctx context.Context, op models.OperationType, table, recordID string, payload any) (*models.MutationQueueItem, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "marshal queue payload", err)
		}
	}

	item := &models.MutationQueueItem{
		ID:            uuid.New(),
		OperationType: op,
		EntityTable:   table,
		RecordID:      recordID,
		Payload:       raw,
		CreatedAt:     q.now().Unix(),
	}
	if err := q.store.InsertQueueItem(ctx, item); err != nil {
		return nil, err
	}

	logging.Debug("mutation enqueued", map[string]interface{}{
		"id":        item.ID,
		"seq":       item.Seq,
		"operation": string(op),
		"table":     table,
		"record_id": recordID,
	})
	return item, nil
}

// Pending returns every queued item in enqueue order, including items not
// yet due and permanently failed ones.
func (q *Queue) Pending(ctx context.Context) ([]models.MutationQueueItem, error) {
	return q.store.ListQueueItems(ctx, 0)
}

// Get returns one item.
func (q *Queue) Get(ctx context.Context, id string) (*models.MutationQueueItem, error) {
	return q.store.GetQueueItem(ctx, id)
}

// Complete removes an item after its remote call succeeded.
func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.store.DeleteQueueItem(ctx, id)
}

// Fail records a failed attempt. Retryable items are rescheduled; permanent
// ones stay queued but are excluded from retry.
func (q *Queue) Fail(ctx context.Context, id string, cause error, permanent bool) (*models.MutationQueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.store.GetQueueItem(ctx, id)
	if err != nil {
		return nil, err
	}

	now := q.now()
	item.RetryCount++
	item.LastRetryAt = now.Unix()
	if cause != nil {
		item.LastError = cause.Error()
	}
	if permanent {
		item.Permanent = true
		item.NextRetryAt = 0
	} else {
		item.NextRetryAt = now.Add(Delay(item.RetryCount, q.config.BaseDelay, q.config.MaxDelay)).Unix()
	}

	if err := q.store.UpdateQueueItemFailure(ctx, item); err != nil {
		return nil, err
	}

	logging.Warn("mutation failed", map[string]interface{}{
		"id":            item.ID,
		"table":         item.EntityTable,
		"retry_count":   item.RetryCount,
		"permanent":     item.Permanent,
		"next_retry_at": item.NextRetryAt,
		"error":         item.LastError,
	})
	return item, nil
}

// Depth returns the number of queued items.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.store.CountQueueItems(ctx)
}

// RetryAll makes every retryable item due immediately.
func (q *Queue) RetryAll(ctx context.Context) (int, error) {
	n, err := q.store.ResetQueueRetries(ctx)
	if err == nil && n > 0 {
		logging.Info("queue retries reset", map[string]interface{}{"count": n})
	}
	return n, err
}

// Clear drops every queued item, losing unsynced writes.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	n, err := q.store.ClearQueue(ctx)
	if err == nil {
		logging.Warn("queue cleared", map[string]interface{}{"count": n})
	}
	return n, err
}

// Stats summarises the queue.
type Stats struct {
	Total     int `json:"total"`
	Ready     int `json:"ready"`
	Deferred  int `json:"deferred"`
	Failing   int `json:"failing"`
	Permanent int `json:"permanent"`
	// OldestAt is the enqueue time of the head item.
	OldestAt int64 `json:"oldest_at,omitempty"`
}

// Stats returns queue statistics.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	items, err := q.store.ListQueueItems(ctx, 0)
	if err != nil {
		return Stats{}, err
	}
	now := q.now()
	s := Stats{Total: len(items)}
	for i, item := range items {
		if i == 0 {
			s.OldestAt = item.CreatedAt
		}
		switch {
		case item.Permanent:
			s.Permanent++
		case item.Due(now):
			s.Ready++
		default:
			s.Deferred++
		}
		if item.RetryCount > 0 && !item.Permanent {
			s.Failing++
		}
	}
	return s, nil
}

// Delay returns the wait before retry number retryCount (1-based): base,
// then doubling, capped at max.
func Delay(retryCount int, base, max time.Duration) time.Duration {
	if retryCount < 1 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	d := base
	for i := 0; i < retryCount && d < max; i++ {
		d = b.NextBackOff()
	}
	if d > max {
		d = max
	}
	return d
}
