// Package sync replays queued offline mutations against the remote service
// and uploads offline progress batches.
package sync

import (
	"context"
	"time"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Drain replays the mutation queue once. A call made while a drain is
	// running joins it and receives the same report.
	Drain(ctx context.Context, opts DrainOptions) (*SyncReport, error)

	// SyncProgressBatches uploads unsynced offline progress batches.
	SyncProgressBatches(ctx context.Context) (*SyncReport, error)

	// SyncAll drains the queue, then uploads progress batches.
	SyncAll(ctx context.Context) (*SyncReport, error)

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// Busy reports whether a drain or batch upload is running.
	Busy() bool

	// LastSync returns the time of the last completed sync, if any.
	LastSync(ctx context.Context) *time.Time

	// QueueDepth returns the number of queued mutations.
	QueueDepth(ctx context.Context) (int, error)

	// LastError returns the last error that occurred during sync.
	LastError() error
}

var _ SyncEngineInterface = (*SyncEngine)(nil)
