// Package scheduler triggers background syncs: periodically while online and
// immediately after connectivity comes back.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/logging"
	syncpkg "github.com/coursely/offline/internal/sync"
)

// Connectivity is the part of the connectivity monitor the scheduler needs.
type Connectivity interface {
	IsOnline() bool
	Subscribe() (<-chan bool, func())
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine           syncpkg.SyncEngineInterface
	conn             Connectivity
	syncInterval     time.Duration
	runTimeout       time.Duration
	drainOnReconnect bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu           sync.RWMutex
	isRunning    bool
	lastSyncTime time.Time
	lastReport   *syncpkg.SyncReport
	runs         int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval     time.Duration // How often to sync when online (default: 15 minutes)
	RunTimeout       time.Duration // Upper bound for one background run (default: 5 minutes)
	DrainOnReconnect bool          // Sync as soon as the monitor reports online again
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:     15 * time.Minute,
		RunTimeout:       5 * time.Minute,
		DrainOnReconnect: true,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.SyncEngineInterface, conn Connectivity, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	timeout := config.RunTimeout
	if timeout <= 0 {
		timeout = DefaultSchedulerConfig().RunTimeout
	}

	return &Scheduler{
		engine:           engine,
		conn:             conn,
		syncInterval:     config.SyncInterval,
		runTimeout:       timeout,
		drainOnReconnect: config.DrainOnReconnect,
	}
}

// Start starts the background sync scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	if s.syncInterval > 0 {
		s.wg.Add(1)
		go s.periodicSyncLoop(ctx, stopCh)
	}
	if s.drainOnReconnect {
		updates, unsubscribe := s.conn.Subscribe()
		s.wg.Add(1)
		go s.connectivityLoop(ctx, stopCh, updates, unsubscribe)
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_minutes":   s.syncInterval.Minutes(),
		"drain_on_reconnect": s.drainOnReconnect,
	})
}

// Stop stops the background sync scheduler and waits for running syncs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// periodicSyncLoop runs periodic sync when online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.runSync(ctx, "periodic")
		}
	}
}

// connectivityLoop syncs on every offline to online transition.
func (s *Scheduler) connectivityLoop(ctx context.Context, stopCh <-chan struct{}, updates <-chan bool, unsubscribe func()) {
	defer s.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case online := <-updates:
			if online {
				s.runSync(ctx, "reconnect")
			}
		}
	}
}

// runSync executes one background sync unless offline or already syncing.
// It reports whether a sync ran.
func (s *Scheduler) runSync(ctx context.Context, reason string) bool {
	if !s.conn.IsOnline() {
		logging.Debug("Skipping sync - offline", map[string]interface{}{"reason": reason})
		return false
	}
	if s.engine.Busy() {
		logging.Debug("Sync already in progress, skipping", map[string]interface{}{"reason": reason})
		return false
	}

	syncCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	report, err := s.engine.SyncAll(syncCtx)
	s.record(report)
	if err != nil {
		logging.ErrorWithCode("Background sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"reason": reason})
		return true
	}
	logSummary("Background sync completed", reason, report)
	return true
}

func (s *Scheduler) record(report *syncpkg.SyncReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
	if report != nil {
		s.lastReport = report
		s.lastSyncTime = report.FinishedAt
	}
}

func logSummary(msg, reason string, report *syncpkg.SyncReport) {
	if report == nil {
		return
	}
	logging.Info(msg, map[string]interface{}{
		"reason":    reason,
		"total":     report.Total,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"conflicts": len(report.Conflicts),
	})
}

// TriggerSync starts a background sync without waiting for it.
// Returns false if offline or a sync is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if !s.conn.IsOnline() || s.engine.Busy() {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSync(context.WithoutCancel(ctx), "manual")
	}()
	return true
}

// SyncNow runs a sync and waits for it. A sync already running is joined.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncReport, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	report, err := s.engine.SyncAll(syncCtx)
	s.record(report)
	if err != nil {
		return report, err
	}
	logSummary("Manual sync completed", "manual", report)
	return report, nil
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool                `json:"is_running"`
	IsOnline       bool                `json:"is_online"`
	SyncInProgress bool                `json:"sync_in_progress"`
	EngineStatus   syncpkg.SyncStatus  `json:"engine_status"`
	LastSyncTime   *time.Time          `json:"last_sync_time,omitempty"`
	LastReport     *syncpkg.SyncReport `json:"last_report,omitempty"`
	LastError      string              `json:"last_error,omitempty"`
	PendingItems   int                 `json:"pending_items"`
	Runs           int                 `json:"runs"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:  s.isRunning,
		LastReport: s.lastReport,
		Runs:       s.runs,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	s.mu.RUnlock()

	status.IsOnline = s.conn.IsOnline()
	status.SyncInProgress = s.engine.Busy()
	status.EngineStatus = s.engine.Status()
	if status.LastSyncTime == nil {
		status.LastSyncTime = s.engine.LastSync(ctx)
	}
	if err := s.engine.LastError(); err != nil {
		status.LastError = err.Error()
	}
	if n, err := s.engine.QueueDepth(ctx); err == nil {
		status.PendingItems = n
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
