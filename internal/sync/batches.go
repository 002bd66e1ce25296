package sync

import (
	"context"

	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/logging"
	"github.com/coursely/offline/internal/models"
	"github.com/coursely/offline/internal/remote"
)

// =====================================================
// Offline progress batches
// =====================================================

func (e *SyncEngine) syncBatches(ctx context.Context, stop func() bool) (*SyncReport, error) {
	report := &SyncReport{StartedAt: e.now()}
	defer func() { report.FinishedAt = e.now() }()

	batches, err := e.store.ListUnsyncedBatches(ctx, e.config.BatchLimit)
	if err != nil {
		return report, err
	}
	report.Total = len(batches)
	e.emit(SyncEvent{Type: SyncEventStarted, Phase: PhaseBatches, Total: len(batches)})

	for i := range batches {
		if stop() {
			return report, errAbandoned
		}
		b := &batches[i]
		_ = e.uploadBatch(ctx, b, report)
		e.emit(SyncEvent{Type: SyncEventProgress, Phase: PhaseBatches, Current: i + 1, Total: len(batches), ItemID: b.ID})
	}

	if len(batches) > 0 {
		logging.Info("Progress batches synced", map[string]interface{}{
			"total":     report.Total,
			"succeeded": report.Succeeded,
			"failed":    report.Failed,
			"conflicts": len(report.Conflicts),
		})
	}
	return report, nil
}

func (e *SyncEngine) uploadBatch(ctx context.Context, b *models.ProgressBatch, report *SyncReport) error {
	failed := func(err error) error {
		report.Failed++
		report.FailedIDs = append(report.FailedIDs, b.ID)
		logging.Warn("Progress batch not synced", map[string]interface{}{
			"batch_id":   b.ID,
			"session_id": b.SessionID,
			"error":      err.Error(),
		})
		return err
	}

	data, err := b.Data()
	if err != nil {
		return failed(err)
	}
	now := e.now()
	if data.Empty() {
		// Nothing to tell the server.
		if err := e.store.MarkBatchSynced(ctx, b.ID, now); err != nil {
			return failed(err)
		}
		report.Succeeded++
		return nil
	}
	if dep := tempID.FindString(string(b.BatchPayload)); dep != "" {
		return failed(apperrors.New(apperrors.ErrSyncFailed, "blocked by unsynced "+dep))
	}

	res, err := e.remote.SyncOfflineProgress(ctx, remote.SyncProgressRequest{
		SessionID: b.SessionID,
		CourseID:  b.CourseID,
		BatchID:   b.ID,
		CreatedAt: b.CreatedAt,
		Progress:  *data,
	})
	if err != nil {
		return failed(err)
	}
	report.Warnings = append(report.Warnings, res.Warnings...)
	e.recordConflicts(b.ID, res.Conflicts, report)
	if !res.Success {
		return failed(apperrors.New(apperrors.ErrSyncFailed, "server rejected progress batch "+b.ID))
	}

	if err := e.store.MarkBatchSynced(ctx, b.ID, now); err != nil {
		return failed(err)
	}
	if err := e.store.UpdateSessionSyncInfo(ctx, b.SessionID, now); err != nil {
		report.Warnings = append(report.Warnings, "could not update session "+b.SessionID+": "+err.Error())
	}

	report.Succeeded++
	report.Batches++
	return nil
}

// recordConflicts classifies the conflicts the server reported for a batch,
// whether or not it accepted the batch.
func (e *SyncEngine) recordConflicts(batchID string, conflicts []models.Conflict, report *SyncReport) {
	for _, c := range e.resolver.ClassifyAll(conflicts) {
		report.Conflicts = append(report.Conflicts, c)
		e.emit(SyncEvent{Type: SyncEventConflict, Phase: PhaseBatches, ItemID: batchID, Conflict: &c})
	}
}
