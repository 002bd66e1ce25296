package offline

import (
	"context"

	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/logging"
	"github.com/coursely/offline/internal/models"
	"github.com/coursely/offline/internal/remote"
)

// =====================================================
// Session management
// =====================================================

// ListSessions returns the student's offline sessions, newest first. An
// empty studentID lists every session.
func (d *Downloader) ListSessions(ctx context.Context, studentID string) ([]models.OfflineSession, error) {
	sessions, err := d.store.ListOfflineSessions(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []models.OfflineSession{}
	}
	return sessions, nil
}

// DeleteOfflineCourse removes a downloaded course: the session is
// soft-deleted and its cached media files and index rows are removed.
// Unsynced progress batches are kept.
func (d *Downloader) DeleteOfflineCourse(ctx context.Context, sessionID string) error {
	session, err := d.store.GetOfflineSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if run, ok := d.Current(); ok && run.CourseID == session.CourseID {
		return apperrors.New(apperrors.ErrDownloadInProgress, "course "+session.CourseID+" is being downloaded")
	}

	if !session.IsDeleted {
		if err := d.store.SoftDeleteSession(ctx, sessionID); err != nil {
			return err
		}
	}
	if err := d.cache.RemoveCourse(session.CourseID); err != nil {
		return err
	}
	removed, err := d.store.DeleteMediaEntries(ctx, session.CourseID)
	if err != nil {
		return err
	}

	logging.Info("Offline course deleted", map[string]interface{}{
		"session_id":    sessionID,
		"course_id":     session.CourseID,
		"media_removed": removed,
	})
	return nil
}

// ValidateSessions asks the server whether the student's sessions are still
// valid and records the verdicts. Sessions past their local expiry are
// invalidated without asking.
func (d *Downloader) ValidateSessions(ctx context.Context, studentID string) ([]models.SessionValidation, error) {
	sessions, err := d.store.ListOfflineSessions(ctx, studentID)
	if err != nil {
		return nil, err
	}

	now := d.now()
	verdicts := make([]models.SessionValidation, 0, len(sessions))
	refs := make([]remote.SessionRef, 0, len(sessions))
	for _, s := range sessions {
		if s.Expired(now) {
			if s.IsValid {
				if err := d.store.SetSessionValid(ctx, s.ID, false); err != nil {
					return nil, err
				}
			}
			verdicts = append(verdicts, models.SessionValidation{
				SessionID: s.ID, CourseID: s.CourseID, Valid: false, Reason: "expired",
			})
			continue
		}
		refs = append(refs, remote.SessionRef{
			SessionID:      s.ID,
			CourseID:       s.CourseID,
			PackageVersion: s.PackageVersion,
		})
	}
	if len(refs) == 0 {
		return verdicts, nil
	}

	remoteVerdicts, err := d.remote.ValidateOfflineSessions(ctx, refs)
	if err != nil {
		return nil, err
	}
	for _, v := range remoteVerdicts {
		if err := d.store.SetSessionValid(ctx, v.SessionID, v.Valid); err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !v.Valid {
			logging.Warn("Offline session invalidated by server", map[string]interface{}{
				"session_id": v.SessionID,
				"course_id":  v.CourseID,
				"reason":     v.Reason,
			})
		}
		verdicts = append(verdicts, v)
	}
	return verdicts, nil
}

// PurgeResult counts rows removed by PurgeExpired.
type PurgeResult struct {
	Sessions int `json:"sessions"`
	Batches  int `json:"batches"`
}

// PurgeExpired soft-deletes sessions expired more than daysOld days ago and
// removes progress batches synced more than daysOld days ago.
func (d *Downloader) PurgeExpired(ctx context.Context, daysOld int) (*PurgeResult, error) {
	if daysOld < 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "days must not be negative")
	}
	sessions, err := d.store.PurgeExpiredSessions(ctx, daysOld)
	if err != nil {
		return nil, err
	}
	batches, err := d.store.DeleteSyncedBatches(ctx, daysOld)
	if err != nil {
		return nil, err
	}
	if sessions > 0 || batches > 0 {
		logging.Info("Expired offline data purged", map[string]interface{}{
			"sessions": sessions,
			"batches":  batches,
		})
	}
	return &PurgeResult{Sessions: sessions, Batches: batches}, nil
}
