package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/models"
)

const day = int64(24 * time.Hour / time.Second)

// =====================================================
// Sync Queue Operations
// =====================================================

const selectQueueSQL = `
SELECT seq, id, operation_type, table_name, record_id, data, retry_count,
	error_message, last_retry_at, next_retry_at, permanent, created_at
FROM sync_queue`

func scanQueueItem(s interface{ Scan(...any) error }) (models.MutationQueueItem, error) {
	var q models.MutationQueueItem
	var op, data string
	err := s.Scan(&q.Seq, &q.ID, &op, &q.EntityTable, &q.RecordID, &data, &q.RetryCount,
		&q.LastError, &q.LastRetryAt, &q.NextRetryAt, &q.Permanent, &q.CreatedAt)
	q.OperationType = models.OperationType(op)
	q.Payload = json.RawMessage(data)
	return q, err
}

// InsertQueueItem appends an item to the queue.
func (r *Repository) InsertQueueItem(ctx context.Context, item *models.MutationQueueItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if item.CreatedAt == 0 {
		item.CreatedAt = r.now().Unix()
	}
	payload := string(item.Payload)
	if payload == "" {
		payload = "{}"
	}
	res, err := r.db.ExecContext(ctx, `
	INSERT INTO sync_queue (id, operation_type, table_name, record_id, data, retry_count,
		error_message, last_retry_at, next_retry_at, permanent, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.OperationType), item.EntityTable, item.RecordID, payload,
		item.RetryCount, item.LastError, item.LastRetryAt, item.NextRetryAt, item.Permanent,
		item.CreatedAt)
	if err != nil {
		return dbErr("insert queue item", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		item.Seq = seq
	}
	return nil
}

// GetQueueItem retrieves a queue item by ID.
func (r *Repository) GetQueueItem(ctx context.Context, id string) (*models.MutationQueueItem, error) {
	q, err := scanQueueItem(r.db.QueryRowContext(ctx, selectQueueSQL+" WHERE id = ?", id))
	if err != nil {
		return nil, dbErr("get queue item", err)
	}
	return &q, nil
}

// ListQueueItems returns items in enqueue order.
func (r *Repository) ListQueueItems(ctx context.Context, limit int) ([]models.MutationQueueItem, error) {
	if limit <= 0 {
		limit = -1
	}
	stmt, err := r.PrepareStmt(ctx, selectQueueSQL+" ORDER BY seq ASC LIMIT ?")
	if err != nil {
		return nil, dbErr("list queue items", err)
	}
	rows, err := stmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, dbErr("list queue items", err)
	}
	defer rows.Close()

	var out []models.MutationQueueItem
	for rows.Next() {
		q, err := scanQueueItem(rows)
		if err != nil {
			return nil, dbErr("scan queue item", err)
		}
		out = append(out, q)
	}
	return out, dbErr("list queue items", rows.Err())
}

// UpdateQueueItemFailure stores retry bookkeeping.
func (r *Repository) UpdateQueueItemFailure(ctx context.Context, item *models.MutationQueueItem) error {
	res, err := r.db.ExecContext(ctx, `
	UPDATE sync_queue SET retry_count = ?, error_message = ?, last_retry_at = ?,
		next_retry_at = ?, permanent = ?
	WHERE id = ?`,
		item.RetryCount, item.LastError, item.LastRetryAt, item.NextRetryAt, item.Permanent, item.ID)
	if err != nil {
		return dbErr("update queue item", err)
	}
	if affected(res) == 0 {
		return dbErr("update queue item", sql.ErrNoRows)
	}
	return nil
}

// DeleteQueueItem removes an item.
func (r *Repository) DeleteQueueItem(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", id)
	return dbErr("delete queue item", err)
}

// CountQueueItems returns the queue depth.
func (r *Repository) CountQueueItems(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&n)
	return n, dbErr("count queue items", err)
}

// ResetQueueRetries clears the retry schedule of retryable items.
func (r *Repository) ResetQueueRetries(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE sync_queue SET next_retry_at = 0 WHERE permanent = 0 AND next_retry_at != 0")
	if err != nil {
		return 0, dbErr("reset queue retries", err)
	}
	return affected(res), nil
}

// ClearQueue removes every item.
func (r *Repository) ClearQueue(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM sync_queue")
	if err != nil {
		return 0, dbErr("clear queue", err)
	}
	return affected(res), nil
}

// =====================================================
// Offline Session Operations
// =====================================================

const upsertSessionSQL = `
INSERT INTO offline_sessions (id, student_id, course_id, downloaded_at, expires_at,
	package_version, presigned_url_expiry_days, last_synced_at, sync_count, is_valid,
	is_deleted, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	downloaded_at = excluded.downloaded_at, expires_at = excluded.expires_at,
	package_version = excluded.package_version,
	presigned_url_expiry_days = excluded.presigned_url_expiry_days,
	is_valid = excluded.is_valid, is_deleted = excluded.is_deleted,
	updated_at = excluded.updated_at`

func upsertSession(ctx context.Context, ex execer, s *models.OfflineSession, now int64) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.PackageVersion == "" {
		s.PackageVersion = models.DefaultPackageVersion
	}
	if s.CreatedAt == 0 {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	_, err := ex.ExecContext(ctx, upsertSessionSQL, s.ID, s.StudentID, s.CourseID,
		s.DownloadedAt, s.ExpiresAt, s.PackageVersion, s.PresignedURLExpiryDays,
		s.LastSyncedAt, s.SyncCount, s.IsValid, s.IsDeleted, s.CreatedAt, s.UpdatedAt)
	return dbErr("upsert offline session", err)
}

// UpsertOfflineSession inserts or updates a session.
func (r *Repository) UpsertOfflineSession(ctx context.Context, s *models.OfflineSession) error {
	return upsertSession(ctx, r.db, s, r.now().Unix())
}

const selectSessionSQL = `
SELECT id, student_id, course_id, downloaded_at, expires_at, package_version,
	presigned_url_expiry_days, last_synced_at, sync_count, is_valid, is_deleted,
	created_at, updated_at
FROM offline_sessions`

func scanSession(s interface{ Scan(...any) error }) (models.OfflineSession, error) {
	var o models.OfflineSession
	err := s.Scan(&o.ID, &o.StudentID, &o.CourseID, &o.DownloadedAt, &o.ExpiresAt,
		&o.PackageVersion, &o.PresignedURLExpiryDays, &o.LastSyncedAt, &o.SyncCount,
		&o.IsValid, &o.IsDeleted, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// GetOfflineSession retrieves a session by ID, deleted or not.
func (r *Repository) GetOfflineSession(ctx context.Context, id string) (*models.OfflineSession, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, selectSessionSQL+" WHERE id = ?", id))
	if err != nil {
		return nil, dbErr("get offline session", err)
	}
	return &s, nil
}

// FindActiveSession returns the newest non-deleted session for the course.
func (r *Repository) FindActiveSession(ctx context.Context, studentID, courseID string) (*models.OfflineSession, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, selectSessionSQL+`
	WHERE student_id = ? AND course_id = ? AND is_deleted = 0
	ORDER BY downloaded_at DESC LIMIT 1`, studentID, courseID))
	if err != nil {
		return nil, dbErr("find offline session", err)
	}
	return &s, nil
}

// ListOfflineSessions returns non-deleted sessions; empty studentID lists all.
func (r *Repository) ListOfflineSessions(ctx context.Context, studentID string) ([]models.OfflineSession, error) {
	query := selectSessionSQL + " WHERE is_deleted = 0"
	var args []any
	if studentID != "" {
		query += " AND student_id = ?"
		args = append(args, studentID)
	}
	query += " ORDER BY downloaded_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("list offline sessions", err)
	}
	defer rows.Close()

	var out []models.OfflineSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, dbErr("scan offline session", err)
		}
		out = append(out, s)
	}
	return out, dbErr("list offline sessions", rows.Err())
}

// UpdateSessionSyncInfo records a successful reconciliation.
func (r *Repository) UpdateSessionSyncInfo(ctx context.Context, id string, syncedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
	UPDATE offline_sessions SET last_synced_at = ?, sync_count = sync_count + 1, updated_at = ?
	WHERE id = ?`, syncedAt.Unix(), r.now().Unix(), id)
	if err != nil {
		return dbErr("update session sync info", err)
	}
	if affected(res) == 0 {
		return dbErr("update session sync info", sql.ErrNoRows)
	}
	return nil
}

// SetSessionValid flips the validity flag.
func (r *Repository) SetSessionValid(ctx context.Context, id string, valid bool) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE offline_sessions SET is_valid = ?, updated_at = ? WHERE id = ?", valid, r.now().Unix(), id)
	return dbErr("set session validity", err)
}

// SoftDeleteSession marks a session deleted and invalid.
func (r *Repository) SoftDeleteSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE offline_sessions SET is_deleted = 1, is_valid = 0, updated_at = ? WHERE id = ?", r.now().Unix(), id)
	if err != nil {
		return dbErr("delete offline session", err)
	}
	if affected(res) == 0 {
		return dbErr("delete offline session", sql.ErrNoRows)
	}
	return nil
}

// PurgeExpiredSessions soft-deletes sessions expired more than daysOld ago.
func (r *Repository) PurgeExpiredSessions(ctx context.Context, daysOld int) (int, error) {
	now := r.now().Unix()
	cutoff := now - int64(daysOld)*day
	res, err := r.db.ExecContext(ctx, `
	UPDATE offline_sessions SET is_deleted = 1, is_valid = 0, updated_at = ?
	WHERE expires_at < ? AND is_deleted = 0`, now, cutoff)
	if err != nil {
		return 0, dbErr("purge expired sessions", err)
	}
	return affected(res), nil
}

// =====================================================
// Media Cache Operations
// =====================================================

// UpsertMediaEntry inserts or updates a media cache row.
func (r *Repository) UpsertMediaEntry(ctx context.Context, m *models.MediaCacheEntry) error {
	if err := m.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO media_cache (media_id, course_id, filename, media_type, local_file_path,
		size_bytes, downloaded_at, presigned_url, presigned_url_expires_at, is_downloaded,
		download_progress)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(media_id) DO UPDATE SET
		course_id = excluded.course_id, filename = excluded.filename,
		media_type = excluded.media_type, local_file_path = excluded.local_file_path,
		size_bytes = excluded.size_bytes, downloaded_at = excluded.downloaded_at,
		presigned_url = excluded.presigned_url,
		presigned_url_expires_at = excluded.presigned_url_expires_at,
		is_downloaded = excluded.is_downloaded, download_progress = excluded.download_progress`,
		m.MediaID, m.CourseID, m.Filename, m.MediaType, m.LocalPath, m.SizeBytes,
		m.DownloadedAt, m.PresignedURL, m.PresignedURLExpiresAt, m.IsDownloaded,
		m.DownloadProgress)
	return dbErr("upsert media entry", err)
}

const selectMediaSQL = `
SELECT media_id, course_id, filename, media_type, local_file_path, size_bytes,
	downloaded_at, presigned_url, presigned_url_expires_at, is_downloaded, download_progress
FROM media_cache`

func scanMedia(s interface{ Scan(...any) error }) (models.MediaCacheEntry, error) {
	var m models.MediaCacheEntry
	err := s.Scan(&m.MediaID, &m.CourseID, &m.Filename, &m.MediaType, &m.LocalPath,
		&m.SizeBytes, &m.DownloadedAt, &m.PresignedURL, &m.PresignedURLExpiresAt,
		&m.IsDownloaded, &m.DownloadProgress)
	return m, err
}

// GetMediaEntry retrieves a media cache row.
func (r *Repository) GetMediaEntry(ctx context.Context, mediaID string) (*models.MediaCacheEntry, error) {
	m, err := scanMedia(r.db.QueryRowContext(ctx, selectMediaSQL+" WHERE media_id = ?", mediaID))
	if err != nil {
		return nil, dbErr("get media entry", err)
	}
	return &m, nil
}

// ListMediaEntries returns a course's media rows.
func (r *Repository) ListMediaEntries(ctx context.Context, courseID string) ([]models.MediaCacheEntry, error) {
	rows, err := r.db.QueryContext(ctx, selectMediaSQL+" WHERE course_id = ? ORDER BY media_id", courseID)
	if err != nil {
		return nil, dbErr("list media entries", err)
	}
	defer rows.Close()

	var out []models.MediaCacheEntry
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, dbErr("scan media entry", err)
		}
		out = append(out, m)
	}
	return out, dbErr("list media entries", rows.Err())
}

// UpdateMediaProgress stores the per-file download percentage.
func (r *Repository) UpdateMediaProgress(ctx context.Context, mediaID string, progress float64) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE media_cache SET download_progress = ? WHERE media_id = ?", progress, mediaID)
	return dbErr("update media progress", err)
}

// DeleteMediaEntries removes a course's media rows.
func (r *Repository) DeleteMediaEntries(ctx context.Context, courseID string) (int, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM media_cache WHERE course_id = ?", courseID)
	if err != nil {
		return 0, dbErr("delete media entries", err)
	}
	return affected(res), nil
}

// =====================================================
// Progress Batch Operations
// =====================================================

// InsertProgressBatch stores a new batch.
func (r *Repository) InsertProgressBatch(ctx context.Context, b *models.ProgressBatch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if b.CreatedAt == 0 {
		b.CreatedAt = r.now().Unix()
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO offline_progress_batch (id, session_id, course_id, batch_data, created_at, synced, synced_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.SessionID, b.CourseID, string(b.BatchPayload), b.CreatedAt, b.Synced, b.SyncedAt)
	return dbErr("insert progress batch", err)
}

const selectBatchSQL = `
SELECT id, session_id, course_id, batch_data, created_at, synced, synced_at
FROM offline_progress_batch`

func scanBatch(s interface{ Scan(...any) error }) (models.ProgressBatch, error) {
	var b models.ProgressBatch
	var data string
	err := s.Scan(&b.ID, &b.SessionID, &b.CourseID, &data, &b.CreatedAt, &b.Synced, &b.SyncedAt)
	b.BatchPayload = json.RawMessage(data)
	return b, err
}

// OpenBatch returns the newest unsynced batch of a session.
func (r *Repository) OpenBatch(ctx context.Context, sessionID string) (*models.ProgressBatch, error) {
	b, err := scanBatch(r.db.QueryRowContext(ctx, selectBatchSQL+`
	WHERE session_id = ? AND synced = 0 ORDER BY created_at DESC, id DESC LIMIT 1`, sessionID))
	if err != nil {
		return nil, dbErr("open progress batch", err)
	}
	return &b, nil
}

// UpdateBatchPayload replaces the payload of an unsynced batch.
func (r *Repository) UpdateBatchPayload(ctx context.Context, id string, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return apperrors.New(apperrors.ErrValidation, "progress batch: payload is not valid JSON")
	}
	res, err := r.db.ExecContext(ctx,
		"UPDATE offline_progress_batch SET batch_data = ? WHERE id = ? AND synced = 0", string(payload), id)
	if err != nil {
		return dbErr("update progress batch", err)
	}
	if affected(res) == 0 {
		return dbErr("update progress batch", sql.ErrNoRows)
	}
	return nil
}

// ListUnsyncedBatches returns unsynced batches oldest first.
func (r *Repository) ListUnsyncedBatches(ctx context.Context, limit int) ([]models.ProgressBatch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		selectBatchSQL+" WHERE synced = 0 ORDER BY created_at ASC, id ASC LIMIT ?", limit)
	if err != nil {
		return nil, dbErr("list unsynced batches", err)
	}
	defer rows.Close()

	var out []models.ProgressBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, dbErr("scan progress batch", err)
		}
		out = append(out, b)
	}
	return out, dbErr("list unsynced batches", rows.Err())
}

// MarkBatchSynced flags a batch as reconciled.
func (r *Repository) MarkBatchSynced(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE offline_progress_batch SET synced = 1, synced_at = ? WHERE id = ?", at.Unix(), id)
	return dbErr("mark batch synced", err)
}

// DeleteSyncedBatches removes batches synced more than daysOld ago.
func (r *Repository) DeleteSyncedBatches(ctx context.Context, daysOld int) (int, error) {
	cutoff := r.now().Unix() - int64(daysOld)*day
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM offline_progress_batch WHERE synced = 1 AND synced_at < ?", cutoff)
	if err != nil {
		return 0, dbErr("delete synced batches", err)
	}
	return affected(res), nil
}

// =====================================================
// Statistics
// =====================================================

// Statistics summarises local offline state.
func (r *Repository) Statistics(ctx context.Context) (*models.OfflineStatistics, error) {
	now := r.now().Unix()
	var s models.OfflineStatistics
	err := r.db.QueryRowContext(ctx, `
	SELECT
		(SELECT COUNT(*) FROM offline_sessions WHERE is_deleted = 0),
		(SELECT COUNT(*) FROM offline_sessions WHERE is_deleted = 0 AND expires_at >= ?),
		(SELECT COUNT(*) FROM offline_sessions WHERE is_deleted = 0 AND expires_at < ?),
		(SELECT COUNT(*) FROM media_cache),
		(SELECT COUNT(*) FROM media_cache WHERE is_downloaded = 1),
		(SELECT COUNT(*) FROM offline_progress_batch WHERE synced = 0),
		(SELECT COUNT(*) FROM sync_queue)`, now, now).Scan(
		&s.TotalSessions, &s.ActiveSessions, &s.ExpiredSessions, &s.TotalMediaCached,
		&s.MediaDownloaded, &s.UnsyncedBatches, &s.QueueDepth)
	if err != nil {
		return nil, dbErr("offline statistics", err)
	}
	return &s, nil
}
