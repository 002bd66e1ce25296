package models

import (
	"encoding/json"
	"time"
)

// DefaultPackageVersion is the package version assumed when the server omits one.
const DefaultPackageVersion = "v1"

// ConnectivityState is the monitor's view of the world. BackendHealthy is
// only meaningful when NetworkReachable is true.
type ConnectivityState struct {
	NetworkReachable bool      `json:"network_reachable"`
	BackendHealthy   bool      `json:"backend_healthy"`
	LastHealthCheck  time.Time `json:"last_health_check"`
}

// Online reports whether both the network and the backend are usable.
func (s ConnectivityState) Online() bool {
	return s.NetworkReachable && s.BackendHealthy
}

// OfflineSession is one downloaded course package.
type OfflineSession struct {
	ID                     string `db:"id" json:"id"`
	StudentID              string `db:"student_id" json:"student_id"`
	CourseID               string `db:"course_id" json:"course_id"`
	DownloadedAt           int64  `db:"downloaded_at" json:"downloaded_at"`
	ExpiresAt              int64  `db:"expires_at" json:"expires_at"`
	PackageVersion         string `db:"package_version" json:"package_version"`
	PresignedURLExpiryDays int    `db:"presigned_url_expiry_days" json:"presigned_url_expiry_days"`
	LastSyncedAt           int64  `db:"last_synced_at" json:"last_synced_at,omitempty"`
	SyncCount              int    `db:"sync_count" json:"sync_count"`
	IsValid                bool   `db:"is_valid" json:"is_valid"`
	IsDeleted              bool   `db:"is_deleted" json:"is_deleted"`
	CreatedAt              int64  `db:"created_at" json:"created_at"`
	UpdatedAt              int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for OfflineSession.
func (OfflineSession) TableName() string {
	return "offline_sessions"
}

// Validate rejects malformed sessions.
func (s *OfflineSession) Validate() error {
	if s.ID == "" || s.StudentID == "" || s.CourseID == "" {
		return invalid("offline session", "id, student_id and course_id are required")
	}
	if s.ExpiresAt != 0 && s.ExpiresAt < s.DownloadedAt {
		return invalid("offline session", "expires_at precedes downloaded_at")
	}
	return nil
}

// Expired reports whether the session is past its expiry at now.
func (s *OfflineSession) Expired(now time.Time) bool {
	return s.ExpiresAt != 0 && now.Unix() >= s.ExpiresAt
}

// Usable reports whether the session can back offline reads at now.
func (s *OfflineSession) Usable(now time.Time) bool {
	return s.IsValid && !s.IsDeleted && !s.Expired(now)
}

// ProgressBatch bundles an offline session's accumulated progress into one
// reconciliation request.
type ProgressBatch struct {
	ID           string          `db:"id" json:"id"`
	SessionID    string          `db:"session_id" json:"session_id"`
	CourseID     string          `db:"course_id" json:"course_id"`
	BatchPayload json.RawMessage `db:"batch_data" json:"batch_payload"`
	CreatedAt    int64           `db:"created_at" json:"created_at"`
	Synced       bool            `db:"synced" json:"synced"`
	SyncedAt     int64           `db:"synced_at" json:"synced_at,omitempty"`
}

// TableName returns the table name for ProgressBatch.
func (ProgressBatch) TableName() string {
	return "offline_progress_batch"
}

// Validate rejects malformed batches.
func (b *ProgressBatch) Validate() error {
	if b.ID == "" || b.SessionID == "" || b.CourseID == "" {
		return invalid("progress batch", "id, session_id and course_id are required")
	}
	if !json.Valid(b.BatchPayload) {
		return invalid("progress batch", "payload is not valid JSON")
	}
	return nil
}

// Data decodes the batch payload.
func (b *ProgressBatch) Data() (*ProgressBatchData, error) {
	var d ProgressBatchData
	if err := json.Unmarshal(b.BatchPayload, &d); err != nil {
		return nil, invalid("progress batch", "payload: "+err.Error())
	}
	return &d, nil
}

// ProgressBatchData is the body of a progress batch.
type ProgressBatchData struct {
	EnrollmentID       string             `json:"enrollment_id"`
	ContentCompletions []ContentEvent     `json:"content_completions,omitempty"`
	ContentViews       []ContentEvent     `json:"content_views,omitempty"`
	ModuleCompletions  []ModuleCompletion `json:"module_completions,omitempty"`
	QuizAttempts       []QuizAttempt      `json:"quiz_attempts,omitempty"`
	QuizAnswers        []QuizAnswer       `json:"quiz_answers,omitempty"`
}

// ContentEvent records a content view or completion at a time.
type ContentEvent struct {
	ContentID  string `json:"content_id"`
	OccurredAt int64  `json:"occurred_at"`
}

// ModuleCompletion records a module completion at a time.
type ModuleCompletion struct {
	ModuleID    string `json:"module_id"`
	CompletedAt int64  `json:"completed_at"`
}

// Empty reports whether the batch carries nothing to sync.
func (d *ProgressBatchData) Empty() bool {
	return len(d.ContentCompletions) == 0 && len(d.ContentViews) == 0 &&
		len(d.ModuleCompletions) == 0 && len(d.QuizAttempts) == 0
}

// MediaCacheEntry indexes one cached media file. LocalPath is only valid
// when IsDownloaded is true.
type MediaCacheEntry struct {
	MediaID               string  `db:"media_id" json:"media_id"`
	CourseID              string  `db:"course_id" json:"course_id"`
	Filename              string  `db:"filename" json:"filename"`
	MediaType             string  `db:"media_type" json:"media_type"`
	LocalPath             string  `db:"local_file_path" json:"local_path,omitempty"`
	SizeBytes             int64   `db:"size_bytes" json:"size_bytes"`
	DownloadedAt          int64   `db:"downloaded_at" json:"downloaded_at,omitempty"`
	PresignedURL          string  `db:"presigned_url" json:"presigned_url,omitempty"`
	PresignedURLExpiresAt int64   `db:"presigned_url_expires_at" json:"presigned_url_expires_at,omitempty"`
	IsDownloaded          bool    `db:"is_downloaded" json:"is_downloaded"`
	DownloadProgress      float64 `db:"download_progress" json:"download_progress"`
}

// TableName returns the table name for MediaCacheEntry.
func (MediaCacheEntry) TableName() string {
	return "media_cache"
}

// Validate rejects malformed entries.
func (m *MediaCacheEntry) Validate() error {
	if m.MediaID == "" || m.CourseID == "" {
		return invalid("media cache", "media_id and course_id are required")
	}
	if m.IsDownloaded && m.LocalPath == "" {
		return invalid("media cache", "downloaded entry requires local_path")
	}
	return nil
}

// Path returns the local path if the file is usable.
func (m *MediaCacheEntry) Path() (string, bool) {
	if !m.IsDownloaded || m.LocalPath == "" {
		return "", false
	}
	return m.LocalPath, true
}

// MediaManifestEntry describes one media file of a course package. Either
// URL (presigned) or StorageKey (object store) is set.
type MediaManifestEntry struct {
	MediaID      string `json:"media_id"`
	Filename     string `json:"filename"`
	MediaType    string `json:"media_type"`
	SizeBytes    int64  `json:"size_bytes"`
	URL          string `json:"url,omitempty"`
	URLExpiresAt int64  `json:"url_expires_at,omitempty"`
	StorageKey   string `json:"storage_key,omitempty"`
}

// URLUsable reports whether the presigned URL may still be used at now.
func (e *MediaManifestEntry) URLUsable(now time.Time) bool {
	if e.URL == "" {
		return false
	}
	return e.URLExpiresAt == 0 || now.Unix() < e.URLExpiresAt
}

// CoursePackage is the full offline package for one course.
type CoursePackage struct {
	Course             Course               `json:"course"`
	User               User                 `json:"user"`
	Enrollment         Enrollment           `json:"enrollment"`
	Modules            []Module             `json:"modules"`
	ContentBlocks      []ContentBlock       `json:"content_blocks"`
	Quizzes            []Quiz               `json:"quizzes"`
	Questions          []Question           `json:"questions"`
	FinalExam          *Quiz                `json:"final_exam,omitempty"`
	FinalExamQuestions []Question           `json:"final_exam_questions,omitempty"`
	MediaManifest      []MediaManifestEntry `json:"media_manifest"`
	PackageVersion     string               `json:"package_version"`
	// ExpiresAt is the unix time the package stops being valid offline.
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// Validate checks the package and every entity it carries.
func (p *CoursePackage) Validate() error {
	if err := p.Course.Validate(); err != nil {
		return err
	}
	if err := p.User.Validate(); err != nil {
		return err
	}
	if err := p.Enrollment.Validate(); err != nil {
		return err
	}
	if p.Enrollment.CourseID != p.Course.ID {
		return invalid("course package", "enrollment is for another course")
	}
	for i := range p.Modules {
		if err := p.Modules[i].Validate(); err != nil {
			return err
		}
	}
	for i := range p.ContentBlocks {
		if err := p.ContentBlocks[i].Validate(); err != nil {
			return err
		}
	}
	for i := range p.Quizzes {
		if err := p.Quizzes[i].Validate(); err != nil {
			return err
		}
	}
	for i := range p.Questions {
		if err := p.Questions[i].Validate(); err != nil {
			return err
		}
	}
	if p.FinalExam != nil {
		if err := p.FinalExam.Validate(); err != nil {
			return err
		}
	}
	for i := range p.FinalExamQuestions {
		if err := p.FinalExamQuestions[i].Validate(); err != nil {
			return err
		}
	}
	for _, m := range p.MediaManifest {
		if m.MediaID == "" {
			return invalid("course package", "media entry without media_id")
		}
		if m.URL == "" && m.StorageKey == "" {
			return invalid("course package", "media "+m.MediaID+" has neither url nor storage_key")
		}
	}
	return nil
}

// AppMetadata is a key/value pair of local state.
type AppMetadata struct {
	Key       string `db:"key" json:"key"`
	Value     string `db:"value" json:"value"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for AppMetadata.
func (AppMetadata) TableName() string {
	return "app_metadata"
}

// Well-known metadata keys.
const (
	MetaLastSyncTime = "last_sync_time"
	MetaOfflineMode  = "offline_mode"
)

// OfflineStatistics summarises local offline state.
type OfflineStatistics struct {
	TotalSessions    int `json:"total_sessions"`
	ActiveSessions   int `json:"active_sessions"`
	ExpiredSessions  int `json:"expired_sessions"`
	TotalMediaCached int `json:"total_media_cached"`
	MediaDownloaded  int `json:"media_downloaded"`
	UnsyncedBatches  int `json:"unsynced_batches"`
	QueueDepth       int `json:"queue_depth"`
}

// SessionValidation is the server's verdict on one local session.
type SessionValidation struct {
	SessionID string `json:"session_id"`
	CourseID  string `json:"course_id"`
	Valid     bool   `json:"valid"`
	Reason    string `json:"reason,omitempty"`
}
