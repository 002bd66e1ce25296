package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coursely/offline/internal/models"
)

// CatalogRepository persists course structure.
type CatalogRepository interface {
	UpsertUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)

	UpsertCourses(ctx context.Context, courses []models.Course) error
	GetCourse(ctx context.Context, id string) (*models.Course, error)
	ListCourses(ctx context.Context) ([]models.Course, error)

	UpsertModules(ctx context.Context, modules []models.Module) error
	ListModules(ctx context.Context, courseID string) ([]models.Module, error)

	UpsertContentBlocks(ctx context.Context, blocks []models.ContentBlock) error
	ListContentBlocks(ctx context.Context, moduleID string) ([]models.ContentBlock, error)

	UpsertQuizzes(ctx context.Context, quizzes []models.Quiz) error
	GetQuiz(ctx context.Context, id string) (*models.Quiz, error)

	// UpsertQuestions stores questions together with their options.
	UpsertQuestions(ctx context.Context, questions []models.Question) error
	ListQuestions(ctx context.Context, quizID string) ([]models.Question, error)
}

// EnrollmentRepository persists enrollments and progress.
type EnrollmentRepository interface {
	UpsertEnrollments(ctx context.Context, enrollments []models.Enrollment) error
	GetEnrollment(ctx context.Context, id string) (*models.Enrollment, error)
	FindEnrollment(ctx context.Context, studentID, courseID string) (*models.Enrollment, error)
	ListEnrollments(ctx context.Context, studentID string) ([]models.Enrollment, error)
	DeleteEnrollment(ctx context.Context, id string) error

	UpsertModuleProgress(ctx context.Context, progress []models.ModuleProgress) error
	ListModuleProgress(ctx context.Context, enrollmentID string) ([]models.ModuleProgress, error)
	// UpsertContentProgress merges on (enrollment_id, content_id).
	UpsertContentProgress(ctx context.Context, progress []models.ContentProgress) error
	ListContentProgress(ctx context.Context, enrollmentID string) ([]models.ContentProgress, error)
}

// AttemptRepository persists quiz attempts and answers.
type AttemptRepository interface {
	UpsertQuizAttempt(ctx context.Context, a *models.QuizAttempt) error
	GetQuizAttempt(ctx context.Context, id string) (*models.QuizAttempt, error)
	ListQuizAttempts(ctx context.Context, studentID, quizID string) ([]models.QuizAttempt, error)
	// UpsertQuizAnswers merges on (attempt_id, question_id).
	UpsertQuizAnswers(ctx context.Context, answers []models.QuizAnswer) error
	ListQuizAnswers(ctx context.Context, attemptID string) ([]models.QuizAnswer, error)
}

// MediaRepository indexes cached media files.
type MediaRepository interface {
	UpsertMediaEntry(ctx context.Context, m *models.MediaCacheEntry) error
	GetMediaEntry(ctx context.Context, mediaID string) (*models.MediaCacheEntry, error)
	ListMediaEntries(ctx context.Context, courseID string) ([]models.MediaCacheEntry, error)
	UpdateMediaProgress(ctx context.Context, mediaID string, progress float64) error
	DeleteMediaEntries(ctx context.Context, courseID string) (int, error)
}

// QueueRepository persists the mutation queue.
type QueueRepository interface {
	// InsertQueueItem assigns Seq.
	InsertQueueItem(ctx context.Context, item *models.MutationQueueItem) error
	GetQueueItem(ctx context.Context, id string) (*models.MutationQueueItem, error)
	// ListQueueItems returns items in enqueue order. limit <= 0 means all.
	ListQueueItems(ctx context.Context, limit int) ([]models.MutationQueueItem, error)
	// UpdateQueueItemFailure records retry bookkeeping for one item.
	UpdateQueueItemFailure(ctx context.Context, item *models.MutationQueueItem) error
	DeleteQueueItem(ctx context.Context, id string) error
	CountQueueItems(ctx context.Context) (int, error)
	ResetQueueRetries(ctx context.Context) (int, error)
	ClearQueue(ctx context.Context) (int, error)
}

// SessionRepository persists offline sessions.
type SessionRepository interface {
	UpsertOfflineSession(ctx context.Context, s *models.OfflineSession) error
	GetOfflineSession(ctx context.Context, id string) (*models.OfflineSession, error)
	// FindActiveSession returns the newest non-deleted session for the course.
	FindActiveSession(ctx context.Context, studentID, courseID string) (*models.OfflineSession, error)
	ListOfflineSessions(ctx context.Context, studentID string) ([]models.OfflineSession, error)
	UpdateSessionSyncInfo(ctx context.Context, id string, syncedAt time.Time) error
	SetSessionValid(ctx context.Context, id string, valid bool) error
	SoftDeleteSession(ctx context.Context, id string) error
	// PurgeExpiredSessions soft-deletes sessions expired more than daysOld ago.
	PurgeExpiredSessions(ctx context.Context, daysOld int) (int, error)
}

// BatchRepository persists offline progress batches.
type BatchRepository interface {
	InsertProgressBatch(ctx context.Context, b *models.ProgressBatch) error
	// OpenBatch returns the unsynced batch for the session, if any.
	OpenBatch(ctx context.Context, sessionID string) (*models.ProgressBatch, error)
	UpdateBatchPayload(ctx context.Context, id string, payload json.RawMessage) error
	// ListUnsyncedBatches returns oldest first.
	ListUnsyncedBatches(ctx context.Context, limit int) ([]models.ProgressBatch, error)
	MarkBatchSynced(ctx context.Context, id string, at time.Time) error
	DeleteSyncedBatches(ctx context.Context, daysOld int) (int, error)
}

// MetadataRepository stores key/value app state.
type MetadataRepository interface {
	GetMetadata(ctx context.Context, key string) (string, bool, error)
	SetMetadata(ctx context.Context, key, value string) error
}

// LocalStore is the full local persistence capability consumed by the
// router, the sync engine and the downloader.
type LocalStore interface {
	CatalogRepository
	EnrollmentRepository
	AttemptRepository
	MediaRepository
	QueueRepository
	SessionRepository
	BatchRepository
	MetadataRepository

	// ReplaceID rewrites a locally minted id to its canonical id in the row
	// itself, every referencing column and every queued payload, atomically.
	ReplaceID(ctx context.Context, table, tempID, canonicalID string) error
	// SaveCoursePackage stores a whole package and its session in one
	// transaction.
	SaveCoursePackage(ctx context.Context, pkg *models.CoursePackage, session *models.OfflineSession) error
	Statistics(ctx context.Context) (*models.OfflineStatistics, error)
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ CatalogRepository    = (*Repository)(nil)
	_ EnrollmentRepository = (*Repository)(nil)
	_ AttemptRepository    = (*Repository)(nil)
	_ MediaRepository      = (*Repository)(nil)
	_ QueueRepository      = (*Repository)(nil)
	_ SessionRepository    = (*Repository)(nil)
	_ BatchRepository      = (*Repository)(nil)
	_ MetadataRepository   = (*Repository)(nil)
	_ LocalStore           = (*Repository)(nil)
)
