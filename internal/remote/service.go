// Package remote is the learning platform API as consumed by the offline core.
package remote

import (
	"context"

	"github.com/coursely/offline/internal/models"
)

// Service is the remote learning platform. Errors are *errors.AppError:
// errors.IsNetwork distinguishes connectivity failures from application
// rejections.
type Service interface {
	Caller

	// Health probes the backend. Any error means unhealthy.
	Health(ctx context.Context) error

	ListCourses(ctx context.Context) ([]models.Course, error)
	GetCourse(ctx context.Context, courseID string) (*models.Course, error)
	GetCourseModules(ctx context.Context, courseID string) ([]models.Module, error)
	GetModuleContent(ctx context.Context, moduleID string) ([]models.ContentBlock, error)

	ListEnrollments(ctx context.Context) ([]models.Enrollment, error)
	Enroll(ctx context.Context, courseID string) (*models.Enrollment, error)
	Unenroll(ctx context.Context, enrollmentID string) error
	GetEnrollmentProgress(ctx context.Context, enrollmentID string) (*models.EnrollmentProgress, error)

	MarkContentViewed(ctx context.Context, enrollmentID, contentID string) (*models.ContentProgress, error)
	MarkContentCompleted(ctx context.Context, enrollmentID, contentID string) (*models.ContentProgress, error)
	MarkModuleCompleted(ctx context.Context, enrollmentID, moduleID string) (*models.ModuleProgress, error)

	GetQuiz(ctx context.Context, quizID string) (*models.Quiz, error)
	GetQuizQuestions(ctx context.Context, quizID string) ([]models.Question, error)
	StartQuizAttempt(ctx context.Context, quizID string) (*models.QuizAttempt, error)
	SubmitQuizAnswer(ctx context.Context, attemptID string, req AnswerRequest) (*models.QuizAnswer, error)
	CompleteQuizAttempt(ctx context.Context, attemptID string) (*models.QuizAttempt, error)
	// AbandonQuizAttempt is a best-effort lifecycle signal. Callers must not
	// rely on it being delivered.
	AbandonQuizAttempt(ctx context.Context, attemptID string) error
	GetQuizResults(ctx context.Context, attemptID string) (*QuizResult, error)

	GetDashboard(ctx context.Context) (*models.Dashboard, error)

	DownloadCoursePackage(ctx context.Context, courseID string) (*models.CoursePackage, error)
	SyncOfflineProgress(ctx context.Context, req SyncProgressRequest) (*models.SyncProgressResult, error)
	ValidateOfflineSessions(ctx context.Context, sessions []SessionRef) ([]models.SessionValidation, error)
	ListOfflineSessions(ctx context.Context) ([]models.OfflineSession, error)
}

// Caller sends a raw JSON request. The sync engine replays queued mutations
// through it.
type Caller interface {
	Call(ctx context.Context, method, path string, body, out any) error
}

// AnswerRequest submits one answer.
type AnswerRequest struct {
	QuestionID       string `json:"question_id"`
	SelectedOptionID string `json:"selected_option_id"`
}

// QuizResult is the graded outcome of an attempt.
type QuizResult struct {
	Attempt models.QuizAttempt  `json:"attempt"`
	Answers []models.QuizAnswer `json:"answers"`
}

// SyncProgressRequest submits one offline progress batch.
type SyncProgressRequest struct {
	SessionID string                   `json:"session_id"`
	CourseID  string                   `json:"course_id"`
	BatchID   string                   `json:"batch_id"`
	CreatedAt int64                    `json:"created_at"`
	Progress  models.ProgressBatchData `json:"progress"`
}

// SessionRef identifies a local session for server-side validation.
type SessionRef struct {
	SessionID      string `json:"session_id"`
	CourseID       string `json:"course_id"`
	PackageVersion string `json:"package_version"`
}
