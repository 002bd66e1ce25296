package db

import (
	"context"
	"database/sql"

	"github.com/coursely/offline/internal/models"
)

// =====================================================
// Enrollment Operations
// =====================================================

const upsertEnrollmentSQL = `
INSERT INTO enrollments (id, student_id, course_id, status, enrolled_at, completed_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	student_id = excluded.student_id, course_id = excluded.course_id,
	status = excluded.status, enrolled_at = excluded.enrolled_at,
	completed_at = excluded.completed_at, updated_at = excluded.updated_at`

func upsertEnrollments(ctx context.Context, ex execer, enrollments []models.Enrollment, now int64) error {
	for i := range enrollments {
		e := &enrollments[i]
		if err := e.Validate(); err != nil {
			return err
		}
		if e.CreatedAt == 0 {
			e.CreatedAt = now
		}
		if e.UpdatedAt == 0 {
			e.UpdatedAt = now
		}
		if _, err := ex.ExecContext(ctx, upsertEnrollmentSQL, e.ID, e.StudentID, e.CourseID,
			e.Status, e.EnrolledAt, e.CompletedAt, e.CreatedAt, e.UpdatedAt); err != nil {
			return dbErr("upsert enrollment", err)
		}
	}
	return nil
}

// UpsertEnrollments bulk-upserts enrollments in one transaction.
func (r *Repository) UpsertEnrollments(ctx context.Context, enrollments []models.Enrollment) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return upsertEnrollments(ctx, tx, enrollments, r.now().Unix())
	})
}

const selectEnrollmentSQL = `
SELECT id, student_id, course_id, status, enrolled_at, completed_at, created_at, updated_at
FROM enrollments`

func scanEnrollment(s interface{ Scan(...any) error }) (models.Enrollment, error) {
	var e models.Enrollment
	err := s.Scan(&e.ID, &e.StudentID, &e.CourseID, &e.Status, &e.EnrolledAt,
		&e.CompletedAt, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

// GetEnrollment retrieves an enrollment by ID.
func (r *Repository) GetEnrollment(ctx context.Context, id string) (*models.Enrollment, error) {
	e, err := scanEnrollment(r.db.QueryRowContext(ctx, selectEnrollmentSQL+" WHERE id = ?", id))
	if err != nil {
		return nil, dbErr("get enrollment", err)
	}
	return &e, nil
}

// FindEnrollment returns the student's enrollment in a course.
func (r *Repository) FindEnrollment(ctx context.Context, studentID, courseID string) (*models.Enrollment, error) {
	e, err := scanEnrollment(r.db.QueryRowContext(ctx,
		selectEnrollmentSQL+" WHERE student_id = ? AND course_id = ? ORDER BY updated_at DESC LIMIT 1",
		studentID, courseID))
	if err != nil {
		return nil, dbErr("find enrollment", err)
	}
	return &e, nil
}

// ListEnrollments returns a student's enrollments, newest first.
func (r *Repository) ListEnrollments(ctx context.Context, studentID string) ([]models.Enrollment, error) {
	rows, err := r.db.QueryContext(ctx,
		selectEnrollmentSQL+" WHERE student_id = ? ORDER BY enrolled_at DESC, id", studentID)
	if err != nil {
		return nil, dbErr("list enrollments", err)
	}
	defer rows.Close()

	var out []models.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, dbErr("scan enrollment", err)
		}
		out = append(out, e)
	}
	return out, dbErr("list enrollments", rows.Err())
}

// DeleteEnrollment removes an enrollment and, by cascade, its progress.
func (r *Repository) DeleteEnrollment(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM enrollments WHERE id = ?", id)
	return dbErr("delete enrollment", err)
}

// =====================================================
// Progress Operations
// =====================================================

const upsertModuleProgressSQL = `
INSERT INTO module_progress (id, enrollment_id, module_id, status, started_at, completed_at,
	auto_completed, content_completion_percentage, completed_content_count, total_content_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(enrollment_id, module_id) DO UPDATE SET
	status = excluded.status, started_at = excluded.started_at,
	completed_at = excluded.completed_at, auto_completed = excluded.auto_completed,
	content_completion_percentage = excluded.content_completion_percentage,
	completed_content_count = excluded.completed_content_count,
	total_content_count = excluded.total_content_count`

// UpsertModuleProgress merges on (enrollment_id, module_id).
func (r *Repository) UpsertModuleProgress(ctx context.Context, progress []models.ModuleProgress) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		for i := range progress {
			p := &progress[i]
			if err := p.Validate(); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, upsertModuleProgressSQL, p.ID, p.EnrollmentID,
				p.ModuleID, p.Status, p.StartedAt, p.CompletedAt, p.AutoCompleted,
				p.ContentCompletionPercentage, p.CompletedContentCount, p.TotalContentCount); err != nil {
				return dbErr("upsert module progress", err)
			}
		}
		return nil
	})
}

// ListModuleProgress returns progress rows for an enrollment.
func (r *Repository) ListModuleProgress(ctx context.Context, enrollmentID string) ([]models.ModuleProgress, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, enrollment_id, module_id, status, started_at, completed_at, auto_completed,
		content_completion_percentage, completed_content_count, total_content_count
	FROM module_progress WHERE enrollment_id = ? ORDER BY module_id`, enrollmentID)
	if err != nil {
		return nil, dbErr("list module progress", err)
	}
	defer rows.Close()

	var out []models.ModuleProgress
	for rows.Next() {
		var p models.ModuleProgress
		if err := rows.Scan(&p.ID, &p.EnrollmentID, &p.ModuleID, &p.Status, &p.StartedAt,
			&p.CompletedAt, &p.AutoCompleted, &p.ContentCompletionPercentage,
			&p.CompletedContentCount, &p.TotalContentCount); err != nil {
			return nil, dbErr("scan module progress", err)
		}
		out = append(out, p)
	}
	return out, dbErr("list module progress", rows.Err())
}

// Completion is sticky: a view never clears an earlier completion.
const upsertContentProgressSQL = `
INSERT INTO content_progress (id, enrollment_id, content_id, is_completed, viewed_at, completed_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(enrollment_id, content_id) DO UPDATE SET
	is_completed = MAX(content_progress.is_completed, excluded.is_completed),
	viewed_at = MAX(content_progress.viewed_at, excluded.viewed_at),
	completed_at = MAX(content_progress.completed_at, excluded.completed_at),
	updated_at = excluded.updated_at`

// UpsertContentProgress merges on (enrollment_id, content_id).
func (r *Repository) UpsertContentProgress(ctx context.Context, progress []models.ContentProgress) error {
	now := r.now().Unix()
	return r.withTx(ctx, func(tx *sql.Tx) error {
		for i := range progress {
			p := &progress[i]
			if err := p.Validate(); err != nil {
				return err
			}
			if p.UpdatedAt == 0 {
				p.UpdatedAt = now
			}
			if _, err := tx.ExecContext(ctx, upsertContentProgressSQL, p.ID, p.EnrollmentID,
				p.ContentID, p.IsCompleted, p.ViewedAt, p.CompletedAt, p.UpdatedAt); err != nil {
				return dbErr("upsert content progress", err)
			}
		}
		return nil
	})
}

// ListContentProgress returns content progress for an enrollment.
func (r *Repository) ListContentProgress(ctx context.Context, enrollmentID string) ([]models.ContentProgress, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, enrollment_id, content_id, is_completed, viewed_at, completed_at, updated_at
	FROM content_progress WHERE enrollment_id = ? ORDER BY content_id`, enrollmentID)
	if err != nil {
		return nil, dbErr("list content progress", err)
	}
	defer rows.Close()

	var out []models.ContentProgress
	for rows.Next() {
		var p models.ContentProgress
		if err := rows.Scan(&p.ID, &p.EnrollmentID, &p.ContentID, &p.IsCompleted,
			&p.ViewedAt, &p.CompletedAt, &p.UpdatedAt); err != nil {
			return nil, dbErr("scan content progress", err)
		}
		out = append(out, p)
	}
	return out, dbErr("list content progress", rows.Err())
}

// =====================================================
// Quiz Attempt Operations
// =====================================================

const upsertAttemptSQL = `
INSERT INTO quiz_attempts (id, student_id, quiz_id, attempt_number, status, started_at,
	completed_at, score, passed, time_remaining_seconds)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status, completed_at = excluded.completed_at,
	score = excluded.score, passed = excluded.passed,
	time_remaining_seconds = excluded.time_remaining_seconds`

// UpsertQuizAttempt inserts or updates an attempt.
func (r *Repository) UpsertQuizAttempt(ctx context.Context, a *models.QuizAttempt) error {
	if err := a.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, upsertAttemptSQL, a.ID, a.StudentID, a.QuizID,
		a.AttemptNumber, a.Status, a.StartedAt, a.CompletedAt, a.Score, a.Passed,
		a.TimeRemainingSeconds)
	return dbErr("upsert quiz attempt", err)
}

const selectAttemptSQL = `
SELECT id, student_id, quiz_id, attempt_number, status, started_at, completed_at,
	score, passed, time_remaining_seconds
FROM quiz_attempts`

func scanAttempt(s interface{ Scan(...any) error }) (models.QuizAttempt, error) {
	var a models.QuizAttempt
	err := s.Scan(&a.ID, &a.StudentID, &a.QuizID, &a.AttemptNumber, &a.Status,
		&a.StartedAt, &a.CompletedAt, &a.Score, &a.Passed, &a.TimeRemainingSeconds)
	return a, err
}

// GetQuizAttempt retrieves an attempt by ID.
func (r *Repository) GetQuizAttempt(ctx context.Context, id string) (*models.QuizAttempt, error) {
	a, err := scanAttempt(r.db.QueryRowContext(ctx, selectAttemptSQL+" WHERE id = ?", id))
	if err != nil {
		return nil, dbErr("get quiz attempt", err)
	}
	return &a, nil
}

// ListQuizAttempts returns a student's attempts at a quiz by attempt number.
func (r *Repository) ListQuizAttempts(ctx context.Context, studentID, quizID string) ([]models.QuizAttempt, error) {
	rows, err := r.db.QueryContext(ctx,
		selectAttemptSQL+" WHERE student_id = ? AND quiz_id = ? ORDER BY attempt_number", studentID, quizID)
	if err != nil {
		return nil, dbErr("list quiz attempts", err)
	}
	defer rows.Close()

	var out []models.QuizAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, dbErr("scan quiz attempt", err)
		}
		out = append(out, a)
	}
	return out, dbErr("list quiz attempts", rows.Err())
}

const upsertAnswerSQL = `
INSERT INTO quiz_answers (id, attempt_id, question_id, selected_option_id, is_correct, points_earned)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(attempt_id, question_id) DO UPDATE SET
	selected_option_id = excluded.selected_option_id,
	is_correct = excluded.is_correct, points_earned = excluded.points_earned`

// UpsertQuizAnswers merges on (attempt_id, question_id).
func (r *Repository) UpsertQuizAnswers(ctx context.Context, answers []models.QuizAnswer) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		for i := range answers {
			a := &answers[i]
			if err := a.Validate(); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, upsertAnswerSQL, a.ID, a.AttemptID, a.QuestionID,
				a.SelectedOptionID, a.IsCorrect, a.PointsEarned); err != nil {
				return dbErr("upsert quiz answer", err)
			}
		}
		return nil
	})
}

// ListQuizAnswers returns the answers of an attempt.
func (r *Repository) ListQuizAnswers(ctx context.Context, attemptID string) ([]models.QuizAnswer, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, attempt_id, question_id, selected_option_id, is_correct, points_earned
	FROM quiz_answers WHERE attempt_id = ? ORDER BY question_id`, attemptID)
	if err != nil {
		return nil, dbErr("list quiz answers", err)
	}
	defer rows.Close()

	var out []models.QuizAnswer
	for rows.Next() {
		var a models.QuizAnswer
		if err := rows.Scan(&a.ID, &a.AttemptID, &a.QuestionID, &a.SelectedOptionID,
			&a.IsCorrect, &a.PointsEarned); err != nil {
			return nil, dbErr("scan quiz answer", err)
		}
		out = append(out, a)
	}
	return out, dbErr("list quiz answers", rows.Err())
}
