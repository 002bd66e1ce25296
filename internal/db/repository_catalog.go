package db

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/coursely/offline/internal/models"
)

// =====================================================
// User Operations
// =====================================================

const upsertUserSQL = `
INSERT INTO users (id, email, first_name, middle_name, last_name, full_name, bio,
	phone_number, role, is_active, profile_image_url, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	email = excluded.email, first_name = excluded.first_name,
	middle_name = excluded.middle_name, last_name = excluded.last_name,
	full_name = excluded.full_name, bio = excluded.bio,
	phone_number = excluded.phone_number, role = excluded.role,
	is_active = excluded.is_active, profile_image_url = excluded.profile_image_url,
	updated_at = excluded.updated_at`

func upsertUser(ctx context.Context, ex execer, u *models.User, now int64) error {
	if err := u.Validate(); err != nil {
		return err
	}
	if u.UpdatedAt == 0 {
		u.UpdatedAt = now
	}
	_, err := ex.ExecContext(ctx, upsertUserSQL, u.ID, u.Email, u.FirstName, u.MiddleName,
		u.LastName, u.FullName, u.Bio, u.PhoneNumber, u.Role, u.IsActive,
		u.ProfileImageURL, u.UpdatedAt)
	return dbErr("upsert user", err)
}

// UpsertUser inserts or updates a user.
func (r *Repository) UpsertUser(ctx context.Context, u *models.User) error {
	return upsertUser(ctx, r.db, u, r.now().Unix())
}

// GetUser retrieves a user by ID.
func (r *Repository) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := r.db.QueryRowContext(ctx, `
	SELECT id, email, first_name, middle_name, last_name, full_name, bio,
		phone_number, role, is_active, profile_image_url, updated_at
	FROM users WHERE id = ?`, id).Scan(
		&u.ID, &u.Email, &u.FirstName, &u.MiddleName, &u.LastName, &u.FullName, &u.Bio,
		&u.PhoneNumber, &u.Role, &u.IsActive, &u.ProfileImageURL, &u.UpdatedAt)
	if err != nil {
		return nil, dbErr("get user", err)
	}
	return &u, nil
}

// =====================================================
// Course Operations
// =====================================================

const upsertCourseSQL = `
INSERT INTO courses (id, title, description, image_url, created_by, is_published,
	module_count, enrollment_count, categories, level, duration, created_at, updated_at, last_synced_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	title = excluded.title, description = excluded.description,
	image_url = excluded.image_url, created_by = excluded.created_by,
	is_published = excluded.is_published, module_count = excluded.module_count,
	enrollment_count = excluded.enrollment_count, categories = excluded.categories,
	level = excluded.level, duration = excluded.duration,
	created_at = excluded.created_at, updated_at = excluded.updated_at,
	last_synced_at = excluded.last_synced_at`

func upsertCourses(ctx context.Context, ex execer, courses []models.Course, now int64) error {
	for i := range courses {
		c := &courses[i]
		if err := c.Validate(); err != nil {
			return err
		}
		if _, err := ex.ExecContext(ctx, upsertCourseSQL, c.ID, c.Title, c.Description,
			c.ImageURL, c.CreatedBy, c.IsPublished, c.ModuleCount, c.EnrollmentCount,
			c.Categories, c.Level, c.Duration, c.CreatedAt, c.UpdatedAt, now); err != nil {
			return dbErr("upsert course", err)
		}
		c.LastSyncedAt = now
	}
	return nil
}

// UpsertCourses bulk-upserts courses in one transaction.
func (r *Repository) UpsertCourses(ctx context.Context, courses []models.Course) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return upsertCourses(ctx, tx, courses, r.now().Unix())
	})
}

const selectCourseSQL = `
SELECT id, title, description, image_url, created_by, is_published, module_count,
	enrollment_count, categories, level, duration, created_at, updated_at, last_synced_at
FROM courses`

func scanCourse(s interface{ Scan(...any) error }) (models.Course, error) {
	var c models.Course
	err := s.Scan(&c.ID, &c.Title, &c.Description, &c.ImageURL, &c.CreatedBy,
		&c.IsPublished, &c.ModuleCount, &c.EnrollmentCount, &c.Categories, &c.Level,
		&c.Duration, &c.CreatedAt, &c.UpdatedAt, &c.LastSyncedAt)
	return c, err
}

// GetCourse retrieves a course by ID.
func (r *Repository) GetCourse(ctx context.Context, id string) (*models.Course, error) {
	stmt, err := r.PrepareStmt(ctx, selectCourseSQL+" WHERE id = ?")
	if err != nil {
		return nil, dbErr("get course", err)
	}
	c, err := scanCourse(stmt.QueryRowContext(ctx, id))
	if err != nil {
		return nil, dbErr("get course", err)
	}
	return &c, nil
}

// ListCourses returns all cached courses by title.
func (r *Repository) ListCourses(ctx context.Context) ([]models.Course, error) {
	rows, err := r.db.QueryContext(ctx, selectCourseSQL+" ORDER BY title")
	if err != nil {
		return nil, dbErr("list courses", err)
	}
	defer rows.Close()

	var out []models.Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, dbErr("scan course", err)
		}
		out = append(out, c)
	}
	return out, dbErr("list courses", rows.Err())
}

// =====================================================
// Module Operations
// =====================================================

const upsertModuleSQL = `
INSERT INTO modules (id, course_id, title, description, order_index, content_count, has_quiz)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	course_id = excluded.course_id, title = excluded.title,
	description = excluded.description, order_index = excluded.order_index,
	content_count = excluded.content_count, has_quiz = excluded.has_quiz`

func upsertModules(ctx context.Context, ex execer, modules []models.Module) error {
	for i := range modules {
		m := &modules[i]
		if err := m.Validate(); err != nil {
			return err
		}
		if _, err := ex.ExecContext(ctx, upsertModuleSQL, m.ID, m.CourseID, m.Title,
			m.Description, m.OrderIndex, m.ContentCount, m.HasQuiz); err != nil {
			return dbErr("upsert module", err)
		}
	}
	return nil
}

// UpsertModules bulk-upserts modules in one transaction.
func (r *Repository) UpsertModules(ctx context.Context, modules []models.Module) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return upsertModules(ctx, tx, modules)
	})
}

// ListModules returns a course's modules in order.
func (r *Repository) ListModules(ctx context.Context, courseID string) ([]models.Module, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, course_id, title, description, order_index, content_count, has_quiz
	FROM modules WHERE course_id = ? ORDER BY order_index, id`, courseID)
	if err != nil {
		return nil, dbErr("list modules", err)
	}
	defer rows.Close()

	var out []models.Module
	for rows.Next() {
		var m models.Module
		if err := rows.Scan(&m.ID, &m.CourseID, &m.Title, &m.Description,
			&m.OrderIndex, &m.ContentCount, &m.HasQuiz); err != nil {
			return nil, dbErr("scan module", err)
		}
		out = append(out, m)
	}
	return out, dbErr("list modules", rows.Err())
}

// =====================================================
// Content Block Operations
// =====================================================

const upsertBlockSQL = `
INSERT INTO content_blocks (id, module_id, title, content_type, content_data, media_id, order_index)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	module_id = excluded.module_id, title = excluded.title,
	content_type = excluded.content_type, content_data = excluded.content_data,
	media_id = excluded.media_id, order_index = excluded.order_index`

func upsertContentBlocks(ctx context.Context, ex execer, blocks []models.ContentBlock) error {
	for i := range blocks {
		b := &blocks[i]
		if err := b.Validate(); err != nil {
			return err
		}
		if _, err := ex.ExecContext(ctx, upsertBlockSQL, b.ID, b.ModuleID, b.Title,
			b.ContentType, string(b.ContentData), b.MediaID, b.OrderIndex); err != nil {
			return dbErr("upsert content block", err)
		}
	}
	return nil
}

// UpsertContentBlocks bulk-upserts content blocks in one transaction.
func (r *Repository) UpsertContentBlocks(ctx context.Context, blocks []models.ContentBlock) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return upsertContentBlocks(ctx, tx, blocks)
	})
}

// ListContentBlocks returns a module's blocks in order.
func (r *Repository) ListContentBlocks(ctx context.Context, moduleID string) ([]models.ContentBlock, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, module_id, title, content_type, content_data, media_id, order_index
	FROM content_blocks WHERE module_id = ? ORDER BY order_index, id`, moduleID)
	if err != nil {
		return nil, dbErr("list content blocks", err)
	}
	defer rows.Close()

	var out []models.ContentBlock
	for rows.Next() {
		var b models.ContentBlock
		var data string
		if err := rows.Scan(&b.ID, &b.ModuleID, &b.Title, &b.ContentType, &data,
			&b.MediaID, &b.OrderIndex); err != nil {
			return nil, dbErr("scan content block", err)
		}
		if data != "" {
			b.ContentData = json.RawMessage(data)
		}
		out = append(out, b)
	}
	return out, dbErr("list content blocks", rows.Err())
}

// =====================================================
// Quiz Operations
// =====================================================

const upsertQuizSQL = `
INSERT INTO quizzes (id, title, description, quiz_type, module_id, course_id,
	time_limit_minutes, pass_mark_percentage, max_attempts, attempt_reset_hours,
	shuffle_questions, question_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	title = excluded.title, description = excluded.description,
	quiz_type = excluded.quiz_type, module_id = excluded.module_id,
	course_id = excluded.course_id, time_limit_minutes = excluded.time_limit_minutes,
	pass_mark_percentage = excluded.pass_mark_percentage, max_attempts = excluded.max_attempts,
	attempt_reset_hours = excluded.attempt_reset_hours,
	shuffle_questions = excluded.shuffle_questions, question_count = excluded.question_count`

func upsertQuizzes(ctx context.Context, ex execer, quizzes []models.Quiz) error {
	for i := range quizzes {
		q := &quizzes[i]
		if err := q.Validate(); err != nil {
			return err
		}
		if _, err := ex.ExecContext(ctx, upsertQuizSQL, q.ID, q.Title, q.Description,
			q.QuizType, q.ModuleID, q.CourseID, q.TimeLimitMinutes, q.PassMarkPercentage,
			q.MaxAttempts, q.AttemptResetHours, q.ShuffleQuestions, q.QuestionCount); err != nil {
			return dbErr("upsert quiz", err)
		}
	}
	return nil
}

// UpsertQuizzes bulk-upserts quizzes in one transaction.
func (r *Repository) UpsertQuizzes(ctx context.Context, quizzes []models.Quiz) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return upsertQuizzes(ctx, tx, quizzes)
	})
}

// GetQuiz retrieves a quiz by ID.
func (r *Repository) GetQuiz(ctx context.Context, id string) (*models.Quiz, error) {
	var q models.Quiz
	err := r.db.QueryRowContext(ctx, `
	SELECT id, title, description, quiz_type, module_id, course_id, time_limit_minutes,
		pass_mark_percentage, max_attempts, attempt_reset_hours, shuffle_questions, question_count
	FROM quizzes WHERE id = ?`, id).Scan(
		&q.ID, &q.Title, &q.Description, &q.QuizType, &q.ModuleID, &q.CourseID,
		&q.TimeLimitMinutes, &q.PassMarkPercentage, &q.MaxAttempts, &q.AttemptResetHours,
		&q.ShuffleQuestions, &q.QuestionCount)
	if err != nil {
		return nil, dbErr("get quiz", err)
	}
	return &q, nil
}

// =====================================================
// Question Operations
// =====================================================

const upsertQuestionSQL = `
INSERT INTO questions (id, quiz_id, question_text, image_url, order_index, points)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	quiz_id = excluded.quiz_id, question_text = excluded.question_text,
	image_url = excluded.image_url, order_index = excluded.order_index,
	points = excluded.points`

const upsertOptionSQL = `
INSERT INTO question_options (id, question_id, option_text, is_correct, order_index)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	question_id = excluded.question_id, option_text = excluded.option_text,
	is_correct = excluded.is_correct, order_index = excluded.order_index`

func upsertQuestions(ctx context.Context, ex execer, questions []models.Question) error {
	for i := range questions {
		q := &questions[i]
		if err := q.Validate(); err != nil {
			return err
		}
		if _, err := ex.ExecContext(ctx, upsertQuestionSQL, q.ID, q.QuizID, q.QuestionText,
			q.ImageURL, q.OrderIndex, q.Points); err != nil {
			return dbErr("upsert question", err)
		}
		for _, o := range q.Options {
			if _, err := ex.ExecContext(ctx, upsertOptionSQL, o.ID, o.QuestionID,
				o.OptionText, o.IsCorrect, o.OrderIndex); err != nil {
				return dbErr("upsert question option", err)
			}
		}
	}
	return nil
}

// UpsertQuestions bulk-upserts questions and options in one transaction.
func (r *Repository) UpsertQuestions(ctx context.Context, questions []models.Question) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return upsertQuestions(ctx, tx, questions)
	})
}

// ListQuestions returns a quiz's questions in order, options attached.
func (r *Repository) ListQuestions(ctx context.Context, quizID string) ([]models.Question, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, quiz_id, question_text, image_url, order_index, points
	FROM questions WHERE quiz_id = ? ORDER BY order_index, id`, quizID)
	if err != nil {
		return nil, dbErr("list questions", err)
	}
	var out []models.Question
	index := make(map[string]int)
	for rows.Next() {
		var q models.Question
		if err := rows.Scan(&q.ID, &q.QuizID, &q.QuestionText, &q.ImageURL,
			&q.OrderIndex, &q.Points); err != nil {
			rows.Close()
			return nil, dbErr("scan question", err)
		}
		index[q.ID] = len(out)
		out = append(out, q)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, dbErr("list questions", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	// Single connection: the question cursor must be closed first.
	optRows, err := r.db.QueryContext(ctx, `
	SELECT o.id, o.question_id, o.option_text, o.is_correct, o.order_index
	FROM question_options o JOIN questions q ON q.id = o.question_id
	WHERE q.quiz_id = ? ORDER BY o.question_id, o.order_index, o.id`, quizID)
	if err != nil {
		return nil, dbErr("list question options", err)
	}
	defer optRows.Close()
	for optRows.Next() {
		var o models.QuestionOption
		if err := optRows.Scan(&o.ID, &o.QuestionID, &o.OptionText, &o.IsCorrect, &o.OrderIndex); err != nil {
			return nil, dbErr("scan question option", err)
		}
		if i, ok := index[o.QuestionID]; ok {
			out[i].Options = append(out[i].Options, o)
		}
	}
	return out, dbErr("list question options", optRows.Err())
}
