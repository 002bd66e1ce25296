// Package models provides data model definitions for the offline learning core.
package models

import (
	"encoding/json"
	"time"

	apperrors "github.com/coursely/offline/internal/errors"
)

// Quiz types.
const (
	QuizTypeModule    = "module"
	QuizTypeFinalExam = "final_exam"
)

// User is the student who owns local data.
type User struct {
	ID              string `db:"id" json:"id"`
	Email           string `db:"email" json:"email"`
	FirstName       string `db:"first_name" json:"first_name"`
	MiddleName      string `db:"middle_name" json:"middle_name,omitempty"`
	LastName        string `db:"last_name" json:"last_name"`
	FullName        string `db:"full_name" json:"full_name,omitempty"`
	Bio             string `db:"bio" json:"bio,omitempty"`
	PhoneNumber     string `db:"phone_number" json:"phone_number,omitempty"`
	Role            string `db:"role" json:"role"`
	IsActive        bool   `db:"is_active" json:"is_active"`
	ProfileImageURL string `db:"profile_image_url" json:"profile_image_url,omitempty"`
	UpdatedAt       int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for User.
func (User) TableName() string {
	return "users"
}

// Validate rejects users without identity.
func (u *User) Validate() error {
	if u.ID == "" {
		return invalid("user", "id is required")
	}
	if u.Email == "" {
		return invalid("user", "email is required")
	}
	return nil
}

// Course is a catalog entry.
type Course struct {
	ID              string `db:"id" json:"id"`
	Title           string `db:"title" json:"title"`
	Description     string `db:"description" json:"description"`
	ImageURL        string `db:"image_url" json:"image_url,omitempty"`
	CreatedBy       string `db:"created_by" json:"created_by,omitempty"`
	IsPublished     bool   `db:"is_published" json:"is_published"`
	ModuleCount     int    `db:"module_count" json:"module_count"`
	EnrollmentCount int    `db:"enrollment_count" json:"enrollment_count"`
	Categories      string `db:"categories" json:"categories,omitempty"` // Comma-separated
	Level           string `db:"level" json:"level,omitempty"`
	Duration        string `db:"duration" json:"duration,omitempty"`
	CreatedAt       int64  `db:"created_at" json:"created_at"`
	UpdatedAt       int64  `db:"updated_at" json:"updated_at"`
	LastSyncedAt    int64  `db:"last_synced_at" json:"last_synced_at,omitempty"`
}

// TableName returns the table name for Course.
func (Course) TableName() string {
	return "courses"
}

// Validate rejects malformed courses.
func (c *Course) Validate() error {
	if c.ID == "" {
		return invalid("course", "id is required")
	}
	if c.Title == "" {
		return invalid("course", "title is required")
	}
	return nil
}

// Module is an ordered section of a course.
type Module struct {
	ID           string `db:"id" json:"id"`
	CourseID     string `db:"course_id" json:"course_id"`
	Title        string `db:"title" json:"title"`
	Description  string `db:"description" json:"description,omitempty"`
	OrderIndex   int    `db:"order_index" json:"order_index"`
	ContentCount int    `db:"content_count" json:"content_count"`
	HasQuiz      bool   `db:"has_quiz" json:"has_quiz"`
}

// TableName returns the table name for Module.
func (Module) TableName() string {
	return "modules"
}

// Validate rejects malformed modules.
func (m *Module) Validate() error {
	if m.ID == "" || m.CourseID == "" {
		return invalid("module", "id and course_id are required")
	}
	if m.OrderIndex < 0 {
		return invalid("module", "order_index must not be negative")
	}
	return nil
}

// ContentBlock is one unit of module content. ContentData is stored opaque.
type ContentBlock struct {
	ID          string          `db:"id" json:"id"`
	ModuleID    string          `db:"module_id" json:"module_id"`
	Title       string          `db:"title" json:"title"`
	ContentType string          `db:"content_type" json:"content_type"`
	ContentData json.RawMessage `db:"content_data" json:"content_data,omitempty"`
	MediaID     string          `db:"media_id" json:"media_id,omitempty"`
	OrderIndex  int             `db:"order_index" json:"order_index"`
}

// TableName returns the table name for ContentBlock.
func (ContentBlock) TableName() string {
	return "content_blocks"
}

// Validate rejects malformed blocks.
func (b *ContentBlock) Validate() error {
	if b.ID == "" || b.ModuleID == "" {
		return invalid("content block", "id and module_id are required")
	}
	if len(b.ContentData) > 0 && !json.Valid(b.ContentData) {
		return invalid("content block", "content_data is not valid JSON")
	}
	return nil
}

// Quiz is a module quiz or a course final exam.
type Quiz struct {
	ID                 string  `db:"id" json:"id"`
	Title              string  `db:"title" json:"title"`
	Description        string  `db:"description" json:"description,omitempty"`
	QuizType           string  `db:"quiz_type" json:"quiz_type"`
	ModuleID           string  `db:"module_id" json:"module_id,omitempty"`
	CourseID           string  `db:"course_id" json:"course_id"`
	TimeLimitMinutes   int     `db:"time_limit_minutes" json:"time_limit_minutes,omitempty"`
	PassMarkPercentage float64 `db:"pass_mark_percentage" json:"pass_mark_percentage"`
	MaxAttempts        int     `db:"max_attempts" json:"max_attempts,omitempty"`
	AttemptResetHours  int     `db:"attempt_reset_hours" json:"attempt_reset_hours,omitempty"`
	ShuffleQuestions   bool    `db:"shuffle_questions" json:"shuffle_questions"`
	QuestionCount      int     `db:"question_count" json:"question_count"`
}

// TableName returns the table name for Quiz.
func (Quiz) TableName() string {
	return "quizzes"
}

// Validate rejects malformed quizzes.
func (q *Quiz) Validate() error {
	if q.ID == "" || q.CourseID == "" {
		return invalid("quiz", "id and course_id are required")
	}
	switch q.QuizType {
	case QuizTypeModule:
		if q.ModuleID == "" {
			return invalid("quiz", "module quiz requires module_id")
		}
	case QuizTypeFinalExam:
	default:
		return invalid("quiz", "unknown quiz_type "+q.QuizType)
	}
	if q.PassMarkPercentage < 0 || q.PassMarkPercentage > 100 {
		return invalid("quiz", "pass_mark_percentage out of range")
	}
	return nil
}

// Question belongs to a quiz. Options travel with it on the wire and are
// stored in their own table.
type Question struct {
	ID           string           `db:"id" json:"id"`
	QuizID       string           `db:"quiz_id" json:"quiz_id"`
	QuestionText string           `db:"question_text" json:"question_text"`
	ImageURL     string           `db:"image_url" json:"image_url,omitempty"`
	OrderIndex   int              `db:"order_index" json:"order_index"`
	Points       int              `db:"points" json:"points"`
	Options      []QuestionOption `db:"-" json:"options,omitempty"`
}

// TableName returns the table name for Question.
func (Question) TableName() string {
	return "questions"
}

// Validate rejects malformed questions and their options.
func (q *Question) Validate() error {
	if q.ID == "" || q.QuizID == "" {
		return invalid("question", "id and quiz_id are required")
	}
	for i := range q.Options {
		if q.Options[i].ID == "" {
			return invalid("question", "option id is required")
		}
		if q.Options[i].QuestionID == "" {
			q.Options[i].QuestionID = q.ID
		}
		if q.Options[i].QuestionID != q.ID {
			return invalid("question", "option belongs to another question")
		}
	}
	return nil
}

// QuestionOption is one answer choice.
type QuestionOption struct {
	ID         string `db:"id" json:"id"`
	QuestionID string `db:"question_id" json:"question_id"`
	OptionText string `db:"option_text" json:"option_text"`
	IsCorrect  bool   `db:"is_correct" json:"is_correct"`
	OrderIndex int    `db:"order_index" json:"order_index"`
}

// TableName returns the table name for QuestionOption.
func (QuestionOption) TableName() string {
	return "question_options"
}

func invalid(entity, msg string) error {
	return apperrors.New(apperrors.ErrValidation, entity+": "+msg)
}

// Now returns the current unix time in seconds. Timestamps are stored as
// unix seconds throughout the local store.
func Now() int64 {
	return time.Now().Unix()
}
