package models

// Enrollment statuses.
const (
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
	EnrollmentDropped   = "dropped"
)

// Progress statuses shared by module progress and attempts.
const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusAbandoned  = "abandoned"
)

// Enrollment links a student to a course.
type Enrollment struct {
	ID          string `db:"id" json:"id"`
	StudentID   string `db:"student_id" json:"student_id"`
	CourseID    string `db:"course_id" json:"course_id"`
	Status      string `db:"status" json:"status"`
	EnrolledAt  int64  `db:"enrolled_at" json:"enrolled_at"`
	CompletedAt int64  `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt   int64  `db:"created_at" json:"created_at"`
	UpdatedAt   int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Enrollment.
func (Enrollment) TableName() string {
	return "enrollments"
}

// Validate rejects malformed enrollments.
func (e *Enrollment) Validate() error {
	if e.ID == "" || e.StudentID == "" || e.CourseID == "" {
		return invalid("enrollment", "id, student_id and course_id are required")
	}
	switch e.Status {
	case EnrollmentActive, EnrollmentCompleted, EnrollmentDropped:
	default:
		return invalid("enrollment", "unknown status "+e.Status)
	}
	return nil
}

// ModuleProgress tracks a student's progress through one module.
type ModuleProgress struct {
	ID                          string  `db:"id" json:"id"`
	EnrollmentID                string  `db:"enrollment_id" json:"enrollment_id"`
	ModuleID                    string  `db:"module_id" json:"module_id"`
	Status                      string  `db:"status" json:"status"`
	StartedAt                   int64   `db:"started_at" json:"started_at,omitempty"`
	CompletedAt                 int64   `db:"completed_at" json:"completed_at,omitempty"`
	AutoCompleted               bool    `db:"auto_completed" json:"auto_completed"`
	ContentCompletionPercentage float64 `db:"content_completion_percentage" json:"content_completion_percentage"`
	CompletedContentCount       int     `db:"completed_content_count" json:"completed_content_count"`
	TotalContentCount           int     `db:"total_content_count" json:"total_content_count"`
}

// TableName returns the table name for ModuleProgress.
func (ModuleProgress) TableName() string {
	return "module_progress"
}

// Validate rejects malformed module progress.
func (p *ModuleProgress) Validate() error {
	if p.ID == "" || p.EnrollmentID == "" || p.ModuleID == "" {
		return invalid("module progress", "id, enrollment_id and module_id are required")
	}
	if p.ContentCompletionPercentage < 0 || p.ContentCompletionPercentage > 100 {
		return invalid("module progress", "completion percentage out of range")
	}
	return nil
}

// ContentProgress tracks one content block for one enrollment.
type ContentProgress struct {
	ID           string `db:"id" json:"id"`
	EnrollmentID string `db:"enrollment_id" json:"enrollment_id"`
	ContentID    string `db:"content_id" json:"content_id"`
	IsCompleted  bool   `db:"is_completed" json:"is_completed"`
	ViewedAt     int64  `db:"viewed_at" json:"viewed_at,omitempty"`
	CompletedAt  int64  `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt    int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for ContentProgress.
func (ContentProgress) TableName() string {
	return "content_progress"
}

// Validate rejects malformed content progress.
func (p *ContentProgress) Validate() error {
	if p.ID == "" || p.EnrollmentID == "" || p.ContentID == "" {
		return invalid("content progress", "id, enrollment_id and content_id are required")
	}
	return nil
}

// QuizAttempt is one run at a quiz.
type QuizAttempt struct {
	ID                   string  `db:"id" json:"id"`
	StudentID            string  `db:"student_id" json:"student_id"`
	QuizID               string  `db:"quiz_id" json:"quiz_id"`
	AttemptNumber        int     `db:"attempt_number" json:"attempt_number"`
	Status               string  `db:"status" json:"status"`
	StartedAt            int64   `db:"started_at" json:"started_at"`
	CompletedAt          int64   `db:"completed_at" json:"completed_at,omitempty"`
	Score                float64 `db:"score" json:"score"`
	Passed               bool    `db:"passed" json:"passed"`
	TimeRemainingSeconds int     `db:"time_remaining_seconds" json:"time_remaining_seconds,omitempty"`
}

// TableName returns the table name for QuizAttempt.
func (QuizAttempt) TableName() string {
	return "quiz_attempts"
}

// Validate rejects malformed attempts.
func (a *QuizAttempt) Validate() error {
	if a.ID == "" || a.StudentID == "" || a.QuizID == "" {
		return invalid("quiz attempt", "id, student_id and quiz_id are required")
	}
	if a.AttemptNumber < 1 {
		return invalid("quiz attempt", "attempt_number starts at 1")
	}
	return nil
}

// QuizAnswer is the answer to one question within an attempt.
type QuizAnswer struct {
	ID               string  `db:"id" json:"id"`
	AttemptID        string  `db:"attempt_id" json:"attempt_id"`
	QuestionID       string  `db:"question_id" json:"question_id"`
	SelectedOptionID string  `db:"selected_option_id" json:"selected_option_id"`
	IsCorrect        bool    `db:"is_correct" json:"is_correct"`
	PointsEarned     float64 `db:"points_earned" json:"points_earned"`
}

// TableName returns the table name for QuizAnswer.
func (QuizAnswer) TableName() string {
	return "quiz_answers"
}

// Validate rejects malformed answers.
func (a *QuizAnswer) Validate() error {
	if a.ID == "" || a.AttemptID == "" || a.QuestionID == "" {
		return invalid("quiz answer", "id, attempt_id and question_id are required")
	}
	return nil
}

// EnrollmentProgress is the aggregated view of one enrollment.
type EnrollmentProgress struct {
	Enrollment Enrollment        `json:"enrollment"`
	Modules    []ModuleProgress  `json:"modules"`
	Contents   []ContentProgress `json:"contents"`
	Percentage float64           `json:"percentage"`
}

// Dashboard summarises a student's learning.
type Dashboard struct {
	StudentID        string       `json:"student_id"`
	Enrollments      []Enrollment `json:"enrollments"`
	ActiveCourses    int          `json:"active_courses"`
	CompletedCourses int          `json:"completed_courses"`
	CompletedContent int          `json:"completed_content"`
	AverageQuizScore float64      `json:"average_quiz_score"`
}
