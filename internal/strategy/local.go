package strategy

import (
	"context"
	"encoding/json"
	"math"

	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/logging"
	"github.com/coursely/offline/internal/models"
	"github.com/coursely/offline/internal/uuid"
)

// localEnrollmentProgress rebuilds the progress view from cached rows.
func (r *Router) localEnrollmentProgress(ctx context.Context, enrollmentID string) (*models.EnrollmentProgress, error) {
	e, err := r.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	modules, err := r.store.ListModuleProgress(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	contents, err := r.store.ListContentProgress(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}

	total := 0
	courseModules, err := r.store.ListModules(ctx, e.CourseID)
	if err != nil {
		return nil, err
	}
	for _, m := range courseModules {
		blocks, err := r.store.ListContentBlocks(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		total += len(blocks)
	}

	done := 0
	for _, c := range contents {
		if c.IsCompleted {
			done++
		}
	}

	return &models.EnrollmentProgress{
		Enrollment: *e,
		Modules:    modules,
		Contents:   contents,
		Percentage: percentage(done, total),
	}, nil
}

// localDashboard summarises cached enrollments.
func (r *Router) localDashboard(ctx context.Context) (*models.Dashboard, error) {
	enrollments, err := r.store.ListEnrollments(ctx, r.studentID)
	if err != nil {
		return nil, err
	}
	d := &models.Dashboard{StudentID: r.studentID, Enrollments: enrollments}
	for _, e := range enrollments {
		switch e.Status {
		case models.EnrollmentActive:
			d.ActiveCourses++
		case models.EnrollmentCompleted:
			d.CompletedCourses++
		}
		contents, err := r.store.ListContentProgress(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		for _, c := range contents {
			if c.IsCompleted {
				d.CompletedContent++
			}
		}
	}
	return d, nil
}

func percentage(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(done) / float64(total) * 100
	return math.Min(100, math.Round(p*100)/100)
}

// =====================================================
// Offline sessions and progress batches
// =====================================================

// usableSession returns the offline session backing the enrollment's
// course, or nil when progress should go through the mutation queue.
func (r *Router) usableSession(ctx context.Context, enrollmentID string) *models.OfflineSession {
	e, err := r.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil
	}
	s, err := r.store.FindActiveSession(ctx, e.StudentID, e.CourseID)
	if err != nil || !s.Usable(r.now()) {
		return nil
	}
	return s
}

// appendToBatch records a change in the session's open progress batch,
// creating the batch on first use.
func (r *Router) appendToBatch(ctx context.Context, s *models.OfflineSession, enrollmentID string, mutate func(*models.ProgressBatchData)) error {
	batch, err := r.store.OpenBatch(ctx, s.ID)
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		data := models.ProgressBatchData{EnrollmentID: enrollmentID}
		mutate(&data)
		raw, err := json.Marshal(data)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "encode progress batch", err)
		}
		batch = &models.ProgressBatch{
			ID:           uuid.New(),
			SessionID:    s.ID,
			CourseID:     s.CourseID,
			BatchPayload: raw,
			CreatedAt:    r.now().Unix(),
		}
		if err := r.store.InsertProgressBatch(ctx, batch); err != nil {
			return err
		}
		logging.Debug("progress batch opened", map[string]interface{}{
			"batch_id":   batch.ID,
			"session_id": s.ID,
		})
		return nil
	case err != nil:
		return err
	}

	data, err := batch.Data()
	if err != nil {
		return err
	}
	if data.EnrollmentID == "" {
		data.EnrollmentID = enrollmentID
	}
	mutate(data)
	raw, err := json.Marshal(data)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode progress batch", err)
	}
	return r.store.UpdateBatchPayload(ctx, batch.ID, raw)
}

// =====================================================
// Local grading
// =====================================================

// gradeLocally marks an answer using cached options. Unknown questions are
// left ungraded for the server to settle.
func (r *Router) gradeLocally(ctx context.Context, quizID string, ans *models.QuizAnswer) {
	questions, err := r.store.ListQuestions(ctx, quizID)
	if err != nil {
		return
	}
	for _, q := range questions {
		if q.ID != ans.QuestionID {
			continue
		}
		for _, o := range q.Options {
			if o.ID == ans.SelectedOptionID && o.IsCorrect {
				ans.IsCorrect = true
				ans.PointsEarned = float64(q.Points)
			}
		}
		return
	}
}

// scoreLocally fills Score and Passed from the cached answers. The server's
// grade replaces it after sync.
func (r *Router) scoreLocally(ctx context.Context, a *models.QuizAttempt) error {
	questions, err := r.store.ListQuestions(ctx, a.QuizID)
	if err != nil {
		return err
	}
	answers, err := r.store.ListQuizAnswers(ctx, a.ID)
	if err != nil {
		return err
	}

	possible := 0
	for _, q := range questions {
		possible += q.Points
	}
	earned := 0.0
	for _, ans := range answers {
		earned += ans.PointsEarned
	}
	if possible > 0 {
		a.Score = math.Round(earned/float64(possible)*10000) / 100
	}

	quiz, err := r.store.GetQuiz(ctx, a.QuizID)
	if err == nil {
		a.Passed = a.Score >= quiz.PassMarkPercentage
	}
	return nil
}
