package strategy

import (
	"context"
	"fmt"

	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/models"
	"github.com/coursely/offline/internal/remote"
	"github.com/coursely/offline/internal/uuid"
)

// Op names a routed operation.
type Op string

// Built-in operations.
const (
	OpGetCourses            Op = "getCourses"
	OpGetCourse             Op = "getCourse"
	OpGetCourseModules      Op = "getCourseModules"
	OpGetModuleContent      Op = "getModuleContent"
	OpGetEnrollments        Op = "getEnrollments"
	OpGetEnrollmentProgress Op = "getEnrollmentProgress"
	OpGetQuiz               Op = "getQuiz"
	OpGetQuizQuestions      Op = "getQuizQuestions"
	OpGetQuizResults        Op = "getQuizResults"
	OpGetDashboard          Op = "getDashboard"

	OpEnroll               Op = "enroll"
	OpUnenroll             Op = "unenroll"
	OpMarkContentViewed    Op = "markContentViewed"
	OpMarkContentCompleted Op = "markContentCompleted"
	OpMarkModuleCompleted  Op = "markModuleCompleted"
	OpStartQuizAttempt     Op = "startQuizAttempt"
	OpSubmitQuizAnswer     Op = "submitQuizAnswer"
	OpCompleteQuizAttempt  Op = "completeQuizAttempt"
	OpAbandonQuizAttempt   Op = "abandonQuizAttempt"
)

// Payload actions understood by the sync engine's endpoint table.
const (
	ActionView     = "view"
	ActionComplete = "complete"
	ActionAbandon  = "abandon"
)

func need(field, value string) error {
	if value == "" {
		return apperrors.New(apperrors.ErrInvalid, field+" is required")
	}
	return nil
}

func (r *Router) registerBuiltins() {
	// =====================================================
	// Catalog reads
	// =====================================================

	r.Register(OpGetCourses, Handler{
		Fallback: true,
		Online: func(ctx context.Context, _ Params) (any, error) {
			return r.remote.ListCourses(ctx)
		},
		Offline: func(ctx context.Context, _ Params) (any, error) {
			return r.store.ListCourses(ctx)
		},
		Project: func(ctx context.Context, _ Params, data any) error {
			return r.store.UpsertCourses(ctx, data.([]models.Course))
		},
	})

	r.Register(OpGetCourse, Handler{
		Fallback: true,
		Online: func(ctx context.Context, p Params) (any, error) {
			if err := need("course_id", p.CourseID); err != nil {
				return nil, err
			}
			return r.remote.GetCourse(ctx, p.CourseID)
		},
		Offline: func(ctx context.Context, p Params) (any, error) {
			return r.store.GetCourse(ctx, p.CourseID)
		},
		Project: func(ctx context.Context, _ Params, data any) error {
			return r.store.UpsertCourses(ctx, []models.Course{*data.(*models.Course)})
		},
	})

	r.Register(OpGetCourseModules, Handler{
		Fallback: true,
		Online: func(ctx context.Context, p Params) (any, error) {
			if err := need("course_id", p.CourseID); err != nil {
				return nil, err
			}
			return r.remote.GetCourseModules(ctx, p.CourseID)
		},
		Offline: func(ctx context.Context, p Params) (any, error) {
			return r.store.ListModules(ctx, p.CourseID)
		},
		Project: func(ctx context.Context, _ Params, data any) error {
			return r.store.UpsertModules(ctx, data.([]models.Module))
		},
	})

	r.Register(OpGetModuleContent, Handler{
		Fallback: true,
		Online: func(ctx context.Context, p Params) (any, error) {
			if err := need("module_id", p.ModuleID); err != nil {
				return nil, err
			}
			return r.remote.GetModuleContent(ctx, p.ModuleID)
		},
		Offline: func(ctx context.Context, p Params) (any, error) {
			return r.store.ListContentBlocks(ctx, p.ModuleID)
		},
		Project: func(ctx context.Context, _ Params, data any) error {
			return r.store.UpsertContentBlocks(ctx, data.([]models.ContentBlock))
		},
	})

	r.Register(OpGetQuiz, Handler{
		Fallback: true,
		Online: func(ctx context.Context, p Params) (any, error) {
			if err := need("quiz_id", p.QuizID); err != nil {
				return nil, err
			}
			return r.remote.GetQuiz(ctx, p.QuizID)
		},
		Offline: func(ctx context.Context, p Params) (any, error) {
			return r.store.GetQuiz(ctx, p.QuizID)
		},
		Project: func(ctx context.Context, _ Params, data any) error {
			return r.store.UpsertQuizzes(ctx, []models.Quiz{*data.(*models.Quiz)})
		},
	})

	r.Register(OpGetQuizQuestions, Handler{
		Fallback: true,
		Online: func(ctx context.Context, p Params) (any, error) {
			if err := need("quiz_id", p.QuizID); err != nil {
				return nil, err
			}
			return r.remote.GetQuizQuestions(ctx, p.QuizID)
		},
		Offline: func(ctx context.Context, p Params) (any, error) {
			return r.store.ListQuestions(ctx, p.QuizID)
		},
		Project: func(ctx context.Context, _ Params, data any) error {
			return r.store.UpsertQuestions(ctx, data.([]models.Question))
		},
	})

	// Results are graded by the server; there is nothing local to fall back to.
	r.Register(OpGetQuizResults, Handler{
		Online: func(ctx context.Context, p Params) (any, error) {
			if err := need("attempt_id", p.AttemptID); err != nil {
				return nil, err
			}
			return r.remote.GetQuizResults(ctx, p.AttemptID)
		},
		Project: func(ctx context.Context, _ Params, data any) error {
			res := data.(*remote.QuizResult)
			if err := r.store.UpsertQuizAttempt(ctx, &res.Attempt); err != nil {
				return err
			}
			return r.store.UpsertQuizAnswers(ctx, res.Answers)
		},
	})

	// =====================================================
	// Enrollment reads
	// =====================================================

	r.Register(OpGetEnrollments, Handler{
		Fallback: true,
		Online: func(ctx context.Context, _ Params) (any, error) {
			return r.remote.ListEnrollments(ctx)
		},
		Offline: func(ctx context.Context, _ Params) (any, error) {
			return r.store.ListEnrollments(ctx, r.studentID)
		},
		Project: func(ctx context.Context, _ Params, data any) error {
			return r.store.UpsertEnrollments(ctx, data.([]models.Enrollment))
		},
	})

	r.Register(OpGetEnrollmentProgress, Handler{
		Fallback: true,
		Online: func(ctx context.Context, p Params) (any, error) {
			if err := need("enrollment_id", p.EnrollmentID); err != nil {
				return nil, err
			}
			return r.remote.GetEnrollmentProgress(ctx, p.EnrollmentID)
		},
		Offline: func(ctx context.Context, p Params) (any, error) {
			return r.localEnrollmentProgress(ctx, p.EnrollmentID)
		},
		Project: func(ctx context.Context, _ Params, data any) error {
			ep := data.(*models.EnrollmentProgress)
			if err := r.store.UpsertEnrollments(ctx, []models.Enrollment{ep.Enrollment}); err != nil {
				return err
			}
			if err := r.store.UpsertModuleProgress(ctx, ep.Modules); err != nil {
				return err
			}
			return r.store.UpsertContentProgress(ctx, ep.Contents)
		},
	})

	r.Register(OpGetDashboard, Handler{
		Fallback: true,
		Online: func(ctx context.Context, _ Params) (any, error) {
			return r.remote.GetDashboard(ctx)
		},
		Offline: func(ctx context.Context, _ Params) (any, error) {
			return r.localDashboard(ctx)
		},
		Project: func(ctx context.Context, _ Params, data any) error {
			return r.store.UpsertEnrollments(ctx, data.(*models.Dashboard).Enrollments)
		},
	})

	// =====================================================
	// Enrollment writes
	// =====================================================

	r.Register(OpEnroll, Handler{
		Write: true,
		Online: func(ctx context.Context, p Params) (any, error) {
			if err := need("course_id", p.CourseID); err != nil {
				return nil, err
			}
			return r.remote.Enroll(ctx, p.CourseID)
		},
		Project: func(ctx context.Context, _ Params, data any) error {
			return r.store.UpsertEnrollments(ctx, []models.Enrollment{*data.(*models.Enrollment)})
		},
		Queue: r.queueEnroll,
	})

	r.Register(OpUnenroll, Handler{
		Write: true,
		Online: func(ctx context.Context, p Params) (any, error) {
			if err := need("enrollment_id", p.EnrollmentID); err != nil {
				return nil, err
			}
			return nil, r.remote.Unenroll(ctx, p.EnrollmentID)
		},
		Project: func(ctx context.Context, p Params, _ any) error {
			return r.store.DeleteEnrollment(ctx, p.EnrollmentID)
		},
		Queue: func(ctx context.Context, p Params) (*QueuedWrite, error) {
			if err := need("enrollment_id", p.EnrollmentID); err != nil {
				return nil, err
			}
			return &QueuedWrite{
				Operation: models.OpDelete,
				Table:     models.Enrollment{}.TableName(),
				RecordID:  p.EnrollmentID,
				Payload:   map[string]string{},
				Apply: func(ctx context.Context) error {
					return r.store.DeleteEnrollment(ctx, p.EnrollmentID)
				},
			}, nil
		},
	})

	// =====================================================
	// Progress writes
	// =====================================================

	r.Register(OpMarkContentViewed, Handler{
		Write: true,
		Online: func(ctx context.Context, p Params) (any, error) {
			if err := requireContent(p); err != nil {
				return nil, err
			}
			return r.remote.MarkContentViewed(ctx, p.EnrollmentID, p.ContentID)
		},
		Project: r.projectContentProgress,
		Queue: func(ctx context.Context, p Params) (*QueuedWrite, error) {
			return r.queueContentProgress(ctx, p, false)
		},
	})

	r.Register(OpMarkContentCompleted, Handler{
		Write: true,
		Online: func(ctx context.Context, p Params) (any, error) {
			if err := requireContent(p); err != nil {
				return nil, err
			}
			return r.remote.MarkContentCompleted(ctx, p.EnrollmentID, p.ContentID)
		},
		Project: r.projectContentProgress,
		Queue: func(ctx context.Context, p Params) (*QueuedWrite, error) {
			return r.queueContentProgress(ctx, p, true)
		},
	})

	r.Register(OpMarkModuleCompleted, Handler{
		Write: true,
		Online: func(ctx context.Context, p Params) (any, error) {
			if err := requireModule(p); err != nil {
				return nil, err
			}
			return r.remote.MarkModuleCompleted(ctx, p.EnrollmentID, p.ModuleID)
		},
		Project: func(ctx context.Context, _ Params, data any) error {
			return r.store.UpsertModuleProgress(ctx, []models.ModuleProgress{*data.(*models.ModuleProgress)})
		},
		Queue: r.queueModuleCompleted,
	})

	// =====================================================
	// Quiz writes
	// =====================================================

	r.Register(OpStartQuizAttempt, Handler{
		Write: true,
		Online: func(ctx context.Context, p Params) (any, error) {
			if err := need("quiz_id", p.QuizID); err != nil {
				return nil, err
			}
			return r.remote.StartQuizAttempt(ctx, p.QuizID)
		},
		Project: func(ctx context.Context, _ Params, data any) error {
			return r.store.UpsertQuizAttempt(ctx, data.(*models.QuizAttempt))
		},
		Queue: r.queueStartAttempt,
	})

	r.Register(OpSubmitQuizAnswer, Handler{
		Write: true,
		Online: func(ctx context.Context, p Params) (any, error) {
			if err := requireAnswer(p); err != nil {
				return nil, err
			}
			return r.remote.SubmitQuizAnswer(ctx, p.AttemptID, remote.AnswerRequest{
				QuestionID:       p.QuestionID,
				SelectedOptionID: p.SelectedOptionID,
			})
		},
		Project: func(ctx context.Context, _ Params, data any) error {
			return r.store.UpsertQuizAnswers(ctx, []models.QuizAnswer{*data.(*models.QuizAnswer)})
		},
		Queue: r.queueSubmitAnswer,
	})

	r.Register(OpCompleteQuizAttempt, Handler{
		Write: true,
		Online: func(ctx context.Context, p Params) (any, error) {
			if err := need("attempt_id", p.AttemptID); err != nil {
				return nil, err
			}
			return r.remote.CompleteQuizAttempt(ctx, p.AttemptID)
		},
		Project: func(ctx context.Context, _ Params, data any) error {
			return r.store.UpsertQuizAttempt(ctx, data.(*models.QuizAttempt))
		},
		Queue: r.queueCompleteAttempt,
	})

	// Abandon is a best-effort signal: sent once when online, recorded only
	// locally when offline.
	r.Register(OpAbandonQuizAttempt, Handler{
		Write: true,
		Online: func(ctx context.Context, p Params) (any, error) {
			if err := need("attempt_id", p.AttemptID); err != nil {
				return nil, err
			}
			return nil, r.remote.AbandonQuizAttempt(ctx, p.AttemptID)
		},
		Project: func(ctx context.Context, p Params, _ any) error {
			return r.markAttemptAbandoned(ctx, p.AttemptID)
		},
		Offline: func(ctx context.Context, p Params) (any, error) {
			if err := need("attempt_id", p.AttemptID); err != nil {
				return nil, err
			}
			return nil, r.markAttemptAbandoned(ctx, p.AttemptID)
		},
	})
}

func requireContent(p Params) error {
	if err := need("enrollment_id", p.EnrollmentID); err != nil {
		return err
	}
	return need("content_id", p.ContentID)
}

func requireModule(p Params) error {
	if err := need("enrollment_id", p.EnrollmentID); err != nil {
		return err
	}
	return need("module_id", p.ModuleID)
}

func requireAnswer(p Params) error {
	if err := need("attempt_id", p.AttemptID); err != nil {
		return err
	}
	if err := need("question_id", p.QuestionID); err != nil {
		return err
	}
	return need("selected_option_id", p.SelectedOptionID)
}

// =====================================================
// Offline write builders
// =====================================================

func (r *Router) queueEnroll(ctx context.Context, p Params) (*QueuedWrite, error) {
	if err := need("course_id", p.CourseID); err != nil {
		return nil, err
	}
	if existing, err := r.store.FindEnrollment(ctx, r.studentID, p.CourseID); err == nil &&
		existing.Status != models.EnrollmentDropped {
		return nil, apperrors.New(apperrors.ErrAlreadyCompleted, "already enrolled in course "+p.CourseID)
	}

	now := r.now().Unix()
	e := models.Enrollment{
		ID:         uuid.NewTemp(),
		StudentID:  r.studentID,
		CourseID:   p.CourseID,
		Status:     models.EnrollmentActive,
		EnrolledAt: now,
	}
	return &QueuedWrite{
		Operation: models.OpCreate,
		Table:     e.TableName(),
		RecordID:  e.ID,
		Payload:   map[string]string{"course_id": p.CourseID},
		Data:      &e,
		TempID:    e.ID,
		Apply: func(ctx context.Context) error {
			return r.store.UpsertEnrollments(ctx, []models.Enrollment{e})
		},
	}, nil
}

func (r *Router) projectContentProgress(ctx context.Context, _ Params, data any) error {
	return r.store.UpsertContentProgress(ctx, []models.ContentProgress{*data.(*models.ContentProgress)})
}

func (r *Router) queueContentProgress(ctx context.Context, p Params, completed bool) (*QueuedWrite, error) {
	if err := requireContent(p); err != nil {
		return nil, err
	}
	now := r.now().Unix()
	cp := models.ContentProgress{
		ID:           uuid.New(),
		EnrollmentID: p.EnrollmentID,
		ContentID:    p.ContentID,
		ViewedAt:     now,
		UpdatedAt:    now,
	}
	action := ActionView
	if completed {
		action = ActionComplete
		cp.IsCompleted = true
		cp.CompletedAt = now
	}
	apply := func(ctx context.Context) error {
		return r.store.UpsertContentProgress(ctx, []models.ContentProgress{cp})
	}

	if session := r.usableSession(ctx, p.EnrollmentID); session != nil {
		event := models.ContentEvent{ContentID: p.ContentID, OccurredAt: now}
		return &QueuedWrite{
			Data:    &cp,
			Batched: true,
			Apply: func(ctx context.Context) error {
				if err := apply(ctx); err != nil {
					return err
				}
				return r.appendToBatch(ctx, session, p.EnrollmentID, func(d *models.ProgressBatchData) {
					if completed {
						d.ContentCompletions = append(d.ContentCompletions, event)
					} else {
						d.ContentViews = append(d.ContentViews, event)
					}
				})
			},
		}, nil
	}

	return &QueuedWrite{
		Operation: models.OpUpdate,
		Table:     cp.TableName(),
		RecordID:  p.ContentID,
		Payload: map[string]string{
			"enrollment_id": p.EnrollmentID,
			"content_id":    p.ContentID,
			"action":        action,
		},
		Data:  &cp,
		Apply: apply,
	}, nil
}

func (r *Router) queueModuleCompleted(ctx context.Context, p Params) (*QueuedWrite, error) {
	if err := requireModule(p); err != nil {
		return nil, err
	}
	now := r.now().Unix()
	mp := models.ModuleProgress{
		ID:                          uuid.New(),
		EnrollmentID:                p.EnrollmentID,
		ModuleID:                    p.ModuleID,
		Status:                      models.StatusCompleted,
		StartedAt:                   now,
		CompletedAt:                 now,
		ContentCompletionPercentage: 100,
	}
	apply := func(ctx context.Context) error {
		return r.store.UpsertModuleProgress(ctx, []models.ModuleProgress{mp})
	}

	if session := r.usableSession(ctx, p.EnrollmentID); session != nil {
		event := models.ModuleCompletion{ModuleID: p.ModuleID, CompletedAt: now}
		return &QueuedWrite{
			Data:    &mp,
			Batched: true,
			Apply: func(ctx context.Context) error {
				if err := apply(ctx); err != nil {
					return err
				}
				return r.appendToBatch(ctx, session, p.EnrollmentID, func(d *models.ProgressBatchData) {
					d.ModuleCompletions = append(d.ModuleCompletions, event)
				})
			},
		}, nil
	}

	return &QueuedWrite{
		Operation: models.OpUpdate,
		Table:     mp.TableName(),
		RecordID:  p.ModuleID,
		Payload: map[string]string{
			"enrollment_id": p.EnrollmentID,
			"module_id":     p.ModuleID,
			"action":        ActionComplete,
		},
		Data:  &mp,
		Apply: apply,
	}, nil
}

func (r *Router) queueStartAttempt(ctx context.Context, p Params) (*QueuedWrite, error) {
	if err := need("quiz_id", p.QuizID); err != nil {
		return nil, err
	}
	quiz, err := r.store.GetQuiz(ctx, p.QuizID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.New(apperrors.ErrOfflineUnavailable, "quiz "+p.QuizID+" is not available offline")
		}
		return nil, err
	}
	previous, err := r.store.ListQuizAttempts(ctx, r.studentID, p.QuizID)
	if err != nil {
		return nil, err
	}
	if quiz.MaxAttempts > 0 && len(previous) >= quiz.MaxAttempts {
		return nil, apperrors.New(apperrors.ErrIneligible,
			fmt.Sprintf("maximum of %d attempts reached", quiz.MaxAttempts))
	}

	a := models.QuizAttempt{
		ID:            uuid.NewTemp(),
		StudentID:     r.studentID,
		QuizID:        p.QuizID,
		AttemptNumber: len(previous) + 1,
		Status:        models.StatusInProgress,
		StartedAt:     r.now().Unix(),
	}
	if quiz.TimeLimitMinutes > 0 {
		a.TimeRemainingSeconds = quiz.TimeLimitMinutes * 60
	}
	return &QueuedWrite{
		Operation: models.OpCreate,
		Table:     a.TableName(),
		RecordID:  a.ID,
		Payload:   map[string]string{"quiz_id": p.QuizID},
		Data:      &a,
		TempID:    a.ID,
		Apply: func(ctx context.Context) error {
			return r.store.UpsertQuizAttempt(ctx, &a)
		},
	}, nil
}

func (r *Router) queueSubmitAnswer(ctx context.Context, p Params) (*QueuedWrite, error) {
	if err := requireAnswer(p); err != nil {
		return nil, err
	}
	attempt, err := r.store.GetQuizAttempt(ctx, p.AttemptID)
	if err != nil {
		return nil, err
	}
	if attempt.Status != models.StatusInProgress {
		return nil, apperrors.New(apperrors.ErrAlreadyCompleted, "attempt "+p.AttemptID+" is "+attempt.Status)
	}

	ans := models.QuizAnswer{
		ID:               uuid.New(),
		AttemptID:        p.AttemptID,
		QuestionID:       p.QuestionID,
		SelectedOptionID: p.SelectedOptionID,
	}
	r.gradeLocally(ctx, attempt.QuizID, &ans)

	return &QueuedWrite{
		Operation: models.OpCreate,
		Table:     ans.TableName(),
		RecordID:  ans.ID,
		Payload: map[string]string{
			"attempt_id":         p.AttemptID,
			"question_id":        p.QuestionID,
			"selected_option_id": p.SelectedOptionID,
		},
		Data: &ans,
		Apply: func(ctx context.Context) error {
			return r.store.UpsertQuizAnswers(ctx, []models.QuizAnswer{ans})
		},
	}, nil
}

func (r *Router) queueCompleteAttempt(ctx context.Context, p Params) (*QueuedWrite, error) {
	if err := need("attempt_id", p.AttemptID); err != nil {
		return nil, err
	}
	attempt, err := r.store.GetQuizAttempt(ctx, p.AttemptID)
	if err != nil {
		return nil, err
	}
	if attempt.Status != models.StatusInProgress {
		return nil, apperrors.New(apperrors.ErrAlreadyCompleted, "attempt "+p.AttemptID+" is "+attempt.Status)
	}
	if err := r.scoreLocally(ctx, attempt); err != nil {
		return nil, err
	}
	attempt.Status = models.StatusCompleted
	attempt.CompletedAt = r.now().Unix()

	return &QueuedWrite{
		Operation: models.OpUpdate,
		Table:     attempt.TableName(),
		RecordID:  attempt.ID,
		Payload:   map[string]string{"action": ActionComplete},
		Data:      attempt,
		Apply: func(ctx context.Context) error {
			return r.store.UpsertQuizAttempt(ctx, attempt)
		},
	}, nil
}

func (r *Router) markAttemptAbandoned(ctx context.Context, attemptID string) error {
	attempt, err := r.store.GetQuizAttempt(ctx, attemptID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}
	if attempt.Status != models.StatusInProgress {
		return nil
	}
	attempt.Status = models.StatusAbandoned
	attempt.CompletedAt = r.now().Unix()
	return r.store.UpsertQuizAttempt(ctx, attempt)
}
