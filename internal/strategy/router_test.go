package strategy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursely/offline/internal/db"
	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/models"
	"github.com/coursely/offline/internal/remote"
	"github.com/coursely/offline/internal/sync/queue"
	"github.com/coursely/offline/internal/uuid"
)

// fakeRemote implements only what each test sets; anything else panics
// through the nil embedded interface.
type fakeRemote struct {
	remote.Service
	courses      []models.Course
	coursesErr   error
	enroll       func(courseID string) (*models.Enrollment, error)
	markViewed   func(enrollmentID, contentID string) (*models.ContentProgress, error)
	abandonCalls int
}

func (f *fakeRemote) ListCourses(context.Context) ([]models.Course, error) {
	return f.courses, f.coursesErr
}

func (f *fakeRemote) Enroll(_ context.Context, courseID string) (*models.Enrollment, error) {
	return f.enroll(courseID)
}

func (f *fakeRemote) MarkContentViewed(_ context.Context, enrollmentID, contentID string) (*models.ContentProgress, error) {
	return f.markViewed(enrollmentID, contentID)
}

func (f *fakeRemote) AbandonQuizAttempt(context.Context, string) error {
	f.abandonCalls++
	return apperrors.New(apperrors.ErrNetwork, "unreachable")
}

type fakeConn struct {
	online      bool
	cachedCalls int
	freshCalls  int
}

func (c *fakeConn) IsOnline() bool {
	c.cachedCalls++
	return c.online
}

func (c *fakeConn) IsOnlineFresh(context.Context) bool {
	c.freshCalls++
	return c.online
}

type fixture struct {
	router *Router
	repo   *db.Repository
	queue  *queue.Queue
	remote *fakeRemote
	conn   *fakeConn
	now    time.Time
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	d, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.Migrate())
	repo := db.NewRepository(d.DB)
	t.Cleanup(func() { repo.Close() })

	now := time.Unix(1_700_000_000, 0)
	repo.SetClock(func() time.Time { return now })
	q := queue.New(repo, queue.DefaultConfig())
	q.SetClock(func() time.Time { return now })

	f := &fixture{repo: repo, queue: q, remote: &fakeRemote{}, conn: &fakeConn{online: online}, now: now}
	f.router = New(Deps{Remote: f.remote, Store: repo, Conn: f.conn, Queue: q, StudentID: "u1"})
	f.router.SetClock(func() time.Time { return now })
	return f
}

// seed stores a course with one module, two blocks and a two-question quiz.
func (f *fixture) seed(t *testing.T, withSession bool) {
	t.Helper()
	pkg := &models.CoursePackage{
		Course:     models.Course{ID: "c1", Title: "Networks"},
		User:       models.User{ID: "u1", Email: "s@example.com"},
		Enrollment: models.Enrollment{ID: "e1", StudentID: "u1", CourseID: "c1", Status: models.EnrollmentActive},
		Modules:    []models.Module{{ID: "m1", CourseID: "c1"}},
		ContentBlocks: []models.ContentBlock{
			{ID: "b1", ModuleID: "m1"},
			{ID: "b2", ModuleID: "m1", OrderIndex: 1},
		},
		Quizzes: []models.Quiz{{ID: "q1", CourseID: "c1", ModuleID: "m1", QuizType: models.QuizTypeModule, PassMarkPercentage: 50, MaxAttempts: 2}},
		Questions: []models.Question{
			{ID: "qq1", QuizID: "q1", Points: 1, Options: []models.QuestionOption{{ID: "o1", IsCorrect: true}, {ID: "o2"}}},
			{ID: "qq2", QuizID: "q1", Points: 1, OrderIndex: 1, Options: []models.QuestionOption{{ID: "o3", IsCorrect: true}, {ID: "o4"}}},
		},
	}
	var session *models.OfflineSession
	if withSession {
		session = &models.OfflineSession{
			ID: "s1", StudentID: "u1", CourseID: "c1",
			DownloadedAt: f.now.Unix() - 10, ExpiresAt: f.now.Add(24 * time.Hour).Unix(), IsValid: true,
		}
	}
	require.NoError(t, f.repo.SaveCoursePackage(context.Background(), pkg, session))
}

func (f *fixture) queued(t *testing.T) []models.MutationQueueItem {
	t.Helper()
	items, err := f.queue.Pending(context.Background())
	require.NoError(t, err)
	return items
}

// =====================================================
// Reads
// =====================================================

func TestExecute_OnlineReadProjectsLocally(t *testing.T) {
	f := newFixture(t, true)
	f.remote.courses = []models.Course{{ID: "c9", Title: "Go"}}

	res, err := f.router.Execute(context.Background(), OpGetCourses, Params{}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, res.Source)

	cached, err := f.repo.GetCourse(context.Background(), "c9")
	require.NoError(t, err)
	assert.Equal(t, "Go", cached.Title)
	assert.Equal(t, 1, f.conn.cachedCalls)
	assert.Zero(t, f.conn.freshCalls)
}

func TestExecute_OnlineReadWithoutPersist(t *testing.T) {
	f := newFixture(t, true)
	f.remote.courses = []models.Course{{ID: "c9", Title: "Go"}}

	_, err := f.router.Execute(context.Background(), OpGetCourses, Params{}, Options{})
	require.NoError(t, err)
	_, err = f.repo.GetCourse(context.Background(), "c9")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestExecute_NetworkErrorFallsBack(t *testing.T) {
	f := newFixture(t, true)
	f.seed(t, false)
	f.remote.coursesErr = apperrors.New(apperrors.ErrNetwork, "connection refused")

	res, err := f.router.Execute(context.Background(), OpGetCourses, Params{}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, res.Source)
	courses := res.Data.([]models.Course)
	require.Len(t, courses, 1)
	assert.Equal(t, "c1", courses[0].ID)

	_, err = f.router.Execute(context.Background(), OpGetCourses, Params{}, Options{PersistLocally: true})
	assert.True(t, apperrors.IsNetwork(err))
}

func TestExecute_ApplicationErrorIsVerbatim(t *testing.T) {
	f := newFixture(t, true)
	f.seed(t, false)
	appErr := apperrors.New(apperrors.ErrNotEnrolled, "enroll first")
	f.remote.coursesErr = appErr

	_, err := f.router.Execute(context.Background(), OpGetCourses, Params{}, DefaultOptions())
	assert.Same(t, appErr, err)
}

func TestExecute_OfflineReadUsesLocal(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, false)

	res, err := f.router.Execute(context.Background(), OpGetModuleContent, Params{ModuleID: "m1"}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, res.Source)
	assert.Len(t, res.Data.([]models.ContentBlock), 2)

	_, err = f.router.Execute(context.Background(), OpGetQuizResults, Params{AttemptID: "a1"}, DefaultOptions())
	assert.Equal(t, apperrors.ErrOfflineUnavailable, apperrors.CodeOf(err))
}

func TestExecute_OfflineEnrollmentProgress(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, false)
	require.NoError(t, f.repo.UpsertContentProgress(context.Background(), []models.ContentProgress{
		{ID: uuid.New(), EnrollmentID: "e1", ContentID: "b1", IsCompleted: true},
	}))

	res, err := f.router.Execute(context.Background(), OpGetEnrollmentProgress, Params{EnrollmentID: "e1"}, DefaultOptions())
	require.NoError(t, err)
	ep, err := Decode[*models.EnrollmentProgress](res)
	require.NoError(t, err)
	assert.Equal(t, 50.0, ep.Percentage)

	res, err = f.router.Execute(context.Background(), OpGetDashboard, Params{}, DefaultOptions())
	require.NoError(t, err)
	dash := res.Data.(*models.Dashboard)
	assert.Equal(t, 1, dash.ActiveCourses)
	assert.Equal(t, 1, dash.CompletedContent)
}

func TestExecute_UnknownOperation(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.router.Execute(context.Background(), Op("launchRocket"), Params{}, DefaultOptions())
	assert.Equal(t, apperrors.ErrUnsupportedOp, apperrors.CodeOf(err))
}

// =====================================================
// Writes
// =====================================================

func TestExecute_WriteUsesFreshCheck(t *testing.T) {
	f := newFixture(t, true)
	f.remote.enroll = func(courseID string) (*models.Enrollment, error) {
		return &models.Enrollment{ID: "e7", StudentID: "u1", CourseID: courseID, Status: models.EnrollmentActive}, nil
	}

	res, err := f.router.Execute(context.Background(), OpEnroll, Params{CourseID: "c1"}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, res.Source)
	assert.Equal(t, 1, f.conn.freshCalls)
	assert.Zero(t, f.conn.cachedCalls)

	e, err := f.repo.GetEnrollment(context.Background(), "e7")
	require.NoError(t, err)
	assert.Equal(t, "c1", e.CourseID)
}

func TestExecute_OnlineWriteNetworkErrorNeitherQueuesNorFallsBack(t *testing.T) {
	f := newFixture(t, true)
	f.remote.enroll = func(string) (*models.Enrollment, error) {
		return nil, apperrors.New(apperrors.ErrNetwork, "reset by peer")
	}

	_, err := f.router.Execute(context.Background(), OpEnroll, Params{CourseID: "c1"}, DefaultOptions())
	assert.True(t, apperrors.IsNetwork(err))
	assert.Empty(t, f.queued(t))
}

func TestExecute_OfflineEnrollQueuesWithTempID(t *testing.T) {
	f := newFixture(t, false)

	res, err := f.router.Execute(context.Background(), OpEnroll, Params{CourseID: "c1"}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, SourceQueued, res.Source)
	assert.True(t, uuid.IsTemp(res.TempID))
	assert.NotEmpty(t, res.QueueItemID)

	e, err := f.repo.GetEnrollment(context.Background(), res.TempID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentActive, e.Status)

	items := f.queued(t)
	require.Len(t, items, 1)
	assert.Equal(t, models.OpCreate, items[0].OperationType)
	assert.Equal(t, "enrollments", items[0].EntityTable)
	assert.Equal(t, res.TempID, items[0].RecordID)
	assert.JSONEq(t, `{"course_id":"c1"}`, string(items[0].Payload))

	_, err = f.router.Execute(context.Background(), OpEnroll, Params{CourseID: "c1"}, DefaultOptions())
	assert.Equal(t, apperrors.ErrAlreadyCompleted, apperrors.CodeOf(err))
}

func TestExecute_OfflineWriteWithoutQueueing(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.router.Execute(context.Background(), OpEnroll, Params{CourseID: "c1"}, Options{PersistLocally: true})
	assert.Equal(t, apperrors.ErrOfflineUnavailable, apperrors.CodeOf(err))
	assert.Empty(t, f.queued(t))
}

func TestExecute_ProjectionFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, true)
	f.remote.markViewed = func(enrollmentID, contentID string) (*models.ContentProgress, error) {
		// The enrollment is not cached, so the local insert violates its
		// foreign key.
		return &models.ContentProgress{ID: "p1", EnrollmentID: enrollmentID, ContentID: contentID}, nil
	}

	res, err := f.router.Execute(context.Background(), OpMarkContentViewed,
		Params{EnrollmentID: "missing", ContentID: "b1"}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, res.Source)
}

func TestExecute_ContentProgressGoesToBatchWhenSessionExists(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, true)
	ctx := context.Background()

	res, err := f.router.Execute(ctx, OpMarkContentCompleted, Params{EnrollmentID: "e1", ContentID: "b1"}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, SourceBatched, res.Source)
	_, err = f.router.Execute(ctx, OpMarkContentViewed, Params{EnrollmentID: "e1", ContentID: "b2"}, DefaultOptions())
	require.NoError(t, err)
	_, err = f.router.Execute(ctx, OpMarkModuleCompleted, Params{EnrollmentID: "e1", ModuleID: "m1"}, DefaultOptions())
	require.NoError(t, err)

	assert.Empty(t, f.queued(t))

	batch, err := f.repo.OpenBatch(ctx, "s1")
	require.NoError(t, err)
	data, err := batch.Data()
	require.NoError(t, err)
	assert.Equal(t, "e1", data.EnrollmentID)
	require.Len(t, data.ContentCompletions, 1)
	assert.Equal(t, "b1", data.ContentCompletions[0].ContentID)
	require.Len(t, data.ContentViews, 1)
	require.Len(t, data.ModuleCompletions, 1)

	progress, err := f.repo.ListContentProgress(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, progress, 2)
}

func TestExecute_ContentProgressQueuedWithoutSession(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, false)

	res, err := f.router.Execute(context.Background(), OpMarkContentCompleted, Params{EnrollmentID: "e1", ContentID: "b1"}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, SourceQueued, res.Source)

	items := f.queued(t)
	require.Len(t, items, 1)
	assert.Equal(t, "content_progress", items[0].EntityTable)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(items[0].Payload, &payload))
	assert.Equal(t, ActionComplete, payload["action"])
	assert.Equal(t, "e1", payload["enrollment_id"])
}

func TestExecute_OfflineQuizFlow(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, false)
	ctx := context.Background()

	res, err := f.router.Execute(ctx, OpStartQuizAttempt, Params{QuizID: "q1"}, DefaultOptions())
	require.NoError(t, err)
	attempt := res.Data.(*models.QuizAttempt)
	assert.True(t, uuid.IsTemp(attempt.ID))
	assert.Equal(t, 1, attempt.AttemptNumber)

	_, err = f.router.Execute(ctx, OpSubmitQuizAnswer,
		Params{AttemptID: attempt.ID, QuestionID: "qq1", SelectedOptionID: "o1"}, DefaultOptions())
	require.NoError(t, err)
	_, err = f.router.Execute(ctx, OpSubmitQuizAnswer,
		Params{AttemptID: attempt.ID, QuestionID: "qq2", SelectedOptionID: "o4"}, DefaultOptions())
	require.NoError(t, err)

	res, err = f.router.Execute(ctx, OpCompleteQuizAttempt, Params{AttemptID: attempt.ID}, DefaultOptions())
	require.NoError(t, err)
	done := res.Data.(*models.QuizAttempt)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, 50.0, done.Score)
	assert.True(t, done.Passed)

	_, err = f.router.Execute(ctx, OpCompleteQuizAttempt, Params{AttemptID: attempt.ID}, DefaultOptions())
	assert.Equal(t, apperrors.ErrAlreadyCompleted, apperrors.CodeOf(err))

	items := f.queued(t)
	require.Len(t, items, 4)
	assert.Equal(t, []string{"quiz_attempts", "quiz_answers", "quiz_answers", "quiz_attempts"},
		[]string{items[0].EntityTable, items[1].EntityTable, items[2].EntityTable, items[3].EntityTable})
	assert.Equal(t, models.OpUpdate, items[3].OperationType)
	assert.Equal(t, attempt.ID, items[3].RecordID)

	// A second attempt is allowed, a third is not.
	_, err = f.router.Execute(ctx, OpStartQuizAttempt, Params{QuizID: "q1"}, DefaultOptions())
	require.NoError(t, err)
	_, err = f.router.Execute(ctx, OpStartQuizAttempt, Params{QuizID: "q1"}, DefaultOptions())
	assert.Equal(t, apperrors.ErrIneligible, apperrors.CodeOf(err))
}

func TestExecute_AbandonIsBestEffort(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, false)
	ctx := context.Background()

	res, err := f.router.Execute(ctx, OpStartQuizAttempt, Params{QuizID: "q1"}, DefaultOptions())
	require.NoError(t, err)
	id := res.TempID

	res, err = f.router.Execute(ctx, OpAbandonQuizAttempt, Params{AttemptID: id}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, res.Source)

	a, err := f.repo.GetQuizAttempt(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAbandoned, a.Status)
	assert.Len(t, f.queued(t), 1, "abandon is never queued")

	f.conn.online = true
	_, err = f.router.Execute(ctx, OpAbandonQuizAttempt, Params{AttemptID: id}, DefaultOptions())
	assert.True(t, apperrors.IsNetwork(err))
	assert.Equal(t, 1, f.remote.abandonCalls)
}

func TestExecute_MissingParams(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.router.Execute(context.Background(), OpMarkContentCompleted, Params{EnrollmentID: "e1"}, DefaultOptions())
	assert.Equal(t, apperrors.ErrInvalid, apperrors.CodeOf(err))
}

func TestRegister_CustomOperation(t *testing.T) {
	f := newFixture(t, false)
	f.router.Register("ping", Handler{
		Offline: func(context.Context, Params) (any, error) { return "pong", nil },
	})
	res, err := f.router.Execute(context.Background(), "ping", Params{}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Data)
	assert.Contains(t, f.router.Operations(), Op("ping"))
}
