package sync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursely/offline/internal/db"
	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/models"
	"github.com/coursely/offline/internal/remote"
	"github.com/coursely/offline/internal/sync/conflict"
	"github.com/coursely/offline/internal/sync/queue"
	"github.com/coursely/offline/internal/uuid"
)

// =====================================================
// Test Helpers
// =====================================================

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

// fakeServer records requests and answers from a per-route table.
type fakeServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]func(w http.ResponseWriter, body string)
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	key := r.Method + " " + r.URL.EscapedPath()

	s.mu.Lock()
	s.requests = append(s.requests, recordedRequest{Method: r.Method, Path: r.URL.EscapedPath(), Body: string(raw)})
	h, ok := s.routes[key]
	s.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"NOT_FOUND","message":"no route ` + key + `"}`))
		return
	}
	h(w, string(raw))
}

func (s *fakeServer) handle(method, path string, h func(w http.ResponseWriter, body string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[method+" "+path] = h
}

func (s *fakeServer) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.requests))
	for i, r := range s.requests {
		out[i] = r.Method + " " + r.Path
	}
	return out
}

func respond(status int, body string) func(w http.ResponseWriter, _ string) {
	return func(w http.ResponseWriter, _ string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

type harness struct {
	engine *SyncEngine
	repo   *db.Repository
	queue  *queue.Queue
	server *fakeServer
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	d, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.Migrate())
	repo := db.NewRepository(d.DB)
	t.Cleanup(func() { repo.Close() })

	h := &harness{
		repo:   repo,
		server: &fakeServer{routes: map[string]func(http.ResponseWriter, string){}},
		now:    time.Unix(1_700_000_000, 0),
	}
	clock := func() time.Time { return h.now }
	repo.SetClock(clock)

	srv := httptest.NewServer(h.server)
	t.Cleanup(srv.Close)
	client := remote.NewHTTPClient(remote.ClientConfig{BaseURL: srv.URL, Timeout: 5 * time.Second, MaxGetRetries: 1})

	h.queue = queue.New(repo, queue.Config{BaseDelay: 30 * time.Second, MaxDelay: time.Hour})
	h.queue.SetClock(clock)
	h.engine = NewSyncEngine(h.queue, repo, client, DefaultConfig())
	h.engine.SetClock(clock)
	return h
}

func (h *harness) enqueue(t *testing.T, op models.OperationType, table, record string, payload any) *models.MutationQueueItem {
	t.Helper()
	item, err := h.queue.Enqueue(context.Background(), op, table, record, payload)
	require.NoError(t, err)
	return item
}

func (h *harness) seedEnrollment(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.repo.UpsertEnrollments(context.Background(), []models.Enrollment{
		{ID: id, StudentID: "u1", CourseID: "c1", Status: models.EnrollmentActive},
	}))
}

type eventRecorder struct {
	mu     sync.Mutex
	events []SyncEvent
}

func (r *eventRecorder) OnSyncEvent(e SyncEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []SyncEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SyncEventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// =====================================================
// Drain Tests
// =====================================================

func TestNewSyncEngine(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, SyncStatusIdle, h.engine.Status())
	assert.False(t, h.engine.Busy())
	assert.Nil(t, h.engine.LastSync(context.Background()))
	assert.NoError(t, h.engine.LastError())
}

func TestDrain_ReplaysInOrderAndReconciles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	temp := uuid.NewTemp()
	h.seedEnrollment(t, temp)
	require.NoError(t, h.repo.UpsertContentProgress(ctx, []models.ContentProgress{
		{ID: "cp1", EnrollmentID: temp, ContentID: "b1", IsCompleted: true},
	}))
	h.enqueue(t, models.OpCreate, "enrollments", temp, map[string]string{"course_id": "c1"})
	h.enqueue(t, models.OpUpdate, "content_progress", "b1",
		map[string]string{"enrollment_id": temp, "content_id": "b1", "action": "complete"})

	var enrollBody string
	h.server.handle(http.MethodPost, "/enrollments", func(w http.ResponseWriter, body string) {
		enrollBody = body
		respond(http.StatusCreated, `{"id":"e-42","course_id":"c1","status":"active"}`)(w, body)
	})
	h.server.handle(http.MethodPost, "/enrollments/e-42/content/b1/complete", respond(http.StatusOK, `{"id":"cp-srv"}`))

	report, err := h.engine.Drain(ctx, DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, []string{
		"POST /enrollments",
		"POST /enrollments/e-42/content/b1/complete",
	}, h.server.paths())
	assert.JSONEq(t, `{"course_id":"c1"}`, enrollBody)

	depth, err := h.engine.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	_, err = h.repo.GetEnrollment(ctx, temp)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	e, err := h.repo.GetEnrollment(ctx, "e-42")
	require.NoError(t, err)
	assert.Equal(t, "c1", e.CourseID)
	progress, err := h.repo.ListContentProgress(ctx, "e-42")
	require.NoError(t, err)
	assert.Len(t, progress, 1)

	last := h.engine.LastSync(ctx)
	require.NotNil(t, last)
	assert.Equal(t, h.now.Unix(), last.Unix())
	assert.Equal(t, SyncStatusIdle, h.engine.Status())
}

func TestDrain_QuizAttemptChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	temp := uuid.NewTemp()
	require.NoError(t, h.repo.UpsertQuizAttempt(ctx, &models.QuizAttempt{
		ID: temp, StudentID: "u1", QuizID: "q1", AttemptNumber: 1, Status: models.StatusCompleted,
	}))
	h.enqueue(t, models.OpCreate, "quiz_attempts", temp, map[string]string{"quiz_id": "q1"})
	h.enqueue(t, models.OpCreate, "quiz_answers", uuid.New(),
		map[string]string{"attempt_id": temp, "question_id": "qq1", "selected_option_id": "o1"})
	h.enqueue(t, models.OpUpdate, "quiz_attempts", temp, map[string]string{"action": "complete"})

	var answerBody string
	h.server.handle(http.MethodPost, "/quizzes/q1/attempts", respond(http.StatusCreated, `{"id":"a-9"}`))
	h.server.handle(http.MethodPost, "/attempts/a-9/answers", func(w http.ResponseWriter, body string) {
		answerBody = body
		respond(http.StatusOK, `{}`)(w, body)
	})
	h.server.handle(http.MethodPost, "/attempts/a-9/complete", respond(http.StatusOK, `{"id":"a-9","score":100}`))

	report, err := h.engine.Drain(ctx, DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Succeeded)
	assert.JSONEq(t, `{"question_id":"qq1","selected_option_id":"o1"}`, answerBody)

	a, err := h.repo.GetQuizAttempt(ctx, "a-9")
	require.NoError(t, err)
	assert.Equal(t, "q1", a.QuizID)
}

func TestDrain_FailureDoesNotAbort(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedEnrollment(t, "e1")

	first := h.enqueue(t, models.OpUpdate, "module_progress", "m1",
		map[string]string{"enrollment_id": "e1", "module_id": "m1", "action": "complete"})
	h.enqueue(t, models.OpUpdate, "content_progress", "b1",
		map[string]string{"enrollment_id": "e1", "content_id": "b1", "action": "view"})

	h.server.handle(http.MethodPost, "/enrollments/e1/modules/m1/complete", respond(http.StatusServiceUnavailable, `{}`))
	h.server.handle(http.MethodPost, "/enrollments/e1/content/b1/view", respond(http.StatusOK, `{}`))

	report, err := h.engine.Drain(ctx, DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{first.ID}, report.FailedIDs)
	assert.Empty(t, report.PermanentFailures)

	item, err := h.queue.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, item.RetryCount)
	assert.Equal(t, h.now.Unix()+30, item.NextRetryAt)
	assert.NotEmpty(t, item.LastError)

	assert.Equal(t, SyncStatusFailed, h.engine.Status())
	assert.True(t, apperrors.Is(h.engine.LastError(), apperrors.ErrSyncFailed))

	// Not due yet: deferred unless forced.
	report, err = h.engine.Drain(ctx, DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)
	assert.Zero(t, report.Failed)

	h.server.handle(http.MethodPost, "/enrollments/e1/modules/m1/complete", respond(http.StatusOK, `{}`))
	report, err = h.engine.Drain(ctx, DrainOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, SyncStatusIdle, h.engine.Status())
}

func TestDrain_UnmappedIsPermanent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	item := h.enqueue(t, models.OpUpdate, "bookmarks", "bm1", map[string]string{"note": "x"})

	report, err := h.engine.Drain(ctx, DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{item.ID}, report.PermanentFailures)
	assert.Empty(t, h.server.paths())

	got, err := h.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, got.Permanent)
	assert.Contains(t, got.LastError, string(apperrors.ErrUnmappedOperation))

	report, err = h.engine.Drain(ctx, DrainOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Failed)
}

func TestDrain_DependentsBlockedByFailedCreate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	temp := uuid.NewTemp()
	h.seedEnrollment(t, temp)
	h.enqueue(t, models.OpCreate, "enrollments", temp, map[string]string{"course_id": "c1"})
	dependent := h.enqueue(t, models.OpUpdate, "content_progress", "b1",
		map[string]string{"enrollment_id": temp, "content_id": "b1", "action": "view"})
	h.server.handle(http.MethodPost, "/enrollments", respond(http.StatusBadGateway, `{}`))

	report, err := h.engine.Drain(ctx, DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, []string{"POST /enrollments"}, h.server.paths(), "blocked item must not be sent")

	got, err := h.queue.Get(ctx, dependent.ID)
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "blocked by unsynced "+temp)
	assert.False(t, got.Permanent)
}

func TestDrain_DeleteOfMissingEnrollmentSucceeds(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, models.OpDelete, "enrollments", "e1", map[string]string{})

	report, err := h.engine.Drain(context.Background(), DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, []string{"DELETE /enrollments/e1"}, h.server.paths())
}

func TestDrain_MissingCanonicalIDWarns(t *testing.T) {
	h := newHarness(t)
	temp := uuid.NewTemp()
	h.seedEnrollment(t, temp)
	h.enqueue(t, models.OpCreate, "enrollments", temp, map[string]string{"course_id": "c1"})
	h.server.handle(http.MethodPost, "/enrollments", respond(http.StatusCreated, `{}`))

	report, err := h.engine.Drain(context.Background(), DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "no id")
}

func TestDrain_ConcurrentCallsJoin(t *testing.T) {
	h := newHarness(t)
	h.seedEnrollment(t, "e1")
	h.enqueue(t, models.OpUpdate, "content_progress", "b1",
		map[string]string{"enrollment_id": "e1", "content_id": "b1", "action": "view"})

	entered := make(chan struct{})
	release := make(chan struct{})
	h.server.handle(http.MethodPost, "/enrollments/e1/content/b1/view", func(w http.ResponseWriter, body string) {
		close(entered)
		<-release
		respond(http.StatusOK, `{}`)(w, body)
	})

	var wg sync.WaitGroup
	reports := make([]*SyncReport, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0], _ = h.engine.Drain(context.Background(), DrainOptions{})
	}()
	<-entered
	assert.True(t, h.engine.Busy())
	assert.Equal(t, SyncStatusSyncing, h.engine.Status())

	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[1], _ = h.engine.Drain(context.Background(), DrainOptions{Force: true})
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NotNil(t, reports[0])
	assert.Same(t, reports[0], reports[1])
	assert.Len(t, h.server.paths(), 1)
	assert.False(t, h.engine.Busy())
}

func TestDrain_CancelledContextStops(t *testing.T) {
	h := newHarness(t)
	h.seedEnrollment(t, "e1")
	item := h.enqueue(t, models.OpUpdate, "content_progress", "b1",
		map[string]string{"enrollment_id": "e1", "content_id": "b1", "action": "view"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.engine.Drain(ctx, DrainOptions{})
	assert.ErrorIs(t, err, context.Canceled)

	got, err := h.queue.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Zero(t, got.RetryCount)
}

func TestDrain_JoinerOutlivesCancelledInitiator(t *testing.T) {
	h := newHarness(t)
	h.seedEnrollment(t, "e1")
	for _, b := range []string{"b1", "b2", "b3"} {
		h.enqueue(t, models.OpUpdate, "content_progress", b,
			map[string]string{"enrollment_id": "e1", "content_id": b, "action": "view"})
		if b != "b1" {
			h.server.handle(http.MethodPost, "/enrollments/e1/content/"+b+"/view", respond(http.StatusOK, `{}`))
		}
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	h.server.handle(http.MethodPost, "/enrollments/e1/content/b1/view", func(w http.ResponseWriter, body string) {
		close(entered)
		<-release
		respond(http.StatusOK, `{}`)(w, body)
	})

	ctx, cancel := context.WithCancel(context.Background())
	initiatorErr := make(chan error, 1)
	go func() {
		_, err := h.engine.Drain(ctx, DrainOptions{})
		initiatorErr <- err
	}()
	<-entered

	type outcome struct {
		report *SyncReport
		err    error
	}
	joined := make(chan outcome, 1)
	go func() {
		r, err := h.engine.Drain(context.Background(), DrainOptions{})
		joined <- outcome{r, err}
	}()
	require.Eventually(t, func() bool { return h.engine.waiting("drain") == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-initiatorErr, context.Canceled)
	close(release)

	res := <-joined
	require.NoError(t, res.err)
	assert.Equal(t, 3, res.report.Total)
	assert.Equal(t, 3, res.report.Succeeded)
	depth, err := h.engine.QueueDepth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestDrain_AbandonedRunFinishesInFlightItem(t *testing.T) {
	h := newHarness(t)
	h.seedEnrollment(t, "e1")
	first := h.enqueue(t, models.OpUpdate, "content_progress", "b1",
		map[string]string{"enrollment_id": "e1", "content_id": "b1", "action": "view"})
	second := h.enqueue(t, models.OpUpdate, "content_progress", "b2",
		map[string]string{"enrollment_id": "e1", "content_id": "b2", "action": "view"})

	entered := make(chan struct{})
	release := make(chan struct{})
	h.server.handle(http.MethodPost, "/enrollments/e1/content/b1/view", func(w http.ResponseWriter, body string) {
		close(entered)
		<-release
		respond(http.StatusOK, `{}`)(w, body)
	})
	h.server.handle(http.MethodPost, "/enrollments/e1/content/b2/view", respond(http.StatusOK, `{}`))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Drain(ctx, DrainOptions{})
		done <- err
	}()
	<-entered
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.Eventually(t, func() bool { return !h.engine.Busy() }, 5*time.Second, 5*time.Millisecond)

	_, err := h.queue.Get(context.Background(), first.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "in-flight item should be dequeued")
	got, err := h.queue.Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Zero(t, got.RetryCount)
	assert.Equal(t, []string{"POST /enrollments/e1/content/b1/view"}, h.server.paths())
}

func TestDrain_Events(t *testing.T) {
	h := newHarness(t)
	rec := &eventRecorder{}
	h.engine.SetEventHandler(rec)
	h.seedEnrollment(t, "e1")
	h.enqueue(t, models.OpUpdate, "content_progress", "b1",
		map[string]string{"enrollment_id": "e1", "content_id": "b1", "action": "view"})
	h.server.handle(http.MethodPost, "/enrollments/e1/content/b1/view", respond(http.StatusOK, `{}`))

	_, err := h.engine.Drain(context.Background(), DrainOptions{})
	require.NoError(t, err)
	assert.Equal(t, []SyncEventType{SyncEventStarted, SyncEventProgress, SyncEventCompleted}, rec.types())

	select {
	case e := <-h.engine.Progress():
		assert.Equal(t, SyncEventStarted, e.Type)
	default:
		t.Fatal("expected buffered progress events")
	}

	h.engine.SetEventHandler(nil)
	_, err = h.engine.Drain(context.Background(), DrainOptions{})
	require.NoError(t, err)
	assert.Len(t, rec.types(), 3)
}

// =====================================================
// Progress Batch Tests
// =====================================================

func (h *harness) seedBatch(t *testing.T, data models.ProgressBatchData) *models.ProgressBatch {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.repo.UpsertOfflineSession(ctx, &models.OfflineSession{
		ID: "s1", StudentID: "u1", CourseID: "c1", DownloadedAt: h.now.Unix(), IsValid: true,
	}))
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	b := &models.ProgressBatch{ID: "pb1", SessionID: "s1", CourseID: "c1", BatchPayload: raw, CreatedAt: h.now.Unix()}
	require.NoError(t, h.repo.InsertProgressBatch(ctx, b))
	return b
}

func TestSyncProgressBatches_SurfacesConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := &eventRecorder{}
	h.engine.SetEventHandler(rec)
	h.seedBatch(t, models.ProgressBatchData{
		EnrollmentID:       "e1",
		ContentCompletions: []models.ContentEvent{{ContentID: "b1", OccurredAt: h.now.Unix()}},
	})

	var sent remote.SyncProgressRequest
	h.server.handle(http.MethodPost, "/offline/sync-progress", func(w http.ResponseWriter, body string) {
		_ = json.Unmarshal([]byte(body), &sent)
		respond(http.StatusOK, `{
			"success": true,
			"content_synced": 1,
			"warnings": ["module m1 was already complete"],
			"conflicts": [
				{"entity":"content_progress","entity_id":"cp1","field":"completed_at","server_value":10,"offline_value":20,"resolution":"most_recent_wins"},
				{"entity":"quiz_attempt","entity_id":"a1","field":"score","server_value":80,"offline_value":60,"resolution":"manual"}
			]
		}`)(w, body)
	})

	report, err := h.engine.SyncProgressBatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, []string{"module m1 was already complete"}, report.Warnings)
	require.Len(t, report.Conflicts, 2)
	assert.Equal(t, conflict.OutcomeClientKept, report.Conflicts[0].Outcome)
	assert.Equal(t, conflict.OutcomeNeedsReview, report.Conflicts[1].Outcome)
	assert.Contains(t, rec.types(), SyncEventConflict)

	assert.Equal(t, "s1", sent.SessionID)
	assert.Equal(t, "pb1", sent.BatchID)
	require.Len(t, sent.Progress.ContentCompletions, 1)

	remaining, err := h.repo.ListUnsyncedBatches(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)
	s, err := h.repo.GetOfflineSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.SyncCount)
	assert.Equal(t, h.now.Unix(), s.LastSyncedAt)
}

func TestSyncProgressBatches_FailureKeepsBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedBatch(t, models.ProgressBatchData{
		EnrollmentID: "e1",
		ContentViews: []models.ContentEvent{{ContentID: "b1"}},
	})
	h.server.handle(http.MethodPost, "/offline/sync-progress", respond(http.StatusInternalServerError, `{}`))

	report, err := h.engine.SyncProgressBatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{"pb1"}, report.FailedIDs)

	remaining, err := h.repo.ListUnsyncedBatches(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestSyncProgressBatches_RejectedBatchKeepsConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := &eventRecorder{}
	h.engine.SetEventHandler(rec)
	h.seedBatch(t, models.ProgressBatchData{
		EnrollmentID: "e1",
		ContentViews: []models.ContentEvent{{ContentID: "b1"}},
	})
	h.server.handle(http.MethodPost, "/offline/sync-progress", respond(http.StatusOK, `{
		"success": false,
		"warnings": ["quiz a1 conflicts with server attempt"],
		"conflicts": [
			{"entity":"quiz_attempt","entity_id":"a1","field":"score","server_value":80,"offline_value":60,"resolution":"manual"}
		]
	}`))

	report, err := h.engine.SyncProgressBatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{"quiz a1 conflicts with server attempt"}, report.Warnings)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, conflict.OutcomeNeedsReview, report.Conflicts[0].Outcome)
	assert.Contains(t, rec.types(), SyncEventConflict)

	remaining, err := h.repo.ListUnsyncedBatches(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestSyncProgressBatches_EmptyBatchIsClosedLocally(t *testing.T) {
	h := newHarness(t)
	h.seedBatch(t, models.ProgressBatchData{EnrollmentID: "e1"})

	report, err := h.engine.SyncProgressBatches(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Empty(t, h.server.paths())
}

func TestSyncAll_DrainsThenUploads(t *testing.T) {
	h := newHarness(t)
	h.seedEnrollment(t, "e1")
	h.enqueue(t, models.OpUpdate, "content_progress", "b1",
		map[string]string{"enrollment_id": "e1", "content_id": "b1", "action": "view"})
	h.seedBatch(t, models.ProgressBatchData{
		EnrollmentID: "e1",
		ContentViews: []models.ContentEvent{{ContentID: "b2"}},
	})
	h.server.handle(http.MethodPost, "/enrollments/e1/content/b1/view", respond(http.StatusOK, `{}`))
	h.server.handle(http.MethodPost, "/offline/sync-progress", respond(http.StatusOK, `{"success":true}`))

	report, err := h.engine.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, []string{
		"POST /enrollments/e1/content/b1/view",
		"POST /offline/sync-progress",
	}, h.server.paths())
}

// =====================================================
// Endpoint Table Tests
// =====================================================

func TestEndpointBuild(t *testing.T) {
	tests := []struct {
		name    string
		item    models.MutationQueueItem
		method  string
		path    string
		body    map[string]any
		wantErr bool
	}{
		{
			name:   "content progress escapes ids",
			item:   models.MutationQueueItem{EntityTable: "content_progress", OperationType: models.OpUpdate, RecordID: "b 1", Payload: json.RawMessage(`{"enrollment_id":"e/1","content_id":"b 1","action":"view"}`)},
			method: http.MethodPost,
			path:   "/enrollments/e%2F1/content/b%201/view",
		},
		{
			name:   "attempt update uses record id",
			item:   models.MutationQueueItem{EntityTable: "quiz_attempts", OperationType: models.OpUpdate, RecordID: "a1", Payload: json.RawMessage(`{"action":"complete"}`)},
			method: http.MethodPost,
			path:   "/attempts/a1/complete",
		},
		{
			name:   "answer body keeps only listed fields",
			item:   models.MutationQueueItem{EntityTable: "quiz_answers", OperationType: models.OpCreate, RecordID: "x", Payload: json.RawMessage(`{"attempt_id":"a1","question_id":"q","selected_option_id":"o","extra":1}`)},
			method: http.MethodPost,
			path:   "/attempts/a1/answers",
			body:   map[string]any{"question_id": "q", "selected_option_id": "o"},
		},
		{
			name:    "missing field",
			item:    models.MutationQueueItem{EntityTable: "content_progress", OperationType: models.OpUpdate, RecordID: "b1", Payload: json.RawMessage(`{"content_id":"b1"}`)},
			wantErr: true,
		},
		{
			name:    "bad payload",
			item:    models.MutationQueueItem{EntityTable: "quiz_attempts", OperationType: models.OpUpdate, RecordID: "a1", Payload: json.RawMessage(`[1,2]`)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, ok := LookupEndpoint(tt.item.EntityTable, tt.item.OperationType)
			require.True(t, ok)
			req, err := ep.build(&tt.item)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.method, req.method)
			assert.Equal(t, tt.path, req.path)
			assert.Equal(t, tt.body, req.body)
		})
	}
}

func TestLookupEndpoint_Unmapped(t *testing.T) {
	_, ok := LookupEndpoint("enrollments", models.OpUpdate)
	assert.False(t, ok)
	_, ok = LookupEndpoint("notes", models.OpCreate)
	assert.False(t, ok)
}

func TestBlockedBy(t *testing.T) {
	temp := uuid.NewTemp()
	assert.Empty(t, blockedBy(&models.MutationQueueItem{OperationType: models.OpCreate, RecordID: temp, Payload: json.RawMessage(`{"course_id":"c1"}`)}))
	assert.Equal(t, temp, blockedBy(&models.MutationQueueItem{OperationType: models.OpUpdate, RecordID: temp}))
	assert.Equal(t, temp, blockedBy(&models.MutationQueueItem{
		OperationType: models.OpCreate, RecordID: "x",
		Payload: json.RawMessage(`{"attempt_id":"` + temp + `"}`),
	}))
	assert.False(t, strings.Contains(blockedBy(&models.MutationQueueItem{OperationType: models.OpUpdate, RecordID: "a1"}), "temp_"))
}
