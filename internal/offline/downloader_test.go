package offline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursely/offline/internal/db"
	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/media"
	"github.com/coursely/offline/internal/models"
	"github.com/coursely/offline/internal/remote"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeRemote struct {
	mu        sync.Mutex
	pkg       *models.CoursePackage
	pkgErr    error
	calls     int
	verdicts  map[string]bool
	validated []remote.SessionRef
}

func (f *fakeRemote) DownloadCoursePackage(_ context.Context, courseID string) (*models.CoursePackage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.pkgErr != nil {
		return nil, f.pkgErr
	}
	if f.pkg == nil || f.pkg.Course.ID != courseID {
		return nil, apperrors.New(apperrors.ErrNotFound, "course not found")
	}
	cp := *f.pkg
	return &cp, nil
}

func (f *fakeRemote) ValidateOfflineSessions(_ context.Context, refs []remote.SessionRef) ([]models.SessionValidation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validated = append(f.validated, refs...)
	out := make([]models.SessionValidation, 0, len(refs))
	for _, r := range refs {
		valid, ok := f.verdicts[r.SessionID]
		if !ok {
			valid = true
		}
		v := models.SessionValidation{SessionID: r.SessionID, CourseID: r.CourseID, Valid: valid}
		if !valid {
			v.Reason = "course unpublished"
		}
		out = append(out, v)
	}
	return out, nil
}

// fetchFunc adapts a function to media.Fetcher.
type fetchFunc func(ctx context.Context, e models.MediaManifestEntry, w io.Writer, p media.ProgressFunc) (int64, error)

func (f fetchFunc) Fetch(ctx context.Context, e models.MediaManifestEntry, w io.Writer, p media.ProgressFunc) (int64, error) {
	return f(ctx, e, w, p)
}

// payload is the body served for a media id.
func payload(mediaID string) string {
	return strings.Repeat(mediaID+";", 100)
}

// staticFetcher serves payload(id) for every entry and counts calls.
type staticFetcher struct {
	mu    sync.Mutex
	calls []string
	after func(n int)
}

func (s *staticFetcher) Fetch(_ context.Context, e models.MediaManifestEntry, w io.Writer, p media.ProgressFunc) (int64, error) {
	body := payload(e.MediaID)
	n, err := io.Copy(w, strings.NewReader(body))
	if p != nil {
		p(n, int64(len(body)))
	}
	s.mu.Lock()
	s.calls = append(s.calls, e.MediaID)
	count := len(s.calls)
	s.mu.Unlock()
	if s.after != nil {
		s.after(count)
	}
	return n, err
}

func (s *staticFetcher) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type recorder struct {
	mu      sync.Mutex
	updates []models.DownloadProgress
}

func (r *recorder) handle(p models.DownloadProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, p)
}

func (r *recorder) all() []models.DownloadProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.DownloadProgress(nil), r.updates...)
}

// phases returns the distinct phases in order of first appearance.
func (r *recorder) phases() []models.DownloadPhase {
	var out []models.DownloadPhase
	for _, u := range r.all() {
		if len(out) == 0 || out[len(out)-1] != u.Phase {
			out = append(out, u.Phase)
		}
	}
	return out
}

type fixture struct {
	dl     *Downloader
	repo   *db.Repository
	remote *fakeRemote
	cache  *media.Cache
	rec    *recorder
	now    time.Time
}

func newFixture(t *testing.T, fetcher media.Fetcher) *fixture {
	t.Helper()
	dir := t.TempDir()
	d, err := db.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.Migrate())
	repo := db.NewRepository(d.DB)
	t.Cleanup(func() { repo.Close() })

	now := time.Unix(1_700_000_000, 0)
	repo.SetClock(func() time.Time { return now })

	f := &fixture{
		repo:   repo,
		remote: &fakeRemote{},
		cache:  media.NewCache(dir + "/media"),
		rec:    &recorder{},
		now:    now,
	}
	f.dl = NewDownloader(repo, f.remote, f.cache, fetcher, DefaultConfig())
	f.dl.SetClock(func() time.Time { return now })
	f.dl.SetProgressHandler(f.rec.handle)
	return f
}

// coursePackage builds c1 with 3 modules, 10 content blocks and a module
// quiz of 5 questions, plus the given media.
func coursePackage(manifest ...models.MediaManifestEntry) *models.CoursePackage {
	pkg := &models.CoursePackage{
		Course:         models.Course{ID: "c1", Title: "Distributed Systems"},
		User:           models.User{ID: "u1", Email: "student@example.com"},
		Enrollment:     models.Enrollment{ID: "e1", StudentID: "u1", CourseID: "c1", Status: models.EnrollmentActive},
		PackageVersion: "v3",
		MediaManifest:  manifest,
	}
	for m := 0; m < 3; m++ {
		pkg.Modules = append(pkg.Modules, models.Module{ID: fmt.Sprintf("m%d", m+1), CourseID: "c1", OrderIndex: m})
	}
	for b := 0; b < 10; b++ {
		pkg.ContentBlocks = append(pkg.ContentBlocks, models.ContentBlock{
			ID:         fmt.Sprintf("b%d", b+1),
			ModuleID:   fmt.Sprintf("m%d", b%3+1),
			OrderIndex: b,
		})
	}
	pkg.Quizzes = []models.Quiz{{ID: "q1", CourseID: "c1", ModuleID: "m1", QuizType: models.QuizTypeModule, PassMarkPercentage: 60}}
	for q := 0; q < 5; q++ {
		id := fmt.Sprintf("qq%d", q+1)
		pkg.Questions = append(pkg.Questions, models.Question{
			ID: id, QuizID: "q1", Points: 1, OrderIndex: q,
			Options: []models.QuestionOption{{ID: id + "-a", IsCorrect: true}, {ID: id + "-b"}},
		})
	}
	return pkg
}

func entry(id string) models.MediaManifestEntry {
	return models.MediaManifestEntry{
		MediaID:    id,
		Filename:   id + ".png",
		MediaType:  "image",
		SizeBytes:  int64(len(payload(id))),
		StorageKey: "c1/" + id,
	}
}

func assertMonotonic(t *testing.T, updates []models.DownloadProgress) {
	t.Helper()
	prev := 0.0
	for i, u := range updates {
		assert.GreaterOrEqual(t, u.Percentage, prev, "update %d went backwards", i)
		assert.LessOrEqual(t, u.Percentage, 100.0)
		prev = u.Percentage
	}
}

// =====================================================
// Download flow
// =====================================================

func TestDownload_CompletesWithOneBrokenFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/media/img1.png" {
			_, _ = io.WriteString(w, payload("img1"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newFixture(t, media.NewSource(media.NewHTTPFetcher(srv.Client()), nil))
	good := entry("img1")
	good.URL = srv.URL + "/media/img1.png"
	good.StorageKey = ""
	broken := entry("img2")
	broken.URL = srv.URL + "/media/missing.png"
	broken.StorageKey = ""
	f.remote.pkg = coursePackage(good, broken)

	run, err := f.dl.Start(context.Background(), "u1", "c1")
	require.NoError(t, err)
	result, err := run.Wait()
	require.NoError(t, err)

	assert.Equal(t, models.PhaseCompleted, result.Progress.Phase)
	assert.Equal(t, 100.0, result.Progress.Percentage)
	assert.Equal(t, 1, result.MediaCached)
	require.Len(t, result.FailedFiles, 1)
	assert.Equal(t, "img2", result.FailedFiles[0].MediaID)
	assert.Equal(t, 2, result.Progress.MediaDone)
	assert.Equal(t, 2, result.Progress.MediaTotal)

	assert.Equal(t, []models.DownloadPhase{
		models.PhaseFetching,
		models.PhaseSavingStructure,
		models.PhaseDownloadingMedia,
		models.PhaseVerifying,
		models.PhaseCompleted,
	}, f.rec.phases())
	assertMonotonic(t, f.rec.all())

	ctx := context.Background()
	modules, err := f.repo.ListModules(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, modules, 3)
	blocks := 0
	for _, m := range modules {
		bs, err := f.repo.ListContentBlocks(ctx, m.ID)
		require.NoError(t, err)
		blocks += len(bs)
	}
	assert.Equal(t, 10, blocks)
	questions, err := f.repo.ListQuestions(ctx, "q1")
	require.NoError(t, err)
	assert.Len(t, questions, 5)

	require.NotNil(t, result.Session)
	session, err := f.repo.FindActiveSession(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, result.Session.ID, session.ID)
	assert.True(t, session.IsValid)
	assert.Equal(t, "v3", session.PackageVersion)
	assert.Equal(t, f.now.Add(7*24*time.Hour).Unix(), session.ExpiresAt)

	cached, err := f.repo.GetMediaEntry(ctx, "img1")
	require.NoError(t, err)
	path, ok := cached.Path()
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload("img1"), string(data))

	missing, err := f.repo.GetMediaEntry(ctx, "img2")
	require.NoError(t, err)
	assert.False(t, missing.IsDownloaded)

	assert.False(t, f.dl.Busy())
	_, active := f.dl.Current()
	assert.False(t, active)
}

func TestDownload_ProgressChannelEndsWithTerminalUpdate(t *testing.T) {
	f := newFixture(t, &staticFetcher{})
	f.remote.pkg = coursePackage(entry("a"), entry("b"), entry("c"))

	run, err := f.dl.Start(context.Background(), "u1", "c1")
	require.NoError(t, err)

	var last models.DownloadProgress
	for p := range run.Progress() {
		last = p
	}
	assert.Equal(t, models.PhaseCompleted, last.Phase)
	assert.Equal(t, 100.0, last.Percentage)
	assert.Equal(t, "c1", last.CourseID)

	_, err = run.Wait()
	require.NoError(t, err)
}

func TestDownload_ExpiredURLWithoutObjectStoreIsRecorded(t *testing.T) {
	src := media.NewSource(fetchFunc(func(context.Context, models.MediaManifestEntry, io.Writer, media.ProgressFunc) (int64, error) {
		t.Fatal("expired url must not be fetched")
		return 0, nil
	}), nil)
	f := newFixture(t, src)
	src.SetClock(func() time.Time { return f.now })

	e := entry("old")
	e.StorageKey = ""
	e.URL = "http://cdn.invalid/old.png"
	e.URLExpiresAt = f.now.Unix() - 60
	f.remote.pkg = coursePackage(e)

	result, err := f.dl.Download(context.Background(), "u1", "c1")
	require.NoError(t, err)
	require.Len(t, result.FailedFiles, 1)
	assert.Contains(t, result.FailedFiles[0].Error, string(apperrors.ErrMediaExpired))
	assert.Equal(t, models.PhaseCompleted, result.Progress.Phase)
}

func TestDownload_NoMedia(t *testing.T) {
	f := newFixture(t, &staticFetcher{})
	f.remote.pkg = coursePackage()

	result, err := f.dl.Download(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseCompleted, result.Progress.Phase)
	assert.Equal(t, 100.0, result.Progress.Percentage)
	assert.NotNil(t, result.Session)
}

func TestDownload_FetchFailureIsFatal(t *testing.T) {
	f := newFixture(t, &staticFetcher{})
	f.remote.pkgErr = apperrors.New(apperrors.ErrNetwork, "unreachable")

	result, err := f.dl.Download(context.Background(), "u1", "c1")
	require.Error(t, err)
	assert.True(t, apperrors.IsNetwork(err))
	assert.Equal(t, models.PhaseError, result.Progress.Phase)
	assert.NotEmpty(t, result.Progress.Error)

	_, err = f.repo.FindActiveSession(context.Background(), "u1", "c1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestDownload_InvalidStructureIsFatal(t *testing.T) {
	f := newFixture(t, &staticFetcher{})
	pkg := coursePackage()
	pkg.Modules[1].CourseID = ""
	f.remote.pkg = pkg

	result, err := f.dl.Download(context.Background(), "u1", "c1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrValidation, apperrors.CodeOf(err))
	assert.Equal(t, models.PhaseError, result.Progress.Phase)

	_, err = f.repo.GetCourse(context.Background(), "c1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "structure is saved atomically")
}

func TestDownload_WrongStudent(t *testing.T) {
	f := newFixture(t, &staticFetcher{})
	f.remote.pkg = coursePackage()

	_, err := f.dl.Download(context.Background(), "someone-else", "c1")
	assert.Equal(t, apperrors.ErrValidation, apperrors.CodeOf(err))
}

func TestStart_Validation(t *testing.T) {
	f := newFixture(t, &staticFetcher{})
	_, err := f.dl.Start(context.Background(), "", "c1")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	_, err = f.dl.Start(context.Background(), "u1", "")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestStart_OneDownloadAtATime(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := fetchFunc(func(_ context.Context, e models.MediaManifestEntry, w io.Writer, _ media.ProgressFunc) (int64, error) {
		started <- struct{}{}
		<-gate
		return io.Copy(w, strings.NewReader(payload(e.MediaID)))
	})
	f := newFixture(t, blocking)
	f.remote.pkg = coursePackage(entry("a"))

	run, err := f.dl.Start(context.Background(), "u1", "c1")
	require.NoError(t, err)
	<-started

	assert.True(t, f.dl.Busy())
	progress, active := f.dl.Current()
	assert.True(t, active)
	assert.Equal(t, models.PhaseDownloadingMedia, progress.Phase)

	_, err = f.dl.Start(context.Background(), "u1", "c1")
	assert.True(t, apperrors.Is(err, apperrors.ErrDownloadInProgress))

	close(gate)
	_, err = run.Wait()
	require.NoError(t, err)

	// The slot frees up once the run has finished.
	run, err = f.dl.Start(context.Background(), "u1", "c1")
	require.NoError(t, err)
	_, err = run.Wait()
	require.NoError(t, err)
}

func TestCancel_AfterSomeMedia(t *testing.T) {
	fetcher := &staticFetcher{}
	f := newFixture(t, fetcher)
	fetcher.after = func(n int) {
		if n == 2 {
			assert.True(t, f.dl.Cancel())
		}
	}
	f.remote.pkg = coursePackage(entry("a"), entry("b"), entry("c"), entry("d"))

	result, err := f.dl.Download(context.Background(), "u1", "c1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrDownloadCancelled))
	assert.Equal(t, models.PhaseCancelled, result.Progress.Phase)
	assert.Equal(t, 2, fetcher.count())
	assert.Equal(t, 2, result.MediaCached)
	assertMonotonic(t, f.rec.all())

	ctx := context.Background()
	_, err = f.repo.FindActiveSession(ctx, "u1", "c1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "cancelled runs write no session")

	entries, err := f.repo.ListMediaEntries(ctx, "c1")
	require.NoError(t, err)
	downloaded := 0
	for _, e := range entries {
		if path, ok := e.Path(); ok {
			downloaded++
			assert.True(t, f.cache.Has(path))
		}
	}
	assert.Equal(t, 2, downloaded, "files fetched before the cancel stay cached")

	assert.False(t, f.dl.Cancel(), "nothing left to cancel")
}

func TestDownload_ResumeSkipsCachedFilesAndKeepsSession(t *testing.T) {
	fetcher := &staticFetcher{}
	f := newFixture(t, fetcher)
	f.remote.pkg = coursePackage(entry("a"), entry("b"))

	first, err := f.dl.Download(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.count())

	second, err := f.dl.Download(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.count(), "cached files are not fetched again")
	assert.Equal(t, 2, second.MediaCached)
	assert.Equal(t, first.Session.ID, second.Session.ID)
}

// =====================================================
// Session management
// =====================================================

func seedSession(t *testing.T, f *fixture, id, courseID string, expiresAt int64, valid bool) {
	t.Helper()
	require.NoError(t, f.repo.UpsertOfflineSession(context.Background(), &models.OfflineSession{
		ID: id, StudentID: "u1", CourseID: courseID,
		DownloadedAt: f.now.Unix() - 100, ExpiresAt: expiresAt, IsValid: valid, PackageVersion: "v1",
	}))
}

func TestDeleteOfflineCourse(t *testing.T) {
	f := newFixture(t, &staticFetcher{})
	f.remote.pkg = coursePackage(entry("a"))
	result, err := f.dl.Download(context.Background(), "u1", "c1")
	require.NoError(t, err)

	ctx := context.Background()
	cached, err := f.repo.GetMediaEntry(ctx, "a")
	require.NoError(t, err)
	path, _ := cached.Path()

	require.NoError(t, f.dl.DeleteOfflineCourse(ctx, result.Session.ID))

	sessions, err := f.dl.ListSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.False(t, f.cache.Has(path))
	entries, err := f.repo.ListMediaEntries(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	err = f.dl.DeleteOfflineCourse(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestValidateSessions(t *testing.T) {
	f := newFixture(t, &staticFetcher{})
	seedSession(t, f, "s-ok", "c1", f.now.Unix()+3600, true)
	seedSession(t, f, "s-revoked", "c2", f.now.Unix()+3600, true)
	seedSession(t, f, "s-old", "c3", f.now.Unix()-1, true)
	f.remote.verdicts = map[string]bool{"s-revoked": false}

	verdicts, err := f.dl.ValidateSessions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, verdicts, 3)

	byID := map[string]models.SessionValidation{}
	for _, v := range verdicts {
		byID[v.SessionID] = v
	}
	assert.True(t, byID["s-ok"].Valid)
	assert.False(t, byID["s-revoked"].Valid)
	assert.Equal(t, "expired", byID["s-old"].Reason)

	assert.Len(t, f.remote.validated, 2, "expired sessions are not sent to the server")

	ctx := context.Background()
	for id, want := range map[string]bool{"s-ok": true, "s-revoked": false, "s-old": false} {
		s, err := f.repo.GetOfflineSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, s.IsValid, id)
	}
}

func TestPurgeExpired(t *testing.T) {
	f := newFixture(t, &staticFetcher{})
	seedSession(t, f, "s-long-gone", "c1", f.now.Unix()-40*24*3600, true)
	seedSession(t, f, "s-recent", "c2", f.now.Unix()-24*3600, true)

	res, err := f.dl.PurgeExpired(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sessions)

	sessions, err := f.dl.ListSessions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s-recent", sessions[0].ID)

	_, err = f.dl.PurgeExpired(context.Background(), -1)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}
