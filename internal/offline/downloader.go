// Package offline downloads whole course packages for offline use and
// manages the resulting offline sessions.
package offline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coursely/offline/internal/db"
	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/logging"
	"github.com/coursely/offline/internal/media"
	"github.com/coursely/offline/internal/models"
	"github.com/coursely/offline/internal/remote"
	"github.com/coursely/offline/internal/uuid"
)

// Store is the local persistence the downloader needs.
type Store interface {
	db.MediaRepository
	db.SessionRepository
	DeleteSyncedBatches(ctx context.Context, daysOld int) (int, error)
	SaveCoursePackage(ctx context.Context, pkg *models.CoursePackage, session *models.OfflineSession) error
}

// Remote is the part of the learning platform the downloader calls.
type Remote interface {
	DownloadCoursePackage(ctx context.Context, courseID string) (*models.CoursePackage, error)
	ValidateOfflineSessions(ctx context.Context, sessions []remote.SessionRef) ([]models.SessionValidation, error)
}

// Config tunes offline packages.
type Config struct {
	// SessionValidityDays bounds a session when the package has no expiry.
	SessionValidityDays int
	// PresignedURLExpiryDays is recorded on new sessions.
	PresignedURLExpiryDays int
}

// DefaultConfig returns the default downloader configuration.
func DefaultConfig() Config {
	return Config{SessionValidityDays: 7, PresignedURLExpiryDays: 7}
}

// ProgressHandler observes every progress update of every run.
type ProgressHandler func(models.DownloadProgress)

// Phase boundaries on the 0..100 scale.
const (
	pctFetched    = 10.0
	pctStructured = 20.0
	pctMediaDone  = 90.0
	totalSteps    = 4
)

// Downloader runs at most one course download at a time.
type Downloader struct {
	store   Store
	remote  Remote
	cache   *media.Cache
	fetcher media.Fetcher
	config  Config
	now     func() time.Time

	active atomic.Bool

	mu      sync.RWMutex
	current *Run
	handler ProgressHandler
}

// NewDownloader creates a Downloader.
func NewDownloader(store Store, rem Remote, cache *media.Cache, fetcher media.Fetcher, config Config) *Downloader {
	def := DefaultConfig()
	if config.SessionValidityDays <= 0 {
		config.SessionValidityDays = def.SessionValidityDays
	}
	if config.PresignedURLExpiryDays <= 0 {
		config.PresignedURLExpiryDays = def.PresignedURLExpiryDays
	}
	return &Downloader{
		store:   store,
		remote:  rem,
		cache:   cache,
		fetcher: fetcher,
		config:  config,
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (d *Downloader) SetClock(now func() time.Time) {
	d.now = now
}

// SetProgressHandler registers a handler called synchronously on every
// update. It must not block. nil disables it.
func (d *Downloader) SetProgressHandler(h ProgressHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// Busy reports whether a download is running.
func (d *Downloader) Busy() bool {
	return d.active.Load()
}

// Current returns the progress of the running download, if any.
func (d *Downloader) Current() (models.DownloadProgress, bool) {
	d.mu.RLock()
	run := d.current
	d.mu.RUnlock()
	if run == nil || !d.active.Load() {
		return models.DownloadProgress{Phase: models.PhaseIdle}, false
	}
	return run.Snapshot(), true
}

// Cancel asks the running download to stop before its next media file. It
// reports whether a download was running.
func (d *Downloader) Cancel() bool {
	d.mu.RLock()
	run := d.current
	d.mu.RUnlock()
	if run == nil || !d.active.Load() {
		return false
	}
	run.cancelled.Store(true)
	logging.Info("Course download cancellation requested", map[string]interface{}{"course_id": run.courseID})
	return true
}

// Start begins downloading courseID for studentID. ctx governs the whole
// run, not just the call.
func (d *Downloader) Start(ctx context.Context, studentID, courseID string) (*Run, error) {
	if studentID == "" || courseID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "student id and course id are required")
	}
	if !d.active.CompareAndSwap(false, true) {
		return nil, apperrors.New(apperrors.ErrDownloadInProgress, "another course download is running")
	}

	run := newRun(courseID)
	d.mu.Lock()
	d.current = run
	d.mu.Unlock()

	go func() {
		result, err := d.execute(ctx, run, studentID)
		d.active.Store(false)
		run.finish(result, err)
	}()
	return run, nil
}

// Download runs a download to completion.
func (d *Downloader) Download(ctx context.Context, studentID, courseID string) (*DownloadResult, error) {
	run, err := d.Start(ctx, studentID, courseID)
	if err != nil {
		return nil, err
	}
	return run.Wait()
}

// =====================================================
// Run
// =====================================================

// DownloadResult is the outcome of a run.
type DownloadResult struct {
	CourseID    string                  `json:"course_id"`
	Session     *models.OfflineSession  `json:"session,omitempty"`
	Progress    models.DownloadProgress `json:"progress"`
	MediaCached int                     `json:"media_cached"`
	FailedFiles []models.FailedFile     `json:"failed_files,omitempty"`
}

// Run is a handle on one download.
type Run struct {
	courseID  string
	updates   chan models.DownloadProgress
	done      chan struct{}
	cancelled atomic.Bool

	mu     sync.Mutex
	last   models.DownloadProgress
	result *DownloadResult
	err    error
}

func newRun(courseID string) *Run {
	return &Run{
		courseID: courseID,
		updates:  make(chan models.DownloadProgress, 64),
		done:     make(chan struct{}),
		last:     models.DownloadProgress{CourseID: courseID, Phase: models.PhaseIdle, TotalSteps: totalSteps},
	}
}

// CourseID returns the course being downloaded.
func (r *Run) CourseID() string { return r.courseID }

// Progress delivers updates. The oldest pending updates are dropped when the
// reader falls behind; the channel closes after the terminal update.
func (r *Run) Progress() <-chan models.DownloadProgress {
	return r.updates
}

// Snapshot returns the latest update.
func (r *Run) Snapshot() models.DownloadProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneProgress(r.last)
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes.
func (r *Run) Wait() (*DownloadResult, error) {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

func (r *Run) finish(result *DownloadResult, err error) {
	r.mu.Lock()
	r.result = result
	r.err = err
	r.mu.Unlock()
	close(r.updates)
	close(r.done)
}

// =====================================================
// State machine
// =====================================================

// update applies fn to the run's progress, keeps the percentage monotonic
// within [0,100] and publishes the result.
func (d *Downloader) update(run *Run, fn func(p *models.DownloadProgress)) {
	run.mu.Lock()
	prev := run.last.Percentage
	fn(&run.last)
	run.last.Percentage = clampPct(run.last.Percentage)
	if run.last.Percentage < prev {
		run.last.Percentage = prev
	}
	snap := cloneProgress(run.last)
	run.mu.Unlock()

	d.mu.RLock()
	h := d.handler
	d.mu.RUnlock()
	if h != nil {
		h(snap)
	}

	// Drop the oldest update rather than the newest so the terminal state
	// always reaches the channel.
	for {
		select {
		case run.updates <- snap:
			return
		default:
		}
		select {
		case <-run.updates:
		default:
		}
	}
}

func (d *Downloader) enter(run *Run, phase models.DownloadPhase, step int, pct float64, msg string) {
	d.update(run, func(p *models.DownloadProgress) {
		p.Phase = phase
		p.Step = step
		p.Percentage = pct
		p.Message = msg
		p.CurrentFile = nil
	})
}

func (d *Downloader) execute(ctx context.Context, run *Run, studentID string) (*DownloadResult, error) {
	courseID := run.courseID
	result := &DownloadResult{CourseID: courseID}
	logCtx := map[string]interface{}{"course_id": courseID, "student_id": studentID}

	fail := func(err error) (*DownloadResult, error) {
		d.update(run, func(p *models.DownloadProgress) {
			p.Phase = models.PhaseError
			p.Error = err.Error()
			p.CurrentFile = nil
		})
		result.Progress = run.Snapshot()
		logging.ErrorWithCode("Course download failed", string(apperrors.CodeOf(err)), err, logCtx)
		return result, err
	}
	cancelled := func() (*DownloadResult, error) {
		d.update(run, func(p *models.DownloadProgress) {
			p.Phase = models.PhaseCancelled
			p.Message = "download cancelled"
			p.CurrentFile = nil
		})
		result.Progress = run.Snapshot()
		logging.Info("Course download cancelled", logCtx)
		return result, apperrors.New(apperrors.ErrDownloadCancelled, "download of "+courseID+" cancelled")
	}

	logging.Info("Course download started", logCtx)

	// fetching
	d.enter(run, models.PhaseFetching, 1, 0, "fetching course package")
	pkg, err := d.remote.DownloadCoursePackage(ctx, courseID)
	if err != nil {
		return fail(err)
	}
	if pkg.Course.ID != courseID {
		return fail(apperrors.New(apperrors.ErrValidation, "package is for course "+pkg.Course.ID))
	}
	if pkg.Enrollment.StudentID != studentID {
		return fail(apperrors.New(apperrors.ErrValidation, "package enrollment belongs to another student"))
	}
	d.update(run, func(p *models.DownloadProgress) { p.Percentage = pctFetched })
	if run.cancelled.Load() {
		return cancelled()
	}

	// saving_structure
	d.enter(run, models.PhaseSavingStructure, 2, pctFetched, "saving course structure")
	if err := d.store.SaveCoursePackage(ctx, pkg, nil); err != nil {
		return fail(err)
	}
	if err := d.indexMedia(ctx, courseID, pkg.MediaManifest); err != nil {
		return fail(err)
	}
	d.update(run, func(p *models.DownloadProgress) { p.Percentage = pctStructured })

	// downloading_media
	total := len(pkg.MediaManifest)
	d.enter(run, models.PhaseDownloadingMedia, 3, pctStructured, fmt.Sprintf("downloading %d media files", total))
	d.update(run, func(p *models.DownloadProgress) { p.MediaTotal = total })
	for i, entry := range pkg.MediaManifest {
		if run.cancelled.Load() {
			return cancelled()
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if d.fetchOne(ctx, run, courseID, i, total, entry) {
			result.MediaCached++
		}
	}
	if run.cancelled.Load() {
		return cancelled()
	}

	// verifying
	d.enter(run, models.PhaseVerifying, 4, pctMediaDone, "verifying offline package")
	session, err := d.writeSession(ctx, studentID, pkg)
	if err != nil {
		return fail(err)
	}
	result.Session = session

	d.update(run, func(p *models.DownloadProgress) {
		p.Phase = models.PhaseCompleted
		p.Percentage = 100
		p.Message = "course available offline"
	})
	result.Progress = run.Snapshot()
	result.FailedFiles = result.Progress.FailedFiles

	logging.Info("Course download completed", map[string]interface{}{
		"course_id":    courseID,
		"session_id":   session.ID,
		"media_cached": result.MediaCached,
		"media_failed": len(result.FailedFiles),
	})
	return result, nil
}

// indexMedia records a cache row per manifest entry, keeping rows whose file
// is already on disk.
func (d *Downloader) indexMedia(ctx context.Context, courseID string, manifest []models.MediaManifestEntry) error {
	for _, entry := range manifest {
		existing, err := d.store.GetMediaEntry(ctx, entry.MediaID)
		if err == nil {
			if path, ok := existing.Path(); ok && d.cache.Has(path) {
				continue
			}
		} else if !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		if err := d.store.UpsertMediaEntry(ctx, &models.MediaCacheEntry{
			MediaID:               entry.MediaID,
			CourseID:              courseID,
			Filename:              entry.Filename,
			MediaType:             entry.MediaType,
			SizeBytes:             entry.SizeBytes,
			PresignedURL:          entry.URL,
			PresignedURLExpiresAt: entry.URLExpiresAt,
		}); err != nil {
			return err
		}
	}
	return nil
}

// fetchOne downloads one media file and reports whether it is now cached.
// Failures are recorded on the run and never abort it.
func (d *Downloader) fetchOne(ctx context.Context, run *Run, courseID string, i, total int, entry models.MediaManifestEntry) bool {
	span := (pctMediaDone - pctStructured) / float64(total)
	base := pctStructured + span*float64(i)
	finished := func() {
		d.update(run, func(p *models.DownloadProgress) {
			p.MediaDone = i + 1
			p.Percentage = base + span
			p.CurrentFile = nil
		})
	}

	if existing, err := d.store.GetMediaEntry(ctx, entry.MediaID); err == nil {
		if path, ok := existing.Path(); ok && d.cache.Has(path) {
			finished()
			return true
		}
	}

	d.update(run, func(p *models.DownloadProgress) {
		p.CurrentFile = &models.FileProgress{
			MediaID:    entry.MediaID,
			Filename:   entry.Filename,
			BytesTotal: entry.SizeBytes,
		}
		p.Message = "downloading " + entry.Filename
	})

	onProgress := func(done, size int64) {
		frac := 0.0
		if size > 0 {
			frac = float64(done) / float64(size)
			if frac > 1 {
				frac = 1
			}
		}
		d.update(run, func(p *models.DownloadProgress) {
			p.CurrentFile = &models.FileProgress{
				MediaID:    entry.MediaID,
				Filename:   entry.Filename,
				BytesDone:  done,
				BytesTotal: size,
				Percentage: clampPct(frac * 100),
			}
			p.Percentage = base + span*frac
		})
	}

	path, n, err := d.cache.Store(ctx, courseID, entry, d.fetcher, onProgress)
	if err != nil {
		logging.Warn("Media download failed", map[string]interface{}{
			"course_id": courseID,
			"media_id":  entry.MediaID,
			"error":     err.Error(),
		})
		d.update(run, func(p *models.DownloadProgress) {
			p.FailedFiles = append(p.FailedFiles, models.FailedFile{
				MediaID:  entry.MediaID,
				Filename: entry.Filename,
				Error:    err.Error(),
			})
		})
		finished()
		return false
	}

	if err := d.store.UpsertMediaEntry(ctx, &models.MediaCacheEntry{
		MediaID:               entry.MediaID,
		CourseID:              courseID,
		Filename:              entry.Filename,
		MediaType:             entry.MediaType,
		LocalPath:             path,
		SizeBytes:             n,
		DownloadedAt:          d.now().Unix(),
		PresignedURL:          entry.URL,
		PresignedURLExpiresAt: entry.URLExpiresAt,
		IsDownloaded:          true,
		DownloadProgress:      100,
	}); err != nil {
		logging.Warn("Media cached but not indexed", map[string]interface{}{
			"media_id": entry.MediaID,
			"error":    err.Error(),
		})
	}
	finished()
	return true
}

// writeSession records the package as usable offline. An existing session
// for the course is refreshed so its batches stay attached.
func (d *Downloader) writeSession(ctx context.Context, studentID string, pkg *models.CoursePackage) (*models.OfflineSession, error) {
	now := d.now()
	expires := pkg.ExpiresAt
	if expires <= now.Unix() {
		expires = now.Add(time.Duration(d.config.SessionValidityDays) * 24 * time.Hour).Unix()
	}
	version := pkg.PackageVersion
	if version == "" {
		version = models.DefaultPackageVersion
	}

	session := &models.OfflineSession{
		ID:                     uuid.New(),
		StudentID:              studentID,
		CourseID:               pkg.Course.ID,
		DownloadedAt:           now.Unix(),
		ExpiresAt:              expires,
		PackageVersion:         version,
		PresignedURLExpiryDays: d.config.PresignedURLExpiryDays,
		IsValid:                true,
	}
	existing, err := d.store.FindActiveSession(ctx, studentID, pkg.Course.ID)
	switch {
	case err == nil:
		session.ID = existing.ID
		session.LastSyncedAt = existing.LastSyncedAt
		session.SyncCount = existing.SyncCount
		session.CreatedAt = existing.CreatedAt
	case !apperrors.Is(err, apperrors.ErrNotFound):
		return nil, err
	}

	if err := d.store.UpsertOfflineSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func clampPct(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func cloneProgress(p models.DownloadProgress) models.DownloadProgress {
	if p.CurrentFile != nil {
		f := *p.CurrentFile
		p.CurrentFile = &f
	}
	if p.FailedFiles != nil {
		p.FailedFiles = append([]models.FailedFile(nil), p.FailedFiles...)
	}
	return p
}
