// Package media fetches course media files and keeps them in the local
// app-data media directory.
package media

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/logging"
	"github.com/coursely/offline/internal/models"
)

// ProgressFunc receives bytes written so far and the expected total. total is
// zero when unknown.
type ProgressFunc func(done, total int64)

// Fetcher streams one media file into w and returns the bytes written.
type Fetcher interface {
	Fetch(ctx context.Context, entry models.MediaManifestEntry, w io.Writer, onProgress ProgressFunc) (int64, error)
}

// =====================================================
// Source selection
// =====================================================

// Source picks a fetcher per manifest entry: a presigned URL while it is
// still valid, otherwise the object store when the entry carries a key.
type Source struct {
	HTTP Fetcher
	// S3 is optional. Entries that only have a storage key fail without it.
	S3  Fetcher
	now func() time.Time
}

// NewSource creates a Source. store may be nil.
func NewSource(web, store Fetcher) *Source {
	return &Source{HTTP: web, S3: store, now: time.Now}
}

// SetClock overrides the time source used for URL expiry checks.
func (s *Source) SetClock(now func() time.Time) {
	s.now = now
}

// Fetch implements Fetcher.
func (s *Source) Fetch(ctx context.Context, entry models.MediaManifestEntry, w io.Writer, onProgress ProgressFunc) (int64, error) {
	if entry.URLUsable(s.now()) && s.HTTP != nil {
		return s.HTTP.Fetch(ctx, entry, w, onProgress)
	}
	if entry.StorageKey != "" && s.S3 != nil {
		return s.S3.Fetch(ctx, entry, w, onProgress)
	}
	if entry.URL != "" {
		return 0, apperrors.New(apperrors.ErrMediaExpired, "presigned url for "+entry.MediaID+" has expired")
	}
	return 0, apperrors.New(apperrors.ErrDownloadFailed, "no source configured for "+entry.MediaID)
}

// progressWriter reports cumulative writes.
type progressWriter struct {
	w     io.Writer
	done  int64
	total int64
	fn    ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += int64(n)
	if p.fn != nil {
		p.fn(p.done, p.total)
	}
	return n, err
}

func copyWithProgress(w io.Writer, r io.Reader, total int64, fn ProgressFunc) (int64, error) {
	pw := &progressWriter{w: w, total: total, fn: fn}
	return io.Copy(pw, r)
}

// =====================================================
// Local cache
// =====================================================

// Cache stores media files under dir/<course>/<media><ext>.
type Cache struct {
	dir string
}

// NewCache creates a cache rooted at dir.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.dir
}

// Path returns where the file for entry is kept.
func (c *Cache) Path(courseID string, entry models.MediaManifestEntry) string {
	name := safeName(entry.MediaID) + strings.ToLower(filepath.Ext(entry.Filename))
	return filepath.Join(c.dir, safeName(courseID), name)
}

// Has reports whether the file at path exists and is non-empty.
func (c *Cache) Has(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}

// Store fetches entry into the cache. The file only appears at its final
// path once fully written and, when the manifest states a size, verified.
func (c *Cache) Store(ctx context.Context, courseID string, entry models.MediaManifestEntry, f Fetcher, onProgress ProgressFunc) (string, int64, error) {
	path := c.Path(courseID, entry)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", 0, apperrors.Wrap(apperrors.ErrDownloadFailed, "create media dir", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".part-*")
	if err != nil {
		return "", 0, apperrors.Wrap(apperrors.ErrDownloadFailed, "create temp file", err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	n, err := f.Fetch(ctx, entry, tmp, onProgress)
	if err != nil {
		cleanup()
		return "", 0, err
	}
	if entry.SizeBytes > 0 && n != entry.SizeBytes {
		cleanup()
		return "", 0, apperrors.New(apperrors.ErrDownloadFailed, "size mismatch for "+entry.MediaID)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, apperrors.Wrap(apperrors.ErrDownloadFailed, "close temp file", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, apperrors.Wrap(apperrors.ErrDownloadFailed, "move media into place", err)
	}

	logging.Debug("Media cached", map[string]interface{}{
		"media_id": entry.MediaID,
		"path":     path,
		"bytes":    n,
	})
	return path, n, nil
}

// RemoveCourse deletes every cached file of a course.
func (c *Cache) RemoveCourse(courseID string) error {
	dir := filepath.Join(c.dir, safeName(courseID))
	if err := os.RemoveAll(dir); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "remove course media", err)
	}
	return nil
}

// Size returns the total bytes cached.
func (c *Cache) Size() (int64, error) {
	var total int64
	err := filepath.WalkDir(c.dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// safeName keeps ids usable as a single path element.
func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
