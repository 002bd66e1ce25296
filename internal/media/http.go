package media

import (
	"context"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/models"
)

// HTTPFetcher downloads presigned URLs.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher. A nil client uses one without an overall
// timeout; ctx bounds each download.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{client: client}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, entry models.MediaManifestEntry, w io.Writer, onProgress ProgressFunc) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.URL, nil)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDownloadFailed, "build media request", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrNetwork, "media request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusGone:
		// Presigned URLs answer 403 once their signature has lapsed.
		return 0, apperrors.New(apperrors.ErrMediaExpired, fmt.Sprintf("media %s: status %d", entry.MediaID, resp.StatusCode))
	case resp.StatusCode >= 500:
		return 0, apperrors.New(apperrors.ErrNetwork, fmt.Sprintf("media %s: status %d", entry.MediaID, resp.StatusCode))
	default:
		return 0, apperrors.New(apperrors.ErrDownloadFailed, fmt.Sprintf("media %s: status %d", entry.MediaID, resp.StatusCode))
	}

	total := resp.ContentLength
	if total <= 0 {
		total = entry.SizeBytes
	}
	n, err := copyWithProgress(w, resp.Body, total, onProgress)
	if err != nil {
		return n, apperrors.Wrap(apperrors.ErrDownloadFailed, "read media body", err)
	}
	return n, nil
}
