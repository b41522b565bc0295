package reference

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	lferrors "github.com/randalmurphal/lakeflow/pkg/lakeflow/errors"
)

// maxFetchBytes bounds a single fetched payload.
const maxFetchBytes = 64 << 20

// HTTPFetcher fetches http and https URIs with a single GET. Non-2xx
// responses become *errors.HTTPError so callers can categorize them.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher. A nil client gets a 30s timeout.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{client: client}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, lferrors.Transient(err, "http get")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, lferrors.Transient(err, "read body")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &lferrors.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Endpoint:   uri,
		}
	}
	return body, nil
}

// FileFetcher reads file:// URIs from the local filesystem.
type FileFetcher struct{}

// Fetch implements Fetcher.
func (FileFetcher) Fetch(_ context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(u.Path)
}
