package safeurl

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Downloader fetches remote media with the private-network check applied and
// the response body capped at a byte limit. Task providers return result URLs
// that the server fetches on the user's behalf, so both guards are mandatory.
type Downloader struct {
	checker *Checker
	client  *http.Client
	maxSize int64
}

// NewDownloader returns a Downloader capped at maxSize bytes per fetch.
func NewDownloader(checker *Checker, maxSize int64) *Downloader {
	return &Downloader{
		checker: checker,
		client:  &http.Client{Timeout: 60 * time.Second},
		maxSize: maxSize,
	}
}

// Fetch downloads rawURL and returns the body. It fails when the URL is
// blocked, the response is not 2xx, or the body exceeds the size cap. The cap
// is enforced on the stream, not on Content-Length, so a lying server cannot
// bypass it.
func (d *Downloader) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	if err := d.checker.Check(ctx, rawURL); err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("fetch: unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > d.maxSize {
		return nil, "", fmt.Errorf("fetch: content length %d exceeds limit %d", resp.ContentLength, d.maxSize)
	}

	// Read one byte past the cap so an exactly-at-limit body is accepted and
	// an over-limit one is detected without buffering it all.
	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > d.maxSize {
		return nil, "", fmt.Errorf("fetch: body exceeds limit %d", d.maxSize)
	}

	return body, resp.Header.Get("Content-Type"), nil
}
