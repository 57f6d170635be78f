// Package netutil provides the outbound HTTP plumbing shared by the
// source list fetcher and the GeoIP database updater: a small download
// seam plus a retry decorator for flaky mirrors.
package netutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Downloader fetches a remote resource as one byte slice. The seam
// lets callers stack retries on top and lets tests serve canned bodies
// without a network.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// HTTPStatusError reports a response that arrived with a status other
// than 200 OK. The transfer itself worked, so a retry will not help.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("downloader: unexpected status %d from %s", e.StatusCode, e.URL)
}

// NonRetryableError reports a request that could not even be built,
// typically a malformed URL.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("downloader: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// DirectDownloader performs plain GET requests. Timeout and User-Agent
// are read through callbacks on every call so runtime config changes
// apply without rebuilding the client.
type DirectDownloader struct {
	Client      *http.Client
	TimeoutFn   func() time.Duration
	UserAgentFn func() string
}

// NewDirectDownloader wires the per-request callbacks. Both are
// mandatory; pass a constant closure when a value never changes.
func NewDirectDownloader(timeoutFn func() time.Duration, userAgentFn func() string) *DirectDownloader {
	if timeoutFn == nil || userAgentFn == nil {
		panic("netutil: NewDirectDownloader requires timeout and user-agent callbacks")
	}
	return &DirectDownloader{
		Client:      &http.Client{},
		TimeoutFn:   timeoutFn,
		UserAgentFn: userAgentFn,
	}
}

// Download fetches url and returns the response body. A deadline
// already present on ctx wins; otherwise the configured fallback
// timeout caps the whole request including the body read.
func (d *DirectDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		if timeout := d.TimeoutFn(); timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NonRetryableError{Err: err}
	}
	if ua := d.UserAgentFn(); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloader: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: url}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("downloader: %w", err)
	}
	return body, nil
}
