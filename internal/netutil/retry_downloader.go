package netutil

import (
	"context"
	"errors"
	"time"
)

// RetryDownloader decorates a Downloader with retries on transient
// failures. HTTP status errors and malformed requests fail immediately;
// network-level failures get another chance after a doubling pause.
type RetryDownloader struct {
	Direct Downloader
	// Attempts is the total number of tries. Defaults to 3.
	Attempts int
	// Backoff is the pause before the first retry, doubling after each
	// failed attempt. Defaults to 2s.
	Backoff time.Duration
}

// Download fetches the URL, retrying transient failures.
func (r *RetryDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := r.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		body, err := r.Direct.Download(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// isTransient reports whether another attempt could plausibly succeed.
// Caller cancellation, HTTP status errors, and request construction
// failures will not improve on retry.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return false
	}

	var nonRetryable *NonRetryableError
	return !errors.As(err, &nonRetryable)
}
