package nip11

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vigilrelay/vigil/internal/relay"
)

// maxDocumentSize caps how much of the response body is read. Real
// documents are a few KB; anything near the cap is a misbehaving server.
const maxDocumentSize = 1 << 20

// DefaultTimeout bounds a single document fetch.
const DefaultTimeout = 10 * time.Second

// Client fetches relay information documents over HTTP.
type Client struct {
	HTTPClient *http.Client
	UserAgent  string
}

// NewClient returns a Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{HTTPClient: &http.Client{Timeout: timeout}}
}

// Fetch retrieves the information document for a normalized relay URL.
// The returned duration covers the HTTP round trip and body read. A non-200
// status or undecodable body is an error; the duration is still reported
// so callers can record the attempt timing.
func (c *Client) Fetch(ctx context.Context, relayURL string) (*Info, time.Duration, error) {
	httpURL := relay.HTTPURL(relayURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("nip11: build request for %s: %w", relayURL, err)
	}
	req.Header.Set("Accept", AcceptHeader)
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, time.Since(start), fmt.Errorf("nip11: fetch %s: %w", relayURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, time.Since(start), fmt.Errorf("nip11: fetch %s: status %d", relayURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	elapsed := time.Since(start)
	if err != nil {
		return nil, elapsed, fmt.Errorf("nip11: read %s: %w", relayURL, err)
	}

	info, err := Parse(body)
	if err != nil {
		return nil, elapsed, err
	}
	return info, elapsed, nil
}
