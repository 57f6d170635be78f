package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vigilrelay/vigil/internal/model"
	"github.com/vigilrelay/vigil/internal/ratelimit"
)

// DefaultAPIBaseURL is the free ip-api.com JSON endpoint.
const DefaultAPIBaseURL = "http://ip-api.com/json"

// apiFields narrows the response to the fields JurisdictionInfo carries.
const apiFields = "status,message,countryCode,regionName,city,as,hosting,proxy,query"

// maxResponseSize caps the geolocation response body read.
const maxResponseSize = 1 << 16

// DefaultAPITimeout bounds a single geolocation request.
const DefaultAPITimeout = 10 * time.Second

// APIClient queries an ip-api.com compatible geolocation endpoint. Every
// request first acquires a slot from the limiter; callers block until one
// is available or ctx is done.
type APIClient struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	Limiter    ratelimit.Limiter
}

// NewAPIClient returns a client for the given endpoint. Production wiring
// passes the shared sliding-log limiter; a nil limiter disables the quota.
func NewAPIClient(baseURL string, limiter ratelimit.Limiter) *APIClient {
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	if limiter == nil {
		limiter = ratelimit.Noop{}
	}
	return &APIClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: DefaultAPITimeout},
		Limiter:    limiter,
	}
}

// apiResponse is the wire form of an ip-api.com lookup.
type apiResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	CountryCode string `json:"countryCode"`
	RegionName  string `json:"regionName"`
	City        string `json:"city"`
	AS          string `json:"as"`
	Hosting     bool   `json:"hosting"`
	Proxy       bool   `json:"proxy"`
	Query       string `json:"query"`
}

// Lookup resolves geolocation details for a single IP address.
func (c *APIClient) Lookup(ctx context.Context, ip string) (*model.JurisdictionInfo, error) {
	if err := c.Limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("geoip: rate limit: %w", err)
	}

	reqURL := strings.TrimRight(c.BaseURL, "/") + "/" + url.PathEscape(ip) + "?fields=" + apiFields
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("geoip: build request for %s: %w", ip, err)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geoip: lookup %s: %w", ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geoip: lookup %s: status %d", ip, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("geoip: read response for %s: %w", ip, err)
	}

	var r apiResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("geoip: parse response for %s: %w", ip, err)
	}
	if r.Status != "success" {
		msg := r.Message
		if msg == "" {
			msg = "lookup failed"
		}
		return nil, fmt.Errorf("geoip: lookup %s: %s", ip, msg)
	}

	resolvedIP := r.Query
	if resolvedIP == "" {
		resolvedIP = ip
	}
	asn, asOrg := parseAS(r.AS)
	return &model.JurisdictionInfo{
		IP:          resolvedIP,
		CountryCode: r.CountryCode,
		Region:      r.RegionName,
		City:        r.City,
		ASN:         asn,
		ASOrg:       asOrg,
		IsHosting:   r.Hosting,
		// The proxy flag marks anonymizing exits (VPN, proxy, tor).
		IsTor: r.Proxy,
	}, nil
}

// parseAS splits ip-api's combined "AS15169 Google LLC" field into the
// number and the organization name.
func parseAS(s string) (int64, string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ""
	}
	num, org, found := strings.Cut(s, " ")
	if !found {
		org = ""
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(num, "AS"), 10, 64)
	if err != nil {
		return 0, s
	}
	return n, strings.TrimSpace(org)
}
