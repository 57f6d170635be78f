// Package operator establishes who runs a relay by checking the relay's
// own information document against out-of-band channels: DNS TXT records
// and the host's well-known identity document. Agreement across channels
// raises verification confidence; the channels never block scoring, a
// relay with no discoverable operator simply resolves empty.
package operator

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maypok86/otter"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/vigilrelay/vigil/internal/model"
	"github.com/vigilrelay/vigil/internal/nip11"
	"github.com/vigilrelay/vigil/internal/relay"
)

// TXTPrefix marks operator pubkey TXT records, e.g.
// "nostr-pubkey=3bf0c63f...". The value may be hex or npub form.
const TXTPrefix = "nostr-pubkey="

// DefaultCacheTTL bounds how long a resolution is reused.
const DefaultCacheTTL = 6 * time.Hour

// DefaultTimeout bounds one full resolution across all sources.
const DefaultTimeout = 10 * time.Second

const (
	resolverCacheSize = 4096
	maxWellKnownSize  = 1 << 16
)

// MethodConfidence returns the verification confidence for a method on
// the 0..100 scale. Unknown methods return 0.
func MethodConfidence(method string) int {
	switch method {
	case model.VerifyNIP11Signed:
		return 100
	case model.VerifyDNS:
		return 80
	case model.VerifyWellKnown:
		return 75
	case model.VerifyNIP11:
		return 70
	case model.VerifyVouched:
		return 50
	case model.VerifyClaimed:
		return 20
	default:
		return 0
	}
}

// InfoFunc supplies a relay's information document.
type InfoFunc func(ctx context.Context, relayURL string) (*nip11.Info, error)

// LookupTXTFunc resolves TXT records. Seam for tests.
type LookupTXTFunc func(ctx context.Context, name string) ([]string, error)

// Config configures a Resolver.
type Config struct {
	// Info supplies the relay information document. Nil disables the
	// nip11 source.
	Info InfoFunc
	// LookupTXT overrides DNS resolution. Defaults to net.DefaultResolver.
	LookupTXT LookupTXTFunc
	// HTTPClient fetches well-known documents. Defaults to a client with
	// DefaultTimeout.
	HTTPClient *http.Client
	UserAgent  string
	// CacheTTL returns how long resolutions are reused. Defaults to
	// DefaultCacheTTL.
	CacheTTL func() time.Duration
	// TrustScore supplies an optional web-of-trust score for a pubkey.
	// Nil means no trust data.
	TrustScore func(pubkey string) *int
	// Timeout bounds one full resolution. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// Resolver resolves and caches relay operator identities.
type Resolver struct {
	info      InfoFunc
	lookupTXT LookupTXTFunc
	http      *http.Client
	userAgent string
	cacheTTL  func() time.Duration
	trust     func(string) *int
	timeout   time.Duration
	cache     otter.CacheWithVariableTTL[string, *model.OperatorResolution]
	now       func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(cfg Config) *Resolver {
	cache, err := otter.MustBuilder[string, *model.OperatorResolution](resolverCacheSize).
		Cost(func(_ string, _ *model.OperatorResolution) uint32 { return 1 }).
		WithVariableTTL().
		Build()
	if err != nil {
		panic("operator: failed to create resolution cache: " + err.Error())
	}
	lookupTXT := cfg.LookupTXT
	if lookupTXT == nil {
		lookupTXT = func(ctx context.Context, name string) ([]string, error) {
			return net.DefaultResolver.LookupTXT(ctx, name)
		}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	ttl := cfg.CacheTTL
	if ttl == nil {
		ttl = func() time.Duration { return DefaultCacheTTL }
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{
		info:      cfg.Info,
		lookupTXT: lookupTXT,
		http:      httpClient,
		userAgent: cfg.UserAgent,
		cacheTTL:  ttl,
		trust:     cfg.TrustScore,
		timeout:   timeout,
		cache:     cache,
		now:       time.Now,
	}
}

// Close releases the cache.
func (r *Resolver) Close() { r.cache.Close() }

// Resolve returns the operator resolution for a relay URL, from cache
// when fresh. Source failures degrade to absent sources; only an
// unusable URL or a resolution cut short by ctx is an error.
func (r *Resolver) Resolve(ctx context.Context, relayURL string) (*model.OperatorResolution, error) {
	normalized, err := relay.Normalize(relayURL)
	if err != nil {
		return nil, fmt.Errorf("operator: resolve %s: %w", relayURL, err)
	}
	if cached, ok := r.cache.Get(normalized); ok {
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res := r.resolveUncached(ctx, normalized)
	if res.OperatorPubkey == "" && ctx.Err() != nil {
		// Interrupted before any source answered; retry next cycle
		// rather than caching an empty result.
		return nil, fmt.Errorf("operator: resolve %s: %w", normalized, ctx.Err())
	}
	r.cache.Set(normalized, res, r.cacheTTL())
	return res, nil
}

func (r *Resolver) resolveUncached(ctx context.Context, normalized string) *model.OperatorResolution {
	var nip11Pk, dnsPk, wkPk string

	if r.info != nil {
		info, err := r.info(ctx, normalized)
		switch {
		case err != nil:
			log.Printf("[operator] nip11 source %s: %v", normalized, err)
		case info != nil:
			nip11Pk = normalizePubkey(info.Pubkey)
		}
	}

	// DNS and well-known resolve over the open internet; anonymity
	// networks only carry the relay's own claim.
	if relay.NetworkOf(normalized) == relay.NetworkClearnet {
		if host := relay.Host(normalized); host != "" {
			dnsPk = r.dnsPubkey(ctx, host)
		}
		wkPk = r.wellKnownPubkey(ctx, normalized)
	}

	res := decide(normalized, nip11Pk, dnsPk, wkPk, r.now().Unix())
	if res.OperatorPubkey != "" && r.trust != nil {
		res.TrustScore = r.trust(res.OperatorPubkey)
	}
	return res
}

// dnsPubkey looks for an operator TXT record on the relay host, then on
// its registrable domain.
func (r *Resolver) dnsPubkey(ctx context.Context, host string) string {
	names := []string{host}
	if rd := relay.RegistrableDomain(host); rd != "" && rd != host {
		names = append(names, rd)
	}
	for _, name := range names {
		records, err := r.lookupTXT(ctx, name)
		if err != nil {
			continue // NXDOMAIN and friends are routine
		}
		for _, rec := range records {
			if !strings.HasPrefix(rec, TXTPrefix) {
				continue
			}
			if pk := normalizePubkey(strings.TrimPrefix(rec, TXTPrefix)); pk != "" {
				return pk
			}
		}
	}
	return ""
}

// wellKnownPubkey fetches the host's root identity from
// /.well-known/nostr.json (the "_" name).
func (r *Resolver) wellKnownPubkey(ctx context.Context, normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	scheme := "https"
	if u.Scheme == "ws" {
		scheme = "http"
	}
	wkURL := fmt.Sprintf("%s://%s/.well-known/nostr.json?name=_", scheme, u.Host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wkURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Accept", "application/json")
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWellKnownSize))
	if err != nil {
		return ""
	}
	var doc struct {
		Names map[string]string `json:"names"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	return normalizePubkey(doc.Names["_"])
}

type claim struct {
	name   string
	pubkey string
	method string
}

// decide fuses the source claims into a resolution. The pubkey backed by
// the most sources wins; ties go to the stronger channel. Full three-way
// agreement upgrades to the signed method.
func decide(relayURL, nip11Pk, dnsPk, wkPk string, now int64) *model.OperatorResolution {
	res := &model.OperatorResolution{
		RelayURL:        relayURL,
		VerifiedAt:      now,
		NIP11Pubkey:     nip11Pk,
		DNSPubkey:       dnsPk,
		WellKnownPubkey: wkPk,
	}

	// Priority order, strongest channel first.
	claims := []claim{
		{"dns", dnsPk, model.VerifyDNS},
		{"wellknown", wkPk, model.VerifyWellKnown},
		{"nip11", nip11Pk, model.VerifyNIP11},
	}

	counts := make(map[string]int, 3)
	for _, c := range claims {
		if c.pubkey != "" {
			counts[c.pubkey]++
		}
	}
	if len(counts) == 0 {
		return res
	}
	res.SourcesDisagree = len(counts) > 1

	var winner claim
	best := 0
	for _, c := range claims {
		if c.pubkey == "" {
			continue
		}
		if counts[c.pubkey] > best {
			best = counts[c.pubkey]
			winner = c
		}
	}

	res.OperatorPubkey = winner.pubkey
	if best == len(claims) {
		res.VerificationMethod = model.VerifyNIP11Signed
	} else {
		res.VerificationMethod = winner.method
	}
	res.Confidence = MethodConfidence(res.VerificationMethod)

	if best >= 2 {
		for _, c := range claims {
			if c.pubkey == winner.pubkey {
				res.CorroboratedSources = append(res.CorroboratedSources, c.name)
			}
		}
	}
	return res
}

// normalizePubkey accepts a 64-char hex key or an npub and returns
// lowercase hex, or "" when the value is neither.
func normalizePubkey(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "npub1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil || prefix != "npub" {
			return ""
		}
		hexPk, ok := value.(string)
		if !ok {
			return ""
		}
		return strings.ToLower(hexPk)
	}
	if len(s) != 64 {
		return ""
	}
	if _, err := hex.DecodeString(s); err != nil {
		return ""
	}
	return strings.ToLower(s)
}
