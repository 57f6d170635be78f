package geoip

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/maypok86/otter"
	"golang.org/x/time/rate"

	"github.com/vigilrelay/vigil/internal/model"
	"github.com/vigilrelay/vigil/internal/relay"
)

// DefaultBatchGap spaces consecutive uncached lookups in a batch on top
// of the request limiter's rolling quota.
const DefaultBatchGap = 1300 * time.Millisecond

// DefaultCacheTTL bounds how long a resolution is reused.
const DefaultCacheTTL = 24 * time.Hour

const resolverCacheSize = 4096

// LookupIPFunc resolves a hostname to addresses. The seam lets tests
// avoid real DNS.
type LookupIPFunc func(ctx context.Context, host string) ([]net.IP, error)

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// API is the external geolocation client. Optional.
	API *APIClient
	// DB is the local database service consulted when the API fails. Optional.
	DB *Service
	// CacheTTL returns the TTL for cached resolutions. Defaults to
	// DefaultCacheTTL.
	CacheTTL func() time.Duration
	// LookupIP overrides DNS resolution. Defaults to net.DefaultResolver.
	LookupIP LookupIPFunc
	// BatchGap overrides the pacing gap between uncached batch lookups.
	BatchGap time.Duration
}

// Resolver maps relay URLs to jurisdiction details. Results are cached
// with a TTL; anonymity-network relays resolve locally to country "XX"
// without touching DNS or the API.
type Resolver struct {
	api      *APIClient
	db       *Service
	cache    otter.CacheWithVariableTTL[string, *model.JurisdictionInfo]
	cacheTTL func() time.Duration
	lookupIP LookupIPFunc
	pace     *rate.Limiter
}

// NewResolver creates a Resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	cache, err := otter.MustBuilder[string, *model.JurisdictionInfo](resolverCacheSize).
		Cost(func(_ string, _ *model.JurisdictionInfo) uint32 { return 1 }).
		WithVariableTTL().
		Build()
	if err != nil {
		panic("geoip: failed to create resolver cache: " + err.Error())
	}
	ttl := cfg.CacheTTL
	if ttl == nil {
		ttl = func() time.Duration { return DefaultCacheTTL }
	}
	lookup := cfg.LookupIP
	if lookup == nil {
		lookup = func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		}
	}
	gap := cfg.BatchGap
	if gap <= 0 {
		gap = DefaultBatchGap
	}
	return &Resolver{
		api:      cfg.API,
		db:       cfg.DB,
		cache:    cache,
		cacheTTL: ttl,
		lookupIP: lookup,
		pace:     rate.NewLimiter(rate.Every(gap), 1),
	}
}

// Close releases the cache.
func (r *Resolver) Close() { r.cache.Close() }

// Resolve returns jurisdiction details for a relay URL, from cache when
// fresh.
func (r *Resolver) Resolve(ctx context.Context, relayURL string) (*model.JurisdictionInfo, error) {
	normalized, err := relay.Normalize(relayURL)
	if err != nil {
		return nil, fmt.Errorf("geoip: resolve %s: %w", relayURL, err)
	}
	if cached, ok := r.cache.Get(normalized); ok {
		return cached, nil
	}

	info, err := r.resolveUncached(ctx, normalized)
	if err != nil {
		return nil, err
	}
	r.cache.Set(normalized, info, r.cacheTTL())
	return info, nil
}

func (r *Resolver) resolveUncached(ctx context.Context, normalized string) (*model.JurisdictionInfo, error) {
	switch relay.NetworkOf(normalized) {
	case relay.NetworkTor:
		return &model.JurisdictionInfo{CountryCode: CountryCodeUnknown, IsTor: true}, nil
	case relay.NetworkI2P:
		return &model.JurisdictionInfo{CountryCode: CountryCodeUnknown}, nil
	}

	host := relay.Host(normalized)
	if host == "" {
		return nil, fmt.Errorf("geoip: no host in %s", normalized)
	}
	ips, err := r.lookupIP(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("geoip: resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("geoip: no addresses for %s", host)
	}
	ip := pickIP(ips)

	if r.api != nil {
		info, err := r.api.Lookup(ctx, ip.String())
		if err == nil {
			return info, nil
		}
		log.Printf("[geoip] api lookup %s: %v", ip, err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if r.db != nil {
		if cc := r.db.Lookup(ip); cc != "" {
			return &model.JurisdictionInfo{IP: ip.String(), CountryCode: cc}, nil
		}
	}
	return nil, fmt.Errorf("geoip: no jurisdiction data for %s", host)
}

// ResolveBatch resolves many relay URLs, pacing uncached lookups. Failed
// resolutions are logged and omitted from the result, which is keyed by
// normalized URL.
func (r *Resolver) ResolveBatch(ctx context.Context, relayURLs []string) map[string]*model.JurisdictionInfo {
	out := make(map[string]*model.JurisdictionInfo, len(relayURLs))
	for _, u := range relayURLs {
		normalized, err := relay.Normalize(u)
		if err != nil {
			log.Printf("[geoip] skip %s: %v", u, err)
			continue
		}
		if _, ok := out[normalized]; ok {
			continue
		}
		if cached, ok := r.cache.Get(normalized); ok {
			out[normalized] = cached
			continue
		}
		if err := r.pace.Wait(ctx); err != nil {
			return out
		}
		info, err := r.Resolve(ctx, normalized)
		if err != nil {
			log.Printf("[geoip] resolve %s: %v", normalized, err)
			continue
		}
		out[normalized] = info
	}
	return out
}

// pickIP prefers the first IPv4 address, falling back to the first
// address of any family.
func pickIP(ips []net.IP) net.IP {
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
	}
	return ips[0]
}
