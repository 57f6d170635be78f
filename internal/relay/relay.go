// Package relay provides relay identity helpers. The normalized URL form
// produced by Normalize is the join key across the store, the pool, the
// scorer, and published assertions.
package relay

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Network classifications for a relay endpoint.
const (
	NetworkClearnet = "clearnet"
	NetworkTor      = "tor"
	NetworkI2P      = "i2p"
)

// Normalize canonicalizes a relay URL: scheme and host lowercased,
// http(s) mapped to ws(s), default ports elided, trailing slashes
// stripped, fragment dropped. Normalize is idempotent.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("relay: empty URL")
	}
	if !strings.Contains(s, "://") {
		s = "wss://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("relay: parse %q: %w", raw, err)
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "ws", "wss":
	case "http":
		scheme = "ws"
	case "https":
		scheme = "wss"
	default:
		return "", fmt.Errorf("relay: unsupported scheme %q in %q", u.Scheme, raw)
	}

	host := strings.ToLower(u.Host)
	if host == "" {
		return "", fmt.Errorf("relay: missing host in %q", raw)
	}

	// Elide default ports.
	if h, port, err := net.SplitHostPort(host); err == nil {
		if (scheme == "wss" && port == "443") || (scheme == "ws" && port == "80") {
			host = h
			// Re-bracket IPv6 literals after the port is removed.
			if strings.Contains(h, ":") {
				host = "[" + h + "]"
			}
		}
	}

	path := strings.TrimRight(u.Path, "/")

	out := scheme + "://" + host + path
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out, nil
}

// Host returns the host (without port) of a normalized relay URL.
// Returns "" if the URL cannot be parsed.
func Host(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// HTTPURL converts a normalized ws(s) relay URL to the http(s) URL used
// to fetch the relay's NIP-11 information document.
func HTTPURL(normalized string) string {
	switch {
	case strings.HasPrefix(normalized, "wss://"):
		return "https://" + strings.TrimPrefix(normalized, "wss://")
	case strings.HasPrefix(normalized, "ws://"):
		return "http://" + strings.TrimPrefix(normalized, "ws://")
	default:
		return normalized
	}
}

// NetworkOf classifies a normalized relay URL by its host suffix.
func NetworkOf(normalized string) string {
	host := Host(normalized)
	switch {
	case strings.HasSuffix(host, ".onion"):
		return NetworkTor
	case strings.HasSuffix(host, ".i2p"):
		return NetworkI2P
	default:
		return NetworkClearnet
	}
}

// IsSecure reports whether the normalized URL uses TLS (wss).
func IsSecure(normalized string) bool {
	return strings.HasPrefix(normalized, "wss://")
}

// RegistrableDomain extracts the eTLD+1 for a relay host using the
// Public Suffix List. IP addresses and internal names are returned
// as-is. Used by operator verification to derive well-known and DNS
// lookup targets.
func RegistrableDomain(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return domain
	}
	return host
}
