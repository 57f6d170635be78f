// Package sources maintains the relay lists the monitor works from:
// which relays to probe, which relays telemetry is read from, which
// relays receive assertions, which monitor pubkeys to trust, and which
// relays are blocklisted. Lists seed from a YAML file, optionally
// extended by a remote relay list, and refresh in place so consumers
// holding the manager pick up changes without rewiring.
package sources

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"
	"gopkg.in/yaml.v3"

	"github.com/vigilrelay/vigil/internal/netutil"
	"github.com/vigilrelay/vigil/internal/relay"
)

// DefaultFetchTimeout bounds one remote list fetch.
const DefaultFetchTimeout = 30 * time.Second

// File is the YAML seed document.
type File struct {
	MonitoredRelays []string `yaml:"monitored_relays"`
	SourceRelays    []string `yaml:"source_relays"`
	PublishRelays   []string `yaml:"publish_relays"`
	TrustedMonitors []string `yaml:"trusted_monitors"`
	Blocklist       []string `yaml:"blocklist"`

	// RemoteListURL optionally names an HTTP endpoint serving more
	// relays to monitor, merged after the static list on each refresh.
	RemoteListURL string `yaml:"remote_list_url"`
}

// Snapshot is the current working set, served by the ops API.
type Snapshot struct {
	Monitored       []string `json:"monitored_relays"`
	SourceRelays    []string `json:"source_relays"`
	PublishRelays   []string `json:"publish_relays"`
	TrustedMonitors []string `json:"trusted_monitors"`
	Blocklist       []string `json:"blocklist"`
	RemoteListURL   string   `json:"remote_list_url,omitempty"`
	LoadedAt        int64    `json:"loaded_at"`
}

// Config wires a Manager.
type Config struct {
	// Path is the YAML seed file. Required.
	Path string

	// Fetcher downloads the remote list when the file names one.
	// Nil disables remote fetching.
	Fetcher netutil.Downloader

	// FetchTimeout bounds one remote fetch, defaulting to 30s.
	FetchTimeout func() time.Duration

	// Now is the clock, defaulting to time.Now.
	Now func() time.Time
}

// Manager holds the current lists behind a mutex so a refresh swaps
// them atomically under readers.
type Manager struct {
	path         string
	fetcher      netutil.Downloader
	fetchTimeout func() time.Duration
	now          func() time.Time

	mu        sync.RWMutex
	monitored []string
	sources   []string
	publish   []string
	trusted   []string
	blocklist []string
	blocked   map[string]bool
	remoteURL string
	loadedAt  int64
}

// NewManager creates a Manager. Call Refresh before first use.
func NewManager(cfg Config) *Manager {
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout == nil {
		fetchTimeout = func() time.Duration { return DefaultFetchTimeout }
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		path:         cfg.Path,
		fetcher:      cfg.Fetcher,
		fetchTimeout: fetchTimeout,
		now:          now,
		blocked:      make(map[string]bool),
	}
}

// Refresh re-reads the seed file and, when one is configured, the
// remote list. A failed remote fetch keeps the file lists and is not
// an error: the file is the source of truth, the remote list only
// extends it. A failed file read keeps the previous working set.
func (m *Manager) Refresh(ctx context.Context) error {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("sources: read %s: %w", m.path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("sources: parse %s: %w", m.path, err)
	}

	monitored := normalizeRelays(f.MonitoredRelays, "monitored")
	srcs := normalizeRelays(f.SourceRelays, "source")
	publish := normalizeRelays(f.PublishRelays, "publish")
	trusted := normalizeMonitors(f.TrustedMonitors)
	blocklist := normalizeRelays(f.Blocklist, "blocklist")

	if f.RemoteListURL != "" && m.fetcher != nil {
		fetchCtx, cancel := context.WithTimeout(ctx, m.fetchTimeout())
		remote, err := m.fetchRemote(fetchCtx, f.RemoteListURL)
		cancel()
		if err != nil {
			log.Printf("[sources] remote list %s: %v", f.RemoteListURL, err)
		} else {
			monitored = mergeRelays(monitored, remote)
		}
	}

	blocked := make(map[string]bool, len(blocklist))
	for _, b := range blocklist {
		blocked[b] = true
	}
	kept := make([]string, 0, len(monitored))
	for _, r := range monitored {
		if !blocked[r] {
			kept = append(kept, r)
		}
	}

	m.mu.Lock()
	m.monitored = kept
	m.sources = srcs
	m.publish = publish
	m.trusted = trusted
	m.blocklist = blocklist
	m.blocked = blocked
	m.remoteURL = f.RemoteListURL
	m.loadedAt = m.now().Unix()
	m.mu.Unlock()

	log.Printf("[sources] loaded %d monitored, %d source, %d publish relays, %d trusted monitors, %d blocked",
		len(kept), len(srcs), len(publish), len(trusted), len(blocklist))
	return nil
}

func (m *Manager) fetchRemote(ctx context.Context, url string) ([]string, error) {
	data, err := m.fetcher.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	raw, err := ParseRemoteList(data)
	if err != nil {
		return nil, err
	}
	return normalizeRelays(raw, "remote"), nil
}

// Monitored returns the relays to probe, blocklisted ones excluded.
func (m *Manager) Monitored() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.monitored)
}

// SourceRelays returns the relays telemetry is read from.
func (m *Manager) SourceRelays() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.sources)
}

// PublishRelays returns the assertion destinations.
func (m *Manager) PublishRelays() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.publish)
}

// TrustedMonitors returns the accepted monitor pubkeys, lowercase hex.
func (m *Manager) TrustedMonitors() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.trusted)
}

// Blocklist returns the blocklisted relays in file order.
func (m *Manager) Blocklist() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.blocklist)
}

// IsBlocked reports whether the relay is blocklisted. The URL is
// normalized before the check so callers may pass raw input.
func (m *Manager) IsBlocked(rawURL string) bool {
	nm, err := relay.Normalize(rawURL)
	if err != nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blocked[nm]
}

// Snapshot returns the whole working set for the ops API.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Monitored:       slices.Clone(m.monitored),
		SourceRelays:    slices.Clone(m.sources),
		PublishRelays:   slices.Clone(m.publish),
		TrustedMonitors: slices.Clone(m.trusted),
		Blocklist:       slices.Clone(m.blocklist),
		RemoteListURL:   m.remoteURL,
		LoadedAt:        m.loadedAt,
	}
}

// ParseRemoteList accepts the formats relay lists are published in: a
// JSON array of URLs, a JSON object with a "relays" array, or plain
// text with one URL per line (# comments allowed).
func ParseRemoteList(data []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("sources: empty remote list")
	}

	if looksLikeJSON(trimmed) {
		var arr []string
		if err := json.Unmarshal(trimmed, &arr); err == nil {
			return arr, nil
		}
		var obj struct {
			Relays []string `json:"relays"`
		}
		if err := json.Unmarshal(trimmed, &obj); err == nil && obj.Relays != nil {
			return obj.Relays, nil
		}
		return nil, errors.New("sources: unrecognized remote list JSON")
	}

	var urls []string
	for _, line := range strings.Split(string(trimmed), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if len(urls) == 0 {
		return nil, errors.New("sources: no URLs in remote list")
	}
	return urls, nil
}

func looksLikeJSON(data []byte) bool {
	return len(data) > 0 && (data[0] == '[' || data[0] == '{')
}

// normalizeRelays normalizes, de-duplicates, and drops invalid URLs,
// preserving first-occurrence order.
func normalizeRelays(raw []string, kind string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		nm, err := relay.Normalize(r)
		if err != nil {
			log.Printf("[sources] skip %s entry %q: %v", kind, r, err)
			continue
		}
		if seen[nm] {
			continue
		}
		seen[nm] = true
		out = append(out, nm)
	}
	return out
}

func mergeRelays(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, r := range base {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	for _, r := range extra {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

func normalizeMonitors(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		pk := normalizePubkey(r)
		if pk == "" {
			log.Printf("[sources] skip trusted monitor %q: not a pubkey", r)
			continue
		}
		if seen[pk] {
			continue
		}
		seen[pk] = true
		out = append(out, pk)
	}
	return out
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
		hexKey, ok := value.(string)
		if !ok {
			return ""
		}
		return strings.ToLower(hexKey)
	}
	if len(s) != 64 {
		return ""
	}
	s = strings.ToLower(s)
	if _, err := hex.DecodeString(s); err != nil {
		return ""
	}
	return s
}
