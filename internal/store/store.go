// Package store implements the persistence layer: a single SQLite
// database holding probe results, ingested telemetry, monitor stats,
// published-assertion history, and the hot-updatable runtime config.
package store

import (
	"time"

	"github.com/vigilrelay/vigil/internal/config"
	"github.com/vigilrelay/vigil/internal/model"
)

// Store is the persistence contract shared by the prober, the ingestor,
// the scorer, and the publisher. Implementations are safe for concurrent
// use. All relay URLs are expected in normalized form.
type Store interface {
	// StoreProbe appends one probe attempt. Rows are immutable.
	StoreProbe(p model.ProbeResult) error
	// GetProbes returns the relay's probes inside the trailing window,
	// ordered by non-decreasing timestamp.
	GetProbes(relayURL string, window time.Duration) ([]model.ProbeResult, error)

	// StoreTelemetryMetric appends one ingested observation. A metric
	// whose event id was already stored is ignored.
	StoreTelemetryMetric(m model.TelemetryMetric) error
	// GetTelemetryStats summarizes the relay's telemetry inside the
	// trailing window.
	GetTelemetryStats(relayURL string, window time.Duration) (model.TelemetryStats, error)
	// GetMonitorLatestReadings returns, for every (monitor, relay) pair
	// with telemetry inside the window, the most recent reading.
	GetMonitorLatestReadings(window time.Duration) ([]model.MonitorReading, error)

	// UpdateMonitorStats bumps the event count and last-seen for a
	// monitor pubkey, creating the row on first sight.
	UpdateMonitorStats(pubkey string, seenAt int64) error
	// RecordMonitorAnnouncement stores kind-10166 announcement metadata.
	// Older announcements never overwrite newer ones.
	RecordMonitorAnnouncement(pubkey string, frequencySeconds, announcedAt int64) error
	// GetMonitorStats lists all known monitors, most recently seen first.
	GetMonitorStats() ([]model.MonitorStats, error)

	// GetLastPublishedAssertion returns the relay's published snapshot,
	// or nil when nothing was ever published for it.
	GetLastPublishedAssertion(relayURL string) (*model.PublishedAssertionRecord, error)
	// StorePublishedAssertion upserts the relay's published snapshot.
	StorePublishedAssertion(rec model.PublishedAssertionRecord) error

	// GetRelayFirstSeen returns the earliest probe or telemetry
	// timestamp for the relay, 0 when it was never observed.
	GetRelayFirstSeen(relayURL string) (int64, error)
	// ListRelays pages through every relay known from probes, joined
	// with its published snapshot. Returns the page and the total count.
	ListRelays(limit, offset int) ([]model.RelaySummary, int, error)

	// GetRuntimeConfig loads the persisted runtime config and its
	// version. Returns nil config and version 0 if none was saved.
	GetRuntimeConfig() (*config.RuntimeConfig, int, error)
	// SaveRuntimeConfig persists the runtime config with the given version.
	SaveRuntimeConfig(cfg *config.RuntimeConfig, version int, updatedAt int64) error

	// Sweep deletes probes and telemetry older than the cutoff (unix
	// seconds) and returns the number of rows removed.
	Sweep(olderThan int64) (int64, error)

	Close() error
}
