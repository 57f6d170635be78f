package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vigilrelay/vigil/internal/config"
	"github.com/vigilrelay/vigil/internal/model"
)

// SQLiteStore is the Store implementation backed by a single SQLite
// file. Writes are serialized through a mutex so multi-statement
// updates never interleave.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// Open creates dataDir if needed, opens the database inside it, and
// applies pending migrations.
func Open(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	db, err := OpenDB(filepath.Join(dataDir, "vigil.db"))
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStore wraps an already opened and migrated database. Used by
// tests that manage the database lifecycle themselves.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) StoreProbe(p model.ProbeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO probes (relay_url, checked_at, reachable, relay_type, access_level,
		                    connect_time_ms, nip11_fetch_time_ms, read_time_ms, write_time_ms,
		                    nip11_json, closed_reason, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.RelayURL, p.CheckedAt, p.Reachable, p.RelayType, p.AccessLevel,
		nullableInt(p.ConnectTimeMs), nullableInt(p.NIP11FetchTimeMs),
		nullableInt(p.ReadTimeMs), nullableInt(p.WriteTimeMs),
		p.NIP11JSON, p.ClosedReason, p.Error)
	if err != nil {
		return fmt.Errorf("store: insert probe: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProbes(relayURL string, window time.Duration) ([]model.ProbeResult, error) {
	cutoff := time.Now().Add(-window).Unix()
	rows, err := s.db.Query(`
		SELECT relay_url, checked_at, reachable, relay_type, access_level,
		       connect_time_ms, nip11_fetch_time_ms, read_time_ms, write_time_ms,
		       nip11_json, closed_reason, error
		FROM probes
		WHERE relay_url = ? AND checked_at >= ?
		ORDER BY checked_at ASC, id ASC`, relayURL, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: query probes: %w", err)
	}
	defer rows.Close()

	var out []model.ProbeResult
	for rows.Next() {
		var p model.ProbeResult
		var connect, nip11Fetch, read, write sql.NullInt64
		if err := rows.Scan(&p.RelayURL, &p.CheckedAt, &p.Reachable, &p.RelayType, &p.AccessLevel,
			&connect, &nip11Fetch, &read, &write,
			&p.NIP11JSON, &p.ClosedReason, &p.Error); err != nil {
			return nil, fmt.Errorf("store: scan probe: %w", err)
		}
		p.ConnectTimeMs = intPtr(connect)
		p.NIP11FetchTimeMs = intPtr(nip11Fetch)
		p.ReadTimeMs = intPtr(read)
		p.WriteTimeMs = intPtr(write)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) StoreTelemetryMetric(m model.TelemetryMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO telemetry (event_id, relay_url, monitor_pubkey, created_at,
		                       rtt_open_ms, rtt_read_ms, rtt_write_ms,
		                       network, supported_nips, geohash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		m.EventID, m.RelayURL, m.MonitorPubkey, m.CreatedAt,
		nullableInt(m.RTTOpenMs), nullableInt(m.RTTReadMs), nullableInt(m.RTTWriteMs),
		m.Network, m.SupportedNIPsJSON, m.Geohash)
	if err != nil {
		return fmt.Errorf("store: insert telemetry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTelemetryStats(relayURL string, window time.Duration) (model.TelemetryStats, error) {
	cutoff := time.Now().Add(-window).Unix()
	stats := model.TelemetryStats{RelayURL: relayURL}
	err := s.db.QueryRow(`
		SELECT COUNT(*), COUNT(DISTINCT monitor_pubkey),
		       COALESCE(MIN(created_at), 0), COALESCE(MAX(created_at), 0)
		FROM telemetry
		WHERE relay_url = ? AND created_at >= ?`, relayURL, cutoff).
		Scan(&stats.Count, &stats.MonitorCount, &stats.FirstSeen, &stats.LastSeen)
	if err != nil {
		return model.TelemetryStats{}, fmt.Errorf("store: query telemetry stats: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) GetMonitorLatestReadings(window time.Duration) ([]model.MonitorReading, error) {
	cutoff := time.Now().Add(-window).Unix()
	rows, err := s.db.Query(`
		SELECT t.monitor_pubkey, t.relay_url, t.rtt_open_ms, t.rtt_read_ms, t.created_at
		FROM telemetry t
		JOIN (
			SELECT monitor_pubkey, relay_url, MAX(created_at) AS max_created
			FROM telemetry
			WHERE created_at >= ?
			GROUP BY monitor_pubkey, relay_url
		) latest
		  ON latest.monitor_pubkey = t.monitor_pubkey
		 AND latest.relay_url = t.relay_url
		 AND latest.max_created = t.created_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: query latest readings: %w", err)
	}
	defer rows.Close()

	var out []model.MonitorReading
	for rows.Next() {
		var r model.MonitorReading
		var open, read sql.NullInt64
		if err := rows.Scan(&r.MonitorPubkey, &r.RelayURL, &open, &read, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan reading: %w", err)
		}
		r.RTTOpenMs = intPtr(open)
		r.RTTReadMs = intPtr(read)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateMonitorStats(pubkey string, seenAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO monitor_stats (pubkey, event_count, first_seen, last_seen)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
		    event_count = event_count + 1,
		    first_seen  = MIN(first_seen, excluded.first_seen),
		    last_seen   = MAX(last_seen, excluded.last_seen)`,
		pubkey, seenAt, seenAt)
	if err != nil {
		return fmt.Errorf("store: update monitor stats: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordMonitorAnnouncement(pubkey string, frequencySeconds, announcedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO monitor_stats (pubkey, frequency_seconds, announced_at)
		VALUES (?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
		    frequency_seconds = excluded.frequency_seconds,
		    announced_at      = excluded.announced_at
		WHERE excluded.announced_at >= monitor_stats.announced_at`,
		pubkey, frequencySeconds, announcedAt)
	if err != nil {
		return fmt.Errorf("store: record announcement: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMonitorStats() ([]model.MonitorStats, error) {
	rows, err := s.db.Query(`
		SELECT pubkey, event_count, first_seen, last_seen, frequency_seconds, announced_at
		FROM monitor_stats
		ORDER BY last_seen DESC, pubkey ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query monitor stats: %w", err)
	}
	defer rows.Close()

	var out []model.MonitorStats
	for rows.Next() {
		var m model.MonitorStats
		if err := rows.Scan(&m.Pubkey, &m.EventCount, &m.FirstSeen, &m.LastSeen,
			&m.FrequencySeconds, &m.AnnouncedAt); err != nil {
			return nil, fmt.Errorf("store: scan monitor stats: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetLastPublishedAssertion(relayURL string) (*model.PublishedAssertionRecord, error) {
	var rec model.PublishedAssertionRecord
	var quality, accessibility sql.NullInt64
	err := s.db.QueryRow(`
		SELECT relay_url, event_id, status, score, reliability, quality, accessibility,
		       confidence, published_at
		FROM published_assertions
		WHERE relay_url = ?`, relayURL).
		Scan(&rec.RelayURL, &rec.EventID, &rec.Status, &rec.Score, &rec.Reliability,
			&quality, &accessibility, &rec.Confidence, &rec.PublishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: query published assertion: %w", err)
	}
	rec.Quality = smallIntPtr(quality)
	rec.Accessibility = smallIntPtr(accessibility)
	return &rec, nil
}

func (s *SQLiteStore) StorePublishedAssertion(rec model.PublishedAssertionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO published_assertions (relay_url, event_id, status, score, reliability,
		                                  quality, accessibility, confidence, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(relay_url) DO UPDATE SET
		    event_id      = excluded.event_id,
		    status        = excluded.status,
		    score         = excluded.score,
		    reliability   = excluded.reliability,
		    quality       = excluded.quality,
		    accessibility = excluded.accessibility,
		    confidence    = excluded.confidence,
		    published_at  = excluded.published_at`,
		rec.RelayURL, rec.EventID, rec.Status, rec.Score, rec.Reliability,
		nullableSmallInt(rec.Quality), nullableSmallInt(rec.Accessibility),
		rec.Confidence, rec.PublishedAt)
	if err != nil {
		return fmt.Errorf("store: upsert published assertion: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRelayFirstSeen(relayURL string) (int64, error) {
	var firstSeen int64
	err := s.db.QueryRow(`
		SELECT COALESCE(MIN(ts), 0) FROM (
			SELECT MIN(checked_at) AS ts FROM probes WHERE relay_url = ?
			UNION ALL
			SELECT MIN(created_at) AS ts FROM telemetry WHERE relay_url = ?
		)`, relayURL, relayURL).Scan(&firstSeen)
	if err != nil {
		return 0, fmt.Errorf("store: query first seen: %w", err)
	}
	return firstSeen, nil
}

func (s *SQLiteStore) ListRelays(limit, offset int) ([]model.RelaySummary, int, error) {
	var total int
	if err := s.db.QueryRow(`SELECT COUNT(DISTINCT relay_url) FROM probes`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count relays: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT u.relay_url,
		       COALESCE((SELECT checked_at FROM probes p
		                 WHERE p.relay_url = u.relay_url
		                 ORDER BY p.checked_at DESC, p.id DESC LIMIT 1), 0),
		       COALESCE((SELECT reachable FROM probes p
		                 WHERE p.relay_url = u.relay_url
		                 ORDER BY p.checked_at DESC, p.id DESC LIMIT 1), 0),
		       a.score, COALESCE(a.status, ''), COALESCE(a.published_at, 0)
		FROM (SELECT DISTINCT relay_url FROM probes) u
		LEFT JOIN published_assertions a ON a.relay_url = u.relay_url
		ORDER BY u.relay_url
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list relays: %w", err)
	}
	defer rows.Close()

	var out []model.RelaySummary
	for rows.Next() {
		var r model.RelaySummary
		var score sql.NullInt64
		if err := rows.Scan(&r.RelayURL, &r.LastCheckedAt, &r.LastReachable,
			&score, &r.Status, &r.PublishedAt); err != nil {
			return nil, 0, fmt.Errorf("store: scan relay summary: %w", err)
		}
		r.Score = smallIntPtr(score)
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func (s *SQLiteStore) GetRuntimeConfig() (*config.RuntimeConfig, int, error) {
	var raw string
	var version int
	err := s.db.QueryRow(`SELECT config_json, version FROM system_config WHERE id = 1`).
		Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("store: query runtime config: %w", err)
	}
	var cfg config.RuntimeConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, 0, fmt.Errorf("store: decode runtime config: %w", err)
	}
	return &cfg, version, nil
}

func (s *SQLiteStore) SaveRuntimeConfig(cfg *config.RuntimeConfig, version int, updatedAt int64) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("store: encode runtime config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO system_config (id, config_json, version, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    config_json = excluded.config_json,
		    version     = excluded.version,
		    updated_at  = excluded.updated_at`,
		string(raw), version, updatedAt)
	if err != nil {
		return fmt.Errorf("store: save runtime config: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Sweep(olderThan int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	res, err := s.db.Exec(`DELETE FROM probes WHERE checked_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("store: sweep probes: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}
	res, err = s.db.Exec(`DELETE FROM telemetry WHERE created_at < ?`, olderThan)
	if err != nil {
		return removed, fmt.Errorf("store: sweep telemetry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}
	return removed, nil
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableSmallInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func smallIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
