package store

import (
	"testing"
	"time"

	"github.com/vigilrelay/vigil/internal/config"
	"github.com/vigilrelay/vigil/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func int64Ptr(v int64) *int64 { return &v }

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	s.Close()

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	s.Close()
}

func TestProbeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()

	first := model.ProbeResult{
		RelayURL:  "wss://relay.example.com",
		CheckedAt: now - 120,
		Reachable: false,
		RelayType: model.RelayTypeUnknown,
		Error:     "dial tcp: connection refused",
	}
	second := model.ProbeResult{
		RelayURL:      "wss://relay.example.com",
		CheckedAt:     now - 60,
		Reachable:     true,
		RelayType:     model.RelayTypeGeneral,
		AccessLevel:   model.AccessOpen,
		ConnectTimeMs: int64Ptr(42),
		ReadTimeMs:    int64Ptr(88),
		NIP11JSON:     `{"name":"example"}`,
	}
	for _, p := range []model.ProbeResult{first, second} {
		if err := s.StoreProbe(p); err != nil {
			t.Fatalf("StoreProbe: %v", err)
		}
	}

	probes, err := s.GetProbes("wss://relay.example.com", time.Hour)
	if err != nil {
		t.Fatalf("GetProbes: %v", err)
	}
	if len(probes) != 2 {
		t.Fatalf("got %d probes, want 2", len(probes))
	}
	if probes[0].CheckedAt > probes[1].CheckedAt {
		t.Fatalf("probes out of order: %d before %d", probes[0].CheckedAt, probes[1].CheckedAt)
	}
	if probes[0].ConnectTimeMs != nil {
		t.Fatalf("failed probe: connect time = %d, want nil", *probes[0].ConnectTimeMs)
	}
	if probes[1].ConnectTimeMs == nil || *probes[1].ConnectTimeMs != 42 {
		t.Fatalf("connect time = %v, want 42", probes[1].ConnectTimeMs)
	}
	if probes[1].NIP11JSON != `{"name":"example"}` {
		t.Fatalf("nip11 json = %q", probes[1].NIP11JSON)
	}
}

func TestGetProbesWindow(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()

	old := model.ProbeResult{RelayURL: "wss://r.example", CheckedAt: now - 7200, Reachable: true}
	fresh := model.ProbeResult{RelayURL: "wss://r.example", CheckedAt: now - 60, Reachable: true}
	for _, p := range []model.ProbeResult{old, fresh} {
		if err := s.StoreProbe(p); err != nil {
			t.Fatalf("StoreProbe: %v", err)
		}
	}

	probes, err := s.GetProbes("wss://r.example", time.Hour)
	if err != nil {
		t.Fatalf("GetProbes: %v", err)
	}
	if len(probes) != 1 {
		t.Fatalf("got %d probes inside window, want 1", len(probes))
	}
	if probes[0].CheckedAt != fresh.CheckedAt {
		t.Fatalf("kept probe at %d, want %d", probes[0].CheckedAt, fresh.CheckedAt)
	}
}

func TestTelemetryDedupesByEventID(t *testing.T) {
	s := newTestStore(t)
	m := model.TelemetryMetric{
		EventID:       "e1",
		RelayURL:      "wss://r.example",
		MonitorPubkey: "monitor-a",
		CreatedAt:     time.Now().Unix(),
		RTTOpenMs:     int64Ptr(120),
	}
	if err := s.StoreTelemetryMetric(m); err != nil {
		t.Fatalf("first store: %v", err)
	}
	if err := s.StoreTelemetryMetric(m); err != nil {
		t.Fatalf("duplicate store: %v", err)
	}

	stats, err := s.GetTelemetryStats("wss://r.example", time.Hour)
	if err != nil {
		t.Fatalf("GetTelemetryStats: %v", err)
	}
	if stats.Count != 1 {
		t.Fatalf("count = %d, want 1", stats.Count)
	}
}

func TestTelemetryStats(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()

	metrics := []model.TelemetryMetric{
		{EventID: "e1", RelayURL: "wss://r.example", MonitorPubkey: "a", CreatedAt: now - 300},
		{EventID: "e2", RelayURL: "wss://r.example", MonitorPubkey: "a", CreatedAt: now - 200},
		{EventID: "e3", RelayURL: "wss://r.example", MonitorPubkey: "b", CreatedAt: now - 100},
		{EventID: "e4", RelayURL: "wss://other.example", MonitorPubkey: "a", CreatedAt: now - 50},
	}
	for _, m := range metrics {
		if err := s.StoreTelemetryMetric(m); err != nil {
			t.Fatalf("StoreTelemetryMetric(%s): %v", m.EventID, err)
		}
	}

	stats, err := s.GetTelemetryStats("wss://r.example", time.Hour)
	if err != nil {
		t.Fatalf("GetTelemetryStats: %v", err)
	}
	if stats.Count != 3 {
		t.Fatalf("count = %d, want 3", stats.Count)
	}
	if stats.MonitorCount != 2 {
		t.Fatalf("monitor count = %d, want 2", stats.MonitorCount)
	}
	if stats.FirstSeen != now-300 || stats.LastSeen != now-100 {
		t.Fatalf("range = [%d, %d], want [%d, %d]", stats.FirstSeen, stats.LastSeen, now-300, now-100)
	}
}

func TestMonitorLatestReadings(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()

	metrics := []model.TelemetryMetric{
		{EventID: "e1", RelayURL: "wss://r.example", MonitorPubkey: "a", CreatedAt: now - 600, RTTOpenMs: int64Ptr(500)},
		{EventID: "e2", RelayURL: "wss://r.example", MonitorPubkey: "a", CreatedAt: now - 60, RTTOpenMs: int64Ptr(100), RTTReadMs: int64Ptr(40)},
		{EventID: "e3", RelayURL: "wss://other.example", MonitorPubkey: "a", CreatedAt: now - 30, RTTOpenMs: int64Ptr(250)},
	}
	for _, m := range metrics {
		if err := s.StoreTelemetryMetric(m); err != nil {
			t.Fatalf("StoreTelemetryMetric(%s): %v", m.EventID, err)
		}
	}

	readings, err := s.GetMonitorLatestReadings(time.Hour)
	if err != nil {
		t.Fatalf("GetMonitorLatestReadings: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("got %d readings, want 2", len(readings))
	}
	byRelay := make(map[string]model.MonitorReading)
	for _, r := range readings {
		byRelay[r.RelayURL] = r
	}
	latest, ok := byRelay["wss://r.example"]
	if !ok {
		t.Fatal("missing reading for wss://r.example")
	}
	if latest.RTTOpenMs == nil || *latest.RTTOpenMs != 100 {
		t.Fatalf("rtt open = %v, want latest value 100", latest.RTTOpenMs)
	}
	if latest.RTTReadMs == nil || *latest.RTTReadMs != 40 {
		t.Fatalf("rtt read = %v, want 40", latest.RTTReadMs)
	}
}

func TestMonitorStatsUpserts(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()

	for i := int64(0); i < 3; i++ {
		if err := s.UpdateMonitorStats("monitor-a", now-600+i*60); err != nil {
			t.Fatalf("UpdateMonitorStats: %v", err)
		}
	}
	if err := s.RecordMonitorAnnouncement("monitor-a", 3600, now-100); err != nil {
		t.Fatalf("RecordMonitorAnnouncement: %v", err)
	}
	// A stale announcement must not clobber the newer one.
	if err := s.RecordMonitorAnnouncement("monitor-a", 60, now-5000); err != nil {
		t.Fatalf("stale RecordMonitorAnnouncement: %v", err)
	}

	stats, err := s.GetMonitorStats()
	if err != nil {
		t.Fatalf("GetMonitorStats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("got %d monitors, want 1", len(stats))
	}
	m := stats[0]
	if m.EventCount != 3 {
		t.Fatalf("event count = %d, want 3", m.EventCount)
	}
	if m.FirstSeen != now-600 {
		t.Fatalf("first seen = %d, want %d", m.FirstSeen, now-600)
	}
	if m.LastSeen != now-480 {
		t.Fatalf("last seen = %d, want %d", m.LastSeen, now-480)
	}
	if m.FrequencySeconds != 3600 {
		t.Fatalf("frequency = %d, want 3600", m.FrequencySeconds)
	}
}

func TestPublishedAssertionLifecycle(t *testing.T) {
	s := newTestStore(t)

	if got, err := s.GetLastPublishedAssertion("wss://r.example"); err != nil || got != nil {
		t.Fatalf("never published: got %+v, err %v, want nil, nil", got, err)
	}

	quality := 80
	rec := model.PublishedAssertionRecord{
		RelayURL:    "wss://r.example",
		EventID:     "ev-1",
		Status:      model.StatusEvaluated,
		Score:       77,
		Reliability: 90,
		Confidence:  model.ConfidenceLow,
		PublishedAt: time.Now().Unix(),
	}
	if err := s.StorePublishedAssertion(rec); err != nil {
		t.Fatalf("StorePublishedAssertion: %v", err)
	}

	got, err := s.GetLastPublishedAssertion("wss://r.example")
	if err != nil {
		t.Fatalf("GetLastPublishedAssertion: %v", err)
	}
	if got.EventID != "ev-1" || got.Score != 77 {
		t.Fatalf("got %+v", got)
	}
	if got.Quality != nil {
		t.Fatalf("quality = %d, want nil", *got.Quality)
	}

	rec.EventID = "ev-2"
	rec.Score = 82
	rec.Quality = &quality
	if err := s.StorePublishedAssertion(rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err = s.GetLastPublishedAssertion("wss://r.example")
	if err != nil {
		t.Fatalf("GetLastPublishedAssertion after upsert: %v", err)
	}
	if got.EventID != "ev-2" || got.Score != 82 {
		t.Fatalf("after upsert got %+v", got)
	}
	if got.Quality == nil || *got.Quality != 80 {
		t.Fatalf("quality = %v, want 80", got.Quality)
	}
}

func TestGetRelayFirstSeen(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()

	if err := s.StoreProbe(model.ProbeResult{RelayURL: "wss://r.example", CheckedAt: now - 1000}); err != nil {
		t.Fatalf("StoreProbe: %v", err)
	}
	if err := s.StoreTelemetryMetric(model.TelemetryMetric{
		EventID: "e1", RelayURL: "wss://r.example", MonitorPubkey: "a", CreatedAt: now - 5000,
	}); err != nil {
		t.Fatalf("StoreTelemetryMetric: %v", err)
	}

	firstSeen, err := s.GetRelayFirstSeen("wss://r.example")
	if err != nil {
		t.Fatalf("GetRelayFirstSeen: %v", err)
	}
	if firstSeen != now-5000 {
		t.Fatalf("first seen = %d, want %d", firstSeen, now-5000)
	}

	firstSeen, err = s.GetRelayFirstSeen("wss://never.example")
	if err != nil {
		t.Fatalf("GetRelayFirstSeen(unknown): %v", err)
	}
	if firstSeen != 0 {
		t.Fatalf("first seen for unknown relay = %d, want 0", firstSeen)
	}
}

func TestListRelaysPagination(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()

	for _, url := range []string{"wss://a.example", "wss://b.example", "wss://c.example"} {
		if err := s.StoreProbe(model.ProbeResult{RelayURL: url, CheckedAt: now, Reachable: true}); err != nil {
			t.Fatalf("StoreProbe(%s): %v", url, err)
		}
	}
	if err := s.StorePublishedAssertion(model.PublishedAssertionRecord{
		RelayURL: "wss://b.example", EventID: "ev", Status: model.StatusEvaluated,
		Score: 64, Reliability: 70, Confidence: model.ConfidenceMedium, PublishedAt: now,
	}); err != nil {
		t.Fatalf("StorePublishedAssertion: %v", err)
	}

	page, total, err := s.ListRelays(2, 0)
	if err != nil {
		t.Fatalf("ListRelays: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	if page[0].RelayURL != "wss://a.example" || page[1].RelayURL != "wss://b.example" {
		t.Fatalf("page order = %q, %q", page[0].RelayURL, page[1].RelayURL)
	}
	if page[0].Score != nil {
		t.Fatalf("unpublished relay has score %d", *page[0].Score)
	}
	if page[1].Score == nil || *page[1].Score != 64 {
		t.Fatalf("published relay score = %v, want 64", page[1].Score)
	}
	if !page[1].LastReachable {
		t.Fatal("published relay should report last probe reachable")
	}

	page, _, err = s.ListRelays(2, 2)
	if err != nil {
		t.Fatalf("ListRelays offset: %v", err)
	}
	if len(page) != 1 || page[0].RelayURL != "wss://c.example" {
		t.Fatalf("second page = %+v", page)
	}
}

func TestRuntimeConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)

	cfg, version, err := s.GetRuntimeConfig()
	if err != nil {
		t.Fatalf("GetRuntimeConfig: %v", err)
	}
	if cfg != nil || version != 0 {
		t.Fatalf("empty store returned cfg=%v version=%d", cfg, version)
	}

	want := config.NewDefaultRuntimeConfig()
	want.MaterialChangeThreshold = 5
	if err := s.SaveRuntimeConfig(want, 1, time.Now().Unix()); err != nil {
		t.Fatalf("SaveRuntimeConfig: %v", err)
	}

	cfg, version, err = s.GetRuntimeConfig()
	if err != nil {
		t.Fatalf("GetRuntimeConfig after save: %v", err)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}
	if cfg.MaterialChangeThreshold != 5 {
		t.Fatalf("threshold = %d, want 5", cfg.MaterialChangeThreshold)
	}
	if cfg.ProbeInterval != want.ProbeInterval {
		t.Fatalf("probe interval = %v, want %v", cfg.ProbeInterval, want.ProbeInterval)
	}

	want.RetentionDays = 30
	if err := s.SaveRuntimeConfig(want, 2, time.Now().Unix()); err != nil {
		t.Fatalf("second SaveRuntimeConfig: %v", err)
	}
	cfg, version, err = s.GetRuntimeConfig()
	if err != nil {
		t.Fatalf("GetRuntimeConfig after update: %v", err)
	}
	if version != 2 || cfg.RetentionDays != 30 {
		t.Fatalf("version = %d retention = %d, want 2 and 30", version, cfg.RetentionDays)
	}
}

func TestSweep(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Unix()
	cutoff := now - 3600

	stale := []model.ProbeResult{
		{RelayURL: "wss://r.example", CheckedAt: now - 7200},
		{RelayURL: "wss://r.example", CheckedAt: now - 7100},
	}
	for _, p := range stale {
		if err := s.StoreProbe(p); err != nil {
			t.Fatalf("StoreProbe: %v", err)
		}
	}
	if err := s.StoreProbe(model.ProbeResult{RelayURL: "wss://r.example", CheckedAt: now - 60}); err != nil {
		t.Fatalf("StoreProbe fresh: %v", err)
	}
	if err := s.StoreTelemetryMetric(model.TelemetryMetric{
		EventID: "old", RelayURL: "wss://r.example", MonitorPubkey: "a", CreatedAt: now - 7200,
	}); err != nil {
		t.Fatalf("StoreTelemetryMetric: %v", err)
	}
	if err := s.StoreTelemetryMetric(model.TelemetryMetric{
		EventID: "new", RelayURL: "wss://r.example", MonitorPubkey: "a", CreatedAt: now - 30,
	}); err != nil {
		t.Fatalf("StoreTelemetryMetric fresh: %v", err)
	}

	removed, err := s.Sweep(cutoff)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}

	probes, err := s.GetProbes("wss://r.example", 2*time.Hour)
	if err != nil {
		t.Fatalf("GetProbes: %v", err)
	}
	if len(probes) != 1 {
		t.Fatalf("probes left = %d, want 1", len(probes))
	}
	stats, err := s.GetTelemetryStats("wss://r.example", 2*time.Hour)
	if err != nil {
		t.Fatalf("GetTelemetryStats: %v", err)
	}
	if stats.Count != 1 {
		t.Fatalf("telemetry left = %d, want 1", stats.Count)
	}
}
