package score

import (
	"fmt"
	"testing"

	"github.com/vigilrelay/vigil/internal/model"
)

const testRelay = "wss://relay.example.com"

func probeAt(at int64, reachable bool, connectMs int64) model.ProbeResult {
	p := model.ProbeResult{
		RelayURL:    testRelay,
		CheckedAt:   at,
		Reachable:   reachable,
		RelayType:   model.RelayTypeGeneral,
		AccessLevel: model.AccessOpen,
	}
	if connectMs >= 0 {
		p.ConnectTimeMs = &connectMs
	}
	return p
}

func reading(monitor, relayURL string, openMs, readMs int64) model.MonitorReading {
	r := model.MonitorReading{MonitorPubkey: monitor, RelayURL: relayURL, CreatedAt: 1}
	if openMs >= 0 {
		r.RTTOpenMs = &openMs
	}
	if readMs >= 0 {
		r.RTTReadMs = &readMs
	}
	return r
}

func TestUptimeScore(t *testing.T) {
	cases := []struct {
		name      string
		reachable []bool
		want      int
	}{
		{"empty", nil, 0},
		{"three of four", []bool{true, false, true, true}, 75},
		{"all up", []bool{true, true, true}, 100},
		{"all down", []bool{false, false}, 0},
		{"one of three", []bool{true, false, false}, 33},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var probes []model.ProbeResult
			for i, r := range tc.reachable {
				probes = append(probes, probeAt(int64(i*60), r, 100))
			}
			if got := UptimeScore(probes); got != tc.want {
				t.Fatalf("UptimeScore = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestRecoveryScoreShortOutage(t *testing.T) {
	probes := []model.ProbeResult{
		probeAt(0, true, 100),
		probeAt(60, false, -1),
		probeAt(120, true, 100),
		probeAt(180, true, 100),
	}
	got := RecoveryScore(probes)
	if got <= 90 {
		t.Fatalf("RecoveryScore = %d, want > 90 for a one-minute outage", got)
	}
}

func TestRecoveryScore(t *testing.T) {
	cases := []struct {
		name string
		rows []model.ProbeResult
		want int
	}{
		{"too few probes", []model.ProbeResult{probeAt(0, true, 100)}, 80},
		{"no outages", []model.ProbeResult{probeAt(0, true, 100), probeAt(60, true, 100)}, 100},
		{
			// The failure run never closes, so no recovery is measured.
			"ongoing outage",
			[]model.ProbeResult{probeAt(0, true, 100), probeAt(60, false, -1), probeAt(120, false, -1)},
			100,
		},
		{
			// One hour down: 75 - 25*(1800/5400) = 66.67.
			"hour outage",
			[]model.ProbeResult{probeAt(0, false, -1), probeAt(3600, true, 100)},
			67,
		},
		{
			// Four hours down: 50*(1 - 7200/14400) = 25.
			"four hour outage",
			[]model.ProbeResult{probeAt(0, false, -1), probeAt(14400, true, 100)},
			25,
		},
		{
			"outage beyond scale",
			[]model.ProbeResult{probeAt(0, false, -1), probeAt(30000, true, 100)},
			0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RecoveryScore(tc.rows); got != tc.want {
				t.Fatalf("RecoveryScore = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestConsistencyScore(t *testing.T) {
	cases := []struct {
		name     string
		connects []int64
		want     int
	}{
		{"too few samples", []int64{100, 110}, 70},
		{"steady", []int64{100, 100, 100, 100}, 100},
		// P25=87.5, P50=125, P75=162.5: ratio 0.6, score 70.
		{"spread", []int64{50, 100, 150, 200}, 70},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var probes []model.ProbeResult
			for i, c := range tc.connects {
				probes = append(probes, probeAt(int64(i*60), true, c))
			}
			if got := ConsistencyScore(probes); got != tc.want {
				t.Fatalf("ConsistencyScore = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestConsistencyIgnoresUnreachableProbes(t *testing.T) {
	probes := []model.ProbeResult{
		probeAt(0, true, 100),
		probeAt(60, false, 5000),
		probeAt(120, true, 100),
	}
	// Only two reachable samples survive the filter.
	if got := ConsistencyScore(probes); got != 70 {
		t.Fatalf("ConsistencyScore = %d, want 70", got)
	}
}

func TestConsistencyScoreRelativeSpread(t *testing.T) {
	samples := func(mul, add int64) []model.ProbeResult {
		var probes []model.ProbeResult
		for i, c := range []int64{50, 100, 150, 200} {
			probes = append(probes, probeAt(int64(i*60), true, c*mul+add))
		}
		return probes
	}

	base := ConsistencyScore(samples(1, 0))

	// Scaling every connect time keeps the spread-to-median ratio, and
	// the score, unchanged.
	if got := ConsistencyScore(samples(3, 0)); got != base {
		t.Fatalf("ConsistencyScore scaled = %d, want %d", got, base)
	}

	// A constant shift leaves the absolute spread alone but raises the
	// median, so the score never drops. Here 75/1125 beats 75/125.
	if got := ConsistencyScore(samples(1, 1000)); got < base {
		t.Fatalf("ConsistencyScore shifted = %d, want >= %d", got, base)
	}
}

func TestLatencyPercentileBoundaries(t *testing.T) {
	v := int64(100)
	if got := latencyPercentile(&v, nil); got != 50 {
		t.Fatalf("empty set percentile = %v, want 50", got)
	}
	if got := latencyPercentile(nil, []int64{1, 2, 3}); got != 50 {
		t.Fatalf("missing value percentile = %v, want 50", got)
	}

	values := []int64{100, 200, 300, 400}
	fastest := int64(100)
	if got := latencyPercentile(&fastest, values); got != 100 {
		t.Fatalf("fastest percentile = %v, want 100", got)
	}
	slowest := int64(400)
	if got := latencyPercentile(&slowest, values); got != 0 {
		t.Fatalf("slowest percentile = %v, want 0", got)
	}
}

func TestLatencyScoreQualifyingMonitor(t *testing.T) {
	// One monitor tracking the target plus 19 slower relays.
	var readings []model.MonitorReading
	readings = append(readings, reading("m1", testRelay, 50, 80))
	for i := 0; i < 19; i++ {
		url := fmt.Sprintf("wss://other%d.example.com", i)
		readings = append(readings, reading("m1", url, int64(100+10*i), int64(200+10*i)))
	}

	if got := LatencyScore(testRelay, readings, nil); got != 100 {
		t.Fatalf("LatencyScore = %d, want 100 for the fastest relay", got)
	}
}

func TestLatencyScoreOrderPreserving(t *testing.T) {
	var readings []model.MonitorReading
	fast := "wss://fast.example.com"
	slow := "wss://slow.example.com"
	readings = append(readings, reading("m1", fast, 60, 90))
	readings = append(readings, reading("m1", slow, 400, 600))
	for i := 0; i < 18; i++ {
		url := fmt.Sprintf("wss://other%d.example.com", i)
		readings = append(readings, reading("m1", url, int64(100+10*i), int64(200+10*i)))
	}

	fastScore := LatencyScore(fast, readings, nil)
	slowScore := LatencyScore(slow, readings, nil)
	if fastScore < slowScore {
		t.Fatalf("fast relay scored %d below slow relay's %d", fastScore, slowScore)
	}
}

func TestLatencyScoreFallbackTiers(t *testing.T) {
	// A three-relay monitor never qualifies, so absolute tiers apply.
	smallMonitor := []model.MonitorReading{
		reading("m1", testRelay, 40, -1),
		reading("m1", "wss://a.example.com", 100, -1),
		reading("m1", "wss://b.example.com", 200, -1),
	}

	cases := []struct {
		name    string
		connect int64
		want    int
	}{
		{"instant", 40, 100},
		{"fast", 90, 95},
		{"average", 280, 75},
		{"slow", 900, 20},
		{"glacial", 2500, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			probes := []model.ProbeResult{probeAt(0, true, tc.connect)}
			if got := LatencyScore(testRelay, smallMonitor, probes); got != tc.want {
				t.Fatalf("LatencyScore = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestLatencyScoreNoData(t *testing.T) {
	if got := LatencyScore(testRelay, nil, nil); got != 50 {
		t.Fatalf("LatencyScore = %d, want neutral 50", got)
	}
}

func TestReliabilityComposite(t *testing.T) {
	probes := []model.ProbeResult{
		probeAt(0, true, 100),
		probeAt(60, true, 100),
		probeAt(120, true, 100),
		probeAt(180, true, 100),
	}
	r := ReliabilityFor(testRelay, probes, nil)
	if r.Uptime != 100 || r.Recovery != 100 || r.Consistency != 100 {
		t.Fatalf("subscores = %+v, want 100/100/100", r)
	}
	// Fallback latency: median 100ms sits in the 95 tier.
	if r.Latency != 95 {
		t.Fatalf("Latency = %d, want 95", r.Latency)
	}
	if r.Composite != 99 {
		t.Fatalf("Composite = %d, want 99", r.Composite)
	}
}
