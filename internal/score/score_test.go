package score

import (
	"context"
	"testing"
	"time"

	"github.com/vigilrelay/vigil/internal/model"
)

type fakeStore struct {
	probes    []model.ProbeResult
	stats     model.TelemetryStats
	readings  []model.MonitorReading
	firstSeen int64
}

func (s *fakeStore) GetProbes(relayURL string, window time.Duration) ([]model.ProbeResult, error) {
	return s.probes, nil
}

func (s *fakeStore) GetTelemetryStats(relayURL string, window time.Duration) (model.TelemetryStats, error) {
	return s.stats, nil
}

func (s *fakeStore) GetMonitorLatestReadings(window time.Duration) ([]model.MonitorReading, error) {
	return s.readings, nil
}

func (s *fakeStore) GetRelayFirstSeen(relayURL string) (int64, error) {
	return s.firstSeen, nil
}

const testNow = int64(1_700_000_000)

const testDoc = `{"name":"Test","description":"d","contact":"admin@example.com",
	"software":"relayd","version":"1.0",
	"limitation":{"auth_required":false,"max_subscriptions":20}}`

func fixedClock() time.Time { return time.Unix(testNow, 0) }

func TestWeightedObservations(t *testing.T) {
	// 50 + 100*1.5*1.5 = 275.
	if got := WeightedObservations(50, 100, 5, 15); got != 275 {
		t.Fatalf("WeightedObservations = %v, want 275", got)
	}
	// Probes alone carry no bonus.
	for _, p := range []int64{0, 1, 17, 4000} {
		if got := WeightedObservations(p, 0, 0, 12); got != float64(p) {
			t.Fatalf("WeightedObservations(%d, 0, 0, 12) = %v, want %d", p, got, p)
		}
	}
	// The time factor saturates at 30 days.
	if got := WeightedObservations(0, 100, 0, 90); got != 200 {
		t.Fatalf("WeightedObservations = %v, want 200 with saturated time factor", got)
	}
	// Negative inputs are an invariant breach, scored as nothing seen.
	if got := WeightedObservations(-1, 100, 5, 15); got != 0 {
		t.Fatalf("WeightedObservations = %v, want 0 for negative input", got)
	}
}

func TestConfidenceTier(t *testing.T) {
	cases := []struct {
		weighted float64
		want     string
	}{
		{0, model.ConfidenceLow},
		{99, model.ConfidenceLow},
		{100, model.ConfidenceMedium},
		{499, model.ConfidenceMedium},
		{500, model.ConfidenceHigh},
	}
	for _, tc := range cases {
		if got := ConfidenceTier(tc.weighted); got != tc.want {
			t.Fatalf("ConfidenceTier(%v) = %q, want %q", tc.weighted, got, tc.want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	up := probeAt(0, true, 100)
	down := probeAt(0, false, -1)

	if got := statusFor(&down, 1000); got != model.StatusUnreachable {
		t.Fatalf("status = %q, want unreachable regardless of observations", got)
	}
	if got := statusFor(&up, 9); got != model.StatusInsufficientData {
		t.Fatalf("status = %q, want insufficient_data", got)
	}
	if got := statusFor(&up, 10); got != model.StatusEvaluated {
		t.Fatalf("status = %q, want evaluated", got)
	}
	if got := statusFor(nil, 5); got != model.StatusInsufficientData {
		t.Fatalf("status = %q, want insufficient_data with no probes", got)
	}
}

func TestScoreRelay(t *testing.T) {
	probes := []model.ProbeResult{
		probeAt(testNow-300, true, 100),
		probeAt(testNow-200, true, 100),
		probeAt(testNow-100, true, 100),
		probeAt(testNow-50, true, 100),
	}
	probes[3].NIP11JSON = testDoc

	store := &fakeStore{
		probes:    probes,
		stats:     model.TelemetryStats{Count: 200, MonitorCount: 5},
		firstSeen: testNow - 15*86400,
	}
	scorer := NewScorer(Config{
		Store: store,
		Now:   fixedClock,
		Operator: func(ctx context.Context, relayURL string) (*model.OperatorResolution, error) {
			return &model.OperatorResolution{
				RelayURL:           relayURL,
				OperatorPubkey:     "feedface",
				VerificationMethod: model.VerifyDNS,
				Confidence:         80,
			}, nil
		},
		Jurisdiction: func(ctx context.Context, relayURL string) (*model.JurisdictionInfo, error) {
			return &model.JurisdictionInfo{CountryCode: "DE", IsHosting: true}, nil
		},
	})

	res, err := scorer.ScoreRelay(context.Background(), testRelay)
	if err != nil {
		t.Fatalf("ScoreRelay: %v", err)
	}

	if res.Reliability.Composite != 99 {
		t.Fatalf("reliability = %d, want 99", res.Reliability.Composite)
	}
	if res.Quality == nil || res.Quality.Composite != 95 {
		t.Fatalf("quality = %+v, want composite 95", res.Quality)
	}
	if res.Accessibility == nil || res.Accessibility.Composite != 96 {
		t.Fatalf("accessibility = %+v, want composite 96", res.Accessibility)
	}
	// 0.40*99 + 0.35*95 + 0.25*96 = 96.85 -> 97.
	if res.Overall != 97 {
		t.Fatalf("overall = %d, want 97", res.Overall)
	}

	// 4 + 200*1.5*1.5 = 454.
	if res.WeightedObservations != 454 {
		t.Fatalf("weighted observations = %v, want 454", res.WeightedObservations)
	}
	if res.Observations != 454 {
		t.Fatalf("observations = %d, want the rounded weighted count", res.Observations)
	}
	if res.Confidence != model.ConfidenceMedium {
		t.Fatalf("confidence = %q, want medium", res.Confidence)
	}
	if res.Status != model.StatusEvaluated {
		t.Fatalf("status = %q, want evaluated", res.Status)
	}
	if res.ObservationPeriod != "15d" {
		t.Fatalf("observation period = %q, want 15d", res.ObservationPeriod)
	}
	if res.FirstSeen != testNow-15*86400 {
		t.Fatalf("first seen = %d", res.FirstSeen)
	}
	if res.Policy != model.PolicyOpen || res.PolicyConfidence != model.ConfidenceHigh {
		t.Fatalf("policy = %q/%q, want open/high", res.Policy, res.PolicyConfidence)
	}
	if res.Network != "clearnet" {
		t.Fatalf("network = %q, want clearnet", res.Network)
	}
	if res.Jurisdiction == nil || res.Jurisdiction.CountryCode != "DE" {
		t.Fatalf("jurisdiction = %+v", res.Jurisdiction)
	}
	if res.Operator == nil || res.Operator.OperatorPubkey != "feedface" {
		t.Fatalf("operator = %+v", res.Operator)
	}
}

func TestScoreRelayCurrentOutageCapsOverall(t *testing.T) {
	var probes []model.ProbeResult
	for i := 0; i < 9; i++ {
		probes = append(probes, probeAt(testNow-int64(1000-i*100), true, 100))
	}
	probes[8].NIP11JSON = testDoc
	probes = append(probes, probeAt(testNow-50, false, -1))

	store := &fakeStore{probes: probes, firstSeen: testNow - 86400}
	scorer := NewScorer(Config{Store: store, Now: fixedClock})

	res, err := scorer.ScoreRelay(context.Background(), testRelay)
	if err != nil {
		t.Fatalf("ScoreRelay: %v", err)
	}

	if res.Status != model.StatusUnreachable {
		t.Fatalf("status = %q, want unreachable", res.Status)
	}
	// The published component keeps its computed value.
	if res.Reliability.Composite != 95 {
		t.Fatalf("reliability = %d, want 95", res.Reliability.Composite)
	}
	if res.Quality == nil || res.Quality.Composite != 91 {
		t.Fatalf("quality = %+v, want composite 91", res.Quality)
	}
	if res.Accessibility == nil || res.Accessibility.Composite != 92 {
		t.Fatalf("accessibility = %+v, want composite 92", res.Accessibility)
	}
	// Overall swaps reliability for min(50, uptime):
	// 0.40*50 + 0.35*91 + 0.25*92 = 74.85 -> 75.
	if res.Overall != 75 {
		t.Fatalf("overall = %d, want 75", res.Overall)
	}
}

func TestScoreRelayNeverProbed(t *testing.T) {
	store := &fakeStore{
		stats:     model.TelemetryStats{Count: 1000, MonitorCount: 5},
		firstSeen: testNow - 30*86400,
	}
	scorer := NewScorer(Config{Store: store, Now: fixedClock})

	res, err := scorer.ScoreRelay(context.Background(), testRelay)
	if err != nil {
		t.Fatalf("ScoreRelay: %v", err)
	}

	if res.Quality != nil || res.Accessibility != nil {
		t.Fatalf("quality/accessibility = %+v/%+v, want nil without probes", res.Quality, res.Accessibility)
	}
	// Uptime 0, recovery 80, consistency 70, latency 50 -> 40.
	if res.Reliability.Composite != 40 {
		t.Fatalf("reliability = %d, want 40", res.Reliability.Composite)
	}
	// Weights renormalize to reliability alone.
	if res.Overall != 40 {
		t.Fatalf("overall = %d, want 40", res.Overall)
	}
	if res.Status != model.StatusEvaluated {
		t.Fatalf("status = %q, want evaluated", res.Status)
	}
	if res.Confidence != model.ConfidenceHigh {
		t.Fatalf("confidence = %q, want high", res.Confidence)
	}
	if res.Policy != "" || res.PolicyConfidence != "" {
		t.Fatalf("policy = %q/%q, want empty without any classification", res.Policy, res.PolicyConfidence)
	}
}

func TestScoreRelayRejectsBadURL(t *testing.T) {
	scorer := NewScorer(Config{Store: &fakeStore{}, Now: fixedClock})
	if _, err := scorer.ScoreRelay(context.Background(), "ftp://nope"); err == nil {
		t.Fatal("expected an error for an unsupported scheme")
	}
}

func TestClassifyPolicy(t *testing.T) {
	specialized := probeAt(0, true, 100)
	specialized.RelayType = model.RelayTypeSpecialized

	open := probeAt(0, true, 100)

	cases := []struct {
		name           string
		doc            string
		latest         *model.ProbeResult
		wantPolicy     string
		wantConfidence string
	}{
		{"nothing known", "", nil, "", ""},
		{"probe only", "", &open, model.PolicyOpen, model.ConfidenceLow},
		{"probe says specialized", "", &specialized, model.PolicySpecialized, model.ConfidenceLow},
		{"curated", `{"limitation":{"restricted_writes":true}}`, &open, model.PolicyCurated, model.ConfidenceHigh},
		{"moderated", `{"limitation":{"auth_required":true}}`, &open, model.PolicyModerated, model.ConfidenceHigh},
		{"posting policy", `{"posting_policy":"https://example.com/policy"}`, &open, model.PolicyModerated, model.ConfidenceMedium},
		{"open", `{"name":"n"}`, &open, model.PolicyOpen, model.ConfidenceMedium},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			policy, confidence := classifyPolicy(infoOrNil(t, tc.doc), tc.latest)
			if policy != tc.wantPolicy || confidence != tc.wantConfidence {
				t.Fatalf("classifyPolicy = %q/%q, want %q/%q", policy, confidence, tc.wantPolicy, tc.wantConfidence)
			}
		})
	}
}

func TestObservationPeriod(t *testing.T) {
	now := time.Unix(testNow, 0)
	window := 30 * 24 * time.Hour

	cases := []struct {
		name      string
		firstSeen int64
		want      string
	}{
		{"mid window", testNow - 15*86400, "15d"},
		{"older than the window caps", testNow - 45*86400, "30d"},
		{"hours ago", testNow - 3*3600, "<1d"},
		{"never observed", 0, "<1d"},
		{"exactly one day", testNow - 86400, "1d"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := observationPeriod(tc.firstSeen, now, window); got != tc.want {
				t.Fatalf("observationPeriod = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLatestInfo(t *testing.T) {
	probes := []model.ProbeResult{
		probeAt(0, true, 100),
		probeAt(60, true, 100),
		probeAt(120, true, 100),
	}
	probes[0].NIP11JSON = `{"name":"old"}`
	probes[1].NIP11JSON = `{"name":"new"}`
	probes[2].NIP11JSON = `not json`

	info := latestInfo(probes)
	if info == nil || info.Name != "new" {
		t.Fatalf("latestInfo = %+v, want the newest parsable document", info)
	}
	if latestInfo(nil) != nil {
		t.Fatal("latestInfo(nil) should be nil")
	}
}
