// Package score turns stored observations into relay scores.
//
// Every component and subcomponent score is an integer clamped to
// [0, 100]. The neutral default for missing input is 50 except where a
// formula names another value. Scoring never dials a relay: it reads
// probe history, telemetry, and cached resolutions only.
package score

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/vigilrelay/vigil/internal/model"
	"github.com/vigilrelay/vigil/internal/nip11"
	"github.com/vigilrelay/vigil/internal/relay"
)

// DefaultWindow bounds how far back observations count when no window
// is configured. It matches the 30-day cap in the observation time
// factor.
const DefaultWindow = 30 * 24 * time.Hour

// Store is the slice of the persistence layer scoring reads from.
type Store interface {
	GetProbes(relayURL string, window time.Duration) ([]model.ProbeResult, error)
	GetTelemetryStats(relayURL string, window time.Duration) (model.TelemetryStats, error)
	GetMonitorLatestReadings(window time.Duration) ([]model.MonitorReading, error)
	GetRelayFirstSeen(relayURL string) (int64, error)
}

// Config wires the scorer's inputs. Operator and Jurisdiction are
// optional resolvers; when absent the affected subscores fall back to
// their neutral defaults.
type Config struct {
	Store Store

	// Window returns the scoring window. Called per ScoreRelay so a
	// config change applies to the next run without a restart.
	Window func() time.Duration

	Operator     func(ctx context.Context, relayURL string) (*model.OperatorResolution, error)
	Jurisdiction func(ctx context.Context, relayURL string) (*model.JurisdictionInfo, error)

	// Now is the clock, defaulting to time.Now.
	Now func() time.Time
}

// Scorer computes scores for one relay at a time from stored history.
// Safe for concurrent use.
type Scorer struct {
	store        Store
	window       func() time.Duration
	operator     func(ctx context.Context, relayURL string) (*model.OperatorResolution, error)
	jurisdiction func(ctx context.Context, relayURL string) (*model.JurisdictionInfo, error)
	now          func() time.Time
}

// NewScorer creates a Scorer.
func NewScorer(cfg Config) *Scorer {
	window := cfg.Window
	if window == nil {
		window = func() time.Duration { return DefaultWindow }
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scorer{
		store:        cfg.Store,
		window:       window,
		operator:     cfg.Operator,
		jurisdiction: cfg.Jurisdiction,
		now:          now,
	}
}

// Result carries every component score plus the inputs the assertion
// builder needs to render tags.
type Result struct {
	RelayURL string `json:"relay_url"`
	ScoredAt int64  `json:"scored_at"`

	Reliability   ReliabilityScores    `json:"reliability"`
	Quality       *QualityScores       `json:"quality,omitempty"`
	Accessibility *AccessibilityScores `json:"accessibility,omitempty"`
	Overall       int                  `json:"overall"`

	Status               string  `json:"status"`
	Confidence           string  `json:"confidence"`
	WeightedObservations float64 `json:"weighted_observations"`
	// Observations is the weighted count rounded to an integer; it is
	// what assertions publish.
	Observations      int64  `json:"observations"`
	ObservationPeriod string `json:"observation_period"`
	FirstSeen         int64  `json:"first_seen"`

	Network          string `json:"network,omitempty"`
	Policy           string `json:"policy,omitempty"`
	PolicyConfidence string `json:"policy_confidence,omitempty"`

	LatestProbe  *model.ProbeResult       `json:"latest_probe,omitempty"`
	Info         *nip11.Info              `json:"info,omitempty"`
	Operator     *model.OperatorResolution `json:"operator,omitempty"`
	Jurisdiction *model.JurisdictionInfo   `json:"jurisdiction,omitempty"`
}

// ScoreRelay scores one relay from the observations inside the window.
// Quality and Accessibility stay nil for relays that have never been
// probed: their inputs all come from probing, and a scorecard built
// purely of neutral defaults carries no information.
func (s *Scorer) ScoreRelay(ctx context.Context, rawURL string) (*Result, error) {
	relayURL, err := relay.Normalize(rawURL)
	if err != nil {
		return nil, err
	}
	window := s.window()

	probes, err := s.store.GetProbes(relayURL, window)
	if err != nil {
		return nil, fmt.Errorf("score: load probes for %s: %w", relayURL, err)
	}
	stats, err := s.store.GetTelemetryStats(relayURL, window)
	if err != nil {
		return nil, fmt.Errorf("score: load telemetry for %s: %w", relayURL, err)
	}
	readings, err := s.store.GetMonitorLatestReadings(window)
	if err != nil {
		return nil, fmt.Errorf("score: load monitor readings: %w", err)
	}
	firstSeen, err := s.store.GetRelayFirstSeen(relayURL)
	if err != nil {
		return nil, fmt.Errorf("score: load first seen for %s: %w", relayURL, err)
	}

	now := s.now()
	res := &Result{
		RelayURL:          relayURL,
		ScoredAt:          now.Unix(),
		FirstSeen:         firstSeen,
		ObservationPeriod: observationPeriod(firstSeen, now, window),
		Network:           relay.NetworkOf(relayURL),
	}

	var latest *model.ProbeResult
	if len(probes) > 0 {
		latest = &probes[len(probes)-1]
		res.LatestProbe = latest
	}
	res.Info = latestInfo(probes)

	res.Reliability = ReliabilityFor(relayURL, probes, readings)

	if len(probes) > 0 {
		if s.operator != nil {
			op, err := s.operator(ctx, relayURL)
			if err != nil {
				log.Printf("[score] operator lookup %s: %v", relayURL, err)
			} else {
				res.Operator = op
			}
		}
		q := QualityFor(relayURL, res.Info, res.Operator)
		res.Quality = &q

		if s.jurisdiction != nil {
			j, err := s.jurisdiction(ctx, relayURL)
			if err != nil {
				log.Printf("[score] jurisdiction lookup %s: %v", relayURL, err)
			} else {
				res.Jurisdiction = j
			}
		}
		a := AccessibilityFor(res.Info, res.Jurisdiction)
		res.Accessibility = &a
	}

	periodDays := 0.0
	if firstSeen > 0 && now.Unix() > firstSeen {
		periodDays = float64(now.Unix()-firstSeen) / 86400
	}
	res.WeightedObservations = WeightedObservations(int64(len(probes)), stats.Count, stats.MonitorCount, periodDays)
	res.Observations = int64(math.Round(res.WeightedObservations))
	res.Confidence = ConfidenceTier(res.WeightedObservations)
	res.Status = statusFor(latest, res.WeightedObservations)
	res.Overall = overallScore(res)
	res.Policy, res.PolicyConfidence = classifyPolicy(res.Info, latest)
	return res, nil
}

// overallScore blends the components 40/35/25. A relay whose latest
// probe failed has its reliability term replaced by min(50, uptime) so
// history cannot mask a current outage; the published reliability field
// keeps the computed value. Absent components renormalize the weights.
func overallScore(res *Result) int {
	rel := float64(res.Reliability.Composite)
	if res.LatestProbe != nil && !res.LatestProbe.Reachable {
		rel = math.Min(50, float64(res.Reliability.Uptime))
	}
	sum := 0.40 * rel
	weight := 0.40
	if res.Quality != nil {
		sum += 0.35 * float64(res.Quality.Composite)
		weight += 0.35
	}
	if res.Accessibility != nil {
		sum += 0.25 * float64(res.Accessibility.Composite)
		weight += 0.25
	}
	return clamp(int(math.Round(sum / weight)))
}

// WeightedObservations weights telemetry by monitor diversity and
// observation span; probes count unweighted. Negative inputs are an
// invariant breach and score as zero observations.
func WeightedObservations(probeCount, telemetryCount, monitorCount int64, periodDays float64) float64 {
	if probeCount < 0 || telemetryCount < 0 || monitorCount < 0 || periodDays < 0 {
		log.Printf("[score] negative observation inputs: probes=%d telemetry=%d monitors=%d days=%.1f",
			probeCount, telemetryCount, monitorCount, periodDays)
		return 0
	}
	monitorBonus := 1 + float64(monitorCount)/10
	timeFactor := 1 + math.Min(30, periodDays)/30
	return float64(probeCount) + float64(telemetryCount)*monitorBonus*timeFactor
}

// ConfidenceTier maps weighted observations to a published tier.
func ConfidenceTier(weighted float64) string {
	switch {
	case weighted < 100:
		return model.ConfidenceLow
	case weighted < 500:
		return model.ConfidenceMedium
	default:
		return model.ConfidenceHigh
	}
}

func statusFor(latest *model.ProbeResult, weighted float64) string {
	if latest != nil && !latest.Reachable {
		return model.StatusUnreachable
	}
	if weighted < 10 {
		return model.StatusInsufficientData
	}
	return model.StatusEvaluated
}

// classifyPolicy derives the published policy tag from the information
// document and the probe classification. Without either there is
// nothing to claim and both values stay empty.
func classifyPolicy(info *nip11.Info, latest *model.ProbeResult) (policy, confidence string) {
	probeType := ""
	if latest != nil {
		probeType = latest.RelayType
	}

	if info == nil {
		switch probeType {
		case model.RelayTypeNIP46, model.RelayTypeSpecialized:
			return model.PolicySpecialized, model.ConfidenceLow
		case model.RelayTypeGeneral:
			return model.PolicyOpen, model.ConfidenceLow
		}
		return "", ""
	}

	confidence = model.ConfidenceMedium
	if info.Limitation != nil {
		confidence = model.ConfidenceHigh
	}
	switch {
	case probeType == model.RelayTypeNIP46 || probeType == model.RelayTypeSpecialized:
		return model.PolicySpecialized, confidence
	case info.RestrictedWrites():
		return model.PolicyCurated, confidence
	case info.AuthRequired() || info.PaymentRequired() || info.PostingPolicy != "":
		return model.PolicyModerated, confidence
	default:
		return model.PolicyOpen, confidence
	}
}

// latestInfo parses the most recent probe that captured an information
// document. Older documents are better than none for relays that have
// gone dark.
func latestInfo(probes []model.ProbeResult) *nip11.Info {
	for i := len(probes) - 1; i >= 0; i-- {
		if probes[i].NIP11JSON == "" {
			continue
		}
		info, err := nip11.Parse([]byte(probes[i].NIP11JSON))
		if err != nil {
			continue
		}
		return info
	}
	return nil
}

// observationPeriod renders how long the relay has actually been
// observed, capped at the scoring window. Under a day reads "<1d".
func observationPeriod(firstSeen int64, now time.Time, window time.Duration) string {
	if firstSeen <= 0 {
		return "<1d"
	}
	span := time.Duration(now.Unix()-firstSeen) * time.Second
	if span > window {
		span = window
	}
	if days := int(span.Hours() / 24); days >= 1 {
		return fmt.Sprintf("%dd", days)
	}
	return "<1d"
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// percentileOf reads the q-quantile from an ascending-sorted slice with
// linear interpolation between ranks.
func percentileOf(sorted []float64, q float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	rank := q * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	if lo+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
