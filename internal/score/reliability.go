package score

import (
	"math"
	"sort"

	"github.com/vigilrelay/vigil/internal/model"
)

// Reliability blends uptime, recovery, consistency, and latency 40/20/20/20.
const (
	weightUptime      = 0.40
	weightRecovery    = 0.20
	weightConsistency = 0.20
	weightLatency     = 0.20
)

// qualifyingRelayCount is how many distinct relays a monitor must track
// before its percentile ranking is trusted. Qualification is evaluated
// at score time from the current window, never cached.
const qualifyingRelayCount = 20

// ReliabilityScores are the reliability component and its parts.
type ReliabilityScores struct {
	Uptime      int `json:"uptime"`
	Recovery    int `json:"recovery"`
	Consistency int `json:"consistency"`
	Latency     int `json:"latency"`
	Composite   int `json:"composite"`
}

// ReliabilityFor scores one relay's probe history and monitor latency.
// Probes must be ordered by timestamp, non-decreasing.
func ReliabilityFor(relayURL string, probes []model.ProbeResult, readings []model.MonitorReading) ReliabilityScores {
	r := ReliabilityScores{
		Uptime:      UptimeScore(probes),
		Recovery:    RecoveryScore(probes),
		Consistency: ConsistencyScore(probes),
		Latency:     LatencyScore(relayURL, readings, probes),
	}
	r.Composite = clamp(int(math.Round(
		weightUptime*float64(r.Uptime) +
			weightRecovery*float64(r.Recovery) +
			weightConsistency*float64(r.Consistency) +
			weightLatency*float64(r.Latency))))
	return r
}

// UptimeScore is the reachable fraction of the probe history, 0 for an
// empty history.
func UptimeScore(probes []model.ProbeResult) int {
	if len(probes) == 0 {
		return 0
	}
	reachable := 0
	for _, p := range probes {
		if p.Reachable {
			reachable++
		}
	}
	return int(math.Round(100 * float64(reachable) / float64(len(probes))))
}

// RecoveryScore rates how quickly the relay comes back from outages. An
// outage runs from the first failed probe to the next reachable one;
// a failure run still open at the end of the history has no measured
// recovery and is not counted.
func RecoveryScore(probes []model.ProbeResult) int {
	if len(probes) < 2 {
		return 80
	}

	var outages []float64
	downAt := int64(-1)
	for _, p := range probes {
		if p.Reachable {
			if downAt >= 0 {
				outages = append(outages, float64(p.CheckedAt-downAt))
				downAt = -1
			}
		} else if downAt < 0 {
			downAt = p.CheckedAt
		}
	}
	if len(outages) == 0 {
		return 100
	}

	var sum float64
	for _, d := range outages {
		sum += d
	}
	avg := sum / float64(len(outages))

	var score float64
	switch {
	case avg <= 600:
		score = 100 - 10*(avg/600)
	case avg <= 1800:
		score = 90 - 15*((avg-600)/1200)
	case avg <= 7200:
		score = 75 - 25*((avg-1800)/5400)
	default:
		score = math.Max(0, 50*(1-(avg-7200)/14400))
	}
	return clamp(int(math.Round(score)))
}

// ConsistencyScore rates connect-time stability via the interquartile
// range of reachable probes, relative to the median.
func ConsistencyScore(probes []model.ProbeResult) int {
	var samples []float64
	for _, p := range probes {
		if p.Reachable && p.ConnectTimeMs != nil {
			samples = append(samples, float64(*p.ConnectTimeMs))
		}
	}
	if len(samples) < 3 {
		return 70
	}
	sort.Float64s(samples)

	p25 := percentileOf(samples, 0.25)
	p50 := percentileOf(samples, 0.50)
	p75 := percentileOf(samples, 0.75)
	iqrRatio := (p75 - p25) / math.Max(1, p50)
	return clamp(int(math.Round(100 - 50*iqrRatio)))
}

// LatencyScore ranks the relay against each qualifying monitor's
// tracked set (100 = fastest), averaging connect and read percentiles
// across monitors and blending them 30/70. Relays no qualifying monitor
// tracks fall back to tiered scoring on absolute measured latency.
func LatencyScore(relayURL string, readings []model.MonitorReading, probes []model.ProbeResult) int {
	byMonitor := make(map[string][]model.MonitorReading)
	for _, r := range readings {
		byMonitor[r.MonitorPubkey] = append(byMonitor[r.MonitorPubkey], r)
	}

	var connectSum, readSum float64
	var connectN, readN int
	for _, tracked := range byMonitor {
		if len(tracked) < qualifyingRelayCount {
			continue
		}
		var target *model.MonitorReading
		for i := range tracked {
			if tracked[i].RelayURL == relayURL {
				target = &tracked[i]
				break
			}
		}
		if target == nil {
			continue
		}

		if target.RTTOpenMs != nil {
			var opens []int64
			for _, r := range tracked {
				if r.RTTOpenMs != nil {
					opens = append(opens, *r.RTTOpenMs)
				}
			}
			connectSum += latencyPercentile(target.RTTOpenMs, opens)
			connectN++
		}
		if target.RTTReadMs != nil {
			var reads []int64
			for _, r := range tracked {
				if r.RTTReadMs != nil {
					reads = append(reads, *r.RTTReadMs)
				}
			}
			readSum += latencyPercentile(target.RTTReadMs, reads)
			readN++
		}
	}

	switch {
	case connectN > 0 && readN > 0:
		connect := connectSum / float64(connectN)
		read := readSum / float64(readN)
		return clamp(int(math.Round(0.30*connect + 0.70*read)))
	case connectN > 0:
		return clamp(int(math.Round(connectSum / float64(connectN))))
	case readN > 0:
		return clamp(int(math.Round(readSum / float64(readN))))
	}

	if ms, ok := absoluteLatency(relayURL, probes, readings); ok {
		return latencyTier(ms)
	}
	return 50
}

// latencyPercentile positions value inside a monitor's readings: 100
// when nothing is faster across the set, 0 when nothing is slower.
// Without a value or without company the ranking is meaningless and
// the neutral 50 comes back.
func latencyPercentile(value *int64, values []int64) float64 {
	if value == nil || len(values) <= 1 {
		return 50
	}
	slower := 0
	for _, v := range values {
		if v > *value {
			slower++
		}
	}
	return 100 * float64(slower) / float64(len(values)-1)
}

// absoluteLatency is the fallback measurement when no qualifying
// monitor ranks the relay: median connect time from reachable probes,
// or failing that the median of monitors' latest open RTTs.
func absoluteLatency(relayURL string, probes []model.ProbeResult, readings []model.MonitorReading) (float64, bool) {
	var vals []float64
	for _, p := range probes {
		if p.Reachable && p.ConnectTimeMs != nil {
			vals = append(vals, float64(*p.ConnectTimeMs))
		}
	}
	if len(vals) == 0 {
		for _, r := range readings {
			if r.RelayURL == relayURL && r.RTTOpenMs != nil {
				vals = append(vals, float64(*r.RTTOpenMs))
			}
		}
	}
	if len(vals) == 0 {
		return 0, false
	}
	sort.Float64s(vals)
	return percentileOf(vals, 0.50), true
}

func latencyTier(ms float64) int {
	switch {
	case ms <= 50:
		return 100
	case ms <= 100:
		return 95
	case ms <= 150:
		return 90
	case ms <= 200:
		return 85
	case ms <= 300:
		return 75
	case ms <= 500:
		return 60
	case ms <= 750:
		return 40
	case ms <= 1000:
		return 20
	default:
		return 0
	}
}
