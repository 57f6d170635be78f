// Package metrics exposes the monitor's operational counters to
// Prometheus. Domain history (probes, telemetry, published assertions)
// lives in the store; these are the runtime signals an operator scrapes
// and alerts on.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vigilrelay/vigil/internal/ratelimit"
)

// Publish results recorded per assertion.
const (
	PublishAccepted = "accepted"
	PublishFailed   = "failed"
	PublishSkipped  = "skipped"
)

// Metrics holds every collector. Construct with New; the zero value
// panics on use.
type Metrics struct {
	registry *prometheus.Registry

	ProbesTotal     *prometheus.CounterVec
	ProbeDuration   prometheus.Histogram
	EventsTotal     *prometheus.CounterVec
	PublishesTotal  *prometheus.CounterVec
	DialsTotal      *prometheus.CounterVec
	GeoAPIRequests  prometheus.Counter
	ScoresTotal     prometheus.Counter
	HTTPRequests    *prometheus.CounterVec
	SourceListSizes *prometheus.GaugeVec
}

// New creates and registers all collectors on the given registry,
// along with the standard Go and process collectors. A nil registry
// gets a fresh one.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ProbesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_probes_total",
			Help: "Relay probes by outcome.",
		}, []string{"outcome"}),

		ProbeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vigil_probe_duration_seconds",
			Help:    "Wall time of one full probe (connect, read, NIP-11).",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_telemetry_events_total",
			Help: "Telemetry events received, by ingest outcome.",
		}, []string{"outcome"}),

		PublishesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_publishes_total",
			Help: "Assertion publish attempts by result.",
		}, []string{"result"}),

		DialsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_relay_dials_total",
			Help: "Outbound websocket dials by result.",
		}, []string{"result"}),

		GeoAPIRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_geoip_api_requests_total",
			Help: "Requests sent to the IP geolocation API.",
		}),

		ScoresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_scores_computed_total",
			Help: "Relay scorecards computed.",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_http_requests_total",
			Help: "Ops API requests by route pattern and status.",
		}, []string{"method", "route", "status"}),

		SourceListSizes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vigil_source_relays",
			Help: "Sizes of the configured relay lists.",
		}, []string{"list"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordProbe counts one finished probe.
func (m *Metrics) RecordProbe(reachable bool, seconds float64) {
	outcome := "unreachable"
	if reachable {
		outcome = "reachable"
	}
	m.ProbesTotal.WithLabelValues(outcome).Inc()
	m.ProbeDuration.Observe(seconds)
}

// RecordEvent counts one ingested telemetry event. The outcome strings
// come from the monitor package.
func (m *Metrics) RecordEvent(outcome string) {
	m.EventsTotal.WithLabelValues(outcome).Inc()
}

// RecordPublish counts one publish attempt.
func (m *Metrics) RecordPublish(result string) {
	m.PublishesTotal.WithLabelValues(result).Inc()
}

// RecordDial counts one websocket dial attempt.
func (m *Metrics) RecordDial(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.DialsTotal.WithLabelValues(result).Inc()
}

// RecordScore counts one computed scorecard.
func (m *Metrics) RecordScore() {
	m.ScoresTotal.Inc()
}

// RecordHTTPRequest counts one ops API request. Route is the mux
// pattern, not the raw path, to keep cardinality bounded.
func (m *Metrics) RecordHTTPRequest(method, route string, status int) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// SetSourceCounts publishes the current relay list sizes.
func (m *Metrics) SetSourceCounts(monitored, sources, publish, blocked int) {
	m.SourceListSizes.WithLabelValues("monitored").Set(float64(monitored))
	m.SourceListSizes.WithLabelValues("sources").Set(float64(sources))
	m.SourceListSizes.WithLabelValues("publish").Set(float64(publish))
	m.SourceListSizes.WithLabelValues("blocked").Set(float64(blocked))
}

// TrackOpenConnections registers a gauge backed by the pool's live
// connection count.
func (m *Metrics) TrackOpenConnections(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vigil_open_connections",
		Help: "Websocket connections currently open.",
	}, func() float64 {
		return float64(count())
	}))
}

// MeterLimiter wraps a rate limiter so every granted slot counts one
// geolocation API request.
func (m *Metrics) MeterLimiter(inner ratelimit.Limiter) ratelimit.Limiter {
	return meteredLimiter{inner: inner, metrics: m}
}

type meteredLimiter struct {
	inner   ratelimit.Limiter
	metrics *Metrics
}

func (l meteredLimiter) Acquire(ctx context.Context) error {
	if err := l.inner.Acquire(ctx); err != nil {
		return err
	}
	l.metrics.GeoAPIRequests.Inc()
	return nil
}
