package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vigilrelay/vigil/internal/monitor"
)

func newTestMetrics() *Metrics {
	return New(prometheus.NewRegistry())
}

func TestRecordProbe(t *testing.T) {
	m := newTestMetrics()

	m.RecordProbe(true, 0.2)
	m.RecordProbe(true, 1.1)
	m.RecordProbe(false, 10.0)

	if got := testutil.ToFloat64(m.ProbesTotal.WithLabelValues("reachable")); got != 2 {
		t.Fatalf("reachable = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ProbesTotal.WithLabelValues("unreachable")); got != 1 {
		t.Fatalf("unreachable = %v, want 1", got)
	}
}

func TestRecordEvent(t *testing.T) {
	m := newTestMetrics()

	m.RecordEvent(monitor.OutcomeStored)
	m.RecordEvent(monitor.OutcomeStored)
	m.RecordEvent(monitor.OutcomeBadSignature)

	if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues(monitor.OutcomeStored)); got != 2 {
		t.Fatalf("stored = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues(monitor.OutcomeBadSignature)); got != 1 {
		t.Fatalf("bad_signature = %v, want 1", got)
	}
}

func TestRecordPublishAndDial(t *testing.T) {
	m := newTestMetrics()

	m.RecordPublish(PublishAccepted)
	m.RecordPublish(PublishSkipped)
	m.RecordDial(nil)
	m.RecordDial(errors.New("connection refused"))

	if got := testutil.ToFloat64(m.PublishesTotal.WithLabelValues(PublishAccepted)); got != 1 {
		t.Fatalf("accepted = %v", got)
	}
	if got := testutil.ToFloat64(m.PublishesTotal.WithLabelValues(PublishSkipped)); got != 1 {
		t.Fatalf("skipped = %v", got)
	}
	if got := testutil.ToFloat64(m.DialsTotal.WithLabelValues("ok")); got != 1 {
		t.Fatalf("dial ok = %v", got)
	}
	if got := testutil.ToFloat64(m.DialsTotal.WithLabelValues("error")); got != 1 {
		t.Fatalf("dial error = %v", got)
	}
}

func TestMeterLimiter(t *testing.T) {
	m := newTestMetrics()

	ok := m.MeterLimiter(allowLimiter{})
	if err := ok.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := testutil.ToFloat64(m.GeoAPIRequests); got != 1 {
		t.Fatalf("api requests = %v, want 1", got)
	}

	denied := m.MeterLimiter(denyLimiter{})
	if err := denied.Acquire(context.Background()); err == nil {
		t.Fatal("expected limiter error")
	}
	if got := testutil.ToFloat64(m.GeoAPIRequests); got != 1 {
		t.Fatalf("api requests = %v after denial, want still 1", got)
	}
}

type allowLimiter struct{}

func (allowLimiter) Acquire(context.Context) error { return nil }

type denyLimiter struct{}

func (denyLimiter) Acquire(context.Context) error { return errors.New("limit reached") }

func TestHandler_ServesRegisteredMetrics(t *testing.T) {
	m := newTestMetrics()
	m.RecordProbe(true, 0.1)
	m.RecordHTTPRequest("GET", "/api/relays", 200)
	m.SetSourceCounts(12, 3, 2, 1)
	m.TrackOpenConnections(func() int { return 4 })

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	if rr.Code != 200 {
		t.Fatalf("status = %d", rr.Code)
	}
	body, err := io.ReadAll(rr.Result().Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	for _, want := range []string{
		`vigil_probes_total{outcome="reachable"} 1`,
		`vigil_http_requests_total{method="GET",route="/api/relays",status="200"} 1`,
		`vigil_source_relays{list="monitored"} 12`,
		`vigil_open_connections 4`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
