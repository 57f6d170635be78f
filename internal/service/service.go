// Package service holds the control plane operations behind the admin
// API. Handlers stay thin; business logic and error classification
// live here.
package service

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vigilrelay/vigil/internal/config"
	"github.com/vigilrelay/vigil/internal/metrics"
	"github.com/vigilrelay/vigil/internal/model"
	"github.com/vigilrelay/vigil/internal/publish"
	"github.com/vigilrelay/vigil/internal/score"
	"github.com/vigilrelay/vigil/internal/sources"
)

// ServiceError wraps an error with a code for API response mapping.
type ServiceError struct {
	Code    string // INVALID_ARGUMENT, NOT_FOUND, CONFLICT, INTERNAL
	Message string
	Err     error
}

func (e *ServiceError) Error() string { return e.Message }
func (e *ServiceError) Unwrap() error { return e.Err }

func invalidArg(msg string) *ServiceError {
	return &ServiceError{Code: "INVALID_ARGUMENT", Message: msg}
}

func notFound(msg string) *ServiceError {
	return &ServiceError{Code: "NOT_FOUND", Message: msg}
}

func conflict(msg string) *ServiceError {
	return &ServiceError{Code: "CONFLICT", Message: msg}
}

func internal(msg string, err error) *ServiceError {
	return &ServiceError{Code: "INTERNAL", Message: msg, Err: err}
}

// Store is the slice of the persistence layer the control plane reads
// and writes.
type Store interface {
	ListRelays(limit, offset int) ([]model.RelaySummary, int, error)
	GetLastPublishedAssertion(relayURL string) (*model.PublishedAssertionRecord, error)
	GetMonitorStats() ([]model.MonitorStats, error)
	GetRuntimeConfig() (*config.RuntimeConfig, int, error)
	SaveRuntimeConfig(cfg *config.RuntimeConfig, version int, updatedAt int64) error
}

// Scorer produces trust scorecards on demand.
type Scorer interface {
	ScoreRelay(ctx context.Context, rawURL string) (*score.Result, error)
}

// Prober runs one probe outside the periodic scan loop.
type Prober interface {
	ProbeSync(ctx context.Context, rawURL string) (*model.ProbeResult, error)
}

// Publisher signs assertions and broadcasts them to the publish relays.
type Publisher interface {
	Publish(ctx context.Context, a *model.RelayAssertion) (*publish.Outcome, error)
	ForcePublish(ctx context.Context, a *model.RelayAssertion) (*publish.Outcome, error)
	PublishBatch(ctx context.Context, assertions []*model.RelayAssertion, force bool) []*publish.Outcome
	PublicKey() string
}

// SourceLists exposes the relay lists loaded by the sources manager.
type SourceLists interface {
	Monitored() []string
	IsBlocked(rawURL string) bool
	Snapshot() sources.Snapshot
	Refresh(ctx context.Context) error
}

// GeoIP is the country database surface the control plane uses.
type GeoIP interface {
	Lookup(ip net.IP) string
	LastUpdated() time.Time
	NextScheduledUpdate() time.Time
	UpdateNow() error
}

// SystemInfo contains version and runtime information.
type SystemInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime string    `json:"build_time"`
	StartedAt time.Time `json:"started_at"`
}

// ControlPlaneService provides all control plane operations.
// Handlers call its methods; business logic lives here, not in handlers.
type ControlPlaneService struct {
	Store      Store
	Scorer     Scorer
	Prober     Prober
	Publisher  Publisher
	Sources    SourceLists
	GeoIP      GeoIP
	RuntimeCfg *atomic.Pointer[config.RuntimeConfig]
	Info       SystemInfo
	Metrics    *metrics.Metrics

	// Connections reports the number of open relay sockets.
	Connections func() int

	configMu      sync.Mutex
	configVersion int
}

// SystemStatus is the response for the status endpoint: process
// identity plus the live counts an operator checks first.
type SystemStatus struct {
	Version         string    `json:"version"`
	GitCommit       string    `json:"git_commit"`
	BuildTime       string    `json:"build_time"`
	StartedAt       time.Time `json:"started_at"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
	PublisherPubkey string    `json:"publisher_pubkey,omitempty"`
	OpenConnections int       `json:"open_connections"`
	MonitoredRelays int       `json:"monitored_relays"`
	PublishRelays   int       `json:"publish_relays"`
	TrustedMonitors int       `json:"trusted_monitors"`
	SourcesLoadedAt int64     `json:"sources_loaded_at,omitempty"`
}

// Status returns the current system status.
func (s *ControlPlaneService) Status() SystemStatus {
	st := SystemStatus{
		Version:   s.Info.Version,
		GitCommit: s.Info.GitCommit,
		BuildTime: s.Info.BuildTime,
		StartedAt: s.Info.StartedAt,
	}
	if !s.Info.StartedAt.IsZero() {
		st.UptimeSeconds = int64(time.Since(s.Info.StartedAt).Seconds())
	}
	if s.Publisher != nil {
		st.PublisherPubkey = s.Publisher.PublicKey()
	}
	if s.Connections != nil {
		st.OpenConnections = s.Connections()
	}
	if s.Sources != nil {
		snap := s.Sources.Snapshot()
		st.MonitoredRelays = len(snap.Monitored)
		st.PublishRelays = len(snap.PublishRelays)
		st.TrustedMonitors = len(snap.TrustedMonitors)
		st.SourcesLoadedAt = snap.LoadedAt
	}
	return st
}

// ListMonitors returns ingest statistics per telemetry monitor.
func (s *ControlPlaneService) ListMonitors() ([]model.MonitorStats, error) {
	stats, err := s.Store.GetMonitorStats()
	if err != nil {
		return nil, internal("list monitors", err)
	}
	return stats, nil
}

func (s *ControlPlaneService) recordScore() {
	if s.Metrics != nil {
		s.Metrics.RecordScore()
	}
}

func (s *ControlPlaneService) recordPublishOutcome(out *publish.Outcome) {
	if s.Metrics == nil || out == nil {
		return
	}
	switch {
	case out.Skipped:
		s.Metrics.RecordPublish(metrics.PublishSkipped)
	case out.Success:
		s.Metrics.RecordPublish(metrics.PublishAccepted)
	default:
		s.Metrics.RecordPublish(metrics.PublishFailed)
	}
}
