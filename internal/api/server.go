package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/vigilrelay/vigil/internal/config"
	"github.com/vigilrelay/vigil/internal/metrics"
	"github.com/vigilrelay/vigil/internal/service"
)

// ServerConfig wires the API server.
type ServerConfig struct {
	ListenAddress   string
	Port            int
	AdminToken      string
	APIMaxBodyBytes int64

	SystemInfo   service.SystemInfo
	RuntimeCfg   *atomic.Pointer[config.RuntimeConfig]
	EnvCfg       *config.EnvConfig
	ControlPlane *service.ControlPlaneService
	Metrics      *metrics.Metrics
}

// Server wraps the HTTP server and mux for the vigil API.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
}

// NewServer creates a new API server wired with all routes.
// cfg.ControlPlane may be nil if the control plane is not yet initialized.
func NewServer(cfg ServerConfig) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	// Authenticated routes
	authed := http.NewServeMux()
	authed.Handle("GET /api/v1/system/info", HandleSystemInfo(cfg.SystemInfo))
	authed.Handle("GET /api/v1/system/config", HandleSystemConfig(cfg.RuntimeCfg))
	authed.Handle("GET /api/v1/system/config/default", HandleSystemDefaultConfig())
	authed.Handle("GET /api/v1/system/config/env", HandleSystemEnvConfig(cfg.EnvCfg))

	if cp := cfg.ControlPlane; cp != nil {
		// System.
		authed.Handle("PATCH /api/v1/system/config", HandlePatchSystemConfig(cp))
		authed.Handle("GET /api/v1/status", HandleStatus(cp))

		// Relays.
		authed.Handle("GET /api/v1/relays", HandleListRelays(cp))
		authed.Handle("GET /api/v1/relays/{url...}", HandleGetRelay(cp))
		authed.Handle("POST /api/v1/relays/actions/probe", HandleProbeRelay(cp))
		authed.Handle("POST /api/v1/relays/actions/publish", HandlePublishRelay(cp))
		authed.Handle("POST /api/v1/relays/actions/publish-all", HandlePublishAll(cp))

		// Monitors.
		authed.Handle("GET /api/v1/monitors", HandleListMonitors(cp))

		// Sources.
		authed.Handle("GET /api/v1/sources", HandleSourcesSnapshot(cp))
		authed.Handle("POST /api/v1/sources/actions/refresh", HandleRefreshSources(cp))

		// GeoIP.
		authed.Handle("GET /api/v1/geoip/status", HandleGeoIPStatus(cp))
		authed.Handle("GET /api/v1/geoip/lookup", HandleGeoIPLookup(cp))
		authed.Handle("POST /api/v1/geoip/lookup", HandleGeoIPLookupPost(cp))
		authed.Handle("POST /api/v1/geoip/actions/update-now", HandleGeoIPUpdate(cp))
	}

	limitedAuthed := RequestBodyLimitMiddleware(cfg.APIMaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(cfg.AdminToken, limitedAuthed))

	handler := RequestIDMiddleware(MetricsMiddleware(cfg.Metrics, mux))

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.Port)),
		Handler: handler,
	}

	return &Server{
		httpServer: srv,
		handler:    handler,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the root http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
