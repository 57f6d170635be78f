package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vigilrelay/vigil/internal/api"
	"github.com/vigilrelay/vigil/internal/buildinfo"
	"github.com/vigilrelay/vigil/internal/config"
	"github.com/vigilrelay/vigil/internal/geoip"
	"github.com/vigilrelay/vigil/internal/metrics"
	"github.com/vigilrelay/vigil/internal/model"
	"github.com/vigilrelay/vigil/internal/monitor"
	"github.com/vigilrelay/vigil/internal/netutil"
	"github.com/vigilrelay/vigil/internal/nip11"
	"github.com/vigilrelay/vigil/internal/operator"
	"github.com/vigilrelay/vigil/internal/pool"
	"github.com/vigilrelay/vigil/internal/probe"
	"github.com/vigilrelay/vigil/internal/publish"
	"github.com/vigilrelay/vigil/internal/ratelimit"
	"github.com/vigilrelay/vigil/internal/scanloop"
	"github.com/vigilrelay/vigil/internal/score"
	"github.com/vigilrelay/vigil/internal/service"
	"github.com/vigilrelay/vigil/internal/sources"
	"github.com/vigilrelay/vigil/internal/store"
)

// downloadTimeout bounds downloads whose caller brings no deadline of
// its own, sized for the country database (a few tens of MB).
const downloadTimeout = 2 * time.Minute

// geoAPIRequestsPerMinute matches the free ip-api.com quota.
const geoAPIRequestsPerMinute = 45

// monitorDiscoveryWindow bounds one announcement scan across the
// source relays.
const monitorDiscoveryWindow = 30 * time.Second

type vigilApp struct {
	envCfg     *config.EnvConfig
	runtimeCfg *atomic.Pointer[config.RuntimeConfig]

	st          *store.SQLiteStore
	metrics     *metrics.Metrics
	pool        *pool.Pool
	sources     *sources.Manager
	geoSvc      *geoip.Service
	geoResolver *geoip.Resolver
	opResolver  *operator.Resolver
	scorer      *score.Scorer
	publisher   *publish.Publisher
	probeMgr    *probe.Manager
	ingestor    *monitor.Ingestor
	cron        *cron.Cron

	controlPlane *service.ControlPlaneService
	apiSrv       *api.Server

	// rootCtx is cancelled during shutdown to abort in-flight cycles;
	// stopCh stops the interval loops from scheduling new ones.
	rootCtx    context.Context
	rootCancel context.CancelFunc
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	warnOnWeakAdminToken(envCfg)

	st, err := store.Open(envCfg.DataDir)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	log.Println("Store open, migrations applied")

	app, err := newVigilApp(envCfg, st)
	if err != nil {
		_ = st.Close()
		return err
	}

	serverErrCh := app.startServers()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), envCfg.ShutdownTimeout)
	defer cancel()
	app.shutdown(ctx)

	if err := st.Close(); err != nil {
		log.Printf("Store close error: %v", err)
	}
	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newVigilApp(envCfg *config.EnvConfig, st *store.SQLiteStore) (*vigilApp, error) {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	app := &vigilApp{
		envCfg:     envCfg,
		runtimeCfg: &atomic.Pointer[config.RuntimeConfig]{},
		st:         st,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		stopCh:     make(chan struct{}),
	}
	app.runtimeCfg.Store(loadRuntimeConfig(st))

	// Phase 1: Metrics and the shared connection pool. Every later
	// component hangs observation hooks off these.
	app.metrics = metrics.New(nil)
	app.pool = pool.New(pool.Options{
		OnDial: func(_ string, err error) { app.metrics.RecordDial(err) },
	})
	app.metrics.TrackOpenConnections(app.pool.OpenConnections)

	// Phase 2: Shared downloader, source lists, country database.
	retryDL := &netutil.RetryDownloader{Direct: netutil.NewDirectDownloader(
		func() time.Duration { return downloadTimeout },
		func() string { return runtimeConfigSnapshot(app.runtimeCfg).UserAgent },
	)}
	if err := app.initSources(retryDL); err != nil {
		rootCancel()
		return nil, err
	}
	app.geoSvc = geoip.NewService(geoip.ServiceConfig{
		CacheDir:       envCfg.CacheDir,
		DBFilename:     envCfg.GeoIPDBFilename,
		UpdateSchedule: envCfg.GeoIPUpdateSchedule,
		ReleaseAPIURL:  envCfg.GeoIPReleaseAPI,
		OpenDB:         geoip.MMDBOpen,
		Downloader:     retryDL,
	})

	// Phase 3: Resolvers and the scorer.
	app.initResolvers()
	app.scorer = score.NewScorer(score.Config{
		Store: st,
		Window: func() time.Duration {
			return runtimeConfigSnapshot(app.runtimeCfg).ScoreWindow.Std()
		},
		Operator:     app.opResolver.Resolve,
		Jurisdiction: app.geoResolver.Resolve,
	})

	// Phase 4: The probe/ingest/publish pipeline.
	if err := app.initPipeline(); err != nil {
		rootCancel()
		return nil, err
	}

	// Phase 5: Control plane and API server.
	app.buildAPIServer()

	// Phase 6: Maintenance cron (retention sweep, monitor discovery).
	if err := app.initCron(); err != nil {
		rootCancel()
		return nil, err
	}

	app.startBackgroundServices()
	return app, nil
}

func (a *vigilApp) initSources(fetcher netutil.Downloader) error {
	a.sources = sources.NewManager(sources.Config{
		Path:    a.envCfg.SourcesFile,
		Fetcher: fetcher,
		FetchTimeout: func() time.Duration {
			return runtimeConfigSnapshot(a.runtimeCfg).SourcesFetchTimeout.Std()
		},
	})
	// The seed file is the working set; starting without it would mean
	// probing nothing, so a bad file fails startup.
	if err := a.sources.Refresh(a.rootCtx); err != nil {
		return err
	}
	a.publishSourceCounts()
	return nil
}

func (a *vigilApp) initResolvers() {
	limiter := a.metrics.MeterLimiter(ratelimit.NewSlidingLog(geoAPIRequestsPerMinute, time.Minute))
	a.geoResolver = geoip.NewResolver(geoip.ResolverConfig{
		API: geoip.NewAPIClient(a.envCfg.GeolocationAPIURL, limiter),
		DB:  a.geoSvc,
		CacheTTL: func() time.Duration {
			return runtimeConfigSnapshot(a.runtimeCfg).JurisdictionCacheTTL.Std()
		},
	})

	infoClient := nip11.NewClient(operator.DefaultTimeout)
	a.opResolver = operator.NewResolver(operator.Config{
		Info: func(ctx context.Context, relayURL string) (*nip11.Info, error) {
			info, _, err := infoClient.Fetch(ctx, relayURL)
			return info, err
		},
		UserAgent: runtimeConfigSnapshot(a.runtimeCfg).UserAgent,
		CacheTTL: func() time.Duration {
			return runtimeConfigSnapshot(a.runtimeCfg).OperatorCacheTTL.Std()
		},
	})
}

func (a *vigilApp) initPipeline() error {
	if a.envCfg.SecretKey != "" {
		pub, err := publish.New(publish.Config{
			SecretKey: a.envCfg.SecretKey,
			Store:     a.st,
			Sender:    a.pool,
			Relays:    a.sources.PublishRelays,
			Threshold: func() int {
				return runtimeConfigSnapshot(a.runtimeCfg).MaterialChangeThreshold
			},
			OKTimeout: func() time.Duration {
				return runtimeConfigSnapshot(a.runtimeCfg).PublishOKTimeout.Std()
			},
		})
		if err != nil {
			return err
		}
		a.publisher = pub
		log.Printf("Publishing as %s", pub.PublicKey())
	} else {
		log.Println("Publishing disabled (VIGIL_SECRET_KEY is empty)")
	}

	prober := probe.NewProber(probe.Config{
		Timeout: func() time.Duration {
			return runtimeConfigSnapshot(a.runtimeCfg).ProbeTimeout.Std()
		},
		UserAgent: func() string {
			return runtimeConfigSnapshot(a.runtimeCfg).UserAgent
		},
	})
	a.probeMgr = probe.NewManager(probe.ManagerConfig{
		Prober:      prober,
		Store:       a.st,
		Concurrency: a.envCfg.ProbeConcurrency,
		Relays:      a.sources.Monitored,
		Interval: func() time.Duration {
			return runtimeConfigSnapshot(a.runtimeCfg).ProbeInterval.Std()
		},
		OnProbe: func(res model.ProbeResult) {
			a.metrics.RecordProbe(res.Reachable, probeSeconds(res))
		},
	})

	a.ingestor = monitor.NewIngestor(monitor.Config{
		Pool:            a.pool,
		Store:           a.st,
		Sources:         a.sources.SourceRelays,
		TrustedMonitors: a.sources.TrustedMonitors,
		OnEvent:         a.metrics.RecordEvent,
	})
	return nil
}

func (a *vigilApp) buildAPIServer() {
	systemInfo := service.SystemInfo{
		Version:   buildinfo.Version,
		GitCommit: buildinfo.GitCommit,
		BuildTime: buildinfo.BuildTime,
		StartedAt: time.Now().UTC(),
	}

	a.controlPlane = &service.ControlPlaneService{
		Store:       a.st,
		Scorer:      a.scorer,
		Prober:      a.probeMgr,
		Sources:     a.sources,
		GeoIP:       a.geoSvc,
		RuntimeCfg:  a.runtimeCfg,
		Info:        systemInfo,
		Metrics:     a.metrics,
		Connections: a.pool.OpenConnections,
	}
	// Assign only a live publisher: a nil *publish.Publisher in the
	// interface field would defeat the service's disabled check.
	if a.publisher != nil {
		a.controlPlane.Publisher = a.publisher
	}

	a.apiSrv = api.NewServer(api.ServerConfig{
		ListenAddress:   a.envCfg.ListenAddress,
		Port:            a.envCfg.Port,
		AdminToken:      a.envCfg.AdminToken,
		APIMaxBodyBytes: int64(a.envCfg.APIMaxBodyBytes),
		SystemInfo:      systemInfo,
		RuntimeCfg:      a.runtimeCfg,
		EnvCfg:          a.envCfg,
		ControlPlane:    a.controlPlane,
		Metrics:         a.metrics,
	})
}

func (a *vigilApp) initCron() error {
	a.cron = cron.New()
	if _, err := a.cron.AddFunc(a.envCfg.SweepSchedule, a.sweep); err != nil {
		return fmt.Errorf("sweep schedule: %w", err)
	}
	if _, err := a.cron.AddFunc("@daily", a.discoverMonitors); err != nil {
		return fmt.Errorf("discovery schedule: %w", err)
	}
	return nil
}

func (a *vigilApp) startBackgroundServices() {
	if err := a.geoSvc.Start(); err != nil {
		log.Printf("GeoIP service start: %v", err)
	} else {
		log.Println("GeoIP service started")
	}

	a.probeMgr.Start()
	log.Println("Probe manager started")

	a.ingestor.Start()
	log.Println("Telemetry ingestor started")

	// First announcement scan runs right away; cron repeats it daily.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.discoverMonitors()
	}()

	a.startIntervalLoop(func() time.Duration {
		return runtimeConfigSnapshot(a.runtimeCfg).SourcesRefreshInterval.Std()
	}, a.refreshSources)
	log.Println("Sources refresh loop started")

	if a.publisher != nil {
		a.startIntervalLoop(func() time.Duration {
			return runtimeConfigSnapshot(a.runtimeCfg).ProbeInterval.Std()
		}, a.publishCycle)
		log.Println("Publish cycle loop started")
	}

	a.cron.Start()
	log.Println("Maintenance cron started")
}

func (a *vigilApp) startIntervalLoop(interval func() time.Duration, fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		scanloop.Every(a.stopCh, interval, fn)
	}()
}

func (a *vigilApp) refreshSources() {
	if err := a.sources.Refresh(a.rootCtx); err != nil {
		log.Printf("Sources refresh failed: %v", err)
		return
	}
	a.publishSourceCounts()
}

func (a *vigilApp) publishSourceCounts() {
	snap := a.sources.Snapshot()
	a.metrics.SetSourceCounts(len(snap.Monitored), len(snap.SourceRelays), len(snap.PublishRelays), len(snap.Blocklist))
}

func (a *vigilApp) publishCycle() {
	a.controlPlane.PublishAll(a.rootCtx, false)
}

func (a *vigilApp) discoverMonitors() {
	a.ingestor.DiscoverMonitors(a.rootCtx, monitorDiscoveryWindow)
}

func (a *vigilApp) sweep() {
	cfg := runtimeConfigSnapshot(a.runtimeCfg)
	cutoff := time.Now().Add(-time.Duration(cfg.RetentionDays) * 24 * time.Hour).Unix()
	removed, err := a.st.Sweep(cutoff)
	if err != nil {
		log.Printf("Retention sweep failed: %v", err)
		return
	}
	log.Printf("Retention sweep removed %d rows older than %d days", removed, cfg.RetentionDays)
}

func (a *vigilApp) startServers() <-chan error {
	serverErrCh := make(chan error, 1)
	reportServerErr := func(name string, err error) {
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		wrapped := fmt.Errorf("%s: %w", name, err)
		select {
		case serverErrCh <- wrapped:
		default:
		}
	}

	go func() {
		log.Printf("Vigil API server starting on http://%s", formatListenAddress(a.envCfg.ListenAddress, a.envCfg.Port))
		reportServerErr("api server", a.apiSrv.ListenAndServe())
	}()

	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("Received server runtime error (%v), shutting down...", err)
		return err
	}
}

func (a *vigilApp) shutdown(ctx context.Context) {
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("API server shutdown error: %v", err)
	}
	log.Println("API server stopped")

	// Stop in order: schedulers first, then the pipeline, then shared
	// infrastructure. The store is closed by run once no writer is left.
	cronCtx := a.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
	log.Println("Maintenance cron stopped")

	close(a.stopCh)
	a.rootCancel()
	a.wg.Wait()
	log.Println("Background loops stopped")

	a.probeMgr.Stop()
	log.Println("Probe manager stopped")

	a.ingestor.Stop()
	log.Println("Telemetry ingestor stopped")

	a.geoSvc.Stop()
	log.Println("GeoIP service stopped")

	a.pool.Close()
	log.Println("Connection pool closed")

	a.opResolver.Close()
	a.geoResolver.Close()
}

// probeSeconds approximates the wall time of one probe from its phase
// timings. The socket legs run in sequence; the information document
// leg runs in parallel with them.
func probeSeconds(res model.ProbeResult) float64 {
	var socket int64
	if res.ConnectTimeMs != nil {
		socket += *res.ConnectTimeMs
	}
	if res.ReadTimeMs != nil {
		socket += *res.ReadTimeMs
	}
	if res.NIP11FetchTimeMs != nil && *res.NIP11FetchTimeMs > socket {
		socket = *res.NIP11FetchTimeMs
	}
	return float64(socket) / 1000
}

func loadRuntimeConfig(st *store.SQLiteStore) *config.RuntimeConfig {
	cfg, version, err := st.GetRuntimeConfig()
	if err != nil {
		log.Printf("Warning: load persisted runtime config: %v", err)
		return config.NewDefaultRuntimeConfig()
	}
	if cfg == nil {
		return config.NewDefaultRuntimeConfig()
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("Warning: persisted runtime config version %d invalid, using defaults: %v", version, err)
		return config.NewDefaultRuntimeConfig()
	}
	log.Printf("Loaded runtime config version %d", version)
	return cfg
}

func runtimeConfigSnapshot(p *atomic.Pointer[config.RuntimeConfig]) *config.RuntimeConfig {
	if cfg := p.Load(); cfg != nil {
		return cfg
	}
	return config.NewDefaultRuntimeConfig()
}

func warnOnWeakAdminToken(envCfg *config.EnvConfig) {
	if envCfg.AdminToken == "" {
		log.Println("Warning: VIGIL_ADMIN_TOKEN is empty, admin API authentication is disabled")
		return
	}
	if config.IsWeakToken(envCfg.AdminToken) {
		log.Println("Warning: VIGIL_ADMIN_TOKEN looks guessable, use a long random value")
	}
}

func formatListenAddress(listenAddress string, port int) string {
	return net.JoinHostPort(listenAddress, strconv.Itoa(port))
}
