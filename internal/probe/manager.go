package probe

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/vigilrelay/vigil/internal/model"
	"github.com/vigilrelay/vigil/internal/relay"
	"github.com/vigilrelay/vigil/internal/scanloop"
)

// Store is the slice of the persistence layer the manager writes to.
type Store interface {
	StoreProbe(p model.ProbeResult) error
}

// ManagerConfig configures the Manager. Interval is a closure for
// hot-reload from the runtime config.
type ManagerConfig struct {
	Prober      *Prober
	Store       Store
	Concurrency int // max concurrent probes

	// Relays returns the current monitored set, normalized or not.
	Relays func() []string
	// Interval returns the per-relay probe cadence.
	Interval func() time.Duration

	// OnProbe is called after each probe attempt completes.
	OnProbe func(res model.ProbeResult)
}

// Manager schedules probes across the monitored relay set. Each relay
// is probed once per interval; a scan loop picks up due relays and runs
// them through a bounded worker pool.
type Manager struct {
	prober *Prober
	store  Store
	sem    chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	relays   func() []string
	interval func() time.Duration
	onProbe  func(res model.ProbeResult)

	lastAttempt *xsync.Map[string, time.Time]
}

// scanLookahead pulls due times slightly forward so a relay probed just
// under one interval ago is not skipped for a whole extra scan.
const scanLookahead = 15 * time.Second

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	conc := cfg.Concurrency
	if conc <= 0 {
		conc = 8
	}
	interval := cfg.Interval
	if interval == nil {
		interval = func() time.Duration { return 10 * time.Minute }
	}
	relays := cfg.Relays
	if relays == nil {
		relays = func() []string { return nil }
	}
	return &Manager{
		prober:      cfg.Prober,
		store:       cfg.Store,
		sem:         make(chan struct{}, conc),
		stopCh:      make(chan struct{}),
		relays:      relays,
		interval:    interval,
		onProbe:     cfg.OnProbe,
		lastAttempt: xsync.NewMap[string, time.Time](),
	}
}

// Start launches the background scan loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		scanloop.Run(m.stopCh, scanloop.DefaultMinInterval, scanloop.DefaultJitterRange, m.scan)
	}()
}

// Stop signals the scan loop to stop and waits for in-flight probes.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// ProbeSync performs a blocking probe and returns the stored result.
// Used by API action endpoints.
func (m *Manager) ProbeSync(ctx context.Context, rawURL string) (*model.ProbeResult, error) {
	url, err := relay.Normalize(rawURL)
	if err != nil {
		return nil, fmt.Errorf("normalize %q: %w", rawURL, err)
	}

	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-m.stopCh:
		return nil, fmt.Errorf("probe manager stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.lastAttempt.Store(url, time.Now())
	res := m.runProbe(ctx, url)
	return &res, nil
}

// scan walks the monitored set and probes every relay that is due.
func (m *Manager) scan() {
	interval := m.interval()
	now := time.Now()

	for _, raw := range m.relays() {
		select {
		case <-m.stopCh:
			return
		default:
		}

		url, err := relay.Normalize(raw)
		if err != nil {
			log.Printf("[probe] skipping unusable relay URL %q: %v", raw, err)
			continue
		}

		if last, ok := m.lastAttempt.Load(url); ok {
			if now.Before(last.Add(interval).Add(-scanLookahead)) {
				continue
			}
		}

		select {
		case m.sem <- struct{}{}:
		case <-m.stopCh:
			return
		}

		m.lastAttempt.Store(url, now)
		m.wg.Add(1)
		go func(url string) {
			defer m.wg.Done()
			defer func() { <-m.sem }()
			m.runProbe(context.Background(), url)
		}(url)
	}
}

func (m *Manager) runProbe(ctx context.Context, url string) model.ProbeResult {
	res := m.prober.Probe(ctx, url)
	if m.onProbe != nil {
		m.onProbe(res)
	}
	if err := m.store.StoreProbe(res); err != nil {
		log.Printf("[probe] store result for %s: %v", url, err)
	}
	return res
}
