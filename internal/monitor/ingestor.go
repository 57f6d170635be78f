// Package monitor ingests kind-30166 telemetry published by relay
// monitors and tracks the monitors themselves via their kind-10166
// announcements.
package monitor

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"

	"github.com/vigilrelay/vigil/internal/model"
	"github.com/vigilrelay/vigil/internal/pool"
	"github.com/vigilrelay/vigil/internal/relay"
	"github.com/vigilrelay/vigil/internal/scanloop"
)

const (
	telemetryKind    = 30166
	announcementKind = 10166

	// rttCeilingMs rejects readings above one minute, which are
	// monitor bugs rather than measurements.
	rttCeilingMs = 60000

	subscribeLimit = 1000
	seenCacheSize  = 100_000
)

// Ingest outcomes, used for logging and metrics.
const (
	OutcomeStored       = "stored"
	OutcomeDuplicate    = "duplicate"
	OutcomeBadSignature = "bad_signature"
	OutcomeUntrusted    = "untrusted"
	OutcomeMissingD     = "missing_d"
	OutcomeInvalid      = "invalid"
	OutcomeStoreError   = "store_error"
)

// Store is the slice of the persistence layer the ingestor writes to.
type Store interface {
	StoreTelemetryMetric(m model.TelemetryMetric) error
	UpdateMonitorStats(pubkey string, seenAt int64) error
	RecordMonitorAnnouncement(pubkey string, frequencySeconds, announcedAt int64) error
}

// Subscriber opens subscriptions on shared relay sockets.
type Subscriber interface {
	Subscribe(ctx context.Context, url string, filter nostr.Filter) (*pool.Subscription, error)
}

// Config configures the Ingestor. Sources and TrustedMonitors are
// closures so membership follows the live configuration.
type Config struct {
	Pool  Subscriber
	Store Store

	// Sources returns the relays telemetry is read from.
	Sources func() []string
	// TrustedMonitors returns the accepted monitor pubkeys. Empty
	// means every verifiable monitor is accepted.
	TrustedMonitors func() []string

	// OnEvent is called once per received event with its outcome.
	OnEvent func(outcome string)
}

// Ingestor maintains one subscription per source relay, validates
// incoming telemetry, and streams accepted metrics into the store. A
// supervisor loop follows membership changes in the source set.
type Ingestor struct {
	pool    Subscriber
	store   Store
	sources func() []string
	trusted func() []string
	onEvent func(outcome string)

	stopCh  chan struct{}
	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	running *xsync.Map[string, context.CancelFunc]

	// seen deduplicates event ids across source relays; the store's
	// event-id key is the backstop.
	seen otter.Cache[uint64, struct{}]
}

// NewIngestor creates an Ingestor.
func NewIngestor(cfg Config) *Ingestor {
	seen, err := otter.MustBuilder[uint64, struct{}](seenCacheSize).
		Cost(func(_ uint64, _ struct{}) uint32 { return 1 }).
		WithTTL(time.Hour).
		Build()
	if err != nil {
		panic("monitor: failed to create seen cache: " + err.Error())
	}
	sources := cfg.Sources
	if sources == nil {
		sources = func() []string { return nil }
	}
	trusted := cfg.TrustedMonitors
	if trusted == nil {
		trusted = func() []string { return nil }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Ingestor{
		pool:    cfg.Pool,
		store:   cfg.Store,
		sources: sources,
		trusted: trusted,
		onEvent: cfg.OnEvent,
		stopCh:  make(chan struct{}),
		rootCtx: ctx,
		cancel:  cancel,
		running: xsync.NewMap[string, context.CancelFunc](),
		seen:    seen,
	}
}

// Start brings up subscriptions for the current source set and keeps
// following membership changes until Stop.
func (ing *Ingestor) Start() {
	ing.supervise()
	ing.wg.Add(1)
	go func() {
		defer ing.wg.Done()
		scanloop.Run(ing.stopCh, scanloop.DefaultMinInterval, scanloop.DefaultJitterRange, ing.supervise)
	}()
}

// Stop closes every subscription and waits for the workers to drain.
func (ing *Ingestor) Stop() {
	close(ing.stopCh)
	ing.cancel()
	ing.wg.Wait()
	ing.seen.Close()
}

// supervise reconciles running source workers against the configured
// source set.
func (ing *Ingestor) supervise() {
	want := make(map[string]bool)
	for _, raw := range ing.sources() {
		url, err := relay.Normalize(raw)
		if err != nil {
			log.Printf("[monitor] skipping unusable source %q: %v", raw, err)
			continue
		}
		want[url] = true
	}

	for url := range want {
		if _, ok := ing.running.Load(url); ok {
			continue
		}
		ctx, cancel := context.WithCancel(ing.rootCtx)
		ing.running.Store(url, cancel)
		ing.wg.Add(1)
		go ing.runSource(ctx, url)
	}

	ing.running.Range(func(url string, cancel context.CancelFunc) bool {
		if !want[url] {
			cancel()
			ing.running.Delete(url)
		}
		return true
	})
}

// runSource keeps one subscription alive on a source relay,
// resubscribing whenever it ends. Dial pacing is the pool's backoff.
func (ing *Ingestor) runSource(ctx context.Context, url string) {
	defer ing.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sub, err := ing.pool.Subscribe(ctx, url, ing.telemetryFilter())
		if err != nil {
			log.Printf("[monitor] subscribe %s: %v", url, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		ing.consume(ctx, sub)
	}
}

func (ing *Ingestor) telemetryFilter() nostr.Filter {
	filter := nostr.Filter{Kinds: []int{telemetryKind}, Limit: subscribeLimit}
	if trusted := ing.trusted(); len(trusted) > 0 {
		filter.Authors = trusted
	}
	return filter
}

func (ing *Ingestor) consume(ctx context.Context, sub *pool.Subscription) {
	eose := sub.EOSE
	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return
		case <-eose:
			log.Printf("[monitor] %s: end of stored events", sub.RelayURL)
			eose = nil
		case ev, open := <-sub.Events:
			if !open {
				log.Printf("[monitor] %s: subscription ended: %s", sub.RelayURL, sub.EndReason())
				return
			}
			ing.handleEvent(ev)
		}
	}
}

func (ing *Ingestor) handleEvent(ev nostr.Event) {
	outcome := ing.ingest(ev)
	if ing.onEvent != nil {
		ing.onEvent(outcome)
	}
}

// ingest validates one telemetry event and stores it. Invalid events
// are dropped; invalid tags inside an otherwise valid event lose only
// the tag.
func (ing *Ingestor) ingest(ev nostr.Event) string {
	key := xxh3.HashString(ev.ID)
	if ing.seen.Has(key) {
		return OutcomeDuplicate
	}
	if ev.Kind != telemetryKind {
		return OutcomeInvalid
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return OutcomeBadSignature
	}
	if trusted := ing.trusted(); len(trusted) > 0 && !containsString(trusted, ev.PubKey) {
		return OutcomeUntrusted
	}

	d, ok := firstTagValue(ev, "d")
	if !ok || d == "" {
		return OutcomeMissingD
	}
	relayURL, err := relay.Normalize(d)
	if err != nil {
		return OutcomeInvalid
	}

	metric := model.TelemetryMetric{
		EventID:       ev.ID,
		RelayURL:      relayURL,
		MonitorPubkey: ev.PubKey,
		CreatedAt:     int64(ev.CreatedAt),
		RTTOpenMs:     parseRTTTag(ev, "rtt-open"),
		RTTReadMs:     parseRTTTag(ev, "rtt-read"),
		RTTWriteMs:    parseRTTTag(ev, "rtt-write"),
	}
	if network, ok := firstTagValue(ev, "n"); ok {
		metric.Network = network
	}
	if geohash, ok := firstTagValue(ev, "g"); ok {
		metric.Geohash = geohash
	}
	if nips := parseNIPTags(ev); len(nips) > 0 {
		metric.SupportedNIPsJSON = encodeIntList(nips)
	}

	if err := ing.store.StoreTelemetryMetric(metric); err != nil {
		log.Printf("[monitor] store metric %s: %v", ev.ID, err)
		return OutcomeStoreError
	}
	if err := ing.store.UpdateMonitorStats(ev.PubKey, int64(ev.CreatedAt)); err != nil {
		log.Printf("[monitor] update monitor stats %s: %v", ev.PubKey, err)
	}
	ing.seen.Set(key, struct{}{})
	return OutcomeStored
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func firstTagValue(ev nostr.Event, name string) (string, bool) {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// parseRTTTag extracts a round-trip tag value, discarding out-of-range
// or non-numeric values without affecting the rest of the event.
func parseRTTTag(ev nostr.Event, name string) *int64 {
	raw, ok := firstTagValue(ev, name)
	if !ok {
		return nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v < 0 || v > rttCeilingMs {
		return nil
	}
	return &v
}

// parseNIPTags collects supported-NIP numbers from every N tag,
// tolerating comma-separated values inside one tag. Values outside
// [1, 65535] are skipped.
func parseNIPTags(ev nostr.Event) []int {
	var out []int
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "N" {
			continue
		}
		for _, part := range strings.Split(tag[1], ",") {
			v, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || v < 1 || v > 65535 {
				continue
			}
			out = append(out, v)
		}
	}
	return out
}

func encodeIntList(values []int) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(v))
	}
	b.WriteByte(']')
	return b.String()
}
