package monitor

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/vigilrelay/vigil/internal/relay"
)

const discoveryLimit = 500

// DiscoverMonitors runs a time-bounded scan for monitor announcements
// across the source relays, recording announced check frequencies.
// Monitors that never announce still accumulate stats through their
// telemetry, so discovery failing is not fatal.
func (ing *Ingestor) DiscoverMonitors(ctx context.Context, window time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var wg sync.WaitGroup
	for _, raw := range ing.sources() {
		url, err := relay.Normalize(raw)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			ing.discoverOn(ctx, url)
		}(url)
	}
	wg.Wait()
}

func (ing *Ingestor) discoverOn(ctx context.Context, url string) {
	sub, err := ing.pool.Subscribe(ctx, url, nostr.Filter{
		Kinds: []int{announcementKind},
		Limit: discoveryLimit,
	})
	if err != nil {
		log.Printf("[monitor] discover on %s: %v", url, err)
		return
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.EOSE:
			return
		case ev, open := <-sub.Events:
			if !open {
				return
			}
			ing.recordAnnouncement(ev)
		}
	}
}

func (ing *Ingestor) recordAnnouncement(ev nostr.Event) {
	if ev.Kind != announcementKind {
		return
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return
	}
	var freq int64
	if raw, ok := firstTagValue(ev, "frequency"); ok {
		if v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && v > 0 {
			freq = v
		}
	}
	if err := ing.store.RecordMonitorAnnouncement(ev.PubKey, freq, int64(ev.CreatedAt)); err != nil {
		log.Printf("[monitor] record announcement %s: %v", ev.PubKey, err)
	}
}
