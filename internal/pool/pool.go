// Package pool maintains the outbound websocket connections shared by
// the telemetry ingestor and the assertion publisher. It keeps at most
// one socket per normalized relay URL, reopens sockets on use with
// exponential backoff, and tracks OK acknowledgements per published
// event.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/vigilrelay/vigil/internal/relay"
)

// Options configures a Pool.
type Options struct {
	// DialTimeout bounds each websocket dial. Defaults to 15s.
	DialTimeout time.Duration
	// OnDial, when set, is called after every dial attempt.
	OnDial func(url string, err error)
}

// Pool is the single source of truth for outbound relay connections.
type Pool struct {
	conns *xsync.Map[string, *Conn]
	opts  Options
}

// New creates an empty pool. Connections are opened lazily on first use.
func New(opts Options) *Pool {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	return &Pool{
		conns: xsync.NewMap[string, *Conn](),
		opts:  opts,
	}
}

// PublishResult is the outcome of publishing one event to one relay.
type PublishResult struct {
	RelayURL string
	// OK reports whether the relay acknowledged the event with OK true.
	OK bool
	// Reason carries the relay's OK reason string, when any.
	Reason string
	// Err is set when no acknowledgement was obtained: dial failures,
	// ErrPublishTimeout, or ErrConnectionClosed.
	Err error
}

// Publish sends the event to every destination in parallel and waits up
// to okTimeout per destination for an OK acknowledgement. One result is
// returned per destination, in input order, regardless of individual
// failures.
func (p *Pool) Publish(ctx context.Context, ev *nostr.Event, urls []string, okTimeout time.Duration) []PublishResult {
	results := make([]PublishResult, len(urls))
	var wg sync.WaitGroup
	for i, raw := range urls {
		wg.Add(1)
		go func(i int, raw string) {
			defer wg.Done()
			url, err := relay.Normalize(raw)
			if err != nil {
				results[i] = PublishResult{RelayURL: raw, Err: err}
				return
			}
			ok, reason, err := p.ensure(url).publish(ctx, ev, okTimeout)
			results[i] = PublishResult{RelayURL: url, OK: ok, Reason: reason, Err: err}
		}(i, raw)
	}
	wg.Wait()
	return results
}

// Subscribe opens a subscription on the relay's shared socket, dialing
// it first if necessary.
func (p *Pool) Subscribe(ctx context.Context, url string, filter nostr.Filter) (*Subscription, error) {
	nm, err := relay.Normalize(url)
	if err != nil {
		return nil, err
	}
	return p.ensure(nm).subscribe(ctx, filter)
}

// OpenConnections counts sockets currently open.
func (p *Pool) OpenConnections() int {
	n := 0
	p.conns.Range(func(_ string, c *Conn) bool {
		if c.isOpen() {
			n++
		}
		return true
	})
	return n
}

// Close tears down every connection. Pending publishes fail with
// ErrConnectionClosed and open subscriptions end.
func (p *Pool) Close() {
	p.conns.Range(func(_ string, c *Conn) bool {
		c.close()
		return true
	})
}

func (p *Pool) ensure(url string) *Conn {
	var conn *Conn
	p.conns.Compute(url, func(existing *Conn, loaded bool) (*Conn, xsync.ComputeOp) {
		if loaded {
			conn = existing
			return existing, xsync.CancelOp
		}
		conn = newConn(url, &websocket.Dialer{}, p.opts)
		return conn, xsync.UpdateOp
	})
	return conn
}
