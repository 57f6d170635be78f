package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v4"
)

// Error strings are part of the published outcome surface, keep them
// stable.
var (
	ErrPublishTimeout   = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection_closed")
	ErrPoolClosed       = errors.New("pool closed")
)

const (
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
	writeTimeout   = 10 * time.Second
	eventBuffer    = 256
)

// backoffDelay returns the wait before the next dial after the given
// number of consecutive failures: 1s, 2s, 4s, ... capped at 60s.
func backoffDelay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	if failures > 6 {
		return maxBackoff
	}
	d := initialBackoff << (failures - 1)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

type okWait struct {
	done   chan struct{}
	ok     bool
	reason string
	err    error
}

// Conn is the state machine for one relay URL: a lazily dialed socket,
// its reader goroutine, pending OK waiters, and open subscriptions.
type Conn struct {
	url    string
	dialer *websocket.Dialer
	opts   Options

	mu       sync.Mutex
	ws       *websocket.Conn
	wmu      sync.Mutex
	failures int
	nextTry  time.Time
	shutdown bool

	pending *xsync.Map[string, *okWait]
	subs    *xsync.Map[string, *Subscription]
	subSeq  atomic.Uint64
}

func newConn(url string, dialer *websocket.Dialer, opts Options) *Conn {
	return &Conn{
		url:     url,
		dialer:  dialer,
		opts:    opts,
		pending: xsync.NewMap[string, *okWait](),
		subs:    xsync.NewMap[string, *Subscription](),
	}
}

func (c *Conn) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// connect returns the open socket, dialing first when necessary. Dials
// honor the backoff window from previous failures; a successful open
// resets the failure counter.
func (c *Conn) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if c.ws != nil {
		ws := c.ws
		c.mu.Unlock()
		return ws, nil
	}
	wait := time.Until(c.nextTry)
	c.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return nil, ErrPoolClosed
	}
	if c.ws != nil {
		return c.ws, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	ws, _, err := c.dialer.DialContext(dialCtx, c.url, nil)
	cancel()
	if c.opts.OnDial != nil {
		c.opts.OnDial(c.url, err)
	}
	if err != nil {
		c.failures++
		c.nextTry = time.Now().Add(backoffDelay(c.failures))
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.failures = 0
	c.ws = ws
	go c.readLoop(ws)
	return ws, nil
}

func (c *Conn) write(ws *websocket.Conn, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.teardown(ws)
			return
		}
		c.dispatch(raw)
	}
}

func (c *Conn) dispatch(raw []byte) {
	switch env := nostr.ParseMessage(raw).(type) {
	case *nostr.OKEnvelope:
		if w, ok := c.pending.LoadAndDelete(env.EventID); ok {
			w.ok = env.OK
			w.reason = env.Reason
			close(w.done)
		}
	case *nostr.EventEnvelope:
		if env.SubscriptionID == nil {
			return
		}
		sub, ok := c.subs.Load(*env.SubscriptionID)
		if !ok {
			return
		}
		select {
		case sub.Events <- env.Event:
		default:
			log.Printf("[pool] %s: dropping event for %s, slow consumer", c.url, sub.ID)
		}
	case *nostr.EOSEEnvelope:
		if sub, ok := c.subs.Load(string(*env)); ok {
			sub.eoseOnce.Do(func() { close(sub.EOSE) })
		}
	case *nostr.ClosedEnvelope:
		if sub, ok := c.subs.LoadAndDelete(env.SubscriptionID); ok {
			sub.end(env.Reason)
		}
	case *nostr.NoticeEnvelope:
		log.Printf("[pool] notice from %s: %s", c.url, string(*env))
	}
}

// teardown retires a dead socket: the conn goes back to the dialable
// state, pending publishes fail, and subscriptions end.
func (c *Conn) teardown(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
	ws.Close()

	c.pending.Range(func(id string, _ *okWait) bool {
		if w, ok := c.pending.LoadAndDelete(id); ok {
			w.err = ErrConnectionClosed
			close(w.done)
		}
		return true
	})
	c.subs.Range(func(id string, _ *Subscription) bool {
		if sub, ok := c.subs.LoadAndDelete(id); ok {
			sub.end("connection_closed")
		}
		return true
	})
}

func (c *Conn) close() {
	c.mu.Lock()
	c.shutdown = true
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}

	c.pending.Range(func(id string, _ *okWait) bool {
		if w, ok := c.pending.LoadAndDelete(id); ok {
			w.err = ErrConnectionClosed
			close(w.done)
		}
		return true
	})
	c.subs.Range(func(id string, _ *Subscription) bool {
		if sub, ok := c.subs.LoadAndDelete(id); ok {
			sub.end("connection_closed")
		}
		return true
	})
}

// publish writes the event and waits for its OK. Concurrent publishes
// of the same event id share a single waiter, so the frame goes out
// once.
func (c *Conn) publish(ctx context.Context, ev *nostr.Event, okTimeout time.Duration) (bool, string, error) {
	ws, err := c.connect(ctx)
	if err != nil {
		return false, "", err
	}

	w := &okWait{done: make(chan struct{})}
	existing, loaded := c.pending.LoadOrStore(ev.ID, w)
	if loaded {
		w = existing
	} else {
		env := nostr.EventEnvelope{Event: *ev}
		frame, err := env.MarshalJSON()
		if err != nil {
			c.pending.Delete(ev.ID)
			return false, "", fmt.Errorf("encode event: %w", err)
		}
		if err := c.write(ws, frame); err != nil {
			c.pending.Delete(ev.ID)
			c.teardown(ws)
			return false, "", ErrConnectionClosed
		}
	}

	timer := time.NewTimer(okTimeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return w.ok, w.reason, w.err
	case <-timer.C:
		c.pending.Delete(ev.ID)
		return false, "", ErrPublishTimeout
	case <-ctx.Done():
		c.pending.Delete(ev.ID)
		return false, "", ctx.Err()
	}
}

func (c *Conn) subscribe(ctx context.Context, filter nostr.Filter) (*Subscription, error) {
	ws, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	id := fmt.Sprintf("vigil-%d", c.subSeq.Add(1))
	sub := &Subscription{
		ID:       id,
		RelayURL: c.url,
		Events:   make(chan nostr.Event, eventBuffer),
		EOSE:     make(chan struct{}),
		conn:     c,
	}
	c.subs.Store(id, sub)

	env := nostr.ReqEnvelope{SubscriptionID: id, Filters: nostr.Filters{filter}}
	frame, err := env.MarshalJSON()
	if err != nil {
		c.subs.Delete(id)
		return nil, fmt.Errorf("encode req: %w", err)
	}
	if err := c.write(ws, frame); err != nil {
		c.subs.Delete(id)
		c.teardown(ws)
		return nil, ErrConnectionClosed
	}
	return sub, nil
}

// Subscription is one REQ on one relay socket. Events delivers matching
// events until the subscription ends; the channel close is the end
// signal and EndReason explains it. EOSE is closed when the relay
// reports the end of stored events.
type Subscription struct {
	ID       string
	RelayURL string
	Events   chan nostr.Event
	EOSE     chan struct{}

	conn     *Conn
	eoseOnce sync.Once
	endOnce  sync.Once

	reasonMu sync.Mutex
	reason   string
}

// Unsubscribe sends CLOSE and ends the subscription locally.
func (s *Subscription) Unsubscribe() {
	s.conn.subs.Delete(s.ID)
	s.conn.mu.Lock()
	ws := s.conn.ws
	s.conn.mu.Unlock()
	if ws != nil {
		env := nostr.CloseEnvelope(s.ID)
		if frame, err := env.MarshalJSON(); err == nil {
			s.conn.write(ws, frame)
		}
	}
	s.end("unsubscribed")
}

// EndReason reports why the subscription ended. Valid after Events is
// closed.
func (s *Subscription) EndReason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.reason
}

func (s *Subscription) end(reason string) {
	s.endOnce.Do(func() {
		s.reasonMu.Lock()
		s.reason = reason
		s.reasonMu.Unlock()
		close(s.Events)
	})
}
