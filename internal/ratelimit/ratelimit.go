// Package ratelimit provides a sliding-log rate limiter for outbound
// API calls with hard rolling-window quotas.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter grants slots for outbound requests.
type Limiter interface {
	// Acquire blocks until a slot is available or ctx is done.
	Acquire(ctx context.Context) error
}

// SlidingLog admits at most capacity calls per rolling window. Unlike a
// token bucket it enforces the quota against the exact set of admission
// timestamps, so a burst can never exceed capacity within any window.
type SlidingLog struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	stamps   []time.Time // admission times, oldest first
	now      func() time.Time
}

// NewSlidingLog returns a limiter admitting capacity calls per window.
func NewSlidingLog(capacity int, window time.Duration) *SlidingLog {
	if capacity < 1 {
		capacity = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingLog{capacity: capacity, window: window, now: time.Now}
}

// Acquire blocks until a slot frees or ctx is done. On success the call
// is recorded against the window.
func (l *SlidingLog) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.evict(now)
		if len(l.stamps) < l.capacity {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		// The oldest admission leaving the window frees the next slot.
		wait := l.stamps[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Pending returns how many admissions are currently inside the window.
func (l *SlidingLog) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(l.now())
	return len(l.stamps)
}

func (l *SlidingLog) evict(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// Noop is a Limiter that never blocks. Used in tests and when a quota
// does not apply.
type Noop struct{}

// Acquire always succeeds immediately.
func (Noop) Acquire(context.Context) error { return nil }
