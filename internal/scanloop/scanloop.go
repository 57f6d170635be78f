// Package scanloop provides the shared cadence for the module's
// periodic work: a jittered ticker driving probe scans, source list
// refreshes, and publish cycles.
package scanloop

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultMinInterval and DefaultJitterRange define the shared scan
	// cadence. The jitter keeps independent loops from bunching their
	// work onto the same instant.
	DefaultMinInterval = 13 * time.Second
	DefaultJitterRange = 4 * time.Second
)

// Run executes fn at a jittered cadence until stopCh is closed. Each
// wait lasts minInterval plus random([0, jitterRange)).
func Run(stopCh <-chan struct{}, minInterval, jitterRange time.Duration, fn func()) {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if jitterRange < 0 {
		jitterRange = 0
	}

	timer := time.NewTimer(wait(minInterval, jitterRange))
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
		timer.Reset(wait(minInterval, jitterRange))
	}
}

func wait(minInterval, jitterRange time.Duration) time.Duration {
	if jitterRange <= 0 {
		return minInterval
	}
	return minInterval + time.Duration(rand.Int64N(int64(jitterRange)))
}

// Every runs fn on the default scan cadence whenever interval() has
// elapsed since the previous run. The interval is re-read on every
// tick, so a runtime config change applies without a restart.
func Every(stopCh <-chan struct{}, interval func() time.Duration, fn func()) {
	Run(stopCh, DefaultMinInterval, DefaultJitterRange, whenDue(interval, fn))
}

// whenDue wraps fn to run only when interval() has elapsed since the
// previous run. The first run is one full interval after creation.
func whenDue(interval func() time.Duration, fn func()) func() {
	lastRun := time.Now()
	return func() {
		if time.Since(lastRun) < interval() {
			return
		}
		lastRun = time.Now()
		fn()
	}
}
