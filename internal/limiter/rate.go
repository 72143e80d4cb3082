// Package limiter holds the in-process guards of the relay pipeline:
// fixed-window rate limiters, the skipped-message log and the
// content deduplicator.
package limiter

import (
	"sync"
	"time"
)

// Window is the fixed rate-limit window.
const Window = 60 * time.Second

// Clock returns the current time. Tests replace it to move time forward.
type Clock func() time.Time

// RateLimiter is a fixed-window counter. The counter resets the first time
// CanProceed is evaluated at least Window after the last reset; bursts right
// after a reset are accepted up to max.
type RateLimiter struct {
	mu          sync.Mutex
	max         int
	count       int
	windowStart time.Time
	now         Clock
}

// NewRateLimiter creates a limiter allowing max successes per window.
func NewRateLimiter(max int, now Clock) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{max: max, windowStart: now(), now: now}
}

// CanProceed reports whether another message fits in the current window.
func (l *RateLimiter) CanProceed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.roll()
	return l.count < l.max
}

// Rollover starts a new window if the current one has expired and reports
// whether it did.
func (l *RateLimiter) Rollover() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.roll()
}

func (l *RateLimiter) roll() bool {
	now := l.now()
	if now.Sub(l.windowStart) < Window {
		return false
	}
	l.count = 0
	l.windowStart = now
	return true
}

// RecordSuccess counts one message against the current window.
func (l *RateLimiter) RecordSuccess() {
	l.mu.Lock()
	l.count++
	l.mu.Unlock()
}

// ResetIn returns how long until the current window expires.
func (l *RateLimiter) ResetIn() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	d := Window - l.now().Sub(l.windowStart)
	if d < 0 {
		return 0
	}
	return d
}

// Count returns the number of successes recorded in the current window.
func (l *RateLimiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
