// Package timer provides polled timeouts for the PBFT engine loop.
//
// Nothing here fires asynchronously: the engine asks IsExpired on every poll.
// Provides:
//  1. RealClock - monotonic wall clock
//  2. MockClock - manually advanced clock for tests
//  3. Timeout - a deadline armed and cancelled by protocol events
//  4. Backoff - exponential growth of a base duration
package timer

import (
	"sync"
	"time"
)

// Clock supplies the current time. Implementations must be monotonic.
type Clock interface {
	Now() time.Time
}

// RealClock uses time.Now, whose readings carry the monotonic clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// MockClock is a manually advanced Clock for tests.
// Safe for concurrent use.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock creates a MockClock at a fixed epoch.
func NewMockClock() *MockClock {
	return &MockClock{now: time.Unix(1_700_000_000, 0)}
}

// Now returns the mock time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. Negative values are ignored.
func (c *MockClock) Advance(d time.Duration) {
	if d < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Timeout is a polled deadline. Not safe for concurrent use.
type Timeout struct {
	clock    Clock
	duration time.Duration
	deadline time.Time
	active   bool
}

// NewTimeout creates an inactive timeout of duration d.
func NewTimeout(clock Clock, d time.Duration) *Timeout {
	return &Timeout{clock: clock, duration: d}
}

// Start arms the timeout with its configured duration.
func (t *Timeout) Start() {
	t.StartWith(t.duration)
}

// StartWith arms the timeout with duration d for this run only.
func (t *Timeout) StartWith(d time.Duration) {
	t.deadline = t.clock.Now().Add(d)
	t.active = true
}

// Stop cancels the timeout.
func (t *Timeout) Stop() {
	t.active = false
}

// IsActive reports whether the timeout is armed.
func (t *Timeout) IsActive() bool {
	return t.active
}

// IsExpired reports whether the timeout is armed and its deadline has passed.
func (t *Timeout) IsExpired() bool {
	return t.active && !t.clock.Now().Before(t.deadline)
}

// Remaining returns the time until expiry, zero if expired or inactive.
func (t *Timeout) Remaining() time.Duration {
	if !t.active {
		return 0
	}
	if d := t.deadline.Sub(t.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Duration returns the configured duration.
func (t *Timeout) Duration() time.Duration {
	return t.duration
}

// BackoffConfig configures exponential backoff.
type BackoffConfig struct {
	// Base is the first duration.
	Base time.Duration

	// Max caps the duration.
	Max time.Duration

	// Multiplier is the growth factor per attempt. Typical value: 1.5.
	Multiplier float64
}

// Backoff computes base * multiplier^attempt capped at Max.
type Backoff struct {
	config BackoffConfig
}

// NewBackoff creates a Backoff.
func NewBackoff(config BackoffConfig) *Backoff {
	return &Backoff{config: config}
}

// Duration returns the duration for the given zero-based attempt.
func (b *Backoff) Duration(attempt uint64) time.Duration {
	d := float64(b.config.Base)
	if b.config.Multiplier <= 1 {
		attempt = 0
	}
	for i := uint64(0); i < attempt; i++ {
		d *= b.config.Multiplier
		if d >= float64(b.config.Max) {
			return b.config.Max
		}
	}
	if time.Duration(d) > b.config.Max {
		return b.config.Max
	}
	return time.Duration(d)
}
