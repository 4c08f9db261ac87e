package delivery

import (
	"sync"
	"time"
)

// BreakerConfig tunes the per-channel circuit breaker.
type BreakerConfig struct {
	// MinFailures is the consecutive-failure floor before the breaker may
	// open. Default 3.
	MinFailures int
	// MinDuration is how long the failure streak must have lasted before
	// the breaker opens. A short burst of failures inside this window never
	// pauses the channel. Default 5m.
	MinDuration time.Duration
	// RetryAfter is how long an open breaker waits before letting a probe
	// send through. Default 1m.
	RetryAfter time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MinFailures <= 0 {
		c.MinFailures = 3
	}
	if c.MinDuration <= 0 {
		c.MinDuration = 5 * time.Minute
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = time.Minute
	}
	return c
}

// Breaker pauses a channel that keeps failing. It opens only when both the
// failure count and the failure window are large enough: a transient burst
// within MinDuration stays closed, a streak that has dragged on opens.
type Breaker struct {
	cfg BreakerConfig

	mu           sync.Mutex
	consecutive  int
	firstFailure time.Time
	open         bool
	openedAt     time.Time
}

// BreakerState is a point-in-time snapshot for status endpoints.
type BreakerState struct {
	Open                bool      `json:"open"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FirstFailure        time.Time `json:"first_failure,omitzero"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Allow reports whether a send may proceed. An open breaker lets one probe
// through once RetryAfter has elapsed; the probe's outcome closes it or
// re-arms the wait.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	return now.Sub(b.openedAt) >= b.cfg.RetryAfter
}

// RecordSuccess closes the breaker and clears the streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.firstFailure = time.Time{}
	b.open = false
	b.openedAt = time.Time{}
}

// RecordFailure extends the streak and opens the breaker once the streak is
// both long enough and old enough.
func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consecutive == 0 {
		b.firstFailure = now
	}
	b.consecutive++
	if b.open {
		// Failed probe, re-arm the wait.
		b.openedAt = now
		return
	}
	if b.consecutive >= b.cfg.MinFailures && now.Sub(b.firstFailure) >= b.cfg.MinDuration {
		b.open = true
		b.openedAt = now
	}
}

// Resume manually closes the breaker, keeping nothing of the old streak.
func (b *Breaker) Resume() {
	b.RecordSuccess()
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerState{
		Open:                b.open,
		ConsecutiveFailures: b.consecutive,
		FirstFailure:        b.firstFailure,
		OpenedAt:            b.openedAt,
	}
}
