package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "killfeed/pkg/logx"
)

// QueueConfig tunes one channel's delivery queue.
type QueueConfig struct {
	// MaxSize bounds the queue; oldest messages are dropped on overflow.
	// Default 256.
	MaxSize int
	// Staleness drops messages that waited too long to still be worth
	// sending. Default 5m.
	Staleness time.Duration
	// RatePerSec paces sends; 0 disables the limiter.
	RatePerSec float64
	Burst      int

	Breaker BreakerConfig
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxSize <= 0 {
		c.MaxSize = 256
	}
	if c.Staleness <= 0 {
		c.Staleness = 5 * time.Minute
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// QueueStats is the queue's accounting snapshot.
type QueueStats struct {
	Enqueued uint64 `json:"enqueued"`
	Dropped  uint64 `json:"dropped"`
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Stale    uint64 `json:"stale"`
	Depth    int    `json:"depth"`

	Breaker BreakerState `json:"breaker"`
}

// Queue feeds one channel, bounded and paced. Enqueue never blocks; the run
// loop (or ProcessOnce in tests) drains it.
type Queue struct {
	ch    Channel
	cfg   QueueConfig
	log   logx.Logger
	brk   *Breaker
	lim   *rate.Limiter
	dedup Deduper
	now   func() time.Time

	mu    sync.Mutex
	items []Message
	stats QueueStats
	wake  chan struct{}
}

// QueueOption tweaks queue construction.
type QueueOption func(*Queue)

// WithDeduper marks kills as delivered after a successful send and is
// consulted nowhere else; the router checks before enqueueing.
func WithDeduper(d Deduper) QueueOption {
	return func(q *Queue) { q.dedup = d }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

func NewQueue(ch Channel, cfg QueueConfig, log logx.Logger, opts ...QueueOption) *Queue {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		ch:   ch,
		cfg:  cfg,
		log:  log.With(logx.String("channel", ch.Name())),
		brk:  NewBreaker(cfg.Breaker),
		now:  time.Now,
		wake: make(chan struct{}, 1),
	}
	if cfg.RatePerSec > 0 {
		q.lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Name is the underlying channel's name.
func (q *Queue) Name() string { return q.ch.Name() }

// Breaker exposes the queue's breaker for manual Resume.
func (q *Queue) Breaker() *Breaker { return q.brk }

// Enqueue appends a message, evicting the oldest one when full. Returns
// false when an eviction happened.
func (q *Queue) Enqueue(m Message) bool {
	q.mu.Lock()
	ok := true
	if len(q.items) >= q.cfg.MaxSize {
		q.items = q.items[1:]
		q.stats.Dropped++
		ok = false
	}
	q.items = append(q.items, m)
	q.stats.Enqueued++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	if !ok {
		q.log.Warn("delivery queue full, dropped oldest", logx.Int("max", q.cfg.MaxSize))
	}
	return ok
}

// Stats snapshots the accounting, breaker state included.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	st := q.stats
	st.Depth = len(q.items)
	q.mu.Unlock()
	st.Breaker = q.brk.State()
	return st
}

// ProcessOnce handles at most one queued message. It reports whether the
// caller should come straight back for more.
func (q *Queue) ProcessOnce(ctx context.Context) bool {
	now := q.now()
	if !q.brk.Allow(now) {
		return false
	}

	m, ok := q.pop()
	if !ok {
		return false
	}
	if now.Sub(m.CreatedAt) > q.cfg.Staleness {
		q.mu.Lock()
		q.stats.Stale++
		q.mu.Unlock()
		q.log.Debug("skipping stale message",
			logx.String("id", m.ID), logx.Int64("kill_id", m.KillID),
			logx.Duration("age", now.Sub(m.CreatedAt)))
		return true
	}

	if q.lim != nil {
		if err := q.lim.Wait(ctx); err != nil {
			q.pushFront(m)
			return false
		}
	}

	res := q.ch.Send(ctx, m)
	switch {
	case res.Success:
		q.mu.Lock()
		q.stats.Sent++
		q.mu.Unlock()
		q.brk.RecordSuccess()
		if q.dedup != nil {
			scope := dedupScope(m.Profile, q.ch.Name())
			if err := q.dedup.MarkProcessed(ctx, scope, m.KillID); err != nil {
				q.log.Warn("dedup mark failed", logx.Int64("kill_id", m.KillID), logx.Err(err))
			}
		}
		return true

	case res.RateLimited:
		// Not a channel failure; hold the message and back off.
		q.pushFront(m)
		q.log.Info("channel rate limited",
			logx.Int64("kill_id", m.KillID), logx.Duration("retry_after", res.RetryAfter))
		q.sleep(ctx, clampDelay(res.RetryAfter, time.Second, 2*time.Minute))
		return false

	default:
		q.mu.Lock()
		q.stats.Failed++
		q.mu.Unlock()
		q.brk.RecordFailure(q.now())
		q.log.Warn("send failed",
			logx.String("id", m.ID), logx.Int64("kill_id", m.KillID),
			logx.Int("status", res.StatusCode), logx.Err(res.Err))
		return true
	}
}

// Run drains the queue until ctx or stopCh says otherwise.
func (q *Queue) Run(ctx context.Context, stopCh <-chan struct{}) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		if q.ProcessOnce(ctx) {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-q.wake:
		case <-time.After(time.Second):
		}
	}
}

func (q *Queue) pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m, true
}

func (q *Queue) pushFront(m Message) {
	q.mu.Lock()
	q.items = append([]Message{m}, q.items...)
	q.mu.Unlock()
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
	case <-tmr.C:
	}
}

func clampDelay(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func dedupScope(profile, channel string) string {
	return fmt.Sprintf("deliver:%s:%s", profile, channel)
}
