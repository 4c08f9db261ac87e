package feed

import (
	"context"
	"sync"
	"time"
)

// Queue is the bounded ingestion queue between the feed transport and the
// store writer.
//
// The upstream feed is uncontrolled in rate, so the queue favors recency over
// completeness: on overflow the single oldest queued item is evicted before
// the new one is admitted. Put never blocks the producer.
//
// Single-consumer: WaitForItems is a cooperative wait for exactly one consumer
// goroutine. The producer may run in a different goroutine than the consumer.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []KillEvent
	max   int

	received uint64
	dropped  uint64
	written  uint64
	lastDrop time.Time
}

// Stats is a point-in-time snapshot of queue accounting.
//
// At any quiescent point: Dropped == Received - Written - Depth.
type Stats struct {
	Received     uint64    `json:"received_total"`
	Dropped      uint64    `json:"dropped_total"`
	Written      uint64    `json:"written_total"`
	Depth        int       `json:"queue_depth"`
	MaxSize      int       `json:"max_size"`
	LastDropTime time.Time `json:"last_drop_time,omitzero"`
}

const defaultMaxSize = 1000

func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	q := &Queue{max: maxSize}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put admits ev, evicting the oldest queued item first if the queue is full.
// It returns false only when an eviction happened (the caller's event was
// still admitted; the return value reports lossless admission).
func (q *Queue) Put(ev KillEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.received++
	lossless := true
	if len(q.items) >= q.max {
		// Drop the oldest, not the newest: stale events are worth less than
		// fresh ones for a near-real-time notifier.
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.dropped++
		q.lastDrop = time.Now()
		lossless = false
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
	return lossless
}

// GetBatch pops up to maxN events in FIFO order. Non-blocking.
func (q *Queue) GetBatch(maxN int) []KillEvent {
	if maxN <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	n := maxN
	if n > len(q.items) {
		n = len(q.items)
	}
	if n == 0 {
		return nil
	}
	out := make([]KillEvent, n)
	copy(out, q.items[:n])
	rest := len(q.items) - n
	copy(q.items, q.items[n:])
	q.items = q.items[:rest]
	return out
}

// WaitForItems suspends the consumer until an item is available, the timeout
// elapses, or ctx is canceled. Returns true when items are available.
func (q *Queue) WaitForItems(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	// Wake the cond wait when ctx is canceled or the deadline passes, so the
	// consumer never sits in Wait() past its budget.
	wctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	done := make(chan struct{})
	go func() {
		select {
		case <-wctx.Done():
		case <-done:
		}
		q.cond.Broadcast()
	}()
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if wctx.Err() != nil {
			return false
		}
		q.cond.Wait()
	}
	return true
}

// MarkWritten records that n dequeued events were durably persisted.
func (q *Queue) MarkWritten(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	q.written += uint64(n)
	q.mu.Unlock()
}

func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Received:     q.received,
		Dropped:      q.dropped,
		Written:      q.written,
		Depth:        len(q.items),
		MaxSize:      q.max,
		LastDropTime: q.lastDrop,
	}
}
