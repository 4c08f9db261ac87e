package feed

import (
	"context"
	"testing"
	"time"
)

func ev(id int64) KillEvent {
	return KillEvent{KillID: id, EventTime: time.Unix(id, 0), LocationID: 30000142}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	t.Parallel()
	q := NewQueue(5)
	for i := int64(0); i <= 5; i++ {
		q.Put(ev(i))
	}

	got := q.GetBatch(10)
	if len(got) != 5 {
		t.Fatalf("GetBatch returned %d events, want 5", len(got))
	}
	for i, e := range got {
		want := int64(i + 1)
		if e.KillID != want {
			t.Fatalf("got[%d].KillID = %d, want %d (item 0 should have been dropped)", i, e.KillID, want)
		}
	}

	st := q.Stats()
	if st.Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", st.Dropped)
	}
	if st.LastDropTime.IsZero() {
		t.Fatal("LastDropTime not recorded")
	}
}

func TestQueueBoundHolds(t *testing.T) {
	t.Parallel()
	const maxSize = 7
	q := NewQueue(maxSize)
	for i := int64(0); i < 100; i++ {
		q.Put(ev(i))
		if d := q.Depth(); d > maxSize {
			t.Fatalf("depth %d exceeds maxsize %d after %d puts", d, maxSize, i+1)
		}
	}
}

func TestQueueAccounting(t *testing.T) {
	t.Parallel()
	q := NewQueue(10)
	for i := int64(0); i < 25; i++ {
		q.Put(ev(i))
	}
	batch := q.GetBatch(8)
	q.MarkWritten(len(batch))

	st := q.Stats()
	if st.Received != 25 {
		t.Fatalf("Received = %d, want 25", st.Received)
	}
	// Quiescent invariant: dropped == received - written - depth.
	want := st.Received - st.Written - uint64(st.Depth)
	if st.Dropped != want {
		t.Fatalf("Dropped = %d, want %d (received=%d written=%d depth=%d)",
			st.Dropped, want, st.Received, st.Written, st.Depth)
	}
}

func TestQueueGetBatchFIFO(t *testing.T) {
	t.Parallel()
	q := NewQueue(100)
	for i := int64(0); i < 10; i++ {
		q.Put(ev(i))
	}
	a := q.GetBatch(4)
	b := q.GetBatch(100)
	if len(a) != 4 || len(b) != 6 {
		t.Fatalf("batch sizes = %d,%d, want 4,6", len(a), len(b))
	}
	if a[0].KillID != 0 || a[3].KillID != 3 || b[0].KillID != 4 || b[5].KillID != 9 {
		t.Fatalf("batches out of order: %v / %v", a, b)
	}
}

func TestWaitForItemsTimeout(t *testing.T) {
	t.Parallel()
	q := NewQueue(5)
	start := time.Now()
	if q.WaitForItems(context.Background(), 50*time.Millisecond) {
		t.Fatal("WaitForItems = true on empty queue")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("WaitForItems returned after %v, want ~50ms", elapsed)
	}
}

func TestWaitForItemsWakesOnPut(t *testing.T) {
	t.Parallel()
	q := NewQueue(5)
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Put(ev(1))
	}()
	if !q.WaitForItems(context.Background(), 2*time.Second) {
		t.Fatal("WaitForItems = false, want wake on Put")
	}
	if got := q.GetBatch(1); len(got) != 1 || got[0].KillID != 1 {
		t.Fatalf("unexpected batch after wake: %v", got)
	}
}

func TestWaitForItemsCanceled(t *testing.T) {
	t.Parallel()
	q := NewQueue(5)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if q.WaitForItems(ctx, 5*time.Second) {
		t.Fatal("WaitForItems = true after cancel on empty queue")
	}
}

// replaySource is the simplest possible Source: it pushes a fixed set of
// events and returns.
type replaySource struct {
	events []KillEvent
}

func (s *replaySource) Run(ctx context.Context, q *Queue) error {
	for _, e := range s.events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		q.Put(e)
	}
	return nil
}

func TestSourceFeedsQueue(t *testing.T) {
	t.Parallel()
	q := NewQueue(10)
	src := &replaySource{events: []KillEvent{ev(1), ev(2), ev(3)}}

	if err := src.Run(context.Background(), q); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := q.GetBatch(10); len(got) != 3 {
		t.Fatalf("GetBatch returned %d events, want 3", len(got))
	}
	if st := q.Stats(); st.Received != 3 {
		t.Fatalf("Received = %d, want 3", st.Received)
	}
}
