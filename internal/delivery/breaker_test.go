package delivery

import (
	"testing"
	"time"
)

func TestBreakerShortBurstStaysClosed(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{MinFailures: 3, MinDuration: 5 * time.Minute})
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Three failures inside one minute: count satisfied, window not.
	for i := 0; i < 3; i++ {
		b.RecordFailure(start.Add(time.Duration(i) * 20 * time.Second))
	}
	if !b.Allow(start.Add(time.Minute)) {
		t.Fatal("breaker opened on a short failure burst")
	}
	if st := b.State(); st.Open || st.ConsecutiveFailures != 3 {
		t.Fatalf("state = %+v", st)
	}
}

func TestBreakerOpensOnLongStreak(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{MinFailures: 3, MinDuration: 5 * time.Minute, RetryAfter: time.Minute})
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	b.RecordFailure(start)
	b.RecordFailure(start.Add(3 * time.Minute))
	if !b.Allow(start.Add(3 * time.Minute)) {
		t.Fatal("opened before the failure floor")
	}
	b.RecordFailure(start.Add(6 * time.Minute))
	if b.Allow(start.Add(6 * time.Minute)) {
		t.Fatal("still closed after 3 failures spanning 6 minutes")
	}

	// Probe window after RetryAfter.
	if !b.Allow(start.Add(7*time.Minute + time.Second)) {
		t.Fatal("no probe allowed after retry-after elapsed")
	}

	// Failed probe re-arms the wait.
	b.RecordFailure(start.Add(8 * time.Minute))
	if b.Allow(start.Add(8*time.Minute + 30*time.Second)) {
		t.Fatal("allowed immediately after a failed probe")
	}

	// Successful probe closes it.
	b.RecordSuccess()
	if !b.Allow(start.Add(9 * time.Minute)) {
		t.Fatal("closed breaker refused a send")
	}
	if st := b.State(); st.Open || st.ConsecutiveFailures != 0 {
		t.Fatalf("state after success = %+v", st)
	}
}

func TestBreakerSuccessResetsWindow(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{MinFailures: 3, MinDuration: 5 * time.Minute})
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	b.RecordFailure(start)
	b.RecordFailure(start.Add(4 * time.Minute))
	b.RecordSuccess()
	// The old window must not count toward the new streak.
	b.RecordFailure(start.Add(6 * time.Minute))
	b.RecordFailure(start.Add(7 * time.Minute))
	b.RecordFailure(start.Add(8 * time.Minute))
	if !b.Allow(start.Add(8 * time.Minute)) {
		t.Fatal("opened using a window that predates the last success")
	}
}

func TestBreakerResume(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{MinFailures: 1, MinDuration: time.Millisecond, RetryAfter: time.Hour})
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	b.RecordFailure(now)
	b.RecordFailure(now.Add(time.Second))
	if b.Allow(now.Add(time.Second)) {
		t.Fatal("breaker should be open")
	}
	b.Resume()
	if !b.Allow(now.Add(2 * time.Second)) {
		t.Fatal("Resume did not close the breaker")
	}
}
