package expunge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"killfeed/internal/feed"
	"killfeed/internal/storage"
	logx "killfeed/pkg/logx"
)

func openTestStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Path:        filepath.Join(t.TempDir(), "killfeed.db"),
		BusyTimeout: 5 * time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type fixedProfiles []string

func (p fixedProfiles) ActiveProfiles() []string { return p }

func TestRunOnceSweepsEverything(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	put := func(id int64, age time.Duration) {
		t.Helper()
		_, err := st.InsertEvent(ctx, feed.KillEvent{
			KillID:     id,
			EventTime:  now.Add(-age),
			IngestedAt: now.Add(-age),
			LocationID: 30000142,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	put(1, 40*24*time.Hour) // past event retention
	put(2, time.Hour)       // fresh

	if err := st.InsertEnrichment(ctx, storage.EnrichmentDetail{KillID: 1, FetchStatus: storage.FetchSuccess}); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkProcessed(ctx, "old-profile", 1); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkProcessed(ctx, "main", 2); err != nil {
		t.Fatal(err)
	}
	if _, err := st.TryInsertClaim(ctx, 2, "crashed-worker"); err != nil {
		t.Fatal(err)
	}
	for _, w := range []string{"main", "old-profile"} {
		err := st.SetWorkerState(ctx, storage.WorkerState{WorkerID: w, LastProcessedTime: now, UpdatedAt: now})
		if err != nil {
			t.Fatal(err)
		}
	}

	svc := New(Config{
		EventRetention:  30 * 24 * time.Hour,
		MarkerRetention: 48 * time.Hour,
		ClaimLiveness:   15 * time.Minute,
	}, st, fixedProfiles{"main"}, logx.Nop())

	// Claims only count as stale once past the liveness threshold.
	svc.now = func() time.Time { return now.Add(time.Hour) }

	stats, err := svc.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Events != 1 || stats.Enrichment != 1 {
		t.Fatalf("events/enrichment = %d/%d, want 1/1", stats.Events, stats.Enrichment)
	}
	if stats.StaleClaims != 1 {
		t.Fatalf("stale claims = %d, want 1", stats.StaleClaims)
	}
	if stats.WorkerStates != 1 {
		t.Fatalf("worker states = %d, want 1", stats.WorkerStates)
	}
	if stats.Took <= 0 {
		t.Fatalf("took = %v", stats.Took)
	}

	// Survivors intact.
	if _, err := st.GetEvent(ctx, 2); err != nil {
		t.Fatalf("fresh event gone: %v", err)
	}
	if _, err := st.GetWorkerState(ctx, "main"); err != nil {
		t.Fatalf("active worker state gone: %v", err)
	}
	if done, _ := st.IsProcessed(ctx, "main", 2); !done {
		t.Fatal("fresh marker gone")
	}

	last, lastRun, lastErr := svc.Last()
	if lastErr != nil || last.Events != 1 || lastRun.IsZero() {
		t.Fatalf("Last() = %+v, %v, %v", last, lastRun, lastErr)
	}

	// Second sweep finds nothing left to remove.
	stats, err = svc.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Events != 0 || stats.StaleClaims != 0 || stats.WorkerStates != 0 {
		t.Fatalf("second sweep = %+v, want all zero", stats)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	svc := New(Config{Interval: time.Hour}, st, fixedProfiles{}, logx.Nop())
	ctx := context.Background()

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Idempotent while running.
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatalf("Stop again: %v", err)
	}
}

func TestStartRejectsBadCron(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	svc := New(Config{Schedule: "not a cron spec"}, st, nil, logx.Nop())
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("bad cron spec accepted")
	}
	// The failed start left nothing running.
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after failed Start: %v", err)
	}
}
