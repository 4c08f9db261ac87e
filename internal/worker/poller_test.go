package worker

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"killfeed/internal/delivery"
	"killfeed/internal/enrich"
	"killfeed/internal/feed"
	"killfeed/internal/interest"
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

type captureChannel struct {
	name string
	mu   sync.Mutex
	sent []delivery.Message
}

func (c *captureChannel) Name() string { return c.name }

func (c *captureChannel) Send(_ context.Context, msg delivery.Message) delivery.SendResult {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return delivery.SendResult{Success: true}
}

func (c *captureChannel) messages() []delivery.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]delivery.Message(nil), c.sent...)
}

func testRouter(t *testing.T, ch *captureChannel) (*delivery.Router, *delivery.Queue) {
	t.Helper()
	r := delivery.NewRouter(logx.Nop(), nil)
	q := delivery.NewQueue(ch, delivery.QueueConfig{Staleness: time.Hour}, logx.Nop())
	if err := r.AddChannel(q); err != nil {
		t.Fatal(err)
	}
	routes := delivery.Routes{
		interest.TierPriority: {ch.name},
		interest.TierNotify:   {ch.name},
		interest.TierDigest:   {ch.name},
	}
	if err := r.SetRoutes("main", routes); err != nil {
		t.Fatal(err)
	}
	return r, q
}

func tradeHubEngine(t *testing.T) *interest.Engine {
	t.Helper()
	reg := interest.NewRegistry(false)
	cfg, violations := interest.Compile(interest.Spec{
		Tier:    "simple",
		Preset:  "trade-hub",
		Watched: interest.WatchedSpec{Locations: []int64{30000142}},
	}, reg)
	if len(violations) > 0 {
		t.Fatalf("compile: %v", violations)
	}
	eng, err := interest.NewEngine(cfg, reg)
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

func jitaEvent(id int64, at time.Time) feed.KillEvent {
	return feed.KillEvent{
		KillID:        id,
		EventTime:     at,
		IngestedAt:    at,
		LocationID:    30000142,
		ReportedValue: 2_000_000_000,
	}
}

func TestPollerPipeline(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	var fetches atomic.Int64
	fetcher := enrich.FetcherFunc(func(_ context.Context, killID int64) (*storage.EnrichmentDetail, error) {
		fetches.Add(1)
		return &storage.EnrichmentDetail{
			KillID:       killID,
			Victim:       storage.Participant{CharacterID: 10, ShipTypeID: 17738},
			Attackers:    []storage.Participant{{CharacterID: 20}},
			TotalValue:   2_100_000_000,
			DroppedValue: 400_000_000,
		}, nil
	})
	coord := enrich.NewCoordinator(st, fetcher, enrich.CoordinatorConfig{}, logx.Nop())

	ch := &captureChannel{name: "hook"}
	router, q := testRouter(t, ch)

	for i := int64(1); i <= 3; i++ {
		if _, err := st.InsertEvent(ctx, jitaEvent(i, now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}

	p := newPoller(Profile{Name: "main", Engine: tradeHubEngine(t)}, st, coord, router, nil, logx.Nop())
	if err := p.pollOnce(ctx); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}

	for q.ProcessOnce(ctx) {
	}
	msgs := ch.messages()
	if len(msgs) != 3 {
		t.Fatalf("delivered %d messages, want 3", len(msgs))
	}
	for _, m := range msgs {
		if m.Tier != interest.TierPriority && m.Tier != interest.TierNotify {
			t.Errorf("kill %d delivered at tier %q", m.KillID, m.Tier)
		}
		if m.Result == nil || len(m.Result.Categories) == 0 {
			t.Errorf("kill %d message lacks the score breakdown", m.KillID)
		}
	}

	if got := fetches.Load(); got != 3 {
		t.Fatalf("fetches = %d, want 3", got)
	}
	for i := int64(1); i <= 3; i++ {
		done, err := st.IsProcessed(ctx, "main", i)
		if err != nil || !done {
			t.Fatalf("kill %d processed = %v, %v", i, done, err)
		}
	}

	// Cursor advanced to the newest event.
	ws, err := st.GetWorkerState(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if ws.LastProcessedTime.Before(now.Add(2 * time.Second)) {
		t.Fatalf("cursor = %v, want at least %v", ws.LastProcessedTime, now.Add(3*time.Second))
	}

	// A second poll over the overlap window re-sees the events but the
	// processed markers keep it from re-delivering.
	if err := p.pollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	for q.ProcessOnce(ctx) {
	}
	if got := len(ch.messages()); got != 3 {
		t.Fatalf("re-poll delivered %d total, want still 3", got)
	}
	if got := fetches.Load(); got != 3 {
		t.Fatalf("re-poll fetched again: %d", got)
	}
}

func TestPollerPrefetchSkipAvoidsFetch(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	var fetches atomic.Int64
	fetcher := enrich.FetcherFunc(func(_ context.Context, killID int64) (*storage.EnrichmentDetail, error) {
		fetches.Add(1)
		return &storage.EnrichmentDetail{KillID: killID}, nil
	})
	coord := enrich.NewCoordinator(st, fetcher, enrich.CoordinatorConfig{}, logx.Nop())

	ch := &captureChannel{name: "hook"}
	router, q := testRouter(t, ch)

	// quiet-space watches one system; an event elsewhere bounds to zero and
	// strict mode skips the fetch.
	reg := interest.NewRegistry(false)
	cfg, violations := interest.Compile(interest.Spec{
		Tier:    "simple",
		Preset:  "quiet-space",
		Watched: interest.WatchedSpec{Locations: []int64{31000001}},
	}, reg)
	if len(violations) > 0 {
		t.Fatalf("compile: %v", violations)
	}
	eng, err := interest.NewEngine(cfg, reg)
	if err != nil {
		t.Fatal(err)
	}

	ev := jitaEvent(50, now)
	ev.ReportedValue = 0
	if _, err := st.InsertEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}

	p := newPoller(Profile{Name: "main", Engine: eng}, st, coord, router, nil, logx.Nop())
	if err := p.pollOnce(ctx); err != nil {
		t.Fatal(err)
	}

	if got := fetches.Load(); got != 0 {
		t.Fatalf("fetches = %d, want 0", got)
	}
	done, err := st.IsProcessed(ctx, "main", 50)
	if err != nil || !done {
		t.Fatalf("skipped event not marked processed: %v, %v", done, err)
	}
	for q.ProcessOnce(ctx) {
	}
	if got := len(ch.messages()); got != 0 {
		t.Fatalf("filtered event was delivered %d times", got)
	}
}

func TestPollerStatusSnapshot(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	coord := enrich.NewCoordinator(st, enrich.FetcherFunc(func(context.Context, int64) (*storage.EnrichmentDetail, error) {
		return &storage.EnrichmentDetail{}, nil
	}), enrich.CoordinatorConfig{}, logx.Nop())
	ch := &captureChannel{name: "hook"}
	router, _ := testRouter(t, ch)

	p := newPoller(Profile{Name: "main", Engine: tradeHubEngine(t)}, st, coord, router, nil, logx.Nop())
	if err := p.pollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	snap := p.snapshot()
	if snap.Profile != "main" || snap.RunID == "" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.LastPoll.IsZero() {
		t.Fatal("LastPoll not recorded")
	}
}
