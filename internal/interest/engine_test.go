package interest

import (
	"math"
	"testing"
	"time"

	"killfeed/internal/feed"
	"killfeed/internal/storage"
)

// fixedSignal scores a constant, optionally only when detail is present.
type fixedSignal struct {
	name     string
	score    float64
	prefetch bool
}

func (s fixedSignal) Name() string          { return s.name }
func (s fixedSignal) PrefetchCapable() bool { return s.prefetch }

func (s fixedSignal) Score(_ feed.KillEvent, detail *storage.EnrichmentDetail, cfg SignalConfig) SignalScore {
	score := s.score
	if !s.prefetch && detail == nil {
		score = 0
	}
	return SignalScore{Name: s.name, Score: score, Match: score >= DefaultMatchThreshold, Prefetch: s.prefetch, Reason: "fixed"}
}

func testEvent() feed.KillEvent {
	return feed.KillEvent{
		KillID:        1001,
		EventTime:     time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		IngestedAt:    time.Date(2026, 8, 1, 12, 0, 5, 0, time.UTC),
		LocationID:    30000142,
		ReportedValue: 250_000_000,
	}
}

func compileOrFatal(t *testing.T, spec Spec, reg *Registry) *Engine {
	t.Helper()
	cfg, violations := Compile(spec, reg)
	if len(violations) > 0 {
		t.Fatalf("compile: %v", violations)
	}
	eng, err := NewEngine(cfg, reg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng
}

func TestEvaluateWeightedAggregate(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(true)
	if err := reg.RegisterSignal(fixedSignal{name: "loc_fixed", score: 0.8, prefetch: true}); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterSignal(fixedSignal{name: "val_fixed", score: 0.6, prefetch: true}); err != nil {
		t.Fatal(err)
	}

	spec := Spec{
		Tier:        "advanced",
		Aggregation: "weighted",
		Prefetch:    "bypass",
		Thresholds:  &Thresholds{Priority: 0.85, Notify: 0.60, Digest: 0.40},
		Categories: []CategorySpec{
			{Name: CategoryLocation, Weight: 0.8, Signals: []SignalConfig{{Name: "loc_fixed"}}},
			{Name: CategoryValue, Weight: 0.7, Signals: []SignalConfig{{Name: "val_fixed"}}},
		},
	}
	eng := compileOrFatal(t, spec, reg)

	res := eng.Evaluate(testEvent(), nil)
	want := (0.8*0.8 + 0.6*0.7) / (0.8 + 0.7)
	if math.Abs(res.Aggregate-want) > 1e-9 {
		t.Fatalf("aggregate = %.4f, want %.4f", res.Aggregate, want)
	}
	if res.Tier != TierNotify {
		t.Fatalf("tier = %q, want %q", res.Tier, TierNotify)
	}
	if len(res.Categories) != 2 {
		t.Fatalf("categories = %d, want 2", len(res.Categories))
	}
	for _, c := range res.Categories {
		if !c.Match {
			t.Errorf("category %q did not match", c.Category)
		}
	}
}

func TestEvaluateIgnoreRuleBeatsHighScore(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(true)
	if err := reg.RegisterSignal(fixedSignal{name: "hot", score: 0.95, prefetch: true}); err != nil {
		t.Fatal(err)
	}
	spec := Spec{
		Tier:       "advanced",
		Prefetch:   "bypass",
		Thresholds: &Thresholds{Priority: 0.85, Notify: 0.60, Digest: 0.40},
		Categories: []CategorySpec{
			{Name: CategoryLocation, Weight: 1, Signals: []SignalConfig{{Name: "hot"}}},
		},
		Rules: []RuleConfig{{Name: "pod_only", Kind: RuleAlwaysIgnore}},
	}
	eng := compileOrFatal(t, spec, reg)

	detail := &storage.EnrichmentDetail{
		KillID: 1001,
		Victim: storage.Participant{ShipTypeID: 670},
	}
	res := eng.Evaluate(testEvent(), detail)
	if res.Tier != TierFilter {
		t.Fatalf("tier = %q, want %q", res.Tier, TierFilter)
	}
	if !res.WasIgnored || !res.BypassedScoring {
		t.Fatalf("WasIgnored=%v BypassedScoring=%v, want both true", res.WasIgnored, res.BypassedScoring)
	}
	if len(res.MatchedRules) != 1 || res.MatchedRules[0].Name != "pod_only" {
		t.Fatalf("matched rules = %+v", res.MatchedRules)
	}
}

func TestEvaluateNotifyRuleForcesPriority(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(true)
	if err := reg.RegisterSignal(fixedSignal{name: "cold", score: 0.1, prefetch: true}); err != nil {
		t.Fatal(err)
	}
	spec := Spec{
		Tier:       "advanced",
		Prefetch:   "bypass",
		Thresholds: &Thresholds{Priority: 0.85, Notify: 0.60, Digest: 0.40},
		Categories: []CategorySpec{
			{Name: CategoryValue, Weight: 1, Signals: []SignalConfig{{Name: "cold"}}},
		},
		Rules: []RuleConfig{{Name: "big_kill", Kind: RuleAlwaysNotify, Params: SignalParams{Min: 100_000_000}}},
	}
	eng := compileOrFatal(t, spec, reg)

	res := eng.Evaluate(testEvent(), nil)
	if res.Tier != TierPriority {
		t.Fatalf("tier = %q, want %q", res.Tier, TierPriority)
	}
	if !res.BypassedScoring || res.WasIgnored {
		t.Fatalf("BypassedScoring=%v WasIgnored=%v", res.BypassedScoring, res.WasIgnored)
	}
}

func TestEvaluateIgnoreWinsOverNotify(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(false)
	spec := Spec{
		Tier:    "simple",
		Preset:  "trade-hub",
		Watched: WatchedSpec{Locations: []int64{30000142}},
		Rules: []RuleConfig{
			{Name: "big_kill", Kind: RuleAlwaysNotify, Params: SignalParams{Min: 100_000_000}},
			{Name: "pod_only", Kind: RuleAlwaysIgnore},
		},
	}
	eng := compileOrFatal(t, spec, reg)

	detail := &storage.EnrichmentDetail{
		KillID: 1001,
		Victim: storage.Participant{ShipTypeID: 670},
	}
	res := eng.Evaluate(testEvent(), detail)
	if res.Tier != TierFilter || !res.WasIgnored {
		t.Fatalf("tier = %q WasIgnored=%v, want filter/true", res.Tier, res.WasIgnored)
	}
}

func TestEvaluateGateFailureForcesFilter(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(true)
	if err := reg.RegisterSignal(fixedSignal{name: "hi", score: 0.9, prefetch: true}); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterSignal(fixedSignal{name: "lo", score: 0.1, prefetch: true}); err != nil {
		t.Fatal(err)
	}
	spec := Spec{
		Tier:       "advanced",
		Prefetch:   "bypass",
		Thresholds: &Thresholds{Priority: 0.85, Notify: 0.60, Digest: 0.40},
		Categories: []CategorySpec{
			{Name: CategoryLocation, Weight: 1, Signals: []SignalConfig{{Name: "hi"}}},
			{Name: CategoryValue, Weight: 0.5, Signals: []SignalConfig{{Name: "lo"}}},
		},
		RequireAll: []string{CategoryValue},
	}
	eng := compileOrFatal(t, spec, reg)

	res := eng.Evaluate(testEvent(), nil)
	if res.Tier != TierFilter {
		t.Fatalf("tier = %q, want %q", res.Tier, TierFilter)
	}
	if !res.GateFailed || res.FailedGate != "require_all" || res.FailedCategory != CategoryValue {
		t.Fatalf("gate: failed=%v gate=%q category=%q", res.GateFailed, res.FailedGate, res.FailedCategory)
	}
}

func TestTierMonotonicity(t *testing.T) {
	t.Parallel()

	th := Thresholds{Priority: 0.85, Notify: 0.60, Digest: 0.40}
	prev := TierFilter
	for s := 0.0; s <= 1.0; s += 0.01 {
		tier := th.TierFor(s)
		if tier.Rank() < prev.Rank() {
			t.Fatalf("tier rank dropped from %q to %q at score %.2f", prev, tier, s)
		}
		prev = tier
	}
}

func TestCombineModes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		combine CombineMode
		weights []float64
		scores  []float64
		want    float64
	}{
		{"max picks highest", CombineMax, []float64{0, 0}, []float64{0.3, 0.7}, 0.7},
		{"mean default weights", CombineMean, []float64{0, 0}, []float64{0.2, 0.6}, 0.4},
		{"mean weighted", CombineMean, []float64{3, 1}, []float64{0.4, 0.8}, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cc := &CategoryConfig{Combine: tc.combine}
			var sigs []SignalScore
			for i, s := range tc.scores {
				cc.Signals = append(cc.Signals, SignalConfig{Weight: tc.weights[i]})
				sigs = append(sigs, SignalScore{Score: s})
			}
			got := combineSignals(cc, sigs)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("combine = %.4f, want %.4f", got, tc.want)
			}
		})
	}
}

func TestBuiltinSignalsOnPresets(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(false)
	spec := Spec{
		Tier:    "simple",
		Preset:  "trade-hub",
		Watched: WatchedSpec{Locations: []int64{30000142}},
	}
	eng := compileOrFatal(t, spec, reg)

	// Jita kill with a solid reported value clears notify before any fetch.
	res := eng.Evaluate(testEvent(), nil)
	if res.Tier.Rank() < TierDigest.Rank() {
		t.Fatalf("trade-hub Jita kill scored tier %q (aggregate %.3f)", res.Tier, res.Aggregate)
	}

	// Same config, quiet system, no value: nothing to report.
	ev := testEvent()
	ev.LocationID = 31000001
	ev.ReportedValue = 0
	res = eng.Evaluate(ev, nil)
	if res.Tier != TierFilter {
		t.Fatalf("quiet kill scored tier %q, want filter", res.Tier)
	}
}
