package interest

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"killfeed/internal/feed"
	"killfeed/internal/storage"
)

func TestRMSFactor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		n    int
		want float64
	}{
		{1, 1.0},
		{2, 1 / math.Sqrt2},
		{3, 1 / math.Sqrt(3)},
		{4, 0.5},
		{5, 0.45}, // 1/sqrt(5) dips under the floor
		{9, 0.45},
	}
	for _, tc := range cases {
		if got := rmsFactor(tc.n); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("rmsFactor(%d) = %.4f, want %.4f", tc.n, got, tc.want)
		}
	}
}

func TestPrefetchAutoResolution(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(true)
	if err := reg.RegisterSignal(fixedSignal{name: "pre", score: 0.5, prefetch: true}); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterSignal(fixedSignal{name: "post", score: 0.5, prefetch: false}); err != nil {
		t.Fatal(err)
	}

	allPre := Spec{
		Tier:       "advanced",
		Prefetch:   "auto",
		Thresholds: &Thresholds{Priority: 0.9, Notify: 0.6, Digest: 0.4},
		Categories: []CategorySpec{
			{Name: CategoryLocation, Weight: 1, Signals: []SignalConfig{{Name: "pre"}}},
		},
	}
	eng := compileOrFatal(t, allPre, reg)
	if d := eng.PrefetchDecide(testEvent()); d.Mode != PrefetchStrict {
		t.Fatalf("all-prefetch auto resolved to %q, want strict", d.Mode)
	}

	mixed := allPre
	mixed.Categories = []CategorySpec{
		{Name: CategoryLocation, Weight: 1, Signals: []SignalConfig{{Name: "pre"}}},
		{Name: CategoryValue, Weight: 1, Signals: []SignalConfig{{Name: "post"}}},
	}
	eng = compileOrFatal(t, mixed, reg)
	d := eng.PrefetchDecide(testEvent())
	if d.Mode != PrefetchConservative {
		t.Fatalf("mixed auto resolved to %q, want conservative", d.Mode)
	}
	if d.ActiveCategories != 2 || d.PrefetchCategories != 1 {
		t.Fatalf("counts = %d/%d, want 2/1", d.ActiveCategories, d.PrefetchCategories)
	}
}

func TestPrefetchBounds(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(true)
	if err := reg.RegisterSignal(fixedSignal{name: "pre7", score: 0.7, prefetch: true}); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterSignal(fixedSignal{name: "post", score: 0.9, prefetch: false}); err != nil {
		t.Fatal(err)
	}
	spec := Spec{
		Tier:       "advanced",
		Prefetch:   "conservative",
		Thresholds: &Thresholds{Priority: 0.9, Notify: 0.6, Digest: 0.4},
		Categories: []CategorySpec{
			{Name: CategoryLocation, Weight: 0.8, Signals: []SignalConfig{{Name: "pre7"}}},
			{Name: CategoryValue, Weight: 0.4, Signals: []SignalConfig{{Name: "post"}}},
		},
	}
	eng := compileOrFatal(t, spec, reg)

	d := eng.PrefetchDecide(testEvent())
	wantLower := (0.8 * 0.7) / 1.2
	wantUpper := (0.8*0.7 + 0.4) / 1.2
	if math.Abs(d.LowerBound-wantLower) > 1e-9 || math.Abs(d.UpperBound-wantUpper) > 1e-9 {
		t.Fatalf("bounds = [%.4f, %.4f], want [%.4f, %.4f]", d.LowerBound, d.UpperBound, wantLower, wantUpper)
	}
	wantTh := 0.4 / math.Sqrt2
	if math.Abs(d.AdjustedThreshold-wantTh) > 1e-9 {
		t.Fatalf("adjusted threshold = %.4f, want %.4f", d.AdjustedThreshold, wantTh)
	}
	if !d.ShouldFetch {
		t.Fatalf("upper %.3f >= %.3f but ShouldFetch is false", d.UpperBound, d.AdjustedThreshold)
	}
}

func TestPrefetchRuleForcesFetch(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(true)
	if err := reg.RegisterSignal(fixedSignal{name: "zero", score: 0, prefetch: true}); err != nil {
		t.Fatal(err)
	}
	spec := Spec{
		Tier:       "advanced",
		Prefetch:   "strict",
		Thresholds: &Thresholds{Priority: 0.9, Notify: 0.6, Digest: 0.4},
		Categories: []CategorySpec{
			{Name: CategoryValue, Weight: 1, Signals: []SignalConfig{{Name: "zero"}}},
		},
		Rules: []RuleConfig{{Name: "big_kill", Kind: RuleAlwaysNotify, Params: SignalParams{Min: 100_000_000}}},
	}
	eng := compileOrFatal(t, spec, reg)

	d := eng.PrefetchDecide(testEvent())
	if !d.ShouldFetch {
		t.Fatalf("big_kill did not force a fetch: %+v", d)
	}
	if d.ForcedByRule == nil || d.ForcedByRule.Name != "big_kill" {
		t.Fatalf("forced-by = %+v, want big_kill", d.ForcedByRule)
	}

	ev := testEvent()
	ev.ReportedValue = 1
	d = eng.PrefetchDecide(ev)
	if d.ShouldFetch {
		t.Fatalf("strict mode with zero lower bound should skip the fetch: %+v", d)
	}
}

// randSignal scores one value before enrichment and another after, so the
// bound soundness property can be exercised over random envelopes.
type randSignal struct {
	name      string
	pre, post float64
	prefetch  bool
}

func (s randSignal) Name() string          { return s.name }
func (s randSignal) PrefetchCapable() bool { return s.prefetch }

func (s randSignal) Score(_ feed.KillEvent, detail *storage.EnrichmentDetail, _ SignalConfig) SignalScore {
	score := s.pre
	if !s.prefetch {
		score = 0
		if detail != nil {
			score = s.post
		}
	}
	return SignalScore{Name: s.name, Score: score, Match: score >= DefaultMatchThreshold, Prefetch: s.prefetch}
}

// A conservative "don't fetch" must never hide an event that full detail
// would have pushed to notify or above.
func TestConservativeSoundness(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	aggs := []string{"weighted", "linear"}
	detail := &storage.EnrichmentDetail{KillID: 1001}

	for iter := 0; iter < 500; iter++ {
		reg := NewRegistry(true)
		nCats := 1 + rng.Intn(4)
		var cats []CategorySpec
		for i := 0; i < nCats; i++ {
			name := fmt.Sprintf("sig%d_%d", iter, i)
			p := randSignal{
				name:     name,
				pre:      rng.Float64(),
				post:     rng.Float64(),
				prefetch: rng.Intn(2) == 0,
			}
			if err := reg.RegisterSignal(p); err != nil {
				t.Fatal(err)
			}
			cats = append(cats, CategorySpec{
				Name:    CanonicalCategories[i],
				Weight:  0.05 + rng.Float64(),
				Signals: []SignalConfig{{Name: name}},
			})
		}
		spec := Spec{
			Tier:        "advanced",
			Aggregation: aggs[rng.Intn(len(aggs))],
			Prefetch:    "conservative",
			Thresholds:  &Thresholds{Priority: 0.9, Notify: 0.6, Digest: 0.4},
			Categories:  cats,
		}
		eng := compileOrFatal(t, spec, reg)

		d := eng.PrefetchDecide(testEvent())
		if d.ShouldFetch {
			continue
		}
		res := eng.Evaluate(testEvent(), detail)
		if res.Aggregate > d.UpperBound+1e-9 {
			t.Fatalf("iter %d: aggregate %.4f exceeds upper bound %.4f", iter, res.Aggregate, d.UpperBound)
		}
		if res.Tier == TierNotify || res.Tier == TierPriority {
			t.Fatalf("iter %d: skipped fetch but full detail scored tier %q (aggregate %.4f, upper %.4f, threshold %.4f)",
				iter, res.Tier, res.Aggregate, d.UpperBound, d.AdjustedThreshold)
		}
	}
}
