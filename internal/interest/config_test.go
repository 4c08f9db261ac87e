package interest

import (
	"math"
	"strings"
	"testing"
)

func hasViolation(v []string, substr string) bool {
	for _, s := range v {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func TestCompileSimplePreset(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(false)
	cfg, v := Compile(Spec{
		Tier:    "simple",
		Preset:  "trade-hub",
		Sliders: map[string]float64{CategoryLocation: 50},
		Watched: WatchedSpec{Locations: []int64{30002187}},
	}, reg)
	if len(v) > 0 {
		t.Fatalf("violations: %v", v)
	}
	if cfg.ConfigTier != "simple" || cfg.Aggregation != AggWeighted {
		t.Fatalf("tier=%q agg=%q", cfg.ConfigTier, cfg.Aggregation)
	}
	loc := cfg.category(CategoryLocation)
	if loc == nil || math.Abs(loc.Weight-0.4) > 1e-9 {
		t.Fatalf("location weight = %+v, want 0.4 (preset 0.8 at 50%%)", loc)
	}
	val := cfg.category(CategoryValue)
	if val == nil || math.Abs(val.Weight-0.7) > 1e-9 {
		t.Fatalf("value weight = %+v, want preset 0.7", val)
	}
	if len(loc.Signals) == 0 || loc.Signals[0].Params.Locations[0] != 30002187 {
		t.Fatalf("watchlist not plumbed into preset signals: %+v", loc.Signals)
	}
	if cfg.Thresholds != (Thresholds{Priority: 0.85, Notify: 0.60, Digest: 0.40}) {
		t.Fatalf("thresholds = %+v", cfg.Thresholds)
	}
}

func TestCompileIntermediateWeights(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(false)
	cfg, v := Compile(Spec{
		Tier:   "intermediate",
		Preset: "war-target",
		Weights: map[string]float64{
			CategoryEntity:   0.9,
			CategoryLocation: 0, // disabled
		},
	}, reg)
	if len(v) > 0 {
		t.Fatalf("violations: %v", v)
	}
	if ent := cfg.category(CategoryEntity); ent == nil || ent.Weight != 0.9 {
		t.Fatalf("entity = %+v, want weight 0.9", ent)
	}
	if loc := cfg.category(CategoryLocation); loc == nil || loc.Weight != 0 {
		t.Fatalf("location = %+v, want weight 0", loc)
	}
}

func TestCompileCollectsAllViolations(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(false)
	pf := 1.5
	_, v := Compile(Spec{
		Tier:        "advanced",
		Aggregation: "max",
		Prefetch:    "conservative",
		Thresholds:  &Thresholds{Priority: 0.4, Notify: 0.6, Digest: 0.8},
		Categories: []CategorySpec{
			{Name: "politics", Weight: 1, Signals: []SignalConfig{{Name: "watched_entity"}}},
			{Name: CategoryLocation, Weight: -1, PenaltyFactor: &pf,
				Signals: []SignalConfig{{Name: "no_such_signal"}, {Name: "reported_value"}}},
		},
		RequireAll: []string{CategoryActivity},
		Rules:      []RuleConfig{{Name: "no_such_rule", Kind: "sometimes"}},
	}, reg)

	wants := []string{
		`unknown category "politics"`,
		"invalid weight",
		"penalty_factor",
		`unknown signal "no_such_signal"`,
		`signal "reported_value" belongs to category "value"`,
		"max aggregation requires prefetch mode bypass",
		"thresholds must be ordered",
		"require_all names disabled or unknown",
		`unknown rule "no_such_rule"`,
		"unknown kind",
	}
	for _, w := range wants {
		if !hasViolation(v, w) {
			t.Errorf("missing violation containing %q in %v", w, v)
		}
	}
}

func TestCompileRejectsUnknownPresetAndTier(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(false)
	if cfg, v := Compile(Spec{Tier: "expert"}, reg); cfg != nil || !hasViolation(v, "unknown config tier") {
		t.Fatalf("cfg=%v v=%v", cfg, v)
	}
	if cfg, v := Compile(Spec{Tier: "simple", Preset: "loud-space"}, reg); cfg != nil || !hasViolation(v, "unknown preset") {
		t.Fatalf("cfg=%v v=%v", cfg, v)
	}
	if cfg, v := Compile(Spec{Tier: "simple", Preset: "trade-hub", Sliders: map[string]float64{"entity": 50}}, reg); cfg != nil || !hasViolation(v, "not in preset") {
		t.Fatalf("cfg=%v v=%v", cfg, v)
	}
}

func TestCompileAllZeroWeights(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(false)
	_, v := Compile(Spec{
		Tier:   "simple",
		Preset: "quiet-space",
		Sliders: map[string]float64{
			CategoryLocation: 0,
			CategoryActivity: 0,
		},
	}, reg)
	if !hasViolation(v, "at least one must be positive") {
		t.Fatalf("violations: %v", v)
	}
}

func TestRegistryCustomProviderGate(t *testing.T) {
	t.Parallel()

	locked := NewRegistry(false)
	err := locked.RegisterSignal(fixedSignal{name: "mine", score: 1, prefetch: true})
	if err == nil {
		t.Fatal("locked registry accepted a custom signal")
	}

	open := NewRegistry(true)
	if err := open.RegisterSignal(fixedSignal{name: "mine", score: 1, prefetch: true}); err != nil {
		t.Fatalf("open registry refused a custom signal: %v", err)
	}
	if err := open.RegisterSignal(fixedSignal{name: "trade_hub", score: 1, prefetch: true}); err == nil {
		t.Fatal("built-in name was shadowed")
	}
}
