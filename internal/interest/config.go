package interest

import (
	"fmt"
	"math"
	"sort"
)

// Spec is the raw interest configuration exactly as decoded from a profile
// file. Compile turns it into an EngineConfig, collecting every violation
// rather than stopping at the first.
type Spec struct {
	// Tier selects how much of this struct is consulted:
	// "simple", "intermediate" or "advanced".
	Tier string `json:"tier"`

	// Preset names a built-in wiring. Required for simple and intermediate,
	// ignored for advanced.
	Preset string `json:"preset,omitempty"`

	// Sliders scale the preset's category weights, percent per category
	// (simple tier only). 100 keeps the preset weight, 0 disables.
	Sliders map[string]float64 `json:"sliders,omitempty"`

	// Weights replace the preset's category weights outright
	// (intermediate tier only). Weight 0 disables the category.
	Weights map[string]float64 `json:"weights,omitempty"`

	// Categories is the full wiring (advanced tier only).
	Categories []CategorySpec `json:"categories,omitempty"`

	Aggregation string      `json:"aggregation,omitempty"` // default weighted
	Prefetch    string      `json:"prefetch,omitempty"`    // default auto
	Thresholds  *Thresholds `json:"thresholds,omitempty"`  // default from preset

	RequireAll []string `json:"require_all,omitempty"`
	RequireAny []string `json:"require_any,omitempty"`

	// Rules replace the preset's rules when non-nil.
	Rules []RuleConfig `json:"rules,omitempty"`

	// Watched feeds the preset signals that take location/entity lists.
	Watched WatchedSpec `json:"watched,omitempty"`
}

// WatchedSpec carries the operator's watchlists, shared by every preset
// signal that wants them.
type WatchedSpec struct {
	Locations []int64 `json:"locations,omitempty"`
	Entities  []int64 `json:"entities,omitempty"`
}

// CategorySpec is one category's full wiring for the advanced tier.
type CategorySpec struct {
	Name           string         `json:"name"`
	Weight         float64        `json:"weight"`
	Combine        string         `json:"combine,omitempty"` // default max
	MatchThreshold float64        `json:"match_threshold,omitempty"`
	PenaltyFactor  *float64       `json:"penalty_factor,omitempty"` // default 1
	Signals        []SignalConfig `json:"signals"`
}

// CategoryConfig is a validated, compiled category.
type CategoryConfig struct {
	Name           string
	Weight         float64
	Combine        CombineMode
	MatchThreshold float64
	PenaltyFactor  float64
	Signals        []SignalConfig
}

// EngineConfig is the validated configuration an Engine runs on. Construct
// only through Compile.
type EngineConfig struct {
	ConfigTier  string
	Aggregation AggregationMode
	Prefetch    PrefetchMode
	Thresholds  Thresholds
	Categories  []CategoryConfig
	RequireAll  []string
	RequireAny  []string
	Rules       []RuleConfig
}

func (c *EngineConfig) category(name string) *CategoryConfig {
	for i := range c.Categories {
		if c.Categories[i].Name == name {
			return &c.Categories[i]
		}
	}
	return nil
}

// preset is a named baseline wiring. Watchlists are injected at compile time.
type preset struct {
	weights    map[string]float64
	signals    map[string][]string
	thresholds Thresholds
	prefetch   PrefetchMode
	rules      []RuleConfig
}

var presets = map[string]preset{
	"trade-hub": {
		weights: map[string]float64{
			CategoryLocation: 0.8,
			CategoryValue:    0.7,
			CategoryActivity: 0.3,
		},
		signals: map[string][]string{
			CategoryLocation: {"trade_hub", "watched_location"},
			CategoryValue:    {"reported_value", "dropped_value"},
			CategoryActivity: {"participant_count"},
		},
		thresholds: Thresholds{Priority: 0.85, Notify: 0.60, Digest: 0.40},
		prefetch:   PrefetchConservative,
		rules: []RuleConfig{
			{Name: "pod_only", Kind: RuleAlwaysIgnore},
			{Name: "big_kill", Kind: RuleAlwaysNotify},
		},
	},
	"war-target": {
		weights: map[string]float64{
			CategoryEntity:   1.0,
			CategoryLocation: 0.5,
			CategoryValue:    0.3,
		},
		signals: map[string][]string{
			CategoryEntity:   {"watched_entity", "friendly_loss"},
			CategoryLocation: {"watched_location"},
			CategoryValue:    {"reported_value"},
		},
		thresholds: Thresholds{Priority: 0.80, Notify: 0.50, Digest: 0.30},
		prefetch:   PrefetchConservative,
		rules: []RuleConfig{
			{Name: "watched_victim", Kind: RuleAlwaysNotify},
			{Name: "npc_only", Kind: RuleAlwaysIgnore},
		},
	},
	"quiet-space": {
		weights: map[string]float64{
			CategoryLocation: 1.0,
			CategoryActivity: 0.6,
		},
		signals: map[string][]string{
			CategoryLocation: {"watched_location"},
			CategoryActivity: {"participant_count", "solo"},
		},
		thresholds: Thresholds{Priority: 0.90, Notify: 0.70, Digest: 0.50},
		prefetch:   PrefetchStrict,
		rules: []RuleConfig{
			{Name: "npc_only", Kind: RuleAlwaysIgnore},
		},
	},
}

// PresetNames lists the built-in presets, sorted.
func PresetNames() []string {
	out := make([]string, 0, len(presets))
	for n := range presets {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Compile validates a Spec against the registry and builds the EngineConfig.
// On any violation the config is nil and the slice lists every problem found.
func Compile(spec Spec, reg *Registry) (*EngineConfig, []string) {
	var v []string
	bad := func(format string, args ...any) {
		v = append(v, fmt.Sprintf(format, args...))
	}

	tier := spec.Tier
	if tier == "" {
		tier = "simple"
	}
	switch tier {
	case "simple", "intermediate", "advanced":
	default:
		bad("unknown config tier %q (want simple, intermediate or advanced)", tier)
		return nil, v
	}

	cfg := &EngineConfig{
		ConfigTier:  tier,
		Aggregation: AggWeighted,
		Prefetch:    PrefetchAuto,
		RequireAll:  spec.RequireAll,
		RequireAny:  spec.RequireAny,
	}

	var ps preset
	if tier == "advanced" {
		if spec.Preset != "" {
			bad("advanced tier does not take a preset (got %q)", spec.Preset)
		}
		if len(spec.Categories) == 0 {
			bad("advanced tier requires explicit categories")
		}
	} else {
		if spec.Preset == "" {
			bad("%s tier requires a preset (one of %v)", tier, PresetNames())
		} else {
			var ok bool
			ps, ok = presets[spec.Preset]
			if !ok {
				bad("unknown preset %q (want one of %v)", spec.Preset, PresetNames())
			}
		}
		if len(spec.Categories) > 0 {
			bad("%s tier does not take explicit categories", tier)
		}
		cfg.Prefetch = ps.prefetch
		cfg.Thresholds = ps.thresholds
		cfg.Rules = ps.rules
	}

	// Knob overrides, shared by all tiers.
	if spec.Aggregation != "" {
		switch AggregationMode(spec.Aggregation) {
		case AggWeighted, AggLinear, AggMax:
			cfg.Aggregation = AggregationMode(spec.Aggregation)
		default:
			bad("unknown aggregation mode %q", spec.Aggregation)
		}
	}
	if spec.Prefetch != "" {
		switch PrefetchMode(spec.Prefetch) {
		case PrefetchBypass, PrefetchStrict, PrefetchConservative, PrefetchAuto:
			cfg.Prefetch = PrefetchMode(spec.Prefetch)
		default:
			bad("unknown prefetch mode %q", spec.Prefetch)
		}
	}
	if cfg.Prefetch == "" {
		cfg.Prefetch = PrefetchAuto
	}
	if spec.Thresholds != nil {
		cfg.Thresholds = *spec.Thresholds
	}
	if spec.Rules != nil {
		cfg.Rules = spec.Rules
	}

	// Categories per tier.
	switch tier {
	case "simple":
		for name := range spec.Sliders {
			if _, ok := ps.weights[name]; !ok {
				bad("slider for category %q not in preset %q", name, spec.Preset)
			}
		}
		for _, name := range CanonicalCategories {
			base, ok := ps.weights[name]
			if !ok {
				continue
			}
			w := base
			if s, ok := spec.Sliders[name]; ok {
				if s < 0 || s > 100 {
					bad("slider for category %q is %.1f, want 0..100", name, s)
					continue
				}
				w = base * s / 100
			}
			cfg.Categories = append(cfg.Categories, presetCategory(name, w, ps, spec.Watched))
		}
	case "intermediate":
		for name := range spec.Weights {
			known := false
			for _, c := range CanonicalCategories {
				if c == name {
					known = true
				}
			}
			if !known {
				bad("weight for unknown category %q", name)
			}
		}
		for _, name := range CanonicalCategories {
			base, inPreset := ps.weights[name]
			w, overridden := spec.Weights[name]
			if !overridden {
				if !inPreset {
					continue
				}
				w = base
			} else if !inPreset {
				bad("weight for category %q not in preset %q", name, spec.Preset)
				continue
			}
			if w < 0 {
				bad("category %q has negative weight %.3f", name, w)
				continue
			}
			cfg.Categories = append(cfg.Categories, presetCategory(name, w, ps, spec.Watched))
		}
	case "advanced":
		seen := map[string]bool{}
		for _, cs := range spec.Categories {
			cc, errs := compileCategory(cs, reg)
			v = append(v, errs...)
			if seen[cs.Name] {
				bad("category %q wired twice", cs.Name)
				continue
			}
			seen[cs.Name] = true
			if len(errs) == 0 {
				cfg.Categories = append(cfg.Categories, cc)
			}
		}
	}

	// Cross-cutting invariants.
	active := 0
	for _, c := range cfg.Categories {
		if c.Weight > 0 {
			active++
		}
	}
	if len(v) == 0 && active == 0 {
		bad("all category weights are zero; at least one must be positive")
	}
	if cfg.Aggregation == AggMax && cfg.Prefetch != PrefetchBypass {
		bad("max aggregation requires prefetch mode bypass (got %q)", cfg.Prefetch)
	}
	th := cfg.Thresholds
	if !(th.Digest <= th.Notify && th.Notify <= th.Priority) {
		bad("thresholds must be ordered digest <= notify <= priority (got %.2f/%.2f/%.2f)",
			th.Digest, th.Notify, th.Priority)
	}
	for _, g := range spec.RequireAll {
		if c := cfg.category(g); c == nil || c.Weight == 0 {
			bad("require_all names disabled or unknown category %q", g)
		}
	}
	for _, g := range spec.RequireAny {
		if c := cfg.category(g); c == nil || c.Weight == 0 {
			bad("require_any names disabled or unknown category %q", g)
		}
	}
	for _, rc := range cfg.Rules {
		if _, ok := reg.Rule(rc.Name); !ok {
			bad("unknown rule %q", rc.Name)
		}
		switch rc.Kind {
		case RuleAlwaysNotify, RuleAlwaysIgnore:
		default:
			bad("rule %q has unknown kind %q", rc.Name, rc.Kind)
		}
	}

	if len(v) > 0 {
		return nil, v
	}
	return cfg, nil
}

// presetCategory instantiates one preset category with the operator's
// watchlists plumbed into every signal.
func presetCategory(name string, weight float64, ps preset, watched WatchedSpec) CategoryConfig {
	cc := CategoryConfig{
		Name:          name,
		Weight:        weight,
		Combine:       CombineMax,
		PenaltyFactor: 1,
	}
	for _, sn := range ps.signals[name] {
		cc.Signals = append(cc.Signals, SignalConfig{
			Name: sn,
			Params: SignalParams{
				Locations: watched.Locations,
				Entities:  watched.Entities,
			},
		})
	}
	return cc
}

func compileCategory(cs CategorySpec, reg *Registry) (CategoryConfig, []string) {
	var v []string
	bad := func(format string, args ...any) {
		v = append(v, fmt.Sprintf(format, args...))
	}

	known := false
	for _, c := range CanonicalCategories {
		if c == cs.Name {
			known = true
		}
	}
	if !known {
		bad("unknown category %q (want one of %v)", cs.Name, CanonicalCategories)
	}
	if cs.Weight < 0 || math.IsNaN(cs.Weight) {
		bad("category %q has invalid weight %v", cs.Name, cs.Weight)
	}

	combine := CombineMax
	switch CombineMode(cs.Combine) {
	case "":
	case CombineMax, CombineMean:
		combine = CombineMode(cs.Combine)
	default:
		bad("category %q has unknown combine mode %q", cs.Name, cs.Combine)
	}

	penalty := 1.0
	if cs.PenaltyFactor != nil {
		penalty = *cs.PenaltyFactor
		if penalty < 0 || penalty > 1 {
			bad("category %q penalty_factor %.3f out of [0,1]", cs.Name, penalty)
		}
	}
	if cs.MatchThreshold < 0 || cs.MatchThreshold > 1 {
		bad("category %q match_threshold %.3f out of [0,1]", cs.Name, cs.MatchThreshold)
	}

	if len(cs.Signals) == 0 && cs.Weight > 0 {
		bad("category %q has no signals", cs.Name)
	}
	for _, sc := range cs.Signals {
		if _, ok := reg.Signal(sc.Name); !ok {
			bad("category %q references unknown signal %q", cs.Name, sc.Name)
			continue
		}
		if home, ok := builtinSignalCategory[sc.Name]; ok && home != cs.Name {
			bad("signal %q belongs to category %q, wired into %q", sc.Name, home, cs.Name)
		}
		if sc.Weight < 0 {
			bad("signal %q has negative weight %.3f", sc.Name, sc.Weight)
		}
	}

	return CategoryConfig{
		Name:           cs.Name,
		Weight:         cs.Weight,
		Combine:        combine,
		MatchThreshold: cs.MatchThreshold,
		PenaltyFactor:  penalty,
		Signals:        cs.Signals,
	}, v
}
