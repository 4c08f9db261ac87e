package interest

import (
	"fmt"

	"killfeed/internal/feed"
	"killfeed/internal/storage"
)

// Engine scores events against one compiled configuration. Evaluation is
// pure: no I/O, no caching, safe for concurrent use.
type Engine struct {
	cfg *EngineConfig
	reg *Registry
}

// NewEngine binds a compiled config to a registry. The config must have come
// out of Compile against the same registry.
func NewEngine(cfg *EngineConfig, reg *Registry) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("interest: nil config")
	}
	if reg == nil {
		return nil, fmt.Errorf("interest: nil registry")
	}
	return &Engine{cfg: cfg, reg: reg}, nil
}

// Config returns the compiled configuration the engine runs on.
func (e *Engine) Config() *EngineConfig { return e.cfg }

// Evaluate scores one event. A nil detail evaluates only what the raw event
// carries; post-fetch signals score zero and post-fetch rules cannot match.
func (e *Engine) Evaluate(ev feed.KillEvent, detail *storage.EnrichmentDetail) InterestResult {
	res := InterestResult{
		KillID:      ev.KillID,
		LocationID:  ev.LocationID,
		ConfigTier:  e.cfg.ConfigTier,
		Aggregation: e.cfg.Aggregation,
		Thresholds:  e.cfg.Thresholds,
	}

	// Bypass rules first; an ignore beats a notify when both fire.
	notify, ignore := e.matchRules(ev, detail, &res)
	if ignore != nil {
		res.Tier = TierFilter
		res.WasIgnored = true
		res.BypassedScoring = true
		return res
	}

	for i := range e.cfg.Categories {
		cc := &e.cfg.Categories[i]
		if cc.Weight == 0 {
			continue
		}
		res.Categories = append(res.Categories, e.scoreCategory(cc, ev, detail))
	}
	res.Aggregate = aggregate(e.cfg.Aggregation, res.Categories)

	if notify != nil {
		res.Tier = TierPriority
		res.BypassedScoring = true
		return res
	}

	if gate, cat, ok := checkGates(e.cfg, res.Categories); !ok {
		res.Tier = TierFilter
		res.GateFailed = true
		res.FailedGate = gate
		res.FailedCategory = cat
		return res
	}

	res.Tier = e.cfg.Thresholds.TierFor(res.Aggregate)
	return res
}

// matchRules runs every configured rule, recording matches on the result and
// returning the first notify and ignore matches.
func (e *Engine) matchRules(ev feed.KillEvent, detail *storage.EnrichmentDetail, res *InterestResult) (notify, ignore *RuleMatch) {
	for _, rc := range e.cfg.Rules {
		p, ok := e.reg.Rule(rc.Name)
		if !ok {
			continue
		}
		hit, reason := p.Match(ev, detail, rc)
		if !hit {
			continue
		}
		m := RuleMatch{Name: rc.Name, Kind: rc.Kind, Reason: reason}
		res.MatchedRules = append(res.MatchedRules, m)
		switch rc.Kind {
		case RuleAlwaysNotify:
			if notify == nil {
				notify = &res.MatchedRules[len(res.MatchedRules)-1]
			}
		case RuleAlwaysIgnore:
			if ignore == nil {
				ignore = &res.MatchedRules[len(res.MatchedRules)-1]
			}
		}
	}
	return notify, ignore
}

func (e *Engine) scoreCategory(cc *CategoryConfig, ev feed.KillEvent, detail *storage.EnrichmentDetail) CategoryScore {
	cs := CategoryScore{
		Category:      cc.Name,
		PenaltyFactor: cc.PenaltyFactor,
		Weight:        cc.Weight,
		Prefetch:      true,
	}
	for _, sc := range cc.Signals {
		p, ok := e.reg.Signal(sc.Name)
		if !ok {
			continue
		}
		if sc.MatchThreshold == 0 && cc.MatchThreshold > 0 {
			sc.MatchThreshold = cc.MatchThreshold
		}
		s := p.Score(ev, detail, sc)
		cs.Signals = append(cs.Signals, s)
		if !s.Prefetch {
			cs.Prefetch = false
		}
		if s.Match {
			cs.Match = true
		}
	}
	cs.Raw = combineSignals(cc, cs.Signals)
	cs.Penalized = cs.Raw * cc.PenaltyFactor
	cs.Weighted = cs.Penalized * cc.Weight
	return cs
}

// combineSignals folds signal scores per the category's combine mode. Mean
// weighs signals by their configured weight, defaulting each to 1.
func combineSignals(cc *CategoryConfig, sigs []SignalScore) float64 {
	if len(sigs) == 0 {
		return 0
	}
	switch cc.Combine {
	case CombineMean:
		var sum, wsum float64
		for i, s := range sigs {
			w := cc.Signals[i].Weight
			if w <= 0 {
				w = 1
			}
			sum += s.Score * w
			wsum += w
		}
		if wsum == 0 {
			return 0
		}
		return sum / wsum
	default: // max
		best := 0.0
		for _, s := range sigs {
			if s.Score > best {
				best = s.Score
			}
		}
		return best
	}
}

// aggregate folds weighted category scores into the final aggregate.
func aggregate(mode AggregationMode, cats []CategoryScore) float64 {
	if len(cats) == 0 {
		return 0
	}
	switch mode {
	case AggLinear:
		var sum float64
		for _, c := range cats {
			sum += c.Weighted
		}
		return clip01(sum)
	case AggMax:
		best := 0.0
		for _, c := range cats {
			if c.Weighted > best {
				best = c.Weighted
			}
		}
		return clip01(best)
	default: // weighted
		var sum, wsum float64
		for _, c := range cats {
			sum += c.Weighted
			wsum += c.Weight
		}
		if wsum == 0 {
			return 0
		}
		return clip01(sum / wsum)
	}
}

// checkGates evaluates require_all then require_any over category matches.
// Returns the gate name and the offending category on failure.
func checkGates(cfg *EngineConfig, cats []CategoryScore) (gate, category string, ok bool) {
	matched := map[string]bool{}
	for _, c := range cats {
		matched[c.Category] = c.Match
	}
	for _, name := range cfg.RequireAll {
		if !matched[name] {
			return "require_all", name, false
		}
	}
	if len(cfg.RequireAny) > 0 {
		any := false
		for _, name := range cfg.RequireAny {
			if matched[name] {
				any = true
				break
			}
		}
		if !any {
			return "require_any", cfg.RequireAny[0], false
		}
	}
	return "", "", true
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
