package interest

import (
	"fmt"
	"math"

	"killfeed/internal/feed"
)

// rmsFloor bounds how far the safety factor may shrink the threshold.
const rmsFloor = 0.45

// rmsFactor compensates for many independent categories: with n of them, no
// single one is expected to reach the full threshold alone.
func rmsFactor(activeCategories int) float64 {
	if activeCategories <= 1 {
		return 1
	}
	f := 1 / math.Sqrt(float64(activeCategories))
	if f < rmsFloor {
		return rmsFloor
	}
	return f
}

// PrefetchDecide decides, before any enrichment cost is paid, whether the
// event could plausibly clear the digest threshold. Only prefetch-capable
// signals and rules are consulted; everything that went into the decision is
// reported back.
func (e *Engine) PrefetchDecide(ev feed.KillEvent) PrefetchDecision {
	cfg := e.cfg

	var cats []CategoryScore
	active, capable := 0, 0
	for i := range cfg.Categories {
		cc := &cfg.Categories[i]
		if cc.Weight == 0 {
			continue
		}
		active++
		cs := e.scoreCategory(cc, ev, nil)
		if cs.Prefetch {
			capable++
		}
		cats = append(cats, cs)
	}

	mode := cfg.Prefetch
	if mode == PrefetchAuto {
		if capable == active {
			mode = PrefetchStrict
		} else {
			mode = PrefetchConservative
		}
	}

	d := PrefetchDecision{
		Mode:               mode,
		BaseThreshold:      cfg.Thresholds.Digest,
		RMSFactor:          rmsFactor(active),
		ActiveCategories:   active,
		PrefetchCategories: capable,
	}
	d.AdjustedThreshold = d.BaseThreshold * d.RMSFactor
	d.LowerBound, d.UpperBound = bounds(cfg.Aggregation, cats)

	// Cheap rules can settle it outright; an ignore beats a notify.
	if forced := e.prefetchRule(ev, &d); forced {
		return d
	}

	switch mode {
	case PrefetchBypass:
		d.ShouldFetch = true
		d.Reason = "bypass mode always fetches"
	case PrefetchStrict:
		d.ShouldFetch = d.LowerBound >= d.AdjustedThreshold
		d.Reason = fmt.Sprintf("strict: lower bound %.3f vs threshold %.3f", d.LowerBound, d.AdjustedThreshold)
	default: // conservative
		d.ShouldFetch = d.UpperBound >= d.AdjustedThreshold
		d.Reason = fmt.Sprintf("conservative: upper bound %.3f vs threshold %.3f", d.UpperBound, d.AdjustedThreshold)
	}
	return d
}

// prefetchRule runs the prefetch-capable bypass rules against the bare event.
// Returns true when a rule forced the decision.
func (e *Engine) prefetchRule(ev feed.KillEvent, d *PrefetchDecision) bool {
	var notify, ignore *RuleMatch
	for _, rc := range e.cfg.Rules {
		p, ok := e.reg.Rule(rc.Name)
		if !ok || !p.PrefetchCapable() {
			continue
		}
		hit, reason := p.Match(ev, nil, rc)
		if !hit {
			continue
		}
		m := RuleMatch{Name: rc.Name, Kind: rc.Kind, Reason: reason}
		switch rc.Kind {
		case RuleAlwaysNotify:
			if notify == nil {
				notify = &m
			}
		case RuleAlwaysIgnore:
			if ignore == nil {
				ignore = &m
			}
		}
	}
	if ignore != nil {
		d.ForcedByRule = ignore
		d.ShouldFetch = false
		d.Reason = "rule " + ignore.Name + " ignores the event"
		return true
	}
	if notify != nil {
		d.ForcedByRule = notify
		d.ShouldFetch = true
		d.Reason = "rule " + notify.Name + " forces a notification"
		return true
	}
	return false
}

// bounds computes the score envelope: prefetch-capable categories contribute
// their exact score to both ends, the rest contribute zero to the lower bound
// and their full weight to the upper.
func bounds(mode AggregationMode, cats []CategoryScore) (lower, upper float64) {
	if len(cats) == 0 {
		return 0, 0
	}
	switch mode {
	case AggLinear:
		for _, c := range cats {
			if c.Prefetch {
				lower += c.Weighted
				upper += c.Weighted
			} else {
				upper += c.Weight
			}
		}
		return clip01(lower), clip01(upper)
	case AggMax:
		// Only reachable under bypass; the bounds are still reported.
		for _, c := range cats {
			w := c.Weighted
			if !c.Prefetch {
				w = c.Weight
			}
			if c.Prefetch && c.Weighted > lower {
				lower = c.Weighted
			}
			if w > upper {
				upper = w
			}
		}
		return clip01(lower), clip01(upper)
	default: // weighted
		var lsum, usum, wsum float64
		for _, c := range cats {
			wsum += c.Weight
			if c.Prefetch {
				lsum += c.Weighted
				usum += c.Weighted
			} else {
				usum += c.Weight
			}
		}
		if wsum == 0 {
			return 0, 0
		}
		return clip01(lsum / wsum), clip01(usum / wsum)
	}
}
