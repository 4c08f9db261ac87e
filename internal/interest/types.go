package interest

// Tier is the final notification urgency of a scored event.
type Tier string

const (
	TierPriority Tier = "priority"
	TierNotify   Tier = "notify"
	TierDigest   Tier = "digest"
	TierLogOnly  Tier = "log_only"
	TierFilter   Tier = "filter"
)

// Rank orders tiers for monotonicity checks; higher is more urgent.
func (t Tier) Rank() int {
	switch t {
	case TierPriority:
		return 4
	case TierNotify:
		return 3
	case TierDigest:
		return 2
	case TierLogOnly:
		return 1
	default:
		return 0
	}
}

// AggregationMode combines weighted category scores into one aggregate.
type AggregationMode string

const (
	// AggWeighted normalizes the weighted sum by the sum of active weights.
	AggWeighted AggregationMode = "weighted"
	// AggLinear is the unnormalized weighted sum, clipped to [0,1].
	AggLinear AggregationMode = "linear"
	// AggMax takes the single highest weighted category score. Incompatible
	// with any prefetch mode except bypass: a maximum cannot be safely
	// lower-bounded from a subset of categories.
	AggMax AggregationMode = "max"
)

// PrefetchMode controls the cost-avoidance check before enrichment.
type PrefetchMode string

const (
	PrefetchBypass       PrefetchMode = "bypass"
	PrefetchStrict       PrefetchMode = "strict"
	PrefetchConservative PrefetchMode = "conservative"
	PrefetchAuto         PrefetchMode = "auto"
)

// CombineMode combines a category's signal scores into the raw category score.
type CombineMode string

const (
	CombineMax  CombineMode = "max"
	CombineMean CombineMode = "mean"
)

// RuleKind is the effect of a bypass rule.
type RuleKind string

const (
	RuleAlwaysNotify RuleKind = "always_notify"
	RuleAlwaysIgnore RuleKind = "always_ignore"
)

// DefaultMatchThreshold is the fixed per-signal match threshold unless a
// signal or category overrides it.
const DefaultMatchThreshold = 0.3

// SignalScore is one sub-scorer's verdict, always with a human-readable
// reason.
type SignalScore struct {
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	Match    bool    `json:"match"`
	Prefetch bool    `json:"prefetch"`
	Reason   string  `json:"reason"`
}

// CategoryScore aggregates a category's signals.
//
// Prefetch is true only when every constituent signal is prefetch-capable:
// one post-fetch signal makes the whole category post-fetch, since the
// category's final value cannot be bounded without it.
type CategoryScore struct {
	Category      string        `json:"category"`
	Signals       []SignalScore `json:"signals"`
	Raw           float64       `json:"raw"`
	PenaltyFactor float64       `json:"penalty_factor"`
	Penalized     float64       `json:"penalized"`
	Weight        float64       `json:"weight"`
	Weighted      float64       `json:"weighted"`
	Match         bool          `json:"match"`
	Prefetch      bool          `json:"prefetch"`
}

// RuleMatch records a bypass rule that fired.
type RuleMatch struct {
	Name   string   `json:"name"`
	Kind   RuleKind `json:"kind"`
	Reason string   `json:"reason"`
}

// Thresholds map the aggregate score to a tier. Ordering Digest <= Notify <=
// Priority is a config-validation invariant.
type Thresholds struct {
	Priority float64 `json:"priority"`
	Notify   float64 `json:"notify"`
	Digest   float64 `json:"digest"`
}

// TierFor maps a score to its tier; monotonic in score by construction.
func (th Thresholds) TierFor(score float64) Tier {
	switch {
	case score >= th.Priority:
		return TierPriority
	case score >= th.Notify:
		return TierNotify
	case score >= th.Digest:
		return TierDigest
	default:
		return TierFilter
	}
}

// InterestResult is the full, explainable outcome of one evaluation.
// Computed fresh per evaluation and never cached across config changes.
type InterestResult struct {
	KillID     int64 `json:"kill_id"`
	LocationID int64 `json:"location_id"`

	ConfigTier  string          `json:"config_tier"`
	Aggregation AggregationMode `json:"aggregation"`

	Categories   []CategoryScore `json:"categories"`
	MatchedRules []RuleMatch     `json:"matched_rules,omitempty"`

	Aggregate  float64    `json:"aggregate"`
	Thresholds Thresholds `json:"thresholds"`
	Tier       Tier       `json:"tier"`

	BypassedScoring bool `json:"bypassed_scoring,omitempty"`
	WasIgnored      bool `json:"was_ignored,omitempty"`

	GateFailed     bool   `json:"gate_failed,omitempty"`
	FailedGate     string `json:"failed_gate,omitempty"`
	FailedCategory string `json:"failed_category,omitempty"`
}

// PrefetchDecision reports whether enrichment is worth its cost, with every
// input the operator needs to audit the call.
type PrefetchDecision struct {
	Mode        PrefetchMode `json:"mode"` // effective mode (auto resolved)
	ShouldFetch bool         `json:"should_fetch"`

	LowerBound float64 `json:"lower_bound"`
	UpperBound float64 `json:"upper_bound"`

	BaseThreshold     float64 `json:"base_threshold"`
	RMSFactor         float64 `json:"rms_factor"`
	AdjustedThreshold float64 `json:"adjusted_threshold"`

	ActiveCategories   int `json:"active_categories"`
	PrefetchCategories int `json:"prefetch_categories"`

	// ForcedByRule is set when a prefetch-capable bypass rule decided the
	// outcome before any bound comparison.
	ForcedByRule *RuleMatch `json:"forced_by_rule,omitempty"`

	Reason string `json:"reason"`
}
