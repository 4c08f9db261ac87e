package interest

import (
	"fmt"

	"killfeed/internal/feed"
	"killfeed/internal/storage"
)

// capsuleTypeIDs are pod hulls; a pod-only kill is usually noise.
var capsuleTypeIDs = map[int64]bool{
	670:   true, // Capsule
	33328: true, // Capsule - Genolution 'Auroral' 197-variant
}

func builtinRules() []RuleProvider {
	return []RuleProvider{
		podOnlyRule{},
		npcOnlyRule{},
		bigKillRule{},
		watchedVictimRule{},
	}
}

type podOnlyRule struct{}

func (podOnlyRule) Name() string          { return "pod_only" }
func (podOnlyRule) PrefetchCapable() bool { return false }

func (podOnlyRule) Match(_ feed.KillEvent, detail *storage.EnrichmentDetail, _ RuleConfig) (bool, string) {
	if detail == nil {
		return false, ""
	}
	if capsuleTypeIDs[detail.Victim.ShipTypeID] {
		return true, "victim ship is a capsule"
	}
	return false, ""
}

type npcOnlyRule struct{}

func (npcOnlyRule) Name() string          { return "npc_only" }
func (npcOnlyRule) PrefetchCapable() bool { return false }

func (npcOnlyRule) Match(_ feed.KillEvent, detail *storage.EnrichmentDetail, _ RuleConfig) (bool, string) {
	if detail == nil || len(detail.Attackers) == 0 {
		return false, ""
	}
	for _, a := range detail.Attackers {
		if !a.NPC {
			return false, ""
		}
	}
	return true, "all attackers are NPCs"
}

// bigKillRule fires on the feed's own value estimate, so it works before any
// fetch has been paid for.
type bigKillRule struct{}

func (bigKillRule) Name() string          { return "big_kill" }
func (bigKillRule) PrefetchCapable() bool { return true }

func (bigKillRule) Match(ev feed.KillEvent, _ *storage.EnrichmentDetail, cfg RuleConfig) (bool, string) {
	min := cfg.Params.Min
	if min <= 0 {
		min = 10_000_000_000
	}
	if ev.ReportedValue >= min {
		return true, fmt.Sprintf("reported value %.0f >= %.0f", ev.ReportedValue, min)
	}
	return false, ""
}

type watchedVictimRule struct{}

func (watchedVictimRule) Name() string          { return "watched_victim" }
func (watchedVictimRule) PrefetchCapable() bool { return false }

func (watchedVictimRule) Match(_ feed.KillEvent, detail *storage.EnrichmentDetail, cfg RuleConfig) (bool, string) {
	if detail == nil {
		return false, ""
	}
	if participantMatches(detail.Victim, cfg.Params.Entities) {
		return true, "victim is a watched entity"
	}
	return false, ""
}
