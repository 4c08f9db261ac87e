package interest

import (
	"fmt"

	"killfeed/internal/feed"
	"killfeed/internal/storage"
)

// Canonical category names. The set is closed; configuration referencing any
// other category is rejected at load time.
const (
	CategoryLocation = "location"
	CategoryValue    = "value"
	CategoryEntity   = "entity"
	CategoryActivity = "activity"
)

// CanonicalCategories in stable order.
var CanonicalCategories = []string{CategoryLocation, CategoryValue, CategoryEntity, CategoryActivity}

// builtinSignalCategory says which category each built-in signal belongs to;
// wiring a signal into another category is a validation error.
var builtinSignalCategory = map[string]string{
	"watched_location":  CategoryLocation,
	"trade_hub":         CategoryLocation,
	"reported_value":    CategoryValue,
	"dropped_value":     CategoryValue,
	"watched_entity":    CategoryEntity,
	"friendly_loss":     CategoryEntity,
	"participant_count": CategoryActivity,
	"solo":              CategoryActivity,
}

func builtinSignals() []SignalProvider {
	return []SignalProvider{
		watchedLocationSignal{},
		tradeHubSignal{},
		reportedValueSignal{},
		droppedValueSignal{},
		watchedEntitySignal{},
		friendlyLossSignal{},
		participantCountSignal{},
		soloSignal{},
	}
}

func matchAt(score float64, cfg SignalConfig) bool {
	th := cfg.MatchThreshold
	if th <= 0 {
		th = DefaultMatchThreshold
	}
	return score >= th
}

func mkScore(name string, prefetch bool, score float64, cfg SignalConfig, reason string) SignalScore {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return SignalScore{Name: name, Score: score, Match: matchAt(score, cfg), Prefetch: prefetch, Reason: reason}
}

// normalize maps v into [0,1] over [min,max], saturating at the ends.
func normalize(v, min, max float64) float64 {
	if max <= min {
		if v >= max {
			return 1
		}
		return 0
	}
	switch {
	case v <= min:
		return 0
	case v >= max:
		return 1
	default:
		return (v - min) / (max - min)
	}
}

// ---- location ----

type watchedLocationSignal struct{}

func (watchedLocationSignal) Name() string          { return "watched_location" }
func (watchedLocationSignal) PrefetchCapable() bool { return true }

func (s watchedLocationSignal) Score(ev feed.KillEvent, _ *storage.EnrichmentDetail, cfg SignalConfig) SignalScore {
	for _, id := range cfg.Params.Locations {
		if id == ev.LocationID {
			return mkScore(s.Name(), true, 1, cfg, fmt.Sprintf("location %d is watched", ev.LocationID))
		}
	}
	return mkScore(s.Name(), true, 0, cfg, fmt.Sprintf("location %d not watched", ev.LocationID))
}

// tradeHubs are the major market systems. A kill in or near one is visible to
// a lot of traffic.
var tradeHubs = map[int64]string{
	30000142: "Jita",
	30002187: "Amarr",
	30002659: "Dodixie",
	30002510: "Rens",
	30002053: "Hek",
}

type tradeHubSignal struct{}

func (tradeHubSignal) Name() string          { return "trade_hub" }
func (tradeHubSignal) PrefetchCapable() bool { return true }

func (s tradeHubSignal) Score(ev feed.KillEvent, _ *storage.EnrichmentDetail, cfg SignalConfig) SignalScore {
	hubs := cfg.Params.Locations
	if len(hubs) == 0 {
		if name, ok := tradeHubs[ev.LocationID]; ok {
			return mkScore(s.Name(), true, 1, cfg, "kill in trade hub "+name)
		}
		return mkScore(s.Name(), true, 0, cfg, "not a trade hub")
	}
	for _, id := range hubs {
		if id == ev.LocationID {
			return mkScore(s.Name(), true, 1, cfg, fmt.Sprintf("kill in configured hub %d", id))
		}
	}
	return mkScore(s.Name(), true, 0, cfg, "not a configured hub")
}

// ---- value ----

type reportedValueSignal struct{}

func (reportedValueSignal) Name() string          { return "reported_value" }
func (reportedValueSignal) PrefetchCapable() bool { return true }

func (s reportedValueSignal) Score(ev feed.KillEvent, _ *storage.EnrichmentDetail, cfg SignalConfig) SignalScore {
	if ev.ReportedValue <= 0 {
		return mkScore(s.Name(), true, 0, cfg, "no reported value on event")
	}
	min, max := cfg.Params.Min, cfg.Params.Max
	if max <= 0 {
		min, max = 10_000_000, 10_000_000_000
	}
	v := normalize(ev.ReportedValue, min, max)
	return mkScore(s.Name(), true, v, cfg, fmt.Sprintf("reported value %.0f over [%.0f,%.0f]", ev.ReportedValue, min, max))
}

type droppedValueSignal struct{}

func (droppedValueSignal) Name() string          { return "dropped_value" }
func (droppedValueSignal) PrefetchCapable() bool { return false }

func (s droppedValueSignal) Score(_ feed.KillEvent, detail *storage.EnrichmentDetail, cfg SignalConfig) SignalScore {
	if detail == nil {
		return mkScore(s.Name(), false, 0, cfg, "requires enrichment detail")
	}
	min, max := cfg.Params.Min, cfg.Params.Max
	if max <= 0 {
		min, max = 1_000_000, 1_000_000_000
	}
	v := normalize(detail.DroppedValue, min, max)
	return mkScore(s.Name(), false, v, cfg, fmt.Sprintf("dropped value %.0f over [%.0f,%.0f]", detail.DroppedValue, min, max))
}

// ---- entity ----

func participantMatches(p storage.Participant, ids []int64) bool {
	for _, id := range ids {
		if id == p.CharacterID || id == p.CorpID || id == p.AllianceID {
			return true
		}
	}
	return false
}

type watchedEntitySignal struct{}

func (watchedEntitySignal) Name() string          { return "watched_entity" }
func (watchedEntitySignal) PrefetchCapable() bool { return false }

func (s watchedEntitySignal) Score(_ feed.KillEvent, detail *storage.EnrichmentDetail, cfg SignalConfig) SignalScore {
	if detail == nil {
		return mkScore(s.Name(), false, 0, cfg, "requires enrichment detail")
	}
	if participantMatches(detail.Victim, cfg.Params.Entities) {
		return mkScore(s.Name(), false, 1, cfg, "watched entity is the victim")
	}
	for _, a := range detail.Attackers {
		if participantMatches(a, cfg.Params.Entities) {
			return mkScore(s.Name(), false, 1, cfg, "watched entity among attackers")
		}
	}
	return mkScore(s.Name(), false, 0, cfg, "no watched entity involved")
}

type friendlyLossSignal struct{}

func (friendlyLossSignal) Name() string          { return "friendly_loss" }
func (friendlyLossSignal) PrefetchCapable() bool { return false }

func (s friendlyLossSignal) Score(_ feed.KillEvent, detail *storage.EnrichmentDetail, cfg SignalConfig) SignalScore {
	if detail == nil {
		return mkScore(s.Name(), false, 0, cfg, "requires enrichment detail")
	}
	if participantMatches(detail.Victim, cfg.Params.Entities) {
		return mkScore(s.Name(), false, 1, cfg, "friendly entity lost a ship")
	}
	return mkScore(s.Name(), false, 0, cfg, "victim is not friendly")
}

// ---- activity ----

type participantCountSignal struct{}

func (participantCountSignal) Name() string          { return "participant_count" }
func (participantCountSignal) PrefetchCapable() bool { return false }

func (s participantCountSignal) Score(_ feed.KillEvent, detail *storage.EnrichmentDetail, cfg SignalConfig) SignalScore {
	if detail == nil {
		return mkScore(s.Name(), false, 0, cfg, "requires enrichment detail")
	}
	max := cfg.Params.Max
	if max <= 0 {
		max = 20
	}
	n := float64(len(detail.Attackers))
	v := normalize(n, 0, max)
	return mkScore(s.Name(), false, v, cfg, fmt.Sprintf("%d attackers over max %.0f", len(detail.Attackers), max))
}

type soloSignal struct{}

func (soloSignal) Name() string          { return "solo" }
func (soloSignal) PrefetchCapable() bool { return false }

func (s soloSignal) Score(_ feed.KillEvent, detail *storage.EnrichmentDetail, cfg SignalConfig) SignalScore {
	if detail == nil {
		return mkScore(s.Name(), false, 0, cfg, "requires enrichment detail")
	}
	players := 0
	for _, a := range detail.Attackers {
		if !a.NPC {
			players++
		}
	}
	if players == 1 {
		return mkScore(s.Name(), false, 1, cfg, "solo kill")
	}
	return mkScore(s.Name(), false, 0, cfg, fmt.Sprintf("%d player attackers", players))
}
