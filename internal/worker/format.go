package worker

import (
	"fmt"
	"strings"

	"killfeed/internal/feed"
	"killfeed/internal/interest"
	"killfeed/internal/storage"
)

func formatSubject(ev feed.KillEvent, res interest.InterestResult) string {
	return fmt.Sprintf("[%s] kill %d in %d", res.Tier, ev.KillID, ev.LocationID)
}

// formatBody renders a compact, human-readable summary: value, the score
// breakdown per category, and any rule that decided the outcome.
func formatBody(ev feed.KillEvent, res interest.InterestResult, detail *storage.EnrichmentDetail) string {
	var b strings.Builder

	value := ev.ReportedValue
	if detail != nil && detail.TotalValue > 0 {
		value = detail.TotalValue
	}
	if value > 0 {
		fmt.Fprintf(&b, "value %s ISK\n", formatISK(value))
	}
	if detail != nil {
		fmt.Fprintf(&b, "attackers %d\n", len(detail.Attackers))
	}

	for _, m := range res.MatchedRules {
		fmt.Fprintf(&b, "rule %s (%s): %s\n", m.Name, m.Kind, m.Reason)
	}
	if !res.BypassedScoring {
		fmt.Fprintf(&b, "score %.2f", res.Aggregate)
		var parts []string
		for _, c := range res.Categories {
			if c.Weighted > 0 {
				parts = append(parts, fmt.Sprintf("%s %.2f", c.Category, c.Penalized))
			}
		}
		if len(parts) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatISK(v float64) string {
	switch {
	case v >= 1e9:
		return fmt.Sprintf("%.1fb", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("%.1fm", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("%.1fk", v/1e3)
	default:
		return fmt.Sprintf("%.0f", v)
	}
}
