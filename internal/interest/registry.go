package interest

import (
	"fmt"
	"sort"
	"strings"

	"killfeed/internal/feed"
	"killfeed/internal/storage"
)

// SignalParams are the validated knobs a provider may consume. Providers
// ignore fields they don't use.
type SignalParams struct {
	Locations []int64 `json:"locations,omitempty"`
	Entities  []int64 `json:"entities,omitempty"`
	Min       float64 `json:"min,omitempty"`
	Max       float64 `json:"max,omitempty"`
}

// SignalConfig wires one provider into a category.
type SignalConfig struct {
	Name string `json:"name"`
	// Weight is the signal's share under mean combine; ignored for max.
	Weight float64 `json:"weight,omitempty"`
	// MatchThreshold overrides the fixed default of 0.3 when > 0.
	MatchThreshold float64      `json:"match_threshold,omitempty"`
	Params         SignalParams `json:"params,omitempty"`
}

// RuleConfig wires one rule provider with its effect.
type RuleConfig struct {
	Name   string       `json:"name"`
	Kind   RuleKind     `json:"kind"`
	Params SignalParams `json:"params,omitempty"`
}

// SignalProvider scores one dimension of an event. Prefetch-capable providers
// must produce the identical score with a nil detail.
type SignalProvider interface {
	Name() string
	PrefetchCapable() bool
	Score(ev feed.KillEvent, detail *storage.EnrichmentDetail, cfg SignalConfig) SignalScore
}

// RuleProvider is a named bypass predicate, independent of category scoring.
type RuleProvider interface {
	Name() string
	PrefetchCapable() bool
	Match(ev feed.KillEvent, detail *storage.EnrichmentDetail, cfg RuleConfig) (bool, string)
}

// Registry maps provider names to implementations. Built-ins are registered
// at construction; custom providers are admitted only when the registry was
// created with custom providers allowed (explicit feature flag, injected at
// process start instead of a package-level global so tests build fresh
// registries).
type Registry struct {
	signals     map[string]SignalProvider
	rules       map[string]RuleProvider
	builtins    map[string]bool
	allowCustom bool
}

// NewRegistry returns a registry with all built-in providers registered.
func NewRegistry(allowCustom bool) *Registry {
	r := &Registry{
		signals:     map[string]SignalProvider{},
		rules:       map[string]RuleProvider{},
		builtins:    map[string]bool{},
		allowCustom: allowCustom,
	}
	for _, p := range builtinSignals() {
		r.signals[p.Name()] = p
		r.builtins["signal:"+p.Name()] = true
	}
	for _, p := range builtinRules() {
		r.rules[p.Name()] = p
		r.builtins["rule:"+p.Name()] = true
	}
	return r
}

// RegisterSignal admits a custom signal provider. Refused unless the registry
// allows custom providers; built-in names cannot be shadowed.
func (r *Registry) RegisterSignal(p SignalProvider) error {
	name := strings.TrimSpace(p.Name())
	if name == "" {
		return fmt.Errorf("signal provider has empty name")
	}
	if !r.allowCustom {
		return fmt.Errorf("custom signal provider %q: custom providers are disabled", name)
	}
	if r.builtins["signal:"+name] {
		return fmt.Errorf("signal provider %q shadows a built-in", name)
	}
	r.signals[name] = p
	return nil
}

// RegisterRule admits a custom rule provider under the same policy.
func (r *Registry) RegisterRule(p RuleProvider) error {
	name := strings.TrimSpace(p.Name())
	if name == "" {
		return fmt.Errorf("rule provider has empty name")
	}
	if !r.allowCustom {
		return fmt.Errorf("custom rule provider %q: custom providers are disabled", name)
	}
	if r.builtins["rule:"+name] {
		return fmt.Errorf("rule provider %q shadows a built-in", name)
	}
	r.rules[name] = p
	return nil
}

func (r *Registry) Signal(name string) (SignalProvider, bool) {
	p, ok := r.signals[name]
	return p, ok
}

func (r *Registry) Rule(name string) (RuleProvider, bool) {
	p, ok := r.rules[name]
	return p, ok
}

// SignalNames lists registered signal providers, sorted for stable output.
func (r *Registry) SignalNames() []string {
	out := make([]string, 0, len(r.signals))
	for n := range r.signals {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
