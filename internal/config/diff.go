package config

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	logx "killfeed/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the profile names whose definition changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage
	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Ingest
	if oldCfg.Ingest != newCfg.Ingest {
		changed = append(changed, "ingest")
		attrs = append(attrs,
			logx.Int("ingest.queue_size", newCfg.Ingest.QueueSize),
			logx.Int("ingest.batch_size", newCfg.Ingest.BatchSize),
		)
	}

	// Enrich (never log token)
	if strings.TrimSpace(oldCfg.Enrich.BaseURL) != strings.TrimSpace(newCfg.Enrich.BaseURL) ||
		oldCfg.Enrich.RatePerSec != newCfg.Enrich.RatePerSec ||
		oldCfg.Enrich.RetryMax != newCfg.Enrich.RetryMax ||
		oldCfg.Enrich.MaxAttempts != newCfg.Enrich.MaxAttempts ||
		strings.TrimSpace(oldCfg.Enrich.Timeout) != strings.TrimSpace(newCfg.Enrich.Timeout) ||
		strings.TrimSpace(oldCfg.Enrich.RetryBase) != strings.TrimSpace(newCfg.Enrich.RetryBase) ||
		oldCfg.Enrich.Token != newCfg.Enrich.Token {
		changed = append(changed, "enrich")
		attrs = append(attrs,
			logx.Int("enrich.rate_per_sec", newCfg.Enrich.RatePerSec),
			logx.Bool("enrich.token_set", strings.TrimSpace(newCfg.Enrich.Token) != ""),
		)
	}

	// Channels (summarize only; never log tokens)
	if channelsDiffer(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		attrs = append(attrs, logx.Int("channels.count", len(newCfg.Channels)))
	}

	// Expunge
	if oldCfg.Expunge != newCfg.Expunge {
		changed = append(changed, "expunge")
		attrs = append(attrs,
			logx.String("expunge.schedule", strings.TrimSpace(newCfg.Expunge.Schedule)),
			logx.String("expunge.interval", strings.TrimSpace(newCfg.Expunge.Interval)),
		)
	}

	// Debug (never log token)
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	// Profiles (per-name diff so workers can be restarted selectively)
	profilesChanged := diffProfiles(oldCfg.Profiles, newCfg.Profiles)
	if len(profilesChanged) > 0 {
		changed = append(changed, "profiles")
		attrs = append(attrs,
			logx.Int("profiles.changed_count", len(profilesChanged)),
			logx.Int("profiles.enabled_count", countEnabled(newCfg.Profiles)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, profilesChanged
}

func countEnabled(m map[string]ProfileConfig) int {
	n := 0
	for _, p := range m {
		if p.IsEnabled() {
			n++
		}
	}
	return n
}

func channelsDiffer(oldM, newM map[string]ChannelConfig) bool {
	if len(oldM) != len(newM) {
		return true
	}
	for name, o := range oldM {
		n, ok := newM[name]
		if !ok || o != n {
			return true
		}
	}
	return false
}

func diffProfiles(oldM, newM map[string]ProfileConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oldOK := oldM[name]
		n, newOK := newM[name]
		if oldOK != newOK {
			out = append(out, name)
			continue
		}
		// Profiles hold nested maps and slices; compare canonical JSON.
		if profileHash(o) != profileHash(n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func profileHash(p ProfileConfig) uint64 {
	b, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
