package config

import (
	"fmt"
	"sort"
	"strings"

	"killfeed/internal/interest"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Ingest  IngestConfig  `json:"ingest,omitempty"`
	Enrich  EnrichConfig  `json:"enrich"`

	// Profiles keys are worker names; each runs its own poller.
	Profiles map[string]ProfileConfig `json:"profiles"`

	// Channels keys are delivery channel names referenced by profile routes.
	Channels map[string]ChannelConfig `json:"channels"`

	Expunge ExpungeConfig `json:"expunge,omitempty"`
	Debug   DebugConfig   `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the sqlite event store.
//
// Example:
//
//	"storage": { "path": "./killfeed.db" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// IngestConfig sizes the in-memory ingestion queue and the batch the
// persister drains per pass.
type IngestConfig struct {
	QueueSize int `json:"queue_size,omitempty"` // default 1000
	BatchSize int `json:"batch_size,omitempty"` // default 200
}

// EnrichConfig controls the enrichment HTTP client and the fetch
// coordinator's attempt budget.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type EnrichConfig struct {
	BaseURL     string `json:"base_url"`
	Token       string `json:"token,omitempty"` // optional bearer token (do not log)
	Timeout     string `json:"timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"` // claim attempt budget
}

// ProfileConfig is one worker profile: its polling cadence, its interest
// configuration and where each tier is delivered.
type ProfileConfig struct {
	// Enabled is a pointer so "omitted" defaults to true.
	Enabled *bool `json:"enabled,omitempty"`

	PollInterval string `json:"poll_interval,omitempty"` // default "10s"
	BatchSize    int    `json:"batch_size,omitempty"`    // default 100
	Overlap      string `json:"overlap,omitempty"`       // default "1m"

	Interest interest.Spec `json:"interest"`

	// Routes maps tier name -> channel names. Valid tiers: priority,
	// notify, digest, log_only. filter never routes.
	Routes map[string][]string `json:"routes,omitempty"`
}

func (p ProfileConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ChannelConfig is one delivery endpoint plus its queue and breaker tuning.
type ChannelConfig struct {
	Type string `json:"type"` // "webhook" or "telegram"

	// Webhook.
	URL   string `json:"url,omitempty"`
	Token string `json:"token,omitempty"` // optional bearer token (do not log)

	// Telegram.
	BotToken string `json:"bot_token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id,omitempty"`

	Timeout string `json:"timeout,omitempty"`

	// Queue tuning.
	MaxSize    int     `json:"max_size,omitempty"`  // default 256
	Staleness  string  `json:"staleness,omitempty"` // default "5m"
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	Breaker BreakerConfig `json:"breaker,omitempty"`
}

// BreakerConfig tunes the per-channel circuit breaker. Zero values take the
// delivery package defaults (3 failures over 5m, 1m retry).
type BreakerConfig struct {
	MinFailures int    `json:"min_failures,omitempty"`
	MinDuration string `json:"min_duration,omitempty"`
	RetryAfter  string `json:"retry_after,omitempty"`
}

// ExpungeConfig controls the retention sweep. Schedule is a cron spec; when
// empty, Interval drives a plain ticker.
type ExpungeConfig struct {
	Schedule        string `json:"schedule,omitempty"`
	Interval        string `json:"interval,omitempty"`         // default "6h"
	EventRetention  string `json:"event_retention,omitempty"`  // default "720h"
	MarkerRetention string `json:"marker_retention,omitempty"` // default "48h"
	ClaimLiveness   string `json:"claim_liveness,omitempty"`   // default "15m"
}

// DebugConfig controls the optional debug HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

var validTiers = map[string]bool{
	"priority": true,
	"notify":   true,
	"digest":   true,
	"log_only": true,
}

// Validate checks structural consistency: required fields, duration syntax,
// channel references and types. Interest specs are compiled separately so
// one bad profile does not reject the whole file.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, "storage.path is required")
	}
	if strings.TrimSpace(c.Enrich.BaseURL) == "" {
		errs = append(errs, "enrich.base_url is required")
	}

	durFields := []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"enrich.timeout", c.Enrich.Timeout},
		{"enrich.retry_base", c.Enrich.RetryBase},
		{"expunge.interval", c.Expunge.Interval},
		{"expunge.event_retention", c.Expunge.EventRetention},
		{"expunge.marker_retention", c.Expunge.MarkerRetention},
		{"expunge.claim_liveness", c.Expunge.ClaimLiveness},
		{"debug.read_timeout", c.Debug.ReadTimeout},
		{"debug.write_timeout", c.Debug.WriteTimeout},
		{"debug.idle_timeout", c.Debug.IdleTimeout},
	}
	for _, f := range durFields {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err.Error())
		}
	}

	for _, name := range SortedKeys(c.Channels) {
		ch := c.Channels[name]
		prefix := "channels." + name
		switch ch.Type {
		case "webhook":
			if strings.TrimSpace(ch.URL) == "" {
				errs = append(errs, prefix+": webhook requires url")
			}
		case "telegram":
			if strings.TrimSpace(ch.BotToken) == "" || ch.ChatID == 0 {
				errs = append(errs, prefix+": telegram requires bot_token and chat_id")
			}
		default:
			errs = append(errs, fmt.Sprintf("%s: unknown type %q", prefix, ch.Type))
		}
		for _, f := range []struct{ path, raw string }{
			{prefix + ".timeout", ch.Timeout},
			{prefix + ".staleness", ch.Staleness},
			{prefix + ".breaker.min_duration", ch.Breaker.MinDuration},
			{prefix + ".breaker.retry_after", ch.Breaker.RetryAfter},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	for _, name := range SortedKeys(c.Profiles) {
		p := c.Profiles[name]
		prefix := "profiles." + name
		for _, f := range []struct{ path, raw string }{
			{prefix + ".poll_interval", p.PollInterval},
			{prefix + ".overlap", p.Overlap},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				errs = append(errs, err.Error())
			}
		}
		for _, tier := range SortedKeys(p.Routes) {
			if !validTiers[tier] {
				errs = append(errs, fmt.Sprintf("%s.routes: unknown tier %q", prefix, tier))
				continue
			}
			for _, ch := range p.Routes[tier] {
				if _, ok := c.Channels[ch]; !ok {
					errs = append(errs, fmt.Sprintf("%s.routes.%s: unknown channel %q", prefix, tier, ch))
				}
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SortedKeys returns the map's keys in sorted order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
