package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  path: ./killfeed.db
  busy_timeout: 5s
enrich:
  base_url: https://esi.example.test
  rate_per_sec: 10
channels:
  ops-hook:
    type: webhook
    url: https://hooks.example.test/kills
  corp-chat:
    type: telegram
    bot_token: "123:abc"
    chat_id: -100200300
profiles:
  main:
    poll_interval: 15s
    interest:
      tier: simple
      preset: trade-hub
      watched:
        locations: [30000142]
    routes:
      priority: [ops-hook, corp-chat]
      notify: [ops-hook]
expunge:
  interval: 1h
debug:
  enabled: true
  addr: "127.0.0.1:0"
`

func writeConfig(t *testing.T, name, body string) *ConfigManager {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return NewConfigManager(path)
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	m := writeConfig(t, "killfeed.yaml", sampleYAML)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Storage.Path != "./killfeed.db" {
		t.Errorf("storage path = %q", cfg.Storage.Path)
	}
	p, ok := cfg.Profiles["main"]
	if !ok {
		t.Fatal("profile main missing")
	}
	if !p.IsEnabled() {
		t.Error("omitted enabled should default to true")
	}
	if p.Interest.Preset != "trade-hub" || len(p.Interest.Watched.Locations) != 1 {
		t.Errorf("interest spec not decoded: %+v", p.Interest)
	}
	if got := m.Get(); got != cfg {
		t.Error("Get should return the committed config")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	m := writeConfig(t, "killfeed.yaml", sampleYAML+"\nnot_a_section:\n  x: 1\n")
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown top-level key should be rejected")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Enrich: EnrichConfig{Timeout: "soon"},
		Channels: map[string]ChannelConfig{
			"bad":  {Type: "carrier-pigeon"},
			"hook": {Type: "webhook"},
		},
		Profiles: map[string]ProfileConfig{
			"main": {
				Overlap: "-1m",
				Routes: map[string][]string{
					"filter": {"hook"},
					"notify": {"missing"},
				},
			},
		},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{
		"storage.path is required",
		"enrich.base_url is required",
		"enrich.timeout",
		`unknown type "carrier-pigeon"`,
		"webhook requires url",
		"profiles.main.overlap",
		`unknown tier "filter"`,
		`unknown channel "missing"`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		Profiles: map[string]ProfileConfig{
			"main": {PollInterval: "10s"},
			"alt":  {PollInterval: "30s"},
		},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Profiles: map[string]ProfileConfig{
			"main": {PollInterval: "15s"},
			"alt":  {PollInterval: "30s"},
		},
	}

	changed, _, profiles := SummarizeConfigChange(oldCfg, newCfg)
	if want := []string{"logging", "profiles"}; len(changed) != 2 || changed[0] != want[0] || changed[1] != want[1] {
		t.Errorf("changed = %v, want %v", changed, want)
	}
	if len(profiles) != 1 || profiles[0] != "main" {
		t.Errorf("profiles changed = %v, want [main]", profiles)
	}

	changed, _, _ = SummarizeConfigChange(newCfg, newCfg)
	if len(changed) != 0 {
		t.Errorf("identical configs reported changes: %v", changed)
	}
}
