package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeAppConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	body = strings.ReplaceAll(body, "{DB}", filepath.Join(dir, "killfeed.db"))
	path := filepath.Join(dir, "killfeed.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const appYAML = `
logging:
  level: error
storage:
  path: "{DB}"
enrich:
  base_url: https://esi.example.test
channels:
  hook:
    type: webhook
    url: https://hooks.example.test/kills
profiles:
  main:
    poll_interval: 1h
    interest:
      tier: simple
      preset: trade-hub
      watched:
        locations: [30000142]
    routes:
      priority: [hook]
      notify: [hook]
  broken:
    interest:
      tier: simple
      preset: no-such-preset
`

func TestAppLifecycle(t *testing.T) {
	t.Parallel()

	a, err := NewApp(writeAppConfig(t, appYAML))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	// The broken profile is skipped with logged violations; main runs.
	if got := a.workers.Status().Total; got != 0 {
		t.Fatalf("workers before start = %d, want 0", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := a.workers.Status()
	if !st.Running || st.Total != 1 {
		t.Fatalf("status after start = %+v, want 1 running worker", st)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestAppRejectsWhenNoRunnableProfiles(t *testing.T) {
	t.Parallel()

	body := `
logging:
  level: error
storage:
  path: "{DB}"
enrich:
  base_url: https://esi.example.test
profiles:
  broken:
    interest:
      tier: simple
      preset: no-such-preset
`
	_, err := NewApp(writeAppConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "no runnable profiles") {
		t.Fatalf("err = %v, want no runnable profiles", err)
	}
}
