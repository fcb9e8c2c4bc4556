package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.yaml", `
logging:
  level: debug
  console: true
database:
  dsn: "file:gatekit.db"
  max_conns: 3
  acquire_timeout: "2s"
token:
  signing_key: "0123456789abcdef0123456789abcdef"
  default_ttl: "30m"
scheduler:
  enabled: true
  tick: "1s"
  workers: 4
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Database.MaxConns != 3 {
		t.Fatalf("Database.MaxConns = %d, want 3", cfg.Database.MaxConns)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.Workers != 4 {
		t.Fatalf("unexpected scheduler config: %+v", cfg.Scheduler)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestLoadJSONStrict(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.json", `{"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}},"database":{},"token":{"signing_key":"k"},"scheduler":{"enabled":false},"no_such_key":1}`)

	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestValidateRejectsBadDurations(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	cfg.Scheduler.Tick = "soon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid scheduler.tick")
	}

	cfg = &Config{}
	cfg.Scheduler.Timezone = "Mars/Olympus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", " 90s ")
	if err != nil || d != 90*time.Second {
		t.Fatalf("got (%v, %v), want (90s, nil)", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
	d, err = ParseDurationOrDefault("x", "", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("default not applied: (%v, %v)", d, err)
	}
}
