package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "collision.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("backend = %q, want memory", cfg.Store.Backend)
	}
	if got := cfg.Ingest().Cooldown; got != 5*time.Second {
		t.Errorf("cooldown = %s, want 5s", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
damage_threshold: 0.2
cooldown_seconds: 2.5
hourly_labor_rate: 20000
currency: usd
estimate_validity_days: 7
session_idle_ttl: 10m
severity:
  moderate: 0.3
  severe: 0.6
  destroyed: 0.9
server:
  addr: ":9090"
store:
  backend: sqlite
  dsn: "file:test.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	ic := cfg.Ingest()
	if ic.Threshold != 0.2 || ic.Cooldown != 2500*time.Millisecond {
		t.Errorf("ingest = %+v", ic)
	}
	p := cfg.Pricing()
	if p.HourlyRate != 20000 || p.Currency != "USD" || p.Validity != 7*24*time.Hour {
		t.Errorf("pricing = %+v", p)
	}
	if p.TaxRate != 0.12 {
		t.Errorf("tax rate = %v, want default 0.12", p.TaxRate)
	}
	if n := cfg.Normalize(); n.Thresholds.Severe != 0.6 || n.NoiseFloor != 0.05 {
		t.Errorf("normalize = %+v", n)
	}
	if cfg.SessionIdleTTL != 10*time.Minute {
		t.Errorf("session_idle_ttl = %s", cfg.SessionIdleTTL)
	}
	if cfg.Server.Addr != ":9090" || cfg.Server.RateLimitBurst != 100 {
		t.Errorf("server = %+v", cfg.Server)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "")
	if _, err := Load(path); err != nil {
		t.Fatalf("empty file: %v", err)
	}
}

func TestLoadUnknownField(t *testing.T) {
	path := writeFile(t, t.TempDir(), "damage_treshold: 0.2\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "damage_treshold") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COLLISION_DAMAGE_THRESHOLD", "0.3")
	t.Setenv("COLLISION_HOURLY_LABOR_RATE", "18000")
	t.Setenv("COLLISION_STORE_BACKEND", "postgres")
	t.Setenv("COLLISION_STORE_DSN", "postgres://localhost/collision")
	t.Setenv("COLLISION_TRACING", "true")

	path := writeFile(t, t.TempDir(), "damage_threshold: 0.2\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DamageThreshold != 0.3 {
		t.Errorf("threshold = %v, env should win over file", cfg.DamageThreshold)
	}
	if cfg.HourlyLaborRate != 18000 {
		t.Errorf("rate = %d", cfg.HourlyLaborRate)
	}
	if cfg.Store.Backend != "postgres" || !cfg.Tracing.Enabled {
		t.Errorf("store = %+v tracing = %+v", cfg.Store, cfg.Tracing)
	}
}

func TestEnvParseError(t *testing.T) {
	t.Setenv("COLLISION_TAX_RATE", "twelve")
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "COLLISION_TAX_RATE") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"threshold zero", func(c *Config) { c.DamageThreshold = 0 }, "damage_threshold"},
		{"negative cooldown", func(c *Config) { c.CooldownSeconds = -1 }, "cooldown_seconds"},
		{"tax above one", func(c *Config) { c.TaxRate = 1.5 }, "tax rate"},
		{"no currency", func(c *Config) { c.Currency = " " }, "currency"},
		{"tiers out of order", func(c *Config) { c.Severity.Severe = 0.1 }, "severity"},
		{"noise above moderate", func(c *Config) { c.NoiseFloor = 0.3 }, "noise_floor"},
		{"bad schedule", func(c *Config) { c.EvictionSchedule = "every minute" }, "eviction_schedule"},
		{"bad retry schedule", func(c *Config) { c.PersistRetrySchedule = "@sometimes" }, "persist_retry_schedule"},
		{"bad backend", func(c *Config) { c.Store.Backend = "mongo" }, "store.backend"},
		{"sqlite without dsn", func(c *Config) { c.Store.Backend = "sqlite" }, "store.dsn"},
		{"neo4j without url", func(c *Config) { c.Store.Backend = "neo4j" }, "store.neo4j.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "hourly_labor_rate: 15000\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, nil, func(c *Config) { got <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	// An invalid write is ignored.
	writeFile(t, dir, "tax_rate: 3\n")
	writeFile(t, dir, "hourly_labor_rate: 21000\n")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-got:
			if c.HourlyLaborRate == 21000 {
				cancel()
				if err := <-done; err != nil {
					t.Fatalf("watch: %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("no reload within 2s")
		}
	}
}
