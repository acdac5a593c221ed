// Package config loads the collision service configuration from YAML with
// COLLISION_* environment overrides, and hot-reloads it on change.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/wessley-collision/engine/domain"
	"github.com/WessleyAI/wessley-collision/engine/estimate"
	"github.com/WessleyAI/wessley-collision/engine/ingest"
	"github.com/WessleyAI/wessley-collision/engine/normalize"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COLLISION_"

// Config is the full service configuration. The top-level keys are the
// pipeline policy; nested sections configure infrastructure.
type Config struct {
	DamageThreshold      float64              `yaml:"damage_threshold"`
	CooldownSeconds      float64              `yaml:"cooldown_seconds"`
	SignificantDamage    float64              `yaml:"significant_damage"`
	HourlyLaborRate      int64                `yaml:"hourly_labor_rate"`
	TaxRate              float64              `yaml:"tax_rate"`
	Currency             string               `yaml:"currency"`
	EstimateValidityDays int                  `yaml:"estimate_validity_days"`
	NoiseFloor           float64              `yaml:"noise_floor"`
	Severity             normalize.Thresholds `yaml:"severity"`

	// SessionIdleTTL is how long an ingest session may stay silent before
	// its state is dropped. EvictionSchedule is a cron spec for the sweep.
	SessionIdleTTL   time.Duration `yaml:"session_idle_ttl"`
	EvictionSchedule string        `yaml:"eviction_schedule"`

	// PersistRetrySchedule drives retries of estimate writes that failed
	// while the store was down.
	PersistRetrySchedule string `yaml:"persist_retry_schedule"`

	// OntologyDir holds extra *.yaml catalogs loaded next to the built-ins.
	OntologyDir string `yaml:"ontology_dir"`

	Server  ServerConfig  `yaml:"server"`
	NATS    NATSConfig    `yaml:"nats"`
	Store   StoreConfig   `yaml:"store"`
	Redis   RedisConfig   `yaml:"redis"`
	Tracing TracingConfig `yaml:"tracing"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	CORSOrigin     string        `yaml:"cors_origin"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	StoreTimeout   time.Duration `yaml:"store_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
}

// NATSConfig enables the telemetry consumer when URL is set.
type NATSConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	MaxRetries int    `yaml:"max_retries"`
}

// StoreConfig selects the estimate store backend: memory, sqlite,
// postgres or neo4j.
type StoreConfig struct {
	Backend string      `yaml:"backend"`
	DSN     string      `yaml:"dsn"`
	Neo4j   Neo4jConfig `yaml:"neo4j"`
	// Breaker trips after this many consecutive store failures.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

type Neo4jConfig struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// RedisConfig enables the estimate read cache when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	p := estimate.DefaultPricing()
	ic := ingest.DefaultConfig()
	return &Config{
		DamageThreshold:      ic.Threshold,
		CooldownSeconds:      ic.Cooldown.Seconds(),
		SignificantDamage:    ic.Significant,
		HourlyLaborRate:      int64(p.HourlyRate),
		TaxRate:              p.TaxRate,
		Currency:             p.Currency,
		EstimateValidityDays: 30,
		NoiseFloor:           normalize.DefaultNoiseFloor,
		Severity:             normalize.DefaultThresholds(),
		SessionIdleTTL:       30 * time.Minute,
		EvictionSchedule:     "@every 1m",
		PersistRetrySchedule: "@every 15s",
		Server: ServerConfig{
			Addr:           ":8080",
			CORSOrigin:     "*",
			RateLimitRPS:   50,
			RateLimitBurst: 100,
			StoreTimeout:   5 * time.Second,
			MaxBodyBytes:   1 << 20,
		},
		NATS:    NATSConfig{Queue: "collision", MaxRetries: 3},
		Store:   StoreConfig{Backend: "memory", BreakerThreshold: 5, BreakerTimeout: 30 * time.Second},
		Redis:   RedisConfig{CacheTTL: 10 * time.Minute},
		Tracing: TracingConfig{ServiceName: "collision-api"},
	}
}

// Load reads path (optional; "" skips the file), applies COLLISION_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays COLLISION_* variables onto cfg.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(EnvPrefix + key); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int64) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	float("DAMAGE_THRESHOLD", &cfg.DamageThreshold)
	float("COOLDOWN_SECONDS", &cfg.CooldownSeconds)
	integer("HOURLY_LABOR_RATE", &cfg.HourlyLaborRate)
	float("TAX_RATE", &cfg.TaxRate)
	str("CURRENCY", &cfg.Currency)
	days := int64(cfg.EstimateValidityDays)
	integer("ESTIMATE_VALIDITY_DAYS", &days)
	cfg.EstimateValidityDays = int(days)
	float("NOISE_FLOOR", &cfg.NoiseFloor)
	str("ONTOLOGY_DIR", &cfg.OntologyDir)
	str("HTTP_ADDR", &cfg.Server.Addr)
	str("NATS_URL", &cfg.NATS.URL)
	str("STORE_BACKEND", &cfg.Store.Backend)
	str("STORE_DSN", &cfg.Store.DSN)
	str("NEO4J_URL", &cfg.Store.Neo4j.URL)
	str("NEO4J_USER", &cfg.Store.Neo4j.User)
	str("NEO4J_PASSWORD", &cfg.Store.Neo4j.Password)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	boolean("TRACING", &cfg.Tracing.Enabled)
	return errors.Join(errs...)
}

// Validate checks every field that the pipeline depends on.
func (c *Config) Validate() error {
	var errs []error
	if c.DamageThreshold <= 0 || c.DamageThreshold > 1 {
		errs = append(errs, fmt.Errorf("damage_threshold %v outside (0, 1]", c.DamageThreshold))
	}
	if c.CooldownSeconds < 0 {
		errs = append(errs, fmt.Errorf("cooldown_seconds %v is negative", c.CooldownSeconds))
	}
	if c.SignificantDamage < 0 || c.SignificantDamage >= 1 {
		errs = append(errs, fmt.Errorf("significant_damage %v outside [0, 1)", c.SignificantDamage))
	}
	if c.EstimateValidityDays <= 0 {
		errs = append(errs, fmt.Errorf("estimate_validity_days %d must be positive", c.EstimateValidityDays))
	}
	if c.NoiseFloor < 0 || c.NoiseFloor >= c.Severity.Moderate {
		errs = append(errs, fmt.Errorf("noise_floor %v must be below the moderate threshold", c.NoiseFloor))
	}
	if err := c.Severity.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Pricing().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.SessionIdleTTL <= 0 {
		errs = append(errs, fmt.Errorf("session_idle_ttl %s must be positive", c.SessionIdleTTL))
	}
	if _, err := cron.ParseStandard(c.EvictionSchedule); err != nil {
		errs = append(errs, fmt.Errorf("eviction_schedule %q: %w", c.EvictionSchedule, err))
	}
	if _, err := cron.ParseStandard(c.PersistRetrySchedule); err != nil {
		errs = append(errs, fmt.Errorf("persist_retry_schedule %q: %w", c.PersistRetrySchedule, err))
	}
	switch c.Store.Backend {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Backend))
		}
	case "neo4j":
		if c.Store.Neo4j.URL == "" {
			errs = append(errs, errors.New("store.neo4j.url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, sqlite, postgres, neo4j", c.Store.Backend))
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit_rps %v is negative", c.Server.RateLimitRPS))
	}
	return errors.Join(errs...)
}

// Ingest returns the detection policy.
func (c *Config) Ingest() ingest.Config {
	return ingest.Config{
		Threshold:   c.DamageThreshold,
		Cooldown:    time.Duration(c.CooldownSeconds * float64(time.Second)),
		Significant: c.SignificantDamage,
	}
}

// Pricing returns the rate card.
func (c *Config) Pricing() estimate.Pricing {
	return estimate.Pricing{
		HourlyRate: domain.Money(c.HourlyLaborRate),
		TaxRate:    c.TaxRate,
		Currency:   strings.ToUpper(c.Currency),
		Validity:   time.Duration(c.EstimateValidityDays) * 24 * time.Hour,
	}
}

// Normalize returns the normalizer options.
func (c *Config) Normalize() normalize.Options {
	return normalize.Options{Thresholds: c.Severity, NoiseFloor: c.NoiseFloor}
}
