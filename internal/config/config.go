// Package config loads the convertica service configuration from a YAML file
// with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/convertica/convertica/internal/logging"
	"github.com/convertica/convertica/internal/ratelimit"
)

// Rate limit group names used by the default route table.
const (
	GroupConversion = "api_conversion"
	GroupBatch      = "api_batch"
)

// Config is the root configuration document.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
	Log         logging.Config    `yaml:"log"`
	RateLimits  []GroupConfig     `yaml:"rate_limits"`
	Conversions []RouteConfig     `yaml:"conversions"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// OpsRPS and OpsBurst guard the operator endpoints per client IP
	OpsRPS   float64 `yaml:"ops_rps"`
	OpsBurst int     `yaml:"ops_burst"`
}

// RedisConfig points at the shared quota/task Redis.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// DatabaseConfig selects the SQL store for operation runs and users.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres"
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// GroupConfig is one rate limit group: an IP ceiling plus per-tier ceilings.
type GroupConfig struct {
	Name   string            `yaml:"name"`
	IPRate string            `yaml:"ip_rate"`
	Tiers  map[string]string `yaml:"tiers"`
}

// RouteConfig binds a conversion endpoint to a rate limit group.
type RouteConfig struct {
	Type  string `yaml:"type"`
	Path  string `yaml:"path"`
	Group string `yaml:"group"`
}

// MaintenanceConfig drives the background sweeper and syncer.
type MaintenanceConfig struct {
	StuckAfter    time.Duration `yaml:"stuck_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SyncInterval  time.Duration `yaml:"sync_interval"`
	SyncBatchSize int           `yaml:"sync_batch_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8000",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			OpsRPS:       2,
			OpsBurst:     10,
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "convertica.db",
		},
		Log: logging.Config{Level: "info"},
		RateLimits: []GroupConfig{
			{
				Name:   GroupConversion,
				IPRate: "100/h",
				Tiers: map[string]string{
					"anonymous":     "20/h",
					"authenticated": "200/h",
					"premium":       "2000/h",
				},
			},
			{
				Name:   GroupBatch,
				IPRate: "10/h",
				Tiers: map[string]string{
					"anonymous":     "0/h",
					"authenticated": "50/h",
					"premium":       "500/h",
				},
			},
		},
		Conversions: defaultRoutes(),
		Maintenance: MaintenanceConfig{
			StuckAfter:    time.Hour,
			SweepInterval: 10 * time.Minute,
			SyncInterval:  time.Minute,
			SyncBatchSize: 100,
		},
	}
}

func defaultRoutes() []RouteConfig {
	kinds := []string{
		"pdf-to-word", "word-to-pdf", "pdf-to-jpg", "jpg-to-pdf",
		"pdf-edit/crop", "pdf-edit/rotate", "pdf-organize/merge", "pdf-organize/split",
	}
	routes := make([]RouteConfig, 0, len(kinds)*2)
	for _, k := range kinds {
		typ := strings.NewReplacer("-", "_", "/", "_").Replace(k)
		routes = append(routes,
			RouteConfig{Type: typ, Path: "/api/" + k + "/", Group: GroupConversion},
			RouteConfig{Type: typ + "_batch", Path: "/api/" + k + "/batch/", Group: GroupBatch},
		)
	}
	return routes
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c *Config) applyEnv() {
	c.Server.Addr = getEnvOrDefault("CONVERTICA_ADDR", c.Server.Addr)
	c.Redis.URL = getEnvOrDefault("REDIS_URL", c.Redis.URL)
	c.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", c.Redis.Password)
	c.Database.Driver = getEnvOrDefault("DATABASE_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnvOrDefault("DATABASE_URL", c.Database.DSN)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
}

// Validate checks every rate string and cross reference.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn: required"))
	}

	groups := make(map[string]bool, len(c.RateLimits))
	for _, g := range c.RateLimits {
		if groups[g.Name] {
			errs = append(errs, fmt.Errorf("rate_limits: duplicate group %q", g.Name))
		}
		groups[g.Name] = true
		if _, err := g.Policy(); err != nil {
			errs = append(errs, fmt.Errorf("rate_limits[%s]: %w", g.Name, err))
		}
	}

	paths := make(map[string]bool, len(c.Conversions))
	for _, r := range c.Conversions {
		if r.Type == "" || r.Path == "" {
			errs = append(errs, fmt.Errorf("conversions: type and path are required (%+v)", r))
			continue
		}
		if paths[r.Path] {
			errs = append(errs, fmt.Errorf("conversions: duplicate path %q", r.Path))
		}
		paths[r.Path] = true
		if !groups[r.Group] {
			errs = append(errs, fmt.Errorf("conversions[%s]: unknown rate limit group %q", r.Type, r.Group))
		}
	}

	if c.Maintenance.StuckAfter <= 0 {
		errs = append(errs, errors.New("maintenance.stuck_after: must be positive"))
	}
	if c.Maintenance.SweepInterval <= 0 {
		errs = append(errs, errors.New("maintenance.sweep_interval: must be positive"))
	}
	if c.Maintenance.SyncInterval <= 0 {
		errs = append(errs, errors.New("maintenance.sync_interval: must be positive"))
	}
	if c.Maintenance.SyncBatchSize <= 0 {
		errs = append(errs, errors.New("maintenance.sync_batch_size: must be positive"))
	}

	return errors.Join(errs...)
}

// Policy builds the evaluator policy for the group.
func (g GroupConfig) Policy() (ratelimit.Policy, error) {
	return ratelimit.NewPolicy(g.Name, g.IPRate, g.Tiers)
}

// Policies returns the evaluator policy of every group keyed by name.
func (c *Config) Policies() (map[string]ratelimit.Policy, error) {
	out := make(map[string]ratelimit.Policy, len(c.RateLimits))
	for _, g := range c.RateLimits {
		p, err := g.Policy()
		if err != nil {
			return nil, fmt.Errorf("rate_limits[%s]: %w", g.Name, err)
		}
		out[g.Name] = p
	}
	return out, nil
}

// GroupNames lists the configured rate limit groups in file order.
func (c *Config) GroupNames() []string {
	names := make([]string, 0, len(c.RateLimits))
	for _, g := range c.RateLimits {
		names = append(names, g.Name)
	}
	return names
}
