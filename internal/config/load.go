package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/corvidlabs/aegis/internal/aegiserr"
)

func defaults() Config {
	return Config{
		LogLevel: "info",
		Store:    StoreConfig{Driver: "sqlite3", DSN: "file:aegis.db?_foreign_keys=on"},
		MLM: MLMConfig{
			TTL:          300 * time.Second,
			HeadroomGB:   12,
			LargeModelGB: 20,
		},
		Bus: BusConfig{MaxCachedMessages: 5000},
		Scheduler: SchedulerConfig{
			PollInterval:        50 * time.Millisecond,
			PerAgentConcurrency: 4,
			MaxCachedMissions:   200,
		},
		Cron: CronConfig{
			TickInterval:        30 * time.Second,
			HeartbeatInterval:   600 * time.Second,
			HeartbeatStartDelay: 30 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		Tracing: TracingConfig{Enabled: false, ServiceName: "aegis"},
	}
}

// Load reads, environment-expands and parses the YAML config at path,
// layering it over sane defaults, then validates it.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &aegiserr.ConfigError{Reason: fmt.Sprintf("reading %s", path), Err: err}
	}

	cfg := defaults()
	expanded := expandEnv(string(raw))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, &aegiserr.ConfigError{Reason: "parsing YAML", Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects a model-key mapping to an unknown backend name, and any
// other structural problem that would otherwise surface much later as a
// confusing runtime error.
func (c *Config) Validate() error {
	backends := make(map[string]bool, len(c.Inference.Backends))
	for _, b := range c.Inference.Backends {
		if b.Name == "" {
			return &aegiserr.ConfigError{Reason: "backend entry missing name"}
		}
		switch b.Type {
		case "openai", "ollama", "llamacpp":
		default:
			return &aegiserr.ConfigError{Reason: fmt.Sprintf("backend %q has unknown type %q", b.Name, b.Type)}
		}
		backends[b.Name] = true
	}

	for key, m := range c.Inference.Models {
		switch m.Tier {
		case "", "always_loaded", "on_demand":
		default:
			return &aegiserr.ConfigError{Reason: fmt.Sprintf("model key %q has unknown tier %q", key, m.Tier)}
		}
		if m.Backend == "" {
			continue // resolves to default backend at call time, per spec §4.1
		}
		if !backends[m.Backend] {
			return &aegiserr.ConfigError{Reason: fmt.Sprintf("model key %q references unknown backend %q", key, m.Backend)}
		}
	}

	switch c.Store.Driver {
	case "sqlite3", "pgx":
	default:
		return &aegiserr.ConfigError{Reason: fmt.Sprintf("unknown store driver %q", c.Store.Driver)}
	}

	return nil
}

// DefaultBackendName returns the configured default backend: the one marked
// Default, else the first enabled backend, else "" — mirroring the
// router's own resolution order (spec §4.1 / original router.py).
func (c *Config) DefaultBackendName() string {
	var firstEnabled string
	for _, b := range c.Inference.Backends {
		if !b.IsEnabled() {
			continue
		}
		if firstEnabled == "" {
			firstEnabled = b.Name
		}
		if b.Default {
			return b.Name
		}
	}
	return firstEnabled
}
