// Package config loads and validates the YAML configuration surface spec.md
// §6 names: inference backends, the model-key map, and per-agent enablement,
// plus the ambient knobs (TTLs, caps, poll intervals) every component in
// SPEC_FULL.md needs a concrete default for.
package config

import "time"

// Config is the root configuration document.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Inference InferenceConfig `yaml:"inference"`
	Agents    map[string]AgentConfig `yaml:"agents"`
	Store     StoreConfig     `yaml:"store"`
	MLM       MLMConfig       `yaml:"mlm"`
	Bus       BusConfig       `yaml:"bus"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cron      CronConfig      `yaml:"cron"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// InferenceConfig is the Inference Router's (C1) startup configuration.
type InferenceConfig struct {
	Backends []BackendConfig         `yaml:"backends"`
	Models   map[string]ModelConfig  `yaml:"models"`
}

// BackendConfig names one inference backend.
type BackendConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"` // openai | ollama | llamacpp
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Enabled *bool  `yaml:"enabled"`
	Default bool   `yaml:"default"`
}

func (b BackendConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// ModelConfig maps a model key to a concrete backend + model id, per spec §3.
type ModelConfig struct {
	Backend       string  `yaml:"backend"`
	ModelID       string  `yaml:"model_id"`
	Tier          string  `yaml:"tier"` // always_loaded | on_demand
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	EstimatedVRAM float64 `yaml:"estimated_vram_gb"`
}

// AgentConfig is the per-agent enablement knob spec §6 names explicitly.
type AgentConfig struct {
	Enabled bool `yaml:"enabled"`
}

// StoreConfig selects and configures the persistence backend (internal/store).
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite3 | pgx
	DSN    string `yaml:"dsn"`
}

// MLMConfig carries the Model Lifecycle Manager's (C2) numeric knobs.
type MLMConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	HeadroomGB      float64       `yaml:"headroom_gb"`
	LargeModelGB    float64       `yaml:"large_model_gb"`
}

// BusConfig carries the Message Bus's (C3) numeric knobs.
type BusConfig struct {
	MaxCachedMessages int `yaml:"max_cached_messages"`
}

// SchedulerConfig carries the Scheduler's (C6) numeric knobs.
type SchedulerConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	PerAgentConcurrency int          `yaml:"per_agent_concurrency"`
	MaxCachedMissions   int          `yaml:"max_cached_missions"`
}

// CronConfig carries the Cron Scheduler + Security Heartbeat's (C8) knobs.
type CronConfig struct {
	TickInterval        time.Duration `yaml:"tick_interval"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	HeartbeatStartDelay  time.Duration `yaml:"heartbeat_start_delay"`
	WatchedPaths         []string      `yaml:"watched_paths"`
}

// MetricsConfig controls the Prometheus exporter (internal/metrics).
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TracingConfig controls the OpenTelemetry tracer provider (internal/tracing).
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}
