// Package config loads and validates the service configuration, including
// the scenario catalogue investigations are created from. Configuration is a
// YAML file with environment-variable overrides for secrets and endpoints.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inquestlabs/inquest/runtime/backend"
)

type (
	// Config is the root service configuration.
	Config struct {
		HTTPPort  int        `yaml:"http_port"`
		Sessions  Sessions   `yaml:"sessions"`
		Gates     Gates      `yaml:"gates"`
		Stream    Stream     `yaml:"stream"`
		Mongo     Mongo      `yaml:"mongo"`
		Redis     Redis      `yaml:"redis"`
		Model     Model      `yaml:"model"`
		Scenarios []Scenario `yaml:"scenarios"`
	}

	// Sessions configures the session registry.
	Sessions struct {
		MaxActive      int      `yaml:"max_active"`
		RecentCapacity int      `yaml:"recent_capacity"`
		RecentTTL      Duration `yaml:"recent_ttl"`
		GraceWindow    Duration `yaml:"grace_window"`
		EventBuffer    int      `yaml:"event_buffer"`
	}

	// GateConfig configures one admission gate.
	GateConfig struct {
		MaxConcurrent int      `yaml:"max_concurrent"`
		TripThreshold int      `yaml:"trip_threshold"`
		BaseCooldown  Duration `yaml:"base_cooldown"`
		MaxCooldown   Duration `yaml:"max_cooldown"`
		RPS           float64  `yaml:"rps"`
	}

	// Gates holds one gate per shared downstream resource.
	Gates struct {
		Backends GateConfig `yaml:"backends"`
		Model    GateConfig `yaml:"model"`
	}

	// Stream configures the SSE transport.
	Stream struct {
		HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	}

	// Mongo configures the optional session archive. An empty URI disables
	// it.
	Mongo struct {
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	}

	// Redis configures the optional event-stream externalization. An empty
	// address disables it.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		MaxLen   int    `yaml:"max_len"`
	}

	// Model configures the optional answer summarizer.
	Model struct {
		Enabled   bool   `yaml:"enabled"`
		Name      string `yaml:"name"`
		MaxTokens int    `yaml:"max_tokens"`
	}

	// Scenario declares one investigation playbook: a sequence of backend
	// queries followed by answer composition.
	Scenario struct {
		Name        string `yaml:"name" json:"name"`
		Description string `yaml:"description" json:"description"`
		Steps       []Step `yaml:"steps" json:"steps"`
	}

	// Step is one scenario step. The query template may reference {input},
	// replaced with the session's input text at run time.
	Step struct {
		Backend string `yaml:"backend" json:"backend"`
		Query   string `yaml:"query" json:"query"`
	}

	// Duration parses YAML scalars with time.ParseDuration ("90s", "5m").
	Duration time.Duration
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration, including a demo scenario
// catalogue backed by the mock backend so the service runs without a config
// file.
func Default() *Config {
	return &Config{
		HTTPPort: 8080,
		Sessions: Sessions{
			MaxActive:      100,
			RecentCapacity: 50,
			RecentTTL:      Duration(30 * time.Minute),
			GraceWindow:    Duration(5 * time.Second),
			EventBuffer:    500,
		},
		Gates: Gates{
			Backends: GateConfig{
				MaxConcurrent: 4,
				TripThreshold: 5,
				BaseCooldown:  Duration(5 * time.Second),
				MaxCooldown:   Duration(5 * time.Minute),
			},
			Model: GateConfig{
				MaxConcurrent: 2,
				TripThreshold: 3,
				BaseCooldown:  Duration(10 * time.Second),
				MaxCooldown:   Duration(5 * time.Minute),
			},
		},
		Stream: Stream{HeartbeatInterval: Duration(120 * time.Second)},
		Mongo:  Mongo{Database: "inquest", Collection: "sessions"},
		Model:  Model{Name: "claude-sonnet-4-5", MaxTokens: 1024},
		Scenarios: []Scenario{
			{
				Name:        "lateral-movement",
				Description: "Trace suspicious authentication chains across hosts.",
				Steps: []Step{
					{Backend: string(backend.KindMock), Query: "auth_events {input}"},
					{Backend: string(backend.KindMock), Query: "host_neighbors {input}"},
				},
			},
			{
				Name:        "exfil",
				Description: "Investigate unusual outbound data volume.",
				Steps: []Step{
					{Backend: string(backend.KindMock), Query: "net_flows {input}"},
				},
			},
		},
	}
}

// Load reads the YAML file at path, overlays it on the defaults, applies
// environment overrides, and validates the result. An empty path returns the
// validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Scenario returns the scenario with the given name.
func (c *Config) Scenario(name string) (Scenario, bool) {
	for _, s := range c.Scenarios {
		if s.Name == name {
			return s, true
		}
	}
	return Scenario{}, false
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("INQUEST_MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("INQUEST_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("INQUEST_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
}

func (c *Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range", c.HTTPPort)
	}
	if len(c.Scenarios) == 0 {
		return fmt.Errorf("at least one scenario is required")
	}
	known := map[string]bool{
		string(backend.KindGraph):     true,
		string(backend.KindTelemetry): true,
		string(backend.KindSearch):    true,
		string(backend.KindMock):      true,
	}
	seen := make(map[string]bool, len(c.Scenarios))
	for _, s := range c.Scenarios {
		if s.Name == "" {
			return fmt.Errorf("scenario with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate scenario %q", s.Name)
		}
		seen[s.Name] = true
		if len(s.Steps) == 0 {
			return fmt.Errorf("scenario %q has no steps", s.Name)
		}
		for i, step := range s.Steps {
			if !known[step.Backend] {
				return fmt.Errorf("scenario %q step %d: unknown backend %q", s.Name, i+1, step.Backend)
			}
			if step.Query == "" {
				return fmt.Errorf("scenario %q step %d: empty query", s.Name, i+1)
			}
		}
	}
	return nil
}
