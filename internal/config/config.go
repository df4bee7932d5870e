// Package config loads gateway configuration from YAML with hot-reload
// support: fsnotify watches the file and an atomic pointer swap publishes
// new values without pausing in-flight requests.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oropendola/modelgate/internal/registry"
	"github.com/oropendola/modelgate/internal/scoring"
)

// Config is the complete gateway configuration.
type Config struct {
	Server     ServerConfig         `yaml:"server"`
	Redis      RedisConfig          `yaml:"redis"`
	Postgres   PostgresConfig       `yaml:"postgres"`
	Credential CredentialConfig     `yaml:"credential"`
	Weights    scoring.Weights      `yaml:"weights"`
	Candidates []registry.Profile   `yaml:"candidates"`
	Prober     registry.ProberConfig `yaml:"prober"`
	Usage      UsageConfig          `yaml:"usage"`
	Logging    LoggingConfig        `yaml:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// RequestDeadline bounds one routed request end to end, including all
	// fallback attempts. Zero disables the cap.
	RequestDeadline time.Duration `yaml:"request_deadline"`

	// MaxInboundRPS sheds load across all callers before per-account
	// admission. Zero disables.
	MaxInboundRPS float64 `yaml:"max_inbound_rps"`
}

// RedisConfig selects the shared counter store backend. An empty Addr falls
// back to the in-process store (single-node mode).
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

// PostgresConfig points at the entitlement database.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// CredentialConfig tunes the credential cache.
type CredentialConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// UsageConfig tunes the async usage recorder.
type UsageConfig struct {
	BufferSize int `yaml:"buffer_size"`
	Workers    int `yaml:"workers"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns a runnable single-node configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     90 * time.Second,
			RequestDeadline: 2 * time.Minute,
		},
		Redis:      RedisConfig{Namespace: "modelgate"},
		Credential: CredentialConfig{TTL: 60 * time.Second},
		Weights:    scoring.DefaultWeights(),
		Prober:     registry.ProberConfig{Enabled: true, Interval: 30 * time.Second, Timeout: 5 * time.Second},
		Usage:      UsageConfig{BufferSize: 1024, Workers: 2},
		Logging:    LoggingConfig{Level: "info", Format: "json"},
	}
}

// LoadFromFile parses and validates a YAML configuration file. Values not
// present in the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot serve traffic.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	seen := make(map[string]struct{}, len(c.Candidates))
	for _, p := range c.Candidates {
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate candidate id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}
