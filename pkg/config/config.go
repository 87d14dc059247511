// Package config loads server configuration from an optional YAML file and the
// environment. Environment variables take precedence over the file, and the
// file over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Sources  SourcesConfig  `yaml:"sources"`
	NATS     NATSConfig     `yaml:"nats"`
	Log      LogConfig      `yaml:"log"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the storage backend. An empty URL keeps everything
// in process memory.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// AuthConfig enables bearer-token checks when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type SourcesConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	TestTimeout     time.Duration `yaml:"test_timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
}

// NATSConfig enables change and execution events when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing else is provided.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"http://localhost:3003"},
			ShutdownTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:        10,
			MinConns:        1,
			ConnMaxLifetime: time.Hour,
		},
		Sources: SourcesConfig{
			ReadTimeout:     5 * time.Second,
			TestTimeout:     10 * time.Second,
			BreakerFailures: 5,
		},
		NATS: NATSConfig{SubjectPrefix: "dashflow"},
		Log:  LogConfig{Level: "debug"},
	}
}

// Load reads path (if non-empty) over the defaults and then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("HTTP_ADDR"); ok && v != "" {
		c.HTTP.Addr = v
	}
	if v, ok := lookup("CORS_ORIGINS"); ok && v != "" {
		c.HTTP.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("DATABASE_URL"); ok {
		c.Database.URL = v
	}
	if v, ok := lookup("JWT_SECRET"); ok {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup("NATS_URL"); ok {
		c.NATS.URL = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("SOURCE_READ_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SOURCE_READ_TIMEOUT: %w", err)
		}
		c.Sources.ReadTimeout = d
	}
	if v, ok := lookup("DATABASE_MAX_CONNS"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("DATABASE_MAX_CONNS: %w", err)
		}
		c.Database.MaxConns = int32(n)
	}
	return nil
}

// Validate checks the values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("http.shutdown_timeout must be positive"))
	}
	if c.Sources.ReadTimeout <= 0 {
		errs = append(errs, errors.New("sources.read_timeout must be positive"))
	}
	if c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, errors.New("database.min_conns exceeds max_conns"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel maps the configured level name to a slog.Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
