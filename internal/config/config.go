// Package config loads service settings in three layers: struct defaults, an
// optional YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const PathEnvVar = "CONFIG_PATH"

var DefaultPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/aquacua/config.yaml",
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Poller   PollerConfig   `koanf:"poller"`
	Stream   StreamConfig   `koanf:"stream"`
	Logging  LoggingConfig  `koanf:"logging"`
}

type ServerConfig struct {
	Host               string        `koanf:"host"`
	Port               int           `koanf:"port" validate:"gte=1,lte=65535"`
	IngestAPIKey       string        `koanf:"ingest_api_key"`
	CORSAllowedOrigins []string      `koanf:"cors_allowed_origins"`
	RateLimitRequests  int           `koanf:"rate_limit_requests" validate:"gte=0"`
	RateLimitWindow    time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
	TrustProxyHeaders  bool          `koanf:"trust_proxy_headers"`
	ReadHeaderTimeout  time.Duration `koanf:"read_header_timeout" validate:"gt=0"`
	IdleTimeout        time.Duration `koanf:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type DatabaseConfig struct {
	Driver       string        `koanf:"driver" validate:"oneof=postgres memory"`
	URL          string        `koanf:"url" validate:"required_if=Driver postgres"`
	MaxConns     int32         `koanf:"max_conns" validate:"gte=0"`
	QueryTimeout time.Duration `koanf:"query_timeout" validate:"gt=0"`
}

type PollerConfig struct {
	Interval                time.Duration `koanf:"interval" validate:"gt=0"`
	BatchSize               int           `koanf:"batch_size" validate:"gte=1,lte=10000"`
	QueryTimeout            time.Duration `koanf:"query_timeout" validate:"gt=0"`
	BreakerFailureThreshold uint32        `koanf:"breaker_failure_threshold" validate:"gte=1"`
	BreakerOpenTimeout      time.Duration `koanf:"breaker_open_timeout" validate:"gt=0"`
}

type StreamConfig struct {
	SendBuffer           int           `koanf:"send_buffer" validate:"gte=1"`
	WriteTimeout         time.Duration `koanf:"write_timeout" validate:"gt=0"`
	PongWait             time.Duration `koanf:"pong_wait" validate:"gt=0"`
	UpgradesPerMinute    int           `koanf:"upgrades_per_minute" validate:"gte=1"`
	AllowedOrigins       []string      `koanf:"allowed_origins"`
	HandshakeTimeout     time.Duration `koanf:"handshake_timeout" validate:"gt=0"`
	MaxInboundFrameBytes int64         `koanf:"max_inbound_frame_bytes" validate:"gte=128"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               3300,
			CORSAllowedOrigins: []string{"*"},
			RateLimitRequests:  300,
			RateLimitWindow:    time.Minute,
			ReadHeaderTimeout:  5 * time.Second,
			IdleTimeout:        60 * time.Second,
			ShutdownTimeout:    10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:       DriverPostgres,
			MaxConns:     10,
			QueryTimeout: 5 * time.Second,
		},
		Poller: PollerConfig{
			Interval:                750 * time.Millisecond,
			BatchSize:               1000,
			QueryTimeout:            5 * time.Second,
			BreakerFailureThreshold: 5,
			BreakerOpenTimeout:      30 * time.Second,
		},
		Stream: StreamConfig{
			SendBuffer:           64,
			WriteTimeout:         10 * time.Second,
			PongWait:             60 * time.Second,
			UpgradesPerMinute:    30,
			HandshakeTimeout:     10 * time.Second,
			MaxInboundFrameBytes: 4096,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the first config file found
// and the environment, in increasing priority.
func Load() (*Config, error) {
	return load(findConfigFile())
}

func load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := splitListFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(cfg)
}

// Addr is the listen address for the HTTP server.
func (cfg *Config) Addr() string {
	return fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
}

func findConfigFile() string {
	if path := strings.TrimSpace(os.Getenv(PathEnvVar)); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	for _, path := range DefaultPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

var listFields = []string{
	"server.cors_allowed_origins",
	"stream.allowed_origins",
}

// splitListFields turns comma-separated env values into string slices.
func splitListFields(k *koanf.Koanf) error {
	for _, path := range listFields {
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}

		parts := strings.Split(raw, ",")
		values := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				values = append(values, trimmed)
			}
		}
		if err := k.Set(path, values); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

// Variable names inherited from the previous deployment scripts.
var legacyEnv = map[string]string{
	"port":              "server.port",
	"host":              "server.host",
	"ingest_api_key":    "server.ingest_api_key",
	"cors_allow_origin": "server.cors_allowed_origins",
	"database_url":      "database.url",
	"pg_max_conns":      "database.max_conns",
	"log_level":         "logging.level",
	"log_format":        "logging.format",
}

var sections = map[string]struct{}{
	"server":   {},
	"database": {},
	"poller":   {},
	"stream":   {},
	"logging":  {},
}

// envTransform maps POLLER_BATCH_SIZE to poller.batch_size. Variables that
// belong to no section are dropped.
func envTransform(key string) string {
	key = strings.ToLower(key)
	if mapped, ok := legacyEnv[key]; ok {
		return mapped
	}

	section, field, found := strings.Cut(key, "_")
	if !found || field == "" {
		return ""
	}
	if _, ok := sections[section]; !ok {
		return ""
	}
	return section + "." + field
}
