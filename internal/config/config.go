// Package config provides configuration for the relay service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the relay configuration.
type Config struct {
	// Server settings
	WSPort   int `yaml:"ws_port"`   // Browser-facing WebSocket port
	HTTPPort int `yaml:"http_port"` // Webhooks, /health, /metrics

	Upstream UpstreamConfig `yaml:"upstream"`

	// Origin allowed to open WebSocket connections; empty or "*" allows any.
	AllowedOrigin string `yaml:"allowed_origin"`

	// Session settings
	SessionStore       string        `yaml:"session_store"` // memory | sqlite
	SQLiteDSN          string        `yaml:"sqlite_dsn"`
	SessionIdleTimeout time.Duration `yaml:"-"`

	Stream StreamConfig `yaml:"stream"`

	// Rego policy used to route webhook subjects; empty uses the built-in one.
	PolicyFile string `yaml:"policy_file"`

	// WebSocket settings
	PingInterval   time.Duration `yaml:"-"`
	WriteTimeout   time.Duration `yaml:"-"`
	ReadTimeout    time.Duration `yaml:"-"`
	MaxMessageSize int64         `yaml:"max_message_size"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Raw duration strings from the YAML file
	SessionIdleTimeoutRaw string `yaml:"session_idle_timeout"`
	PingIntervalRaw       string `yaml:"ping_interval"`
	WriteTimeoutRaw       string `yaml:"write_timeout"`
	ReadTimeoutRaw        string `yaml:"read_timeout"`
}

// UpstreamConfig identifies the messaging deployment the relay talks to.
type UpstreamConfig struct {
	BaseURL             string        `yaml:"base_url"`
	OrgID               string        `yaml:"org_id"`
	DeveloperName       string        `yaml:"developer_name"`
	CapabilitiesVersion string        `yaml:"capabilities_version"`
	Platform            string        `yaml:"platform"`
	Language            string        `yaml:"language"`
	Timeout             time.Duration `yaml:"-"`
	TimeoutRaw          string        `yaml:"timeout"`
}

// StreamConfig controls SSE reconnection.
type StreamConfig struct {
	Reconnect         bool          `yaml:"reconnect"`
	InitialBackoff    time.Duration `yaml:"-"`
	MaxBackoff        time.Duration `yaml:"-"`
	MaxElapsed        time.Duration `yaml:"-"`
	InitialBackoffRaw string        `yaml:"initial_backoff"`
	MaxBackoffRaw     string        `yaml:"max_backoff"`
	MaxElapsedRaw     string        `yaml:"max_elapsed"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		WSPort:   3000,
		HTTPPort: 3001,
		Upstream: UpstreamConfig{
			CapabilitiesVersion: "1",
			Platform:            "Web",
			Language:            "en",
			Timeout:             30 * time.Second,
		},
		SessionStore:       "memory",
		SQLiteDSN:          ":memory:",
		SessionIdleTimeout: 2 * time.Minute,
		Stream: StreamConfig{
			Reconnect:      true,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			MaxElapsed:     5 * time.Minute,
		},
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 65536,
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// Load loads configuration from an optional YAML file (RELAY_CONFIG) and
// environment variables. Environment variables win.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := getEnv("RELAY_CONFIG", ""); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the relay cannot run without.
func (c *Config) Validate() error {
	var missing []string
	if c.Upstream.BaseURL == "" {
		missing = append(missing, "SF_URL")
	}
	if c.Upstream.OrgID == "" {
		missing = append(missing, "SF_ORG_ID")
	}
	if c.Upstream.DeveloperName == "" {
		missing = append(missing, "SF_DEV_NAME")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	switch c.SessionStore {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("invalid SESSION_STORE value %q", c.SessionStore)
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{cfg.SessionIdleTimeoutRaw, &cfg.SessionIdleTimeout},
		{cfg.PingIntervalRaw, &cfg.PingInterval},
		{cfg.WriteTimeoutRaw, &cfg.WriteTimeout},
		{cfg.ReadTimeoutRaw, &cfg.ReadTimeout},
		{cfg.Upstream.TimeoutRaw, &cfg.Upstream.Timeout},
		{cfg.Stream.InitialBackoffRaw, &cfg.Stream.InitialBackoff},
		{cfg.Stream.MaxBackoffRaw, &cfg.Stream.MaxBackoff},
		{cfg.Stream.MaxElapsedRaw, &cfg.Stream.MaxElapsed},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", d.raw, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.WSPort = getEnvInt("WS_PORT", getEnvInt("PORT", cfg.WSPort))
	cfg.HTTPPort = getEnvInt("HTTP_PORT", cfg.HTTPPort)

	cfg.Upstream.BaseURL = strings.TrimSuffix(getEnv("SF_URL", getEnv("NEXT_PUBLIC_SF_URL", cfg.Upstream.BaseURL)), "/")
	cfg.Upstream.OrgID = getEnv("SF_ORG_ID", getEnv("NEXT_PUBLIC_SF_ORG_ID", cfg.Upstream.OrgID))
	cfg.Upstream.DeveloperName = getEnv("SF_DEV_NAME", getEnv("NEXT_PUBLIC_SF_DEV_NAME", cfg.Upstream.DeveloperName))
	cfg.Upstream.CapabilitiesVersion = getEnv("SF_CAPABILITIES_VERSION", cfg.Upstream.CapabilitiesVersion)
	cfg.Upstream.Platform = getEnv("SF_PLATFORM", cfg.Upstream.Platform)
	cfg.Upstream.Language = getEnv("SF_LANGUAGE", cfg.Upstream.Language)
	cfg.Upstream.Timeout = getEnvDuration("UPSTREAM_TIMEOUT_MS", cfg.Upstream.Timeout)

	cfg.AllowedOrigin = getEnv("ALLOWED_ORIGIN", cfg.AllowedOrigin)
	cfg.SessionStore = strings.ToLower(getEnv("SESSION_STORE", cfg.SessionStore))
	cfg.SQLiteDSN = getEnv("SQLITE_DSN", cfg.SQLiteDSN)
	cfg.SessionIdleTimeout = getEnvDuration("SESSION_IDLE_TIMEOUT_MS", cfg.SessionIdleTimeout)

	reconnect, err := parseBoolEnv("SSE_RECONNECT", cfg.Stream.Reconnect)
	if err != nil {
		return err
	}
	cfg.Stream.Reconnect = reconnect
	cfg.Stream.InitialBackoff = getEnvDuration("SSE_INITIAL_BACKOFF_MS", cfg.Stream.InitialBackoff)
	cfg.Stream.MaxBackoff = getEnvDuration("SSE_MAX_BACKOFF_MS", cfg.Stream.MaxBackoff)
	cfg.Stream.MaxElapsed = getEnvDuration("SSE_MAX_ELAPSED_MS", cfg.Stream.MaxElapsed)

	cfg.PolicyFile = getEnv("POLICY_FILE", cfg.PolicyFile)

	cfg.PingInterval = getEnvDuration("WS_PING_INTERVAL_MS", cfg.PingInterval)
	cfg.WriteTimeout = getEnvDuration("WS_WRITE_TIMEOUT_MS", cfg.WriteTimeout)
	cfg.ReadTimeout = getEnvDuration("WS_READ_TIMEOUT_MS", cfg.ReadTimeout)
	cfg.MaxMessageSize = int64(getEnvInt("WS_MAX_MESSAGE_SIZE", int(cfg.MaxMessageSize)))

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}
