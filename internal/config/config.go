package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Nested keys use a double
// underscore, so GUARD_SERVER__PORT sets server.port.
const EnvPrefix = "GUARD_"

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Intercept InterceptConfig `koanf:"intercept"`
	Review    ReviewConfig    `koanf:"review"`
	Storage   StorageConfig   `koanf:"storage"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Browser   BrowserConfig   `koanf:"browser"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// UpstreamConfig is where proxied calls are sent.
type UpstreamConfig struct {
	BaseURL string `koanf:"base_url"`
	// AllowPrivate permits upstream connections to loopback and private
	// addresses.
	AllowPrivate bool `koanf:"allow_private"`
}

type InterceptConfig struct {
	TargetURL     string        `koanf:"target_url"`
	LookupTimeout time.Duration `koanf:"lookup_timeout"`
}

type ReviewConfig struct {
	SuppressionTTL time.Duration  `koanf:"suppression_ttl"`
	APIKeys        []APIKeyConfig `koanf:"api_keys"`
}

type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	Description string `koanf:"description"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type LogConfig struct {
	Level string `koanf:"level"`
	// File, when set, also writes logs to a rotated file.
	File string `koanf:"file"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// BrowserConfig attaches the interceptor to a running Chromium over the
// DevTools protocol.
type BrowserConfig struct {
	Enabled bool   `koanf:"enabled"`
	CDPURL  string `koanf:"cdp_url"`
	// TabURLFilter picks the tab to attach to by URL substring.
	TabURLFilter string `koanf:"tab_url_filter"`
}

var defaults = map[string]any{
	"server.port":              8080,
	"server.request_timeout":   "10m",
	"upstream.base_url":        "https://chatgpt.com",
	"intercept.target_url":     "https://chatgpt.com/backend-api/f/conversation",
	"intercept.lookup_timeout": "2s",
	"review.suppression_ttl":   "24h",
	"storage.type":             "sqlite",
	"storage.sqlite.path":      "./data/promptguard.db",
	"log.level":                "info",
	"telemetry.service_name":   "promptguard",
	"browser.cdp_url":          "http://127.0.0.1:9222",
	"browser.tab_url_filter":   "chatgpt.com",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (a missing file is fine), then GUARD_ environment
// overrides, then fills defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	for i := range cfg.Review.APIKeys {
		cfg.Review.APIKeys[i].KeyHash = substituteEnvVars(cfg.Review.APIKeys[i].KeyHash)
	}
	cfg.Upstream.BaseURL = substituteEnvVars(cfg.Upstream.BaseURL)
	cfg.Browser.CDPURL = substituteEnvVars(cfg.Browser.CDPURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Intercept.TargetURL == "" {
		return fmt.Errorf("intercept.target_url is required")
	}
	if c.Intercept.LookupTimeout <= 0 {
		return fmt.Errorf("intercept.lookup_timeout must be positive")
	}
	if c.Review.SuppressionTTL <= 0 {
		return fmt.Errorf("review.suppression_ttl must be positive")
	}
	switch c.Storage.Type {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unsupported storage.type %q", c.Storage.Type)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log.level %q: %w", s, err)
	}
	return level, nil
}

// substituteEnvVars replaces ${VAR} with the value of VAR.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
