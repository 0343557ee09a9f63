// Package config loads and validates tillscan configuration from the
// environment and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dukerupert/tillscan/internal/auth"
)

// Config holds server and terminal settings.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `mapstructure:"TILLSCAN_ADDR"`
	// BaseURL is the public origin phones reach; pairing URLs are built on it.
	BaseURL string `mapstructure:"TILLSCAN_BASE_URL"`
	// DBPath is the SQLite product catalog.
	DBPath string `mapstructure:"TILLSCAN_DB_PATH"`

	SessionTTL    time.Duration `mapstructure:"TILLSCAN_SESSION_TTL"`
	IdleTimeout   time.Duration `mapstructure:"TILLSCAN_IDLE_TIMEOUT"`
	SweepInterval time.Duration `mapstructure:"TILLSCAN_SWEEP_INTERVAL"`

	// TerminalKeys is a comma-separated list of "terminal-id:bcrypt-hash".
	TerminalKeys string `mapstructure:"TILLSCAN_TERMINAL_KEYS"`
	// AllowedOrigins lists extra host patterns allowed to open relay sockets.
	AllowedOrigins string `mapstructure:"TILLSCAN_ALLOWED_ORIGINS"`

	// HTTPRateLimit is requests per minute per client IP on public routes.
	HTTPRateLimit int `mapstructure:"TILLSCAN_HTTP_RATE_LIMIT"`
	// ScanRateLimit is scans per second per phone connection.
	ScanRateLimit int `mapstructure:"TILLSCAN_SCAN_RATE_LIMIT"`

	LogLevel  string `mapstructure:"TILLSCAN_LOG_LEVEL"`
	LogFormat string `mapstructure:"TILLSCAN_LOG_FORMAT"`

	// Terminal side, used by `tillscan pair`.
	ServerURL         string        `mapstructure:"TILLSCAN_SERVER_URL"`
	TerminalKey       string        `mapstructure:"TILLSCAN_TERMINAL_KEY"`
	HeartbeatInterval time.Duration `mapstructure:"TILLSCAN_HEARTBEAT_INTERVAL"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // a missing .env is fine

	v.AutomaticEnv()

	v.SetDefault("TILLSCAN_ADDR", ":8080")
	v.SetDefault("TILLSCAN_BASE_URL", "http://localhost:8080")
	v.SetDefault("TILLSCAN_DB_PATH", "tillscan.db")
	v.SetDefault("TILLSCAN_SESSION_TTL", 5*time.Minute)
	v.SetDefault("TILLSCAN_IDLE_TIMEOUT", 2*time.Minute)
	v.SetDefault("TILLSCAN_SWEEP_INTERVAL", 5*time.Second)
	v.SetDefault("TILLSCAN_TERMINAL_KEYS", "")
	v.SetDefault("TILLSCAN_ALLOWED_ORIGINS", "")
	v.SetDefault("TILLSCAN_HTTP_RATE_LIMIT", 120)
	v.SetDefault("TILLSCAN_SCAN_RATE_LIMIT", 20)
	v.SetDefault("TILLSCAN_LOG_LEVEL", "info")
	v.SetDefault("TILLSCAN_LOG_FORMAT", "text")
	v.SetDefault("TILLSCAN_SERVER_URL", "http://localhost:8080")
	v.SetDefault("TILLSCAN_TERMINAL_KEY", "")
	v.SetDefault("TILLSCAN_HEARTBEAT_INTERVAL", 20*time.Second)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field ranges. Terminal keys are checked by Keyring.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: TILLSCAN_ADDR must be set")
	}
	if err := checkHTTPURL(c.BaseURL); err != nil {
		return fmt.Errorf("config: TILLSCAN_BASE_URL: %w", err)
	}
	if c.SessionTTL <= 0 {
		return errors.New("config: TILLSCAN_SESSION_TTL must be positive")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("config: TILLSCAN_IDLE_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 || c.SweepInterval > c.SessionTTL {
		return errors.New("config: TILLSCAN_SWEEP_INTERVAL must be positive and no longer than the session TTL")
	}
	if c.HTTPRateLimit < 0 || c.ScanRateLimit < 0 {
		return errors.New("config: rate limits must not be negative")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.IdleTimeout {
		return errors.New("config: TILLSCAN_HEARTBEAT_INTERVAL must be positive and shorter than the idle timeout")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("config: TILLSCAN_LOG_FORMAT %q must be text or json", c.LogFormat)
	}
	return nil
}

// Keyring parses TerminalKeys.
func (c *Config) Keyring() (*auth.Keyring, error) {
	k, err := auth.ParseKeyring(c.TerminalKeys)
	if err != nil {
		return nil, fmt.Errorf("config: TILLSCAN_TERMINAL_KEYS: %w", err)
	}
	return k, nil
}

// OriginPatterns returns AllowedOrigins as host patterns. Scheme and path are
// stripped from full URLs.
func (c *Config) OriginPatterns() []string {
	if c == nil || c.AllowedOrigins == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(c.AllowedOrigins, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if u, err := url.Parse(p); err == nil && u.Host != "" {
			p = u.Host
		}
		out = append(out, strings.ToLower(p))
	}
	return out
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
