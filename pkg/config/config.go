// Package config assembles server settings from defaults, an optional TOML
// file, a .env file, the environment and command-line flags, in that order of
// increasing precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Modes.
const (
	Development = "development"
	Production  = "production"
)

var (
	// ErrNoDatabase is returned when no persistence connection string is configured.
	ErrNoDatabase = errors.New("database URL is required (set DATABASE_URL or -database-url)")
	// ErrNoSecret is returned in production when no token secret is configured.
	ErrNoSecret = errors.New("auth secret is required in production (set AUTH_SECRET)")
)

// Config is the server configuration.
type Config struct {
	AuthSecret     string        `toml:"auth_secret"`
	DatabaseURL    string        `toml:"database_url"`
	RedisURL       string        `toml:"redis_url"`
	NotifyRedisURL string        `toml:"notify_redis_url"`
	WebhookSecret  string        `toml:"webhook_secret"`
	Host           string        `toml:"host"`
	Env            string        `toml:"env"`
	LECacheDir     string        `toml:"le_cache_dir"`
	LEEmail        string        `toml:"le_email"`
	AllowedEvents  []string      `toml:"allowed_events"`
	LEDomains      []string      `toml:"le_domains"`
	Port           int           `toml:"port"`
	MaxConnsPerIP  int           `toml:"max_conns_per_ip"`
	MaxConnsTotal  int           `toml:"max_conns_total"`
	Heartbeat      time.Duration `toml:"heartbeat"`
	LetsEncrypt    bool          `toml:"letsencrypt"`
	Migrate        bool          `toml:"migrate"`
	Debug          bool          `toml:"debug"`

	// File is the TOML file that was read, if any.
	File string `toml:"-"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Host:          "",
		Port:          8080,
		Env:           Development,
		MaxConnsPerIP: 10,
		MaxConnsTotal: 1000,
		Heartbeat:     60 * time.Second,
		LECacheDir:    "./.letsencrypt",
	}
}

// Load builds the configuration for the given command-line arguments
// (without the program name).
func Load(args []string) (*Config, error) {
	var path, envFile string

	// The first pass only discovers where the file-based layers live.
	probe := flagSet(Default(), &path, &envFile)
	if err := probe.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv("PARLOR_CONFIG")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		cfg.File = path
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read env file %s: %w", envFile, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Flags bound to cfg default to its current values, so only flags that
	// were actually given change anything.
	if err := flagSet(cfg, &path, &envFile).Parse(args); err != nil {
		return nil, err
	}

	if cfg.NotifyRedisURL == "" {
		cfg.NotifyRedisURL = cfg.RedisURL
	}
	return cfg, nil
}

func flagSet(c *Config, path, envFile *string) *flag.FlagSet {
	fs := flag.NewFlagSet("parlor", flag.ContinueOnError)
	fs.StringVar(path, "config", "", "Path to a TOML config file (or PARLOR_CONFIG)")
	fs.StringVar(envFile, "env-file", ".env", "Path to a .env file; a missing file is ignored")
	fs.StringVar(&c.Host, "host", c.Host, "Interface to listen on")
	fs.IntVar(&c.Port, "port", c.Port, "Port to listen on")
	fs.StringVar(&c.Env, "env", c.Env, "Mode: development or production")
	fs.StringVar(&c.AuthSecret, "auth-secret", c.AuthSecret, "Session token secret (prefer AUTH_SECRET)")
	fs.StringVar(&c.DatabaseURL, "database-url", c.DatabaseURL, "postgres:// or sqlite:// connection string")
	fs.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "Redis URL for cross-instance fan-out (empty: single process)")
	fs.StringVar(&c.NotifyRedisURL, "notify-redis-url", c.NotifyRedisURL, "Redis URL for offline notification tasks (default: -redis-url)")
	fs.StringVar(&c.WebhookSecret, "webhook-secret", c.WebhookSecret, "Secret for signed internal events (empty: endpoint disabled)")
	fs.Func("allowed-events", "Comma-separated internal event names to accept ('*' for all)", func(s string) error {
		c.AllowedEvents = splitList(s)
		return nil
	})
	fs.IntVar(&c.MaxConnsPerIP, "max-conns-per-ip", c.MaxConnsPerIP, "Maximum WebSocket connections per IP")
	fs.IntVar(&c.MaxConnsTotal, "max-conns-total", c.MaxConnsTotal, "Maximum total WebSocket connections")
	fs.DurationVar(&c.Heartbeat, "heartbeat", c.Heartbeat, "Interval for refreshing last-active timestamps")
	fs.BoolVar(&c.LetsEncrypt, "letsencrypt", c.LetsEncrypt, "Use Let's Encrypt for automatic TLS certificates")
	fs.Func("le-domains", "Comma-separated list of domains for Let's Encrypt certificates", func(s string) error {
		c.LEDomains = splitList(s)
		return nil
	})
	fs.StringVar(&c.LECacheDir, "le-cache-dir", c.LECacheDir, "Cache directory for Let's Encrypt certificates")
	fs.StringVar(&c.LEEmail, "le-email", c.LEEmail, "Contact email for Let's Encrypt notifications")
	fs.BoolVar(&c.Migrate, "migrate", c.Migrate, "Apply database migrations before serving")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug logging")
	return fs
}

func (c *Config) applyEnv() error {
	setString(&c.AuthSecret, "AUTH_SECRET", "NEXTAUTH_SECRET")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.NotifyRedisURL, "NOTIFY_REDIS_URL")
	setString(&c.WebhookSecret, "WEBHOOK_SECRET")
	setString(&c.Host, "HOST")
	setString(&c.Env, "APP_ENV", "NODE_ENV")
	if v := os.Getenv("ALLOWED_WEBHOOK_EVENTS"); v != "" {
		c.AllowedEvents = splitList(v)
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT %q: %w", v, err)
		}
		c.Port = port
	}
	if v := os.Getenv("PARLOR_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PARLOR_DEBUG %q: %w", v, err)
		}
		c.Debug = debug
	}
	return nil
}

// setString sets *dst from the first non-empty variable in names.
func setString(dst *string, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			*dst = v
			return
		}
	}
}

// splitList splits a comma-separated list. "*" yields nil, meaning "all".
func splitList(s string) []string {
	if strings.TrimSpace(s) == "*" {
		return nil
	}
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports configuration that cannot be served. It returns warnings
// for settings that are allowed but degrade the service.
func (c *Config) Validate() (warnings []string, err error) {
	switch c.Env {
	case Development, Production:
	default:
		return nil, fmt.Errorf("unknown mode %q (want %s or %s)", c.Env, Development, Production)
	}
	if c.DatabaseURL == "" {
		return nil, ErrNoDatabase
	}
	if c.Port < 1 || c.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxConnsPerIP < 1 || c.MaxConnsTotal < c.MaxConnsPerIP {
		return nil, fmt.Errorf("connection limits %d per IP / %d total are inconsistent", c.MaxConnsPerIP, c.MaxConnsTotal)
	}
	if c.Heartbeat <= 0 {
		return nil, fmt.Errorf("heartbeat %v must be positive", c.Heartbeat)
	}
	if c.LetsEncrypt && len(c.LEDomains) == 0 {
		return nil, errors.New("-letsencrypt requires -le-domains")
	}
	if c.AuthSecret == "" {
		if c.Production() {
			return nil, ErrNoSecret
		}
		warnings = append(warnings, "no auth secret configured: every connection will be rejected")
	}
	if c.RedisURL == "" {
		warnings = append(warnings, "no REDIS_URL: broadcasts reach this process only")
	}
	if c.WebhookSecret == "" {
		warnings = append(warnings, "no webhook secret: internal event endpoint disabled")
	}
	return warnings, nil
}

// Production reports whether the server runs in production mode.
func (c *Config) Production() bool {
	return c.Env == Production
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
