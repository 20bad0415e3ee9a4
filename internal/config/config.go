// Package config loads service configuration from an optional YAML file,
// an optional .env file and the environment, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL  = "https://api.hostaway.com/v1/"
	DefaultTokenTTL = 24 * time.Hour
	DefaultPort     = 8000
)

// ConfigPathEnv overrides the config file search.
const ConfigPathEnv = "HOSTAWAY_SYNC_CONFIG"

var searchPaths = []string{
	"config/hostaway-sync.yaml",
	"/etc/hostaway-sync/config.yaml",
}

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Hostaway HostawayConfig `yaml:"hostaway"`
	Server   ServerConfig   `yaml:"server"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Sync     SyncConfig     `yaml:"sync"`
	Log      LogConfig      `yaml:"log"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

type HostawayConfig struct {
	BaseURL       string        `yaml:"base_url"`
	PageLimit     int           `yaml:"page_limit"`
	TokenCacheTTL time.Duration `yaml:"token_cache_ttl"`
}

// TokenURL is the client-credentials endpoint under the base URL.
func (h HostawayConfig) TokenURL() string {
	return strings.TrimSuffix(h.BaseURL, "/") + "/accessTokens"
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AdminPassword  string   `yaml:"admin_password"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type WebhookConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// BaseURL is the public URL of this service used when registering
	// vendor webhooks. Empty disables registration.
	BaseURL string `yaml:"base_url"`
}

type SyncConfig struct {
	DryRun bool `yaml:"dry_run"`
	// Interval between scheduled syncs of all accounts. Zero disables the
	// scheduler.
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{URL: "file:hostaway-sync.db?_pragma=busy_timeout(5000)"},
		Hostaway: HostawayConfig{
			BaseURL:       DefaultBaseURL,
			PageLimit:     100,
			TokenCacheTTL: DefaultTokenTTL,
		},
		Server: ServerConfig{Host: "0.0.0.0", Port: DefaultPort},
		Log:    LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (or the first existing search path when empty), then
// .env, then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path == "" {
		for _, candidate := range searchPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString("DATABASE_URL", &c.Database.URL)
	setString("DB_DRIVER", &c.Database.Driver)
	setString("HOSTAWAY_BASE_URL", &c.Hostaway.BaseURL)
	setString("LOG_LEVEL", &c.Log.Level)
	setString("LOG_FORMAT", &c.Log.Format)
	setString("HOST", &c.Server.Host)
	setString("ADMIN_PASSWORD", &c.Server.AdminPassword)
	setString("WEBHOOK_USERNAME", &c.Webhook.Username)
	setString("WEBHOOK_PASSWORD", &c.Webhook.Password)
	setString("WEBHOOK_BASE_URL", &c.Webhook.BaseURL)

	if v, ok := os.LookupEnv("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := os.LookupEnv("DRY_RUN"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DRY_RUN: %w", err)
		}
		c.Sync.DryRun = b
	}
	if v, ok := os.LookupEnv("SYNC_INTERVAL"); ok {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("SYNC_INTERVAL: %w", err)
		}
		c.Sync.Interval = d
	}
	if v, ok := os.LookupEnv("TOKEN_CACHE_TTL"); ok {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("TOKEN_CACHE_TTL: %w", err)
		}
		c.Hostaway.TokenCacheTTL = d
	}
	if v, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = splitList(v)
	}
	return nil
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("database url is required (DATABASE_URL)")
	}
	if c.Hostaway.BaseURL == "" {
		return errors.New("hostaway base url is required")
	}
	if c.Hostaway.PageLimit <= 0 {
		return fmt.Errorf("page limit must be positive, got %d", c.Hostaway.PageLimit)
	}
	if c.Sync.Interval < 0 {
		return errors.New("sync interval must not be negative")
	}
	return nil
}

// ValidateServer checks the settings the HTTP server additionally needs.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Webhook.Username == "" || c.Webhook.Password == "" {
		return errors.New("webhook credentials are required (WEBHOOK_USERNAME, WEBHOOK_PASSWORD)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	return nil
}

// parseDuration accepts Go durations ("90s", "1h") or bare seconds ("3600").
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
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
