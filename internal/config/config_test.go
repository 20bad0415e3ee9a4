package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_URL", "DB_DRIVER", "HOSTAWAY_BASE_URL", "LOG_LEVEL", "LOG_FORMAT",
		"HOST", "PORT", "ADMIN_PASSWORD", "WEBHOOK_USERNAME", "WEBHOOK_PASSWORD",
		"WEBHOOK_BASE_URL", "DRY_RUN", "SYNC_INTERVAL", "TOKEN_CACHE_TTL",
		"ALLOWED_ORIGINS", ConfigPathEnv,
	} {
		if v, ok := os.LookupEnv(key); ok {
			os.Unsetenv(key)
			t.Cleanup(func() { os.Setenv(key, v) })
		}
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Hostaway.BaseURL != DefaultBaseURL || cfg.Hostaway.TokenCacheTTL != DefaultTokenTTL {
		t.Fatalf("unexpected hostaway defaults: %+v", cfg.Hostaway)
	}
	if cfg.Server.Port != DefaultPort || cfg.Sync.Interval != 0 {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Server, cfg.Sync)
	}
	if cfg.Hostaway.TokenURL() != "https://api.hostaway.com/v1/accessTokens" {
		t.Fatalf("unexpected token url %s", cfg.Hostaway.TokenURL())
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeFile(t, dir, "config.yaml", `
database:
  driver: postgres
  url: postgres://file/app
hostaway:
  page_limit: 50
  token_cache_ttl: 2h
server:
  port: 9000
  allowed_origins: [https://a.example]
webhook:
  username: hook
  password: from-file
sync:
  interval: 15m
`)
	t.Setenv("WEBHOOK_PASSWORD", "from-env")
	t.Setenv("SYNC_INTERVAL", "600")
	t.Setenv("ALLOWED_ORIGINS", "https://b.example, https://c.example")
	t.Setenv("DRY_RUN", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.URL != "postgres://file/app" {
		t.Fatalf("file values not applied: %+v", cfg.Database)
	}
	if cfg.Hostaway.PageLimit != 50 || cfg.Hostaway.TokenCacheTTL != 2*time.Hour || cfg.Server.Port != 9000 {
		t.Fatalf("file values not applied: %+v %+v", cfg.Hostaway, cfg.Server)
	}
	if cfg.Webhook.Username != "hook" || cfg.Webhook.Password != "from-env" {
		t.Fatalf("env did not override file: %+v", cfg.Webhook)
	}
	if cfg.Sync.Interval != 10*time.Minute || !cfg.Sync.DryRun {
		t.Fatalf("unexpected sync config: %+v", cfg.Sync)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://c.example" {
		t.Fatalf("unexpected origins: %v", cfg.Server.AllowedOrigins)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, dir, ".env", "DATABASE_URL=postgres://dotenv/app\nPORT=8123\n")
	t.Cleanup(func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("PORT")
	})

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.URL != "postgres://dotenv/app" || cfg.Server.Port != 8123 {
		t.Fatalf(".env not applied: %+v %+v", cfg.Database, cfg.Server)
	}
}

func TestLoad_InvalidEnv(t *testing.T) {
	for key, value := range map[string]string{
		"PORT":            "eighty",
		"DRY_RUN":         "maybe",
		"SYNC_INTERVAL":   "soon",
		"TOKEN_CACHE_TTL": "-",
	} {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Chdir(t.TempDir())
			t.Setenv(key, value)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected error for %s=%s", key, value)
			}
		})
	}
}

func TestValidateServer(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if err := cfg.ValidateServer(); err == nil {
		t.Fatal("expected missing webhook credentials to fail")
	}
	cfg.Webhook.Username, cfg.Webhook.Password = "u", "p"
	if err := cfg.ValidateServer(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Database.URL = ""
	if err := cfg.ValidateServer(); err == nil {
		t.Fatal("expected missing database url to fail")
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"3600": time.Hour,
		"90s":  90 * time.Second,
		"0":    0,
	}
	for in, want := range cases {
		got, err := parseDuration(in)
		if err != nil || got != want {
			t.Errorf("parseDuration(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}
