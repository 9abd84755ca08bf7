package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SAGA_STORE", "")
	t.Setenv("SCAN_INTERVAL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StoreMemory {
		t.Fatalf("expected memory store by default, got %s", cfg.Store)
	}
	if cfg.MaxRetries != 3 || cfg.RetryInitialDelay != time.Second || cfg.RetryMaxDelay != 30*time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg)
	}
	if cfg.ScanInterval != 5*time.Second {
		t.Fatalf("expected 5s scan interval, got %v", cfg.ScanInterval)
	}
	if cfg.NeedsRedis() {
		t.Fatalf("memory store must not require redis")
	}
	if cfg.DriveTimeout != 30*time.Second || cfg.StaleScanInterval != 0 {
		t.Fatalf("unexpected drive/stale defaults: %v %v", cfg.DriveTimeout, cfg.StaleScanInterval)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SAGA_STORE", "Postgres")
	t.Setenv("SAGA_MAX_RETRIES", "0")
	t.Setenv("SCAN_INTERVAL", "10s")
	t.Setenv("DB_HOST", "db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StorePostgres || !cfg.NeedsRedis() {
		t.Fatalf("unexpected store %s", cfg.Store)
	}
	if cfg.MaxRetries != 0 {
		t.Fatalf("expected zero retries, got %d", cfg.MaxRetries)
	}
	if !strings.Contains(cfg.DSN(), "host=db ") {
		t.Fatalf("unexpected dsn %s", cfg.DSN())
	}
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	t.Setenv("SAGA_STORE", "mongo")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown store")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			HTTPPort:          8090,
			Store:             StoreMemory,
			MaxRetries:        3,
			RetryInitialDelay: time.Second,
			RetryMultiplier:   2,
			RetryMaxDelay:     30 * time.Second,
			ScanInterval:      5 * time.Second,
			ScanBatchSize:     100,
			LockTTL:           time.Minute,
			DriveTimeout:      30 * time.Second,
		}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}

	tests := map[string]func(c *Config){
		"port":       func(c *Config) { c.HTTPPort = 0 },
		"retries":    func(c *Config) { c.MaxRetries = -1 },
		"multiplier": func(c *Config) { c.RetryMultiplier = 0.5 },
		"max delay":  func(c *Config) { c.RetryMaxDelay = time.Millisecond },
		"interval":   func(c *Config) { c.ScanInterval = 100 * time.Millisecond },
		"batch":      func(c *Config) { c.ScanBatchSize = 0 },
		"sqlite":     func(c *Config) { c.Store = StoreSQLite; c.SQLitePath = "" },
		"stale scan": func(c *Config) { c.StaleScanInterval = time.Millisecond },
		"drive":      func(c *Config) { c.DriveTimeout = 0 },
	}
	for name, mutate := range tests {
		c := base()
		mutate(c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
