package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefault verifies the default configuration is valid and conservative
func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should validate, got %v", err)
	}
	if cfg.Backend != BackendMemory {
		t.Errorf("Expected default backend memory, got %s", cfg.Backend)
	}
	if cfg.Security.AllowAnonymous {
		t.Error("Anonymous access should be disabled by default")
	}
	if cfg.Security.MaxTTL < cfg.Security.DefaultTTL {
		t.Error("Default max TTL must cover the default TTL")
	}
}

// TestRedisAddr verifies address formatting
func TestRedisAddr(t *testing.T) {
	rc := RedisConfig{Host: "redis.internal", Port: 6380}
	if addr := rc.RedisAddr(); addr != "redis.internal:6380" {
		t.Errorf("Expected redis.internal:6380, got %s", addr)
	}
}

// TestValidateRejectsBadConfigs verifies each validation rule fires
func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Backend = "etcd" }},
		{"empty redis host", func(c *Config) { c.Backend = BackendRedis; c.Redis.Host = "" }},
		{"empty dynamo table", func(c *Config) { c.Backend = BackendDynamoDB; c.DynamoDB.Table = "" }},
		{"zero default ttl", func(c *Config) { c.Security.DefaultTTL = 0 }},
		{"max ttl below default", func(c *Config) { c.Security.MaxTTL = c.Security.DefaultTTL - time.Second }},
		{"negative owner limit", func(c *Config) { c.Security.MaxTasksPerOwner = -1 }},
		{"zero cleanup interval", func(c *Config) { c.CleanupInterval = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation to fail for %s", tc.name)
			}
		})
	}
}

// TestLoadFromFile verifies YAML values layer over defaults
func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskvault.yaml")
	yaml := `
backend: redis
redis:
  host: cache.internal
  port: 6380
security:
  max_tasks_per_owner: 5
  allow_anonymous: true
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Backend != BackendRedis {
		t.Errorf("Expected backend redis, got %s", cfg.Backend)
	}
	if cfg.Redis.Host != "cache.internal" || cfg.Redis.Port != 6380 {
		t.Errorf("Expected cache.internal:6380, got %s", cfg.Redis.RedisAddr())
	}
	if cfg.Security.MaxTasksPerOwner != 5 {
		t.Errorf("Expected owner limit 5, got %d", cfg.Security.MaxTasksPerOwner)
	}
	if !cfg.Security.AllowAnonymous {
		t.Error("Expected anonymous access enabled")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Expected debug/json logging, got %s/%s", cfg.Logging.Level, cfg.Logging.Format)
	}

	// Untouched settings keep their defaults.
	if cfg.Security.DefaultTTL != time.Hour {
		t.Errorf("Expected default TTL to survive, got %v", cfg.Security.DefaultTTL)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("Expected default cleanup interval, got %v", cfg.CleanupInterval)
	}
}

// TestLoadEnvOverrides verifies TASKVAULT_* variables are honored without a
// config file
func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TASKVAULT_BACKEND", "redis")
	t.Setenv("TASKVAULT_REDIS_HOST", "env.internal")
	t.Setenv("TASKVAULT_SECURITY_DEFAULT_TTL", "2h")
	t.Setenv("TASKVAULT_SECURITY_ALLOW_ANONYMOUS", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Backend != BackendRedis {
		t.Errorf("Expected backend redis from env, got %s", cfg.Backend)
	}
	if cfg.Redis.Host != "env.internal" {
		t.Errorf("Expected redis host env.internal, got %s", cfg.Redis.Host)
	}
	if cfg.Security.DefaultTTL != 2*time.Hour {
		t.Errorf("Expected default TTL 2h from env, got %v", cfg.Security.DefaultTTL)
	}
	if !cfg.Security.AllowAnonymous {
		t.Error("Expected anonymous access enabled from env")
	}

	// Untouched settings keep their defaults.
	if cfg.Redis.Port != 6379 {
		t.Errorf("Expected default redis port, got %d", cfg.Redis.Port)
	}
}

// TestEnvBeatsFile verifies precedence: environment over file over defaults
func TestEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskvault.yaml")
	yaml := "redis:\n  host: file.internal\n  port: 6380\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("TASKVAULT_REDIS_HOST", "env.internal")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Redis.Host != "env.internal" {
		t.Errorf("Expected env to beat file, got host %s", cfg.Redis.Host)
	}
	if cfg.Redis.Port != 6380 {
		t.Errorf("Expected file to beat defaults, got port %d", cfg.Redis.Port)
	}
}

// TestLoadMissingFile verifies a bad path is an error, not silent defaults
func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Error("Expected error for missing config file")
	}
}

// TestLoadInvalidConfig verifies validation runs on loaded files
func TestLoadInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("backend: etcd\n"), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Expected validation error for unknown backend")
	}
}
