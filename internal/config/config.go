// Package config provides file- and environment-based configuration loading
// for taskvault deployments.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted in the configuration.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
)

// Config holds all configuration for a taskvault deployment.
type Config struct {
	// Backend selects the storage adapter: memory, redis or dynamodb.
	Backend string `mapstructure:"backend"`

	Redis    RedisConfig    `mapstructure:"redis"`
	DynamoDB DynamoDBConfig `mapstructure:"dynamodb"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`

	// CleanupInterval is how often the host sweeps expired tasks.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// DynamoDBConfig holds DynamoDB table settings.
type DynamoDBConfig struct {
	Table  string `mapstructure:"table"`
	Region string `mapstructure:"region"`
	// Endpoint overrides the service endpoint, for local development
	// against dynamodb-local.
	Endpoint string `mapstructure:"endpoint"`
}

// SecurityConfig holds the per-deployment limits the engine consults before
// every mutation.
type SecurityConfig struct {
	MaxTasksPerOwner int           `mapstructure:"max_tasks_per_owner"`
	DefaultTTL       time.Duration `mapstructure:"default_ttl"`
	MaxTTL           time.Duration `mapstructure:"max_ttl"`
	MaxVariableBytes int           `mapstructure:"max_variable_bytes"`
	AllowAnonymous   bool          `mapstructure:"allow_anonymous"`
	AnonymousOwner   string        `mapstructure:"anonymous_owner"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: json or console
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`
	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Backend: BackendMemory,
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			PoolSize: 10,
		},
		DynamoDB: DynamoDBConfig{
			Table:  "taskvault-tasks",
			Region: "us-east-1",
		},
		Security: SecurityConfig{
			MaxTasksPerOwner: 100,
			DefaultTTL:       1 * time.Hour,
			MaxTTL:           24 * time.Hour,
			MaxVariableBytes: 350 * 1024,
			AllowAnonymous:   false,
			AnonymousOwner:   "anonymous",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
		},
		CleanupInterval: 1 * time.Minute,
	}
}

// Load reads configuration from an optional YAML file and TASKVAULT_*
// environment variables, layered over the defaults. Environment variables win
// over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TASKVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key with viper. Unmarshal only consults the
// environment for keys viper knows about, so without this env-only overrides
// would be invisible.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("backend", c.Backend)

	v.SetDefault("redis.host", c.Redis.Host)
	v.SetDefault("redis.port", c.Redis.Port)
	v.SetDefault("redis.password", c.Redis.Password)
	v.SetDefault("redis.db", c.Redis.DB)
	v.SetDefault("redis.pool_size", c.Redis.PoolSize)

	v.SetDefault("dynamodb.table", c.DynamoDB.Table)
	v.SetDefault("dynamodb.region", c.DynamoDB.Region)
	v.SetDefault("dynamodb.endpoint", c.DynamoDB.Endpoint)

	v.SetDefault("security.max_tasks_per_owner", c.Security.MaxTasksPerOwner)
	v.SetDefault("security.default_ttl", c.Security.DefaultTTL)
	v.SetDefault("security.max_ttl", c.Security.MaxTTL)
	v.SetDefault("security.max_variable_bytes", c.Security.MaxVariableBytes)
	v.SetDefault("security.allow_anonymous", c.Security.AllowAnonymous)
	v.SetDefault("security.anonymous_owner", c.Security.AnonymousOwner)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)
	v.SetDefault("logging.outputs", c.Logging.Outputs)
	v.SetDefault("logging.rotation.enable", c.Logging.Rotation.Enable)
	v.SetDefault("logging.rotation.max_size_mb", c.Logging.Rotation.MaxSizeMB)
	v.SetDefault("logging.rotation.max_backups", c.Logging.Rotation.MaxBackups)
	v.SetDefault("logging.rotation.max_age_days", c.Logging.Rotation.MaxAgeDays)
	v.SetDefault("logging.rotation.compress", c.Logging.Rotation.Compress)

	v.SetDefault("cleanup_interval", c.CleanupInterval)
}

// RedisAddr returns the full Redis address.
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Host == "" {
			return fmt.Errorf("redis host cannot be empty")
		}
	case BackendDynamoDB:
		if c.DynamoDB.Table == "" {
			return fmt.Errorf("dynamodb table cannot be empty")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.Security.DefaultTTL <= 0 {
		return fmt.Errorf("default TTL must be positive")
	}
	if c.Security.MaxTTL < c.Security.DefaultTTL {
		return fmt.Errorf("max TTL must be >= default TTL")
	}
	if c.Security.MaxTasksPerOwner < 0 {
		return fmt.Errorf("max tasks per owner cannot be negative")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive")
	}
	return nil
}
