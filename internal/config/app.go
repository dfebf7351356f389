package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/7a6163/faye-redis-ng/engine"
)

// AppConfig holds the standalone node's configuration.
type AppConfig struct {
	Redis  RedisConfig  `yaml:"redis"`
	Engine EngineConfig `yaml:"engine"`
	Admin  AdminConfig  `yaml:"admin"`

	// LogLevel is one of silent, error, info, debug.
	LogLevel string `yaml:"log_level"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database int    `yaml:"database"`
	Password string `yaml:"password"`
	SSL      bool   `yaml:"ssl"`

	// SecretName names an AWS Secrets Manager secret to resolve the
	// password from. Takes precedence over Password when set.
	SecretName string `yaml:"secret_name"`

	PoolSize    int      `yaml:"pool_size"`
	PoolTimeout Duration `yaml:"pool_timeout"`

	ConnectTimeout Duration `yaml:"connect_timeout"`
	ReadTimeout    Duration `yaml:"read_timeout"`
	WriteTimeout   Duration `yaml:"write_timeout"`

	MaxRetries int      `yaml:"max_retries"`
	RetryDelay Duration `yaml:"retry_delay"`
}

// EngineConfig holds engine-level settings.
type EngineConfig struct {
	Namespace                  string   `yaml:"namespace"`
	ClientTimeout              Duration `yaml:"client_timeout"`
	MessageTTL                 Duration `yaml:"message_ttl"`
	SubscriptionTTL            Duration `yaml:"subscription_ttl"`
	GCInterval                 Duration `yaml:"gc_interval"`
	CleanupBatchSize           int      `yaml:"cleanup_batch_size"`
	PubSubMaxReconnectAttempts int      `yaml:"pubsub_max_reconnect_attempts"`
	PubSubReconnectDelay       Duration `yaml:"pubsub_reconnect_delay"`
}

// AdminConfig holds the admin HTTP endpoint settings.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "60s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Default returns the documented defaults.
func Default() *AppConfig {
	opts := engine.DefaultOptions()
	return &AppConfig{
		Redis: RedisConfig{
			Host:           opts.Host,
			Port:           opts.Port,
			Database:       opts.Database,
			PoolSize:       opts.PoolSize,
			PoolTimeout:    Duration{opts.PoolTimeout},
			ConnectTimeout: Duration{opts.ConnectTimeout},
			ReadTimeout:    Duration{opts.ReadTimeout},
			WriteTimeout:   Duration{opts.WriteTimeout},
			MaxRetries:     opts.MaxRetries,
			RetryDelay:     Duration{opts.RetryDelay},
		},
		Engine: EngineConfig{
			Namespace:                  opts.Namespace,
			ClientTimeout:              Duration{opts.ClientTimeout},
			MessageTTL:                 Duration{opts.MessageTTL},
			SubscriptionTTL:            Duration{opts.SubscriptionTTL},
			GCInterval:                 Duration{opts.GCInterval},
			CleanupBatchSize:           opts.CleanupBatchSize,
			PubSubMaxReconnectAttempts: opts.PubSubMaxReconnectAttempts,
			PubSubReconnectDelay:       Duration{opts.PubSubReconnectDelay},
		},
		Admin: AdminConfig{
			Addr: ":8080",
		},
		LogLevel: opts.LogLevel,
	}
}

// LoadFromEnv loads configuration from environment variables on top of the
// defaults.
func LoadFromEnv() (*AppConfig, error) {
	cfg := Default()

	cfg.Redis.Host = getEnvOrDefault("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnvIntOrDefault("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Database = getEnvIntOrDefault("REDIS_DB", cfg.Redis.Database)
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_SECRET_NAME"); v != "" {
		cfg.Redis.SecretName = v
	}
	cfg.Engine.Namespace = getEnvOrDefault("FAYE_NAMESPACE", cfg.Engine.Namespace)
	cfg.Admin.Addr = getEnvOrDefault("ADMIN_ADDR", cfg.Admin.Addr)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads a YAML configuration file on top of the defaults.
func LoadFile(path string) (*AppConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EngineOptions converts the configuration into engine options.
func (c *AppConfig) EngineOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.Host = c.Redis.Host
	opts.Port = c.Redis.Port
	opts.Database = c.Redis.Database
	opts.Password = c.Redis.Password
	opts.SSL = c.Redis.SSL
	opts.PoolSize = c.Redis.PoolSize
	opts.PoolTimeout = c.Redis.PoolTimeout.Duration
	opts.ConnectTimeout = c.Redis.ConnectTimeout.Duration
	opts.ReadTimeout = c.Redis.ReadTimeout.Duration
	opts.WriteTimeout = c.Redis.WriteTimeout.Duration
	opts.MaxRetries = c.Redis.MaxRetries
	opts.RetryDelay = c.Redis.RetryDelay.Duration
	opts.Namespace = c.Engine.Namespace
	opts.ClientTimeout = c.Engine.ClientTimeout.Duration
	opts.MessageTTL = c.Engine.MessageTTL.Duration
	opts.SubscriptionTTL = c.Engine.SubscriptionTTL.Duration
	opts.GCInterval = c.Engine.GCInterval.Duration
	opts.CleanupBatchSize = c.Engine.CleanupBatchSize
	opts.PubSubMaxReconnectAttempts = c.Engine.PubSubMaxReconnectAttempts
	opts.PubSubReconnectDelay = c.Engine.PubSubReconnectDelay.Duration
	opts.LogLevel = c.LogLevel
	return opts
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}
