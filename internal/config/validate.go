package config

import (
	"errors"
	"fmt"
)

// Validate validates the application configuration.
func (c *AppConfig) Validate() error {
	var errs []error

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("redis host is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("redis port %d out of range", c.Redis.Port))
	}
	if c.Redis.PoolSize <= 0 {
		errs = append(errs, errors.New("redis pool size must be positive"))
	}
	if c.Redis.ConnectTimeout.Duration <= 0 {
		errs = append(errs, errors.New("redis connect timeout must be positive"))
	}
	if c.Redis.MaxRetries < 0 {
		errs = append(errs, errors.New("redis max retries must not be negative"))
	}

	if c.Engine.Namespace == "" {
		errs = append(errs, errors.New("engine namespace is required"))
	}
	if c.Engine.ClientTimeout.Duration <= 0 {
		errs = append(errs, errors.New("engine client timeout must be positive"))
	}
	if c.Engine.MessageTTL.Duration <= 0 {
		errs = append(errs, errors.New("engine message ttl must be positive"))
	}
	if c.Engine.SubscriptionTTL.Duration <= 0 {
		errs = append(errs, errors.New("engine subscription ttl must be positive"))
	}
	if c.Engine.GCInterval.Duration < 0 {
		errs = append(errs, errors.New("engine gc interval must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
	}
	return nil
}
