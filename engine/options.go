package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Options configures an Engine. The zero value is not usable; start from
// DefaultOptions or use New with functional options.
type Options struct {
	// Redis endpoint.
	Host     string
	Port     int
	Database int
	Password string
	SSL      bool

	// Command pool sizing.
	PoolSize    int
	PoolTimeout time.Duration

	// Per-operation deadlines.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// Retry policy for command operations.
	MaxRetries int
	RetryDelay time.Duration

	// Session liveness window: TTL on the client hash.
	ClientTimeout time.Duration

	// Queue TTL, applied once per queue on first enqueue.
	MessageTTL time.Duration

	// TTL applied once per subscription key.
	SubscriptionTTL time.Duration

	// Garbage collection period. Zero disables the collector.
	GCInterval time.Duration

	// Items per orphan-cleanup batch, clamped to [1, 1000].
	CleanupBatchSize int

	// Subscriber reconnect policy.
	PubSubMaxReconnectAttempts int
	PubSubReconnectDelay       time.Duration

	// Prefix for every Redis key.
	Namespace string

	// LogLevel is one of silent, error, info, debug. Ignored when Logger is
	// set.
	LogLevel string

	// Logger overrides the one built from LogLevel.
	Logger *slog.Logger

	// MetricsRegistry receives the engine's collectors. A private registry
	// is created when nil.
	MetricsRegistry prometheus.Registerer
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		Host:                       "localhost",
		Port:                       6379,
		Database:                   0,
		PoolSize:                   5,
		PoolTimeout:                5 * time.Second,
		ConnectTimeout:             time.Second,
		ReadTimeout:                time.Second,
		WriteTimeout:               time.Second,
		MaxRetries:                 3,
		RetryDelay:                 time.Second,
		ClientTimeout:              60 * time.Second,
		MessageTTL:                 time.Hour,
		SubscriptionTTL:            time.Hour,
		GCInterval:                 60 * time.Second,
		CleanupBatchSize:           50,
		PubSubMaxReconnectAttempts: 10,
		PubSubReconnectDelay:       time.Second,
		Namespace:                  "faye",
		LogLevel:                   "info",
	}
}

// Addr returns the host:port endpoint.
func (o Options) Addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// Option is a functional option for configuring the Engine.
type Option func(*Options)

// WithAddr sets the Redis host and port.
func WithAddr(host string, port int) Option {
	return func(o *Options) {
		o.Host = host
		o.Port = port
	}
}

// WithDatabase sets the Redis database number.
func WithDatabase(db int) Option {
	return func(o *Options) { o.Database = db }
}

// WithPassword sets the Redis password.
func WithPassword(password string) Option {
	return func(o *Options) { o.Password = password }
}

// WithSSL enables TLS on the Redis connection.
func WithSSL(enabled bool) Option {
	return func(o *Options) { o.SSL = enabled }
}

// WithPoolSize sets the command connection pool size.
func WithPoolSize(size int) Option {
	return func(o *Options) { o.PoolSize = size }
}

// WithNamespace sets the prefix for every Redis key.
func WithNamespace(ns string) Option {
	return func(o *Options) { o.Namespace = ns }
}

// WithClientTimeout sets the session liveness window.
func WithClientTimeout(d time.Duration) Option {
	return func(o *Options) { o.ClientTimeout = d }
}

// WithMessageTTL sets the queue TTL.
func WithMessageTTL(d time.Duration) Option {
	return func(o *Options) { o.MessageTTL = d }
}

// WithSubscriptionTTL sets the TTL applied once per subscription key.
func WithSubscriptionTTL(d time.Duration) Option {
	return func(o *Options) { o.SubscriptionTTL = d }
}

// WithGCInterval sets the garbage collection period. Zero disables the
// collector.
func WithGCInterval(d time.Duration) Option {
	return func(o *Options) { o.GCInterval = d }
}

// WithCleanupBatchSize sets the orphan-cleanup batch size.
func WithCleanupBatchSize(n int) Option {
	return func(o *Options) { o.CleanupBatchSize = n }
}

// WithRetryPolicy sets the command retry count and backoff base delay.
func WithRetryPolicy(maxRetries int, delay time.Duration) Option {
	return func(o *Options) {
		o.MaxRetries = maxRetries
		o.RetryDelay = delay
	}
}

// WithPubSubReconnect sets the subscriber reconnect ceiling and base delay.
func WithPubSubReconnect(maxAttempts int, delay time.Duration) Option {
	return func(o *Options) {
		o.PubSubMaxReconnectAttempts = maxAttempts
		o.PubSubReconnectDelay = delay
	}
}

// WithLogger injects a logger, overriding LogLevel.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithLogLevel sets the log level name (silent, error, info, debug).
func WithLogLevel(level string) Option {
	return func(o *Options) { o.LogLevel = level }
}

// WithMetricsRegistry registers the engine's collectors on reg.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(o *Options) { o.MetricsRegistry = reg }
}

// WithOptions replaces the whole configuration.
func WithOptions(opts Options) Option {
	return func(o *Options) { *o = opts }
}
