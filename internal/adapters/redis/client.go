package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sentinel errors for connectivity conditions.
var (
	// ErrConnection wraps transient connectivity failures that survived the
	// retry loop, or whose backoff wait was cut short by the context.
	// Non-retryable errors are not wrapped in it: WithRetry returns them
	// unchanged, except a closed client, which is reported as ErrClosed.
	ErrConnection = errors.New("redis connection error")

	// ErrClosed is returned by operations issued after Close.
	ErrClosed = errors.New("redis client closed")
)

// Config holds Redis connection settings.
type Config struct {
	Addr         string
	Password     string
	DB           int
	TLS          bool
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PoolTimeout  time.Duration

	// Retry policy for command operations: up to MaxRetries retries after
	// the first attempt, with exponential backoff RetryDelay * 2^(attempt-1).
	MaxRetries int
	RetryDelay time.Duration
}

// Client wraps a pooled go-redis client with the engine's retry policy.
// Pub/sub traffic does not go through here; see NewSubscriberClient.
type Client struct {
	native *redis.Client
	cfg    Config
	logger *slog.Logger
}

// NewClient creates a pooled command client. go-redis's internal retry is
// disabled so the backoff policy lives in WithRetry only.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		native: redis.NewClient(newOptions(cfg)),
		cfg:    cfg,
		logger: logger,
	}
}

func newOptions(cfg Config) *redis.Options {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		PoolTimeout:  cfg.PoolTimeout,
		MaxRetries:   -1,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Native returns the underlying go-redis client for pipelines, transactions
// and scripts.
func (c *Client) Native() *redis.Client {
	return c.native
}

// WithRetry runs op, retrying transient connectivity errors up to
// cfg.MaxRetries times with exponential backoff. Pool exhaustion, closed
// clients and command errors surface immediately.
func (c *Client) WithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			if errors.Is(err, redis.ErrClosed) {
				return fmt.Errorf("%w: %v", ErrClosed, err)
			}
			return err
		}
		if attempt > c.cfg.MaxRetries {
			break
		}
		delay := c.cfg.RetryDelay * (1 << (attempt - 1))
		c.logger.Warn("redis operation failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrConnection, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

// Connected reports whether a PING currently succeeds. Errors are not
// retried here.
func (c *Client) Connected(ctx context.Context) bool {
	return c.native.Ping(ctx).Err() == nil
}

// Close releases the pool.
func (c *Client) Close() error {
	return c.native.Close()
}

// NewSubscriberClient creates the dedicated connection used for the
// long-lived pattern subscription. It is a single-connection client, not
// pooled and not covered by WithRetry; the pub/sub coordinator owns its
// reconnect policy.
func (c *Client) NewSubscriberClient() *redis.Client {
	cfg := c.cfg
	cfg.PoolSize = 1
	opts := newOptions(cfg)
	// The subscribe loop blocks for as long as the channel is quiet; a read
	// deadline would turn silence into spurious reconnects.
	opts.ReadTimeout = -1
	return redis.NewClient(opts)
}

// isTransient classifies errors the retry loop is allowed to absorb:
// connection refused/reset, read/write timeouts and unexpected EOF. Pool
// exhaustion and closed clients are deliberately excluded.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, redis.ErrPoolTimeout) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
