package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/7a6163/faye-redis-ng/internal/logging"
)

// getTestClient creates a Redis client for testing with a unique namespace.
// Skips the test if Redis is not available.
func getTestClient(t *testing.T) (*Client, Keys) {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := NewClient(Config{
		Addr:         addr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           15, // Use a separate DB for tests
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     5,
		PoolTimeout:  5 * time.Second,
		MaxRetries:   3,
		RetryDelay:   10 * time.Millisecond,
	}, logging.Discard())

	ctx := context.Background()
	if !client.Connected(ctx) {
		_ = client.Close()
		t.Skipf("Redis not available at %s, skipping test", addr)
	}

	ns := fmt.Sprintf("fayetest-%d", time.Now().UnixNano())
	keys := NewKeys(ns)

	t.Cleanup(func() {
		cleanupNamespace(client, ns)
		_ = client.Close()
	})

	return client, keys
}

// cleanupNamespace deletes every key created under the test namespace.
func cleanupNamespace(client *Client, ns string) {
	ctx := context.Background()
	matched, err := client.Native().Keys(ctx, ns+":*").Result()
	if err != nil || len(matched) == 0 {
		return
	}
	_ = client.Native().Del(ctx, matched...).Err()
}
