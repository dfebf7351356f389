package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Queue is the per-client FIFO of undelivered messages: RPUSH to append,
// LRANGE to drain, with a TTL started by the first message into an empty
// list. Elements are opaque JSON payloads; the engine owns the codec.
type Queue struct {
	client *Client
	keys   Keys
	ttl    time.Duration
	logger *slog.Logger
}

// NewQueue creates a message queue layer.
func NewQueue(client *Client, keys Keys, ttl time.Duration, logger *slog.Logger) *Queue {
	return &Queue{
		client: client,
		keys:   keys,
		ttl:    ttl,
		logger: logger,
	}
}

// Enqueue appends one payload to the client's queue. The TTL is applied
// only when the list has none, so a hot queue still expires relative to its
// first undelivered message.
func (q *Queue) Enqueue(ctx context.Context, cid string, payload []byte) error {
	return q.client.WithRetry(ctx, func(ctx context.Context) error {
		err := enqueueScript.Run(ctx, q.client.Native(),
			[]string{q.keys.Messages(cid)},
			payload,
			int(q.ttl.Seconds()),
		).Err()
		if err != nil {
			return fmt.Errorf("enqueue for %s: %w", cid, err)
		}
		return nil
	})
}

// EnqueueBatch appends the same payload to many queues in one pipelined
// round-trip. Either the whole batch is issued or the error is returned.
func (q *Queue) EnqueueBatch(ctx context.Context, cids []string, payload []byte) error {
	if len(cids) == 0 {
		return nil
	}
	return q.client.WithRetry(ctx, func(ctx context.Context) error {
		// EvalSha inside a pipeline cannot fall back on NOSCRIPT, so make
		// sure the script is in the server cache first.
		if err := enqueueScript.Load(ctx, q.client.Native()).Err(); err != nil {
			return fmt.Errorf("load enqueue script: %w", err)
		}
		pipe := q.client.Native().Pipeline()
		ttl := int(q.ttl.Seconds())
		for _, cid := range cids {
			enqueueScript.Run(ctx, pipe, []string{q.keys.Messages(cid)}, payload, ttl)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("enqueue batch of %d: %w", len(cids), err)
		}
		return nil
	})
}

// DequeueAll atomically drains the queue and returns its elements in FIFO
// order.
func (q *Queue) DequeueAll(ctx context.Context, cid string) ([][]byte, error) {
	var raw []string
	err := q.client.WithRetry(ctx, func(ctx context.Context) error {
		pipe := q.client.Native().TxPipeline()
		rangeCmd := pipe.LRange(ctx, q.keys.Messages(cid), 0, -1)
		pipe.Del(ctx, q.keys.Messages(cid))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("dequeue for %s: %w", cid, err)
		}
		raw = rangeCmd.Val()
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(raw))
	for i, el := range raw {
		out[i] = []byte(el)
	}
	return out, nil
}

// Peek returns up to limit leading elements without removing them.
func (q *Queue) Peek(ctx context.Context, cid string, limit int64) ([][]byte, error) {
	if limit <= 0 {
		return nil, nil
	}
	var raw []string
	err := q.client.WithRetry(ctx, func(ctx context.Context) error {
		els, err := q.client.Native().LRange(ctx, q.keys.Messages(cid), 0, limit-1).Result()
		if err != nil {
			return fmt.Errorf("peek for %s: %w", cid, err)
		}
		raw = els
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(raw))
	for i, el := range raw {
		out[i] = []byte(el)
	}
	return out, nil
}

// Size returns the current queue length.
func (q *Queue) Size(ctx context.Context, cid string) (int64, error) {
	var n int64
	err := q.client.WithRetry(ctx, func(ctx context.Context) error {
		size, err := q.client.Native().LLen(ctx, q.keys.Messages(cid)).Result()
		if err != nil {
			return fmt.Errorf("queue size for %s: %w", cid, err)
		}
		n = size
		return nil
	})
	return n, err
}

// Clear deletes the queue.
func (q *Queue) Clear(ctx context.Context, cid string) error {
	return q.client.WithRetry(ctx, func(ctx context.Context) error {
		if err := q.client.Native().Del(ctx, q.keys.Messages(cid)).Err(); err != nil {
			return fmt.Errorf("clear queue for %s: %w", cid, err)
		}
		return nil
	})
}
