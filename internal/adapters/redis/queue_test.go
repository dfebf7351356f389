package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/7a6163/faye-redis-ng/internal/logging"
)

func newTestQueue(t *testing.T) (*Queue, *Client, Keys) {
	client, keys := getTestClient(t)
	q := NewQueue(client, keys, time.Hour, logging.Discard())
	return q, client, keys
}

func TestQueue_FIFO(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		payload := []byte(fmt.Sprintf(`{"id":"m%d"}`, i))
		if err := q.Enqueue(ctx, "c1", payload); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	msgs, err := q.DequeueAll(ctx, "c1")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		want := fmt.Sprintf(`{"id":"m%d"}`, i)
		if string(msg) != want {
			t.Errorf("message %d = %s, want %s", i, msg, want)
		}
	}

	size, err := q.Size(ctx, "c1")
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 0 {
		t.Errorf("queue should be empty after dequeue, size %d", size)
	}
}

func TestQueue_TTLSetOnlyOnce(t *testing.T) {
	q, client, keys := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "c1", []byte(`{"id":"m1"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Shrink the TTL out-of-band; further enqueues must not extend it.
	if err := client.Native().Expire(ctx, keys.Messages("c1"), 5*time.Second).Err(); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if err := q.Enqueue(ctx, "c1", []byte(`{"id":"m2"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ttl, err := client.Native().TTL(ctx, keys.Messages("c1")).Result()
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl > 5*time.Second {
		t.Errorf("second enqueue extended the queue TTL to %v", ttl)
	}
	if ttl <= 0 {
		t.Errorf("queue lost its TTL: %v", ttl)
	}
}

func TestQueue_PeekDoesNotRemove(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, "c1", []byte(fmt.Sprintf(`{"id":"m%d"}`, i))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	peeked, err := q.Peek(ctx, "c1", 2)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(peeked) != 2 {
		t.Fatalf("expected 2 peeked messages, got %d", len(peeked))
	}
	if string(peeked[0]) != `{"id":"m0"}` {
		t.Errorf("peek should return the head, got %s", peeked[0])
	}

	size, _ := q.Size(ctx, "c1")
	if size != 3 {
		t.Errorf("peek should not remove, size %d", size)
	}
}

func TestQueue_EnqueueBatch(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	cids := []string{"c1", "c2", "c3"}
	if err := q.EnqueueBatch(ctx, cids, []byte(`{"id":"m1"}`)); err != nil {
		t.Fatalf("enqueue batch: %v", err)
	}

	for _, cid := range cids {
		size, err := q.Size(ctx, cid)
		if err != nil {
			t.Fatalf("size %s: %v", cid, err)
		}
		if size != 1 {
			t.Errorf("queue %s size = %d, want 1", cid, size)
		}
	}

	// Empty recipient list is a no-op, not an error.
	if err := q.EnqueueBatch(ctx, nil, []byte(`{"id":"m2"}`)); err != nil {
		t.Errorf("empty batch should succeed, got %v", err)
	}
}

func TestQueue_Clear(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, "c1", []byte(`{"id":"m1"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Clear(ctx, "c1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	size, _ := q.Size(ctx, "c1")
	if size != 0 {
		t.Errorf("queue should be empty after clear, size %d", size)
	}
}

func TestQueue_DequeueAllEmptyQueue(t *testing.T) {
	q, _, _ := newTestQueue(t)

	msgs, err := q.DequeueAll(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("dequeue empty: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no messages, got %d", len(msgs))
	}
}
