package redis

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxReconnectDelay = 60 * time.Second

// MessageHandler receives inter-process traffic: the logical channel (with
// the namespace prefix already stripped) and the raw JSON payload.
type MessageHandler func(channel string, payload []byte)

// PubSubConfig tunes the subscriber's reconnect policy.
type PubSubConfig struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
}

// PubSub coordinates cross-process fan-out: a single pattern subscription
// on {ns}:publish:* owned by one background goroutine on a dedicated
// connection, demultiplexed to one registered handler.
type PubSub struct {
	client *Client
	keys   Keys
	cfg    PubSubConfig
	logger *slog.Logger

	mu       sync.Mutex
	handler  MessageHandler
	running  bool
	stopping bool
	cancel   context.CancelFunc
	sub      *redis.Client
	wg       sync.WaitGroup
}

// NewPubSub creates a pub/sub coordinator. The subscriber worker starts
// lazily on the first Publish or Start call.
func NewPubSub(client *Client, keys Keys, cfg PubSubConfig, logger *slog.Logger) *PubSub {
	return &PubSub{
		client: client,
		keys:   keys,
		cfg:    cfg,
		logger: logger,
	}
}

// OnMessage registers the handler for incoming messages. The slot is
// single-occupancy: a second registration replaces the first with a
// warning, so a message is never processed twice.
func (p *PubSub) OnMessage(h MessageHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handler != nil {
		p.logger.Warn("replacing existing pub/sub message handler")
	}
	p.handler = h
}

// Publish starts the subscriber worker if needed, then publishes the
// payload on the channel's pub/sub key.
func (p *PubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	p.Start()
	return p.client.WithRetry(ctx, func(ctx context.Context) error {
		if err := p.client.Native().Publish(ctx, p.keys.Publish(channel), payload).Err(); err != nil {
			return fmt.Errorf("publish to %s: %w", channel, err)
		}
		return nil
	})
}

// Start launches the subscriber worker. It is a no-op when already running
// or after Disconnect.
func (p *PubSub) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.stopping {
		return
	}
	p.running = true
	p.sub = p.client.NewSubscriberClient()
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.subscriberLoop(ctx, p.sub)
}

// subscriberLoop holds the pattern subscription and hands every message to
// the registered handler. On failure it reconnects with exponential backoff
// plus jitter, capped at 60s, until the attempt ceiling is reached.
func (p *PubSub) subscriberLoop(ctx context.Context, sub *redis.Client) {
	defer p.wg.Done()

	pattern := p.keys.PublishPattern()
	attempts := 0

	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := sub.PSubscribe(ctx, pattern)
		_, err := pubsub.Receive(ctx)
		if err != nil {
			_ = pubsub.Close()
			attempts++
			if attempts >= p.cfg.MaxReconnectAttempts {
				p.logger.Error("pub/sub subscriber giving up, cross-process fan-out is down",
					"attempts", attempts,
					"error", err,
				)
				return
			}
			delay := reconnectDelay(p.cfg.ReconnectDelay, attempts)
			p.logger.Warn("pub/sub subscribe failed, reconnecting",
				"attempt", attempts,
				"delay", delay,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		// Subscribed; the reconnect budget starts over.
		attempts = 0
		p.logger.Debug("pub/sub subscribed", "pattern", pattern)

		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				_ = pubsub.Close()
				if ctx.Err() != nil {
					return
				}
				p.logger.Warn("pub/sub receive failed", "error", err)
				break
			}
			p.dispatch(msg.Channel, []byte(msg.Payload))
		}
	}
}

// dispatch strips the namespace and invokes the handler. Handler panics are
// contained so they cannot kill the subscriber worker.
func (p *PubSub) dispatch(key string, payload []byte) {
	channel, ok := p.keys.StripPublish(key)
	if !ok {
		p.logger.Debug("ignoring message outside namespace", "key", key)
		return
	}

	p.mu.Lock()
	handler := p.handler
	stopping := p.stopping
	p.mu.Unlock()

	if handler == nil || stopping {
		p.logger.Warn("dropping pub/sub message with no handler", "channel", channel)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pub/sub handler panicked", "channel", channel, "panic", r)
		}
	}()
	handler(channel, payload)
}

// Disconnect stops the subscriber worker, closes the dedicated connection
// (errors suppressed) and clears the handler slot. Safe to call more than
// once.
func (p *PubSub) Disconnect() {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	cancel := p.cancel
	sub := p.sub
	p.handler = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		_ = sub.Close()
	}
	p.wg.Wait()

	p.mu.Lock()
	p.running = false
	p.cancel = nil
	p.sub = nil
	p.mu.Unlock()
}

// reconnectDelay computes base * 2^(attempt-1) with 30% jitter, capped.
func reconnectDelay(base time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	if delay > maxReconnectDelay || delay <= 0 {
		delay = maxReconnectDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)*3/10 + 1))
	delay += jitter
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}
