// Package engine implements the Redis-backed distributed core of a
// Bayeux/Faye-style pub/sub messaging server. Multiple front-end processes
// pointed at the same Redis share client identity, subscriptions and queued
// messages: a client connected anywhere receives everything published to
// its channels from any process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/7a6163/faye-redis-ng/internal/adapters/redis"
	"github.com/7a6163/faye-redis-ng/internal/logging"
	"github.com/7a6163/faye-redis-ng/internal/metrics"
)

// ErrDisconnected is returned by operations issued after Disconnect.
var ErrDisconnected = errors.New("engine disconnected")

// remoteDispatchTimeout bounds the Redis work done for one message arriving
// on the inter-process subscription.
const remoteDispatchTimeout = 30 * time.Second

// Engine composes the registry, subscription graph, message queues and
// pub/sub coordinator into the contract consumed by the protocol layer.
type Engine struct {
	opts     Options
	logger   *slog.Logger
	serverID string

	client   *redis.Client
	keys     redis.Keys
	registry *redis.Registry
	subs     *redis.SubscriptionManager
	queue    *redis.Queue
	pubsub   *redis.PubSub

	echoes *echoTracker
	stats  *metrics.Metrics

	closed atomic.Bool

	gcMu      sync.Mutex
	gcStarted bool
	gcStop    chan struct{}
	gcDone    chan struct{}
}

// New creates an engine from the default options modified by opts. The
// connection is established lazily; the first operation surfaces
// connectivity errors.
func New(opts ...Option) (*Engine, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Namespace == "" {
		return nil, errors.New("engine: namespace must not be empty")
	}

	logger := o.Logger
	if logger == nil {
		logger = logging.New(logging.FromLevelName(o.LogLevel))
	}

	reg := o.MetricsRegistry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	serverID := uuid.NewString()
	client := redis.NewClient(redis.Config{
		Addr:         o.Addr(),
		Password:     o.Password,
		DB:           o.Database,
		TLS:          o.SSL,
		DialTimeout:  o.ConnectTimeout,
		ReadTimeout:  o.ReadTimeout,
		WriteTimeout: o.WriteTimeout,
		PoolSize:     o.PoolSize,
		PoolTimeout:  o.PoolTimeout,
		MaxRetries:   o.MaxRetries,
		RetryDelay:   o.RetryDelay,
	}, logger.With("component", "redis"))

	keys := redis.NewKeys(o.Namespace)

	e := &Engine{
		opts:     o,
		logger:   logger,
		serverID: serverID,
		client:   client,
		keys:     keys,
		registry: redis.NewRegistry(client, keys, serverID, o.ClientTimeout, logger.With("component", "registry")),
		subs:     redis.NewSubscriptionManager(client, keys, o.SubscriptionTTL, o.CleanupBatchSize, logger.With("component", "subscriptions")),
		queue:    redis.NewQueue(client, keys, o.MessageTTL, logger.With("component", "queue")),
		pubsub: redis.NewPubSub(client, keys, redis.PubSubConfig{
			MaxReconnectAttempts: o.PubSubMaxReconnectAttempts,
			ReconnectDelay:       o.PubSubReconnectDelay,
		}, logger.With("component", "pubsub")),
		echoes: newEchoTracker(),
		stats:  metrics.New(reg),
	}
	e.pubsub.OnMessage(e.handleRemoteMessage)

	logger.Info("engine created",
		"server_id", serverID,
		"namespace", o.Namespace,
		"addr", o.Addr(),
	)
	return e, nil
}

// ServerID identifies this process in the client records it creates.
func (e *Engine) ServerID() string {
	return e.serverID
}

// Connected reports whether Redis currently answers a PING.
func (e *Engine) Connected(ctx context.Context) bool {
	return !e.closed.Load() && e.client.Connected(ctx)
}

// CreateClient registers a new client session and returns its id. The
// garbage collector starts lazily on the first successful call.
func (e *Engine) CreateClient(ctx context.Context) (string, error) {
	if e.closed.Load() {
		return "", ErrDisconnected
	}
	cid := uuid.NewString()
	if err := e.registry.Create(ctx, cid); err != nil {
		return "", err
	}
	e.startGC()
	e.logger.Debug("client created", "client_id", cid)
	return cid, nil
}

// DestroyClient removes the client's subscriptions, queue and registry
// entry. All three steps are attempted; failures are aggregated.
func (e *Engine) DestroyClient(ctx context.Context, cid string) error {
	if e.closed.Load() {
		return ErrDisconnected
	}
	err := multierr.Combine(
		e.subs.UnsubscribeAll(ctx, cid),
		e.queue.Clear(ctx, cid),
		e.registry.Destroy(ctx, cid),
	)
	if err != nil {
		return fmt.Errorf("destroy client %s: %w", cid, err)
	}
	e.logger.Debug("client destroyed", "client_id", cid)
	return nil
}

// ClientExists reports whether the client session is currently alive.
func (e *Engine) ClientExists(ctx context.Context, cid string) (bool, error) {
	if e.closed.Load() {
		return false, ErrDisconnected
	}
	return e.registry.Exists(ctx, cid)
}

// Ping records a heartbeat: the session hash TTL and every
// subscription-related TTL of the client are refreshed. The message queue
// TTL is deliberately left alone; queued messages expire relative to when
// they were enqueued, not to client liveness.
func (e *Engine) Ping(ctx context.Context, cid string) error {
	if e.closed.Load() {
		return ErrDisconnected
	}
	return multierr.Combine(
		e.registry.Ping(ctx, cid),
		e.subs.RefreshTTL(ctx, cid),
	)
}

// Subscribe links the client to a channel or wildcard pattern.
func (e *Engine) Subscribe(ctx context.Context, cid, channel string) error {
	if e.closed.Load() {
		return ErrDisconnected
	}
	return e.subs.Subscribe(ctx, cid, channel)
}

// Unsubscribe removes the link.
func (e *Engine) Unsubscribe(ctx context.Context, cid, channel string) error {
	if e.closed.Load() {
		return ErrDisconnected
	}
	return e.subs.Unsubscribe(ctx, cid, channel)
}

// Subscriptions returns the channels the client is subscribed to.
func (e *Engine) Subscriptions(ctx context.Context, cid string) ([]string, error) {
	if e.closed.Load() {
		return nil, ErrDisconnected
	}
	return e.subs.GetClientSubscriptions(ctx, cid)
}

// Subscribers returns the deduplicated subscriber snapshot of a channel,
// exact and via patterns.
func (e *Engine) Subscribers(ctx context.Context, channel string) ([]string, error) {
	if e.closed.Load() {
		return nil, ErrDisconnected
	}
	return e.subs.GetSubscribers(ctx, channel)
}

// Publish fans a message out to the given channels: for each channel, the
// encoded message is published on the channel's pub/sub key and enqueued
// for the current subscriber snapshot in one batched pipeline. Channels are
// processed concurrently; nil is returned only when every sub-operation
// succeeded.
func (e *Engine) Publish(ctx context.Context, msg Message, channels []string) error {
	if e.closed.Load() {
		return ErrDisconnected
	}
	if len(channels) == 0 {
		return nil
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	e.echoes.record(msg.ID)

	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	e.stats.PublishedMessages.Inc()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, channel := range channels {
		wg.Add(1)
		go func(channel string) {
			defer wg.Done()

			pubErr := e.pubsub.Publish(ctx, channel, payload)

			subscribers, subErr := e.subs.GetSubscribers(ctx, channel)
			var enqErr error
			if subErr == nil {
				enqErr = e.queue.EnqueueBatch(ctx, subscribers, payload)
				if enqErr == nil {
					e.stats.EnqueuedMessages.Add(float64(len(subscribers)))
				}
			}

			mu.Lock()
			errs = multierr.Combine(errs, pubErr, subErr, enqErr)
			mu.Unlock()
		}(channel)
	}
	wg.Wait()

	if errs != nil {
		return fmt.Errorf("publish %s: %w", msg.ID, errs)
	}
	e.logger.Debug("message published", "message_id", msg.ID, "channels", len(channels))
	return nil
}

// EmptyQueue drains the client's queue and returns the messages in the
// order they were enqueued. Malformed elements are dropped with an error
// log; the rest of the batch is delivered.
func (e *Engine) EmptyQueue(ctx context.Context, cid string) ([]Message, error) {
	if e.closed.Load() {
		return nil, ErrDisconnected
	}
	payloads, err := e.queue.DequeueAll(ctx, cid)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(payloads))
	for _, payload := range payloads {
		msg, err := DecodeMessage(payload)
		if err != nil {
			e.stats.DroppedPayloads.Inc()
			e.logger.Error("dropping malformed queued message", "client_id", cid, "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// QueueSize returns the number of undelivered messages for the client.
func (e *Engine) QueueSize(ctx context.Context, cid string) (int64, error) {
	if e.closed.Load() {
		return 0, ErrDisconnected
	}
	return e.queue.Size(ctx, cid)
}

// CleanupExpired runs one garbage collection cycle: stale local-echo ids
// are swept, expired clients reaped, and subscription state orphaned by the
// reaped (or crashed) clients reconciled against the active-id set. The
// count of reaped clients is returned.
func (e *Engine) CleanupExpired(ctx context.Context) (int, error) {
	if swept := e.echoes.sweep(); swept > 0 {
		e.logger.Debug("swept local echo entries", "count", swept)
	}

	reaped, err := e.registry.CleanupExpired(ctx)
	if err != nil {
		return 0, err
	}
	e.stats.ReapedClients.Add(float64(reaped))

	ids, err := e.registry.All(ctx)
	if err != nil {
		return reaped, err
	}
	active := make(map[string]struct{}, len(ids))
	for _, cid := range ids {
		active[cid] = struct{}{}
	}
	if err := e.subs.CleanupOrphanedData(ctx, active); err != nil {
		return reaped, err
	}

	e.stats.GCRuns.Inc()
	return reaped, nil
}

// Disconnect stops the garbage collector and the pub/sub subscriber, then
// closes the connection pool. In-flight operations observing the closed
// pool report ErrDisconnected or a connection error; none of them panic.
func (e *Engine) Disconnect() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.stopGC()
	e.pubsub.Disconnect()
	err := e.client.Close()
	e.logger.Info("engine disconnected", "server_id", e.serverID)
	return err
}

// handleRemoteMessage is the pub/sub receive path: parse, filter our own
// echo, enqueue for the subscribers this process resolves. It runs on the
// coordinator's dispatch path, never on the engine caller's goroutine.
func (e *Engine) handleRemoteMessage(channel string, payload []byte) {
	e.stats.PubSubReceived.Inc()

	msg, err := DecodeMessage(payload)
	if err != nil {
		e.stats.DroppedPayloads.Inc()
		e.logger.Error("dropping malformed pub/sub message", "channel", channel, "error", err)
		return
	}
	if msg.ID != "" && e.echoes.observed(msg.ID) {
		e.stats.EchoesDropped.Inc()
		e.logger.Debug("skipping local echo", "message_id", msg.ID, "channel", channel)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), remoteDispatchTimeout)
	defer cancel()

	subscribers, err := e.subs.GetSubscribers(ctx, channel)
	if err != nil {
		e.logger.Error("failed to resolve subscribers for remote message",
			"channel", channel,
			"error", err,
		)
		return
	}
	if err := e.queue.EnqueueBatch(ctx, subscribers, payload); err != nil {
		e.logger.Error("failed to enqueue remote message",
			"channel", channel,
			"subscribers", len(subscribers),
			"error", err,
		)
		return
	}
	e.stats.EnqueuedMessages.Add(float64(len(subscribers)))
}

// startGC launches the repeating collection timer once. Disabled when
// GCInterval is zero.
func (e *Engine) startGC() {
	if e.opts.GCInterval <= 0 {
		return
	}
	e.gcMu.Lock()
	defer e.gcMu.Unlock()
	if e.gcStarted || e.closed.Load() {
		return
	}
	e.gcStarted = true
	e.gcStop = make(chan struct{})
	e.gcDone = make(chan struct{})
	go e.gcLoop(e.gcStop, e.gcDone)
}

func (e *Engine) gcLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.opts.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.opts.GCInterval)
			if _, err := e.CleanupExpired(ctx); err != nil {
				e.logger.Error("garbage collection cycle failed", "error", err)
			}
			cancel()
		}
	}
}

func (e *Engine) stopGC() {
	e.gcMu.Lock()
	started := e.gcStarted
	stop, done := e.gcStop, e.gcDone
	e.gcStarted = false
	e.gcMu.Unlock()
	if started {
		close(stop)
		<-done
	}
}
