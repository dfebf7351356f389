package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a client record does not exist.
var ErrNotFound = errors.New("client not found")

// indexRepairEvery controls how often CleanupExpired rebuilds the client
// index from a full key scan instead of trusting the per-cycle
// reconciliation.
const indexRepairEvery = 10

// ClientRecord is the session hash stored per client.
type ClientRecord struct {
	ClientID  string
	CreatedAt int64
	LastPing  int64
	ServerID  string
}

// Registry tracks active client sessions: one hash per client with a
// liveness TTL, plus a shared index set. The index may transiently contain
// ids whose hash has expired; CleanupExpired reconciles.
type Registry struct {
	client   *Client
	keys     Keys
	serverID string
	timeout  time.Duration
	logger   *slog.Logger

	mu           sync.Mutex
	cleanupCount int
}

// NewRegistry creates a client registry. serverID identifies this process
// in the records it writes.
func NewRegistry(client *Client, keys Keys, serverID string, timeout time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		client:   client,
		keys:     keys,
		serverID: serverID,
		timeout:  timeout,
		logger:   logger,
	}
}

// Create writes the session hash, adds the id to the index and applies the
// liveness TTL, atomically.
func (r *Registry) Create(ctx context.Context, cid string) error {
	now := time.Now().Unix()
	return r.client.WithRetry(ctx, func(ctx context.Context) error {
		pipe := r.client.Native().TxPipeline()
		pipe.HSet(ctx, r.keys.Client(cid),
			"client_id", cid,
			"created_at", now,
			"last_ping", now,
			"server_id", r.serverID,
		)
		pipe.SAdd(ctx, r.keys.ClientsIndex(), cid)
		pipe.Expire(ctx, r.keys.Client(cid), r.timeout)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("create client %s: %w", cid, err)
		}
		return nil
	})
}

// Destroy removes the session hash and the index membership atomically.
func (r *Registry) Destroy(ctx context.Context, cid string) error {
	return r.client.WithRetry(ctx, func(ctx context.Context) error {
		pipe := r.client.Native().TxPipeline()
		pipe.Del(ctx, r.keys.Client(cid))
		pipe.SRem(ctx, r.keys.ClientsIndex(), cid)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("destroy client %s: %w", cid, err)
		}
		return nil
	})
}

// Exists reports whether the session hash is present.
func (r *Registry) Exists(ctx context.Context, cid string) (bool, error) {
	var exists bool
	err := r.client.WithRetry(ctx, func(ctx context.Context) error {
		n, err := r.client.Native().Exists(ctx, r.keys.Client(cid)).Result()
		if err != nil {
			return fmt.Errorf("check client %s: %w", cid, err)
		}
		exists = n > 0
		return nil
	})
	return exists, err
}

// Ping refreshes last_ping and re-applies the liveness TTL.
func (r *Registry) Ping(ctx context.Context, cid string) error {
	return r.client.WithRetry(ctx, func(ctx context.Context) error {
		pipe := r.client.Native().Pipeline()
		pipe.HSet(ctx, r.keys.Client(cid), "last_ping", time.Now().Unix())
		pipe.Expire(ctx, r.keys.Client(cid), r.timeout)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("ping client %s: %w", cid, err)
		}
		return nil
	})
}

// Get returns the session record, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, cid string) (*ClientRecord, error) {
	var rec *ClientRecord
	err := r.client.WithRetry(ctx, func(ctx context.Context) error {
		fields, err := r.client.Native().HGetAll(ctx, r.keys.Client(cid)).Result()
		if err != nil {
			return fmt.Errorf("get client %s: %w", cid, err)
		}
		if len(fields) == 0 {
			return ErrNotFound
		}
		createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
		lastPing, _ := strconv.ParseInt(fields["last_ping"], 10, 64)
		rec = &ClientRecord{
			ClientID:  fields["client_id"],
			CreatedAt: createdAt,
			LastPing:  lastPing,
			ServerID:  fields["server_id"],
		}
		return nil
	})
	return rec, err
}

// All returns the member ids of the index.
func (r *Registry) All(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.client.WithRetry(ctx, func(ctx context.Context) error {
		members, err := r.client.Native().SMembers(ctx, r.keys.ClientsIndex()).Result()
		if err != nil {
			return fmt.Errorf("list clients: %w", err)
		}
		ids = members
		return nil
	})
	return ids, err
}

// CleanupExpired removes index entries whose session hash has expired and
// returns how many were reaped. Every tenth invocation it additionally
// rebuilds the index from a full key scan, catching ids the per-cycle
// reconciliation cannot see (e.g. an index add that survived a crash which
// left no hash).
func (r *Registry) CleanupExpired(ctx context.Context) (int, error) {
	ids, err := r.All(ctx)
	if err != nil {
		return 0, err
	}

	var stale []string
	if len(ids) > 0 {
		cmds := make([]*redis.IntCmd, len(ids))
		err = r.client.WithRetry(ctx, func(ctx context.Context) error {
			pipe := r.client.Native().Pipeline()
			for i, cid := range ids {
				cmds[i] = pipe.Exists(ctx, r.keys.Client(cid))
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("check expired clients: %w", err)
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		for i, cmd := range cmds {
			if cmd.Val() == 0 {
				stale = append(stale, ids[i])
			}
		}
	}

	if len(stale) > 0 {
		err = r.client.WithRetry(ctx, func(ctx context.Context) error {
			pipe := r.client.Native().Pipeline()
			for _, cid := range stale {
				pipe.SRem(ctx, r.keys.ClientsIndex(), cid)
				pipe.Del(ctx, r.keys.Client(cid))
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("remove expired clients: %w", err)
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		r.logger.Info("reaped expired clients", "count", len(stale))
	}

	r.mu.Lock()
	r.cleanupCount++
	repair := r.cleanupCount >= indexRepairEvery
	if repair {
		r.cleanupCount = 0
	}
	r.mu.Unlock()

	if repair {
		if err := r.repairIndex(ctx); err != nil {
			r.logger.Error("client index repair failed", "error", err)
		}
	}

	return len(stale), nil
}

// repairIndex rebuilds the index set from the client hashes currently in
// Redis.
func (r *Registry) repairIndex(ctx context.Context) error {
	prefix := r.keys.Client("")
	indexKey := r.keys.ClientsIndex()

	var ids []string
	var cursor uint64
	for {
		var keys []string
		var err error
		scanErr := r.client.WithRetry(ctx, func(ctx context.Context) error {
			keys, cursor, err = r.client.Native().Scan(ctx, cursor, r.keys.Client("*"), 100).Result()
			if err != nil {
				return fmt.Errorf("scan client keys: %w", err)
			}
			return nil
		})
		if scanErr != nil {
			return scanErr
		}
		for _, key := range keys {
			if key == indexKey {
				continue
			}
			ids = append(ids, key[len(prefix):])
		}
		if cursor == 0 {
			break
		}
	}

	return r.client.WithRetry(ctx, func(ctx context.Context) error {
		pipe := r.client.Native().TxPipeline()
		pipe.Del(ctx, indexKey)
		if len(ids) > 0 {
			members := make([]interface{}, len(ids))
			for i, id := range ids {
				members[i] = id
			}
			pipe.SAdd(ctx, indexKey, members...)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("rebuild client index: %w", err)
		}
		r.logger.Debug("client index rebuilt", "count", len(ids))
		return nil
	})
}
