package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

const (
	minCleanupBatchSize = 1
	maxCleanupBatchSize = 1000
	cleanupScanCount    = 100
)

// SubscriptionManager maintains the client <-> channel bipartite graph: a
// channel set per client, a subscriber set per channel, a diagnostic hash
// per edge and the shared wildcard pattern set.
type SubscriptionManager struct {
	client    *Client
	keys      Keys
	matcher   *Matcher
	ttl       time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewSubscriptionManager creates a subscription manager. batchSize bounds
// each orphan-cleanup batch and is clamped to [1, 1000].
func NewSubscriptionManager(client *Client, keys Keys, ttl time.Duration, batchSize int, logger *slog.Logger) *SubscriptionManager {
	if batchSize < minCleanupBatchSize {
		batchSize = minCleanupBatchSize
	}
	if batchSize > maxCleanupBatchSize {
		batchSize = maxCleanupBatchSize
	}
	return &SubscriptionManager{
		client:    client,
		keys:      keys,
		matcher:   NewMatcher(logger),
		ttl:       ttl,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Matcher exposes the pattern matcher for dispatch-side checks.
func (s *SubscriptionManager) Matcher() *Matcher {
	return s.matcher
}

// Subscribe links cid to channel: both set memberships, the diagnostic
// hash, and (for wildcards) the pattern set, in one server-side script that
// also applies the subscription TTL to each key only where no TTL exists.
func (s *SubscriptionManager) Subscribe(ctx context.Context, cid, channel string) error {
	isPattern := "0"
	if IsPattern(channel) {
		if !validPattern(channel) {
			return fmt.Errorf("subscribe %s to %s: %w", cid, channel, ErrInvalidPattern)
		}
		isPattern = "1"
	}
	return s.client.WithRetry(ctx, func(ctx context.Context) error {
		err := subscribeScript.Run(ctx, s.client.Native(),
			[]string{
				s.keys.Subscriptions(cid),
				s.keys.Channel(channel),
				s.keys.SubscriptionMeta(cid, channel),
				s.keys.Patterns(),
			},
			cid,
			channel,
			time.Now().Unix(),
			int(s.ttl.Seconds()),
			isPattern,
		).Err()
		if err != nil {
			return fmt.Errorf("subscribe %s to %s: %w", cid, channel, err)
		}
		return nil
	})
}

// Unsubscribe removes the edge between cid and channel. When the last
// subscriber of a wildcard leaves, the pattern is retired from the pattern
// set and the regex cache.
func (s *SubscriptionManager) Unsubscribe(ctx context.Context, cid, channel string) error {
	err := s.client.WithRetry(ctx, func(ctx context.Context) error {
		pipe := s.client.Native().TxPipeline()
		pipe.SRem(ctx, s.keys.Subscriptions(cid), channel)
		pipe.SRem(ctx, s.keys.Channel(channel), cid)
		pipe.Del(ctx, s.keys.SubscriptionMeta(cid, channel))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("unsubscribe %s from %s: %w", cid, channel, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !IsPattern(channel) {
		return nil
	}
	return s.client.WithRetry(ctx, func(ctx context.Context) error {
		n, err := s.client.Native().SCard(ctx, s.keys.Channel(channel)).Result()
		if err != nil {
			return fmt.Errorf("check pattern %s subscribers: %w", channel, err)
		}
		if n > 0 {
			return nil
		}
		if err := s.client.Native().SRem(ctx, s.keys.Patterns(), channel).Err(); err != nil {
			return fmt.Errorf("retire pattern %s: %w", channel, err)
		}
		s.matcher.Evict(channel)
		return nil
	})
}

// UnsubscribeAll removes every subscription of a client. Per-channel
// failures are collected; the aggregate is returned once all channels have
// been attempted.
func (s *SubscriptionManager) UnsubscribeAll(ctx context.Context, cid string) error {
	channels, err := s.GetClientSubscriptions(ctx, cid)
	if err != nil {
		return err
	}
	var errs error
	for _, channel := range channels {
		errs = multierr.Append(errs, s.Unsubscribe(ctx, cid, channel))
	}
	return errs
}

// GetClientSubscriptions returns the channels a client is subscribed to.
func (s *SubscriptionManager) GetClientSubscriptions(ctx context.Context, cid string) ([]string, error) {
	var channels []string
	err := s.client.WithRetry(ctx, func(ctx context.Context) error {
		members, err := s.client.Native().SMembers(ctx, s.keys.Subscriptions(cid)).Result()
		if err != nil {
			return fmt.Errorf("get subscriptions for %s: %w", cid, err)
		}
		channels = members
		return nil
	})
	return channels, err
}

// GetSubscribers returns the deduplicated union of the channel's exact
// subscribers and the subscribers of every matching wildcard pattern.
func (s *SubscriptionManager) GetSubscribers(ctx context.Context, channel string) ([]string, error) {
	var exact []string
	err := s.client.WithRetry(ctx, func(ctx context.Context) error {
		members, err := s.client.Native().SMembers(ctx, s.keys.Channel(channel)).Result()
		if err != nil {
			return fmt.Errorf("get subscribers of %s: %w", channel, err)
		}
		exact = members
		return nil
	})
	if err != nil {
		return nil, err
	}

	viaPatterns, err := s.GetPatternSubscribers(ctx, channel)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(exact)+len(viaPatterns))
	out := make([]string, 0, len(exact)+len(viaPatterns))
	for _, cid := range exact {
		if _, dup := seen[cid]; !dup {
			seen[cid] = struct{}{}
			out = append(out, cid)
		}
	}
	for _, cid := range viaPatterns {
		if _, dup := seen[cid]; !dup {
			seen[cid] = struct{}{}
			out = append(out, cid)
		}
	}
	return out, nil
}

// GetPatternSubscribers returns the union of subscriber sets of every
// wildcard pattern matching channel: one SMEMBERS on the pattern set, an
// in-process match filter, then a single pipelined SMEMBERS round-trip for
// the matches.
func (s *SubscriptionManager) GetPatternSubscribers(ctx context.Context, channel string) ([]string, error) {
	var patterns []string
	err := s.client.WithRetry(ctx, func(ctx context.Context) error {
		members, err := s.client.Native().SMembers(ctx, s.keys.Patterns()).Result()
		if err != nil {
			return fmt.Errorf("list patterns: %w", err)
		}
		patterns = members
		return nil
	})
	if err != nil {
		return nil, err
	}

	var matching []string
	for _, pattern := range patterns {
		if s.matcher.Matches(channel, pattern) {
			matching = append(matching, pattern)
		}
	}
	if len(matching) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringSliceCmd, len(matching))
	err = s.client.WithRetry(ctx, func(ctx context.Context) error {
		pipe := s.client.Native().Pipeline()
		for i, pattern := range matching {
			cmds[i] = pipe.SMembers(ctx, s.keys.Channel(pattern))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("get pattern subscribers of %s: %w", channel, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []string
	for _, cmd := range cmds {
		for _, cid := range cmd.Val() {
			if _, dup := seen[cid]; !dup {
				seen[cid] = struct{}{}
				out = append(out, cid)
			}
		}
	}
	return out, nil
}

// RefreshTTL re-applies the subscription TTL to the client's channel set
// and every per-channel key. Unlike subscribe this refreshes
// unconditionally: the client just proved liveness.
func (s *SubscriptionManager) RefreshTTL(ctx context.Context, cid string) error {
	channels, err := s.GetClientSubscriptions(ctx, cid)
	if err != nil {
		return err
	}
	return s.client.WithRetry(ctx, func(ctx context.Context) error {
		pipe := s.client.Native().Pipeline()
		pipe.Expire(ctx, s.keys.Subscriptions(cid), s.ttl)
		for _, channel := range channels {
			pipe.Expire(ctx, s.keys.Channel(channel), s.ttl)
			pipe.Expire(ctx, s.keys.SubscriptionMeta(cid, channel), s.ttl)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("refresh subscription ttl for %s: %w", cid, err)
		}
		return nil
	})
}

// CleanupOrphanedData removes subscription state whose owning client is not
// in active. It runs five batched phases; every batch acquires connections
// afresh so a large cleanup cannot monopolise the pool.
func (s *SubscriptionManager) CleanupOrphanedData(ctx context.Context, active map[string]struct{}) error {
	orphans, err := s.scanOrphanIDs(ctx, s.keys.Subscriptions(""), s.keys.Subscriptions("*"), active)
	if err != nil {
		return err
	}
	for start := 0; start < len(orphans); start += s.batchSize {
		end := start + s.batchSize
		if end > len(orphans) {
			end = len(orphans)
		}
		if err := s.removeOrphanBatch(ctx, orphans[start:end]); err != nil {
			return err
		}
	}
	if len(orphans) > 0 {
		s.logger.Info("removed orphaned subscriptions", "clients", len(orphans))
	}

	if err := s.cleanupOrphanQueues(ctx, active); err != nil {
		return err
	}
	if err := s.cleanupEmptyChannels(ctx); err != nil {
		return err
	}
	return s.cleanupEmptyPatterns(ctx)
}

// scanOrphanIDs cursors over keys with the given prefix and returns the ids
// whose owner is not active.
func (s *SubscriptionManager) scanOrphanIDs(ctx context.Context, prefix, match string, active map[string]struct{}) ([]string, error) {
	var orphans []string
	var cursor uint64
	for {
		var keys []string
		err := s.client.WithRetry(ctx, func(ctx context.Context) error {
			var err error
			keys, cursor, err = s.client.Native().Scan(ctx, cursor, match, cleanupScanCount).Result()
			if err != nil {
				return fmt.Errorf("scan %s: %w", match, err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			cid := key[len(prefix):]
			if _, ok := active[cid]; !ok {
				orphans = append(orphans, cid)
			}
		}
		if cursor == 0 {
			break
		}
	}
	return orphans, nil
}

// removeOrphanBatch deletes one batch of orphaned clients: their channel
// set, every edge hash and reverse membership, and their message queue.
func (s *SubscriptionManager) removeOrphanBatch(ctx context.Context, cids []string) error {
	for _, cid := range cids {
		channels, err := s.GetClientSubscriptions(ctx, cid)
		if err != nil {
			return err
		}
		err = s.client.WithRetry(ctx, func(ctx context.Context) error {
			pipe := s.client.Native().Pipeline()
			pipe.Del(ctx, s.keys.Subscriptions(cid))
			for _, channel := range channels {
				pipe.Del(ctx, s.keys.SubscriptionMeta(cid, channel))
				pipe.SRem(ctx, s.keys.Channel(channel), cid)
			}
			pipe.Del(ctx, s.keys.Messages(cid))
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("remove orphan %s: %w", cid, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// cleanupOrphanQueues deletes message queues whose owner is not active.
func (s *SubscriptionManager) cleanupOrphanQueues(ctx context.Context, active map[string]struct{}) error {
	orphans, err := s.scanOrphanIDs(ctx, s.keys.Messages(""), s.keys.Messages("*"), active)
	if err != nil {
		return err
	}
	for start := 0; start < len(orphans); start += s.batchSize {
		end := start + s.batchSize
		if end > len(orphans) {
			end = len(orphans)
		}
		batch := orphans[start:end]
		err := s.client.WithRetry(ctx, func(ctx context.Context) error {
			pipe := s.client.Native().Pipeline()
			for _, cid := range batch {
				pipe.Del(ctx, s.keys.Messages(cid))
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("remove orphan queues: %w", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// cleanupEmptyChannels deletes channel sets with no members left.
func (s *SubscriptionManager) cleanupEmptyChannels(ctx context.Context) error {
	var cursor uint64
	for {
		var keys []string
		err := s.client.WithRetry(ctx, func(ctx context.Context) error {
			var err error
			keys, cursor, err = s.client.Native().Scan(ctx, cursor, s.keys.Channel("*"), cleanupScanCount).Result()
			if err != nil {
				return fmt.Errorf("scan channels: %w", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range keys {
			key := key
			err := s.client.WithRetry(ctx, func(ctx context.Context) error {
				n, err := s.client.Native().SCard(ctx, key).Result()
				if err != nil {
					return fmt.Errorf("check channel %s: %w", key, err)
				}
				if n == 0 {
					return s.client.Native().Del(ctx, key).Err()
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		if cursor == 0 {
			break
		}
	}
	return nil
}

// cleanupEmptyPatterns retires wildcard patterns whose subscriber set is
// empty, including their cache entries.
func (s *SubscriptionManager) cleanupEmptyPatterns(ctx context.Context) error {
	var patterns []string
	err := s.client.WithRetry(ctx, func(ctx context.Context) error {
		members, err := s.client.Native().SMembers(ctx, s.keys.Patterns()).Result()
		if err != nil {
			return fmt.Errorf("list patterns: %w", err)
		}
		patterns = members
		return nil
	})
	if err != nil {
		return err
	}

	for _, pattern := range patterns {
		pattern := pattern
		err := s.client.WithRetry(ctx, func(ctx context.Context) error {
			n, err := s.client.Native().SCard(ctx, s.keys.Channel(pattern)).Result()
			if err != nil {
				return fmt.Errorf("check pattern %s: %w", pattern, err)
			}
			if n > 0 {
				return nil
			}
			pipe := s.client.Native().Pipeline()
			pipe.SRem(ctx, s.keys.Patterns(), pattern)
			pipe.Del(ctx, s.keys.Channel(pattern))
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("retire pattern %s: %w", pattern, err)
			}
			s.matcher.Evict(pattern)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// validPattern reports whether a wildcard channel is well formed: each
// /-separated segment is either "*", "**", or wildcard-free.
func validPattern(pattern string) bool {
	_, err := compilePattern(pattern)
	return err == nil
}
