package redis

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/7a6163/faye-redis-ng/internal/logging"
)

func newTestSubscriptions(t *testing.T) (*SubscriptionManager, *Client, Keys) {
	client, keys := getTestClient(t)
	s := NewSubscriptionManager(client, keys, time.Hour, 50, logging.Discard())
	return s, client, keys
}

func TestSubscriptionManager_SubscribeBothDirections(t *testing.T) {
	s, client, keys := newTestSubscriptions(t)
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, "c1", "/news"))

	channels, err := s.GetClientSubscriptions(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"/news"}, channels)

	subscribers, err := s.GetSubscribers(ctx, "/news")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, subscribers)

	// The diagnostic hash exists alongside both set memberships.
	fields, err := client.Native().HGetAll(ctx, keys.SubscriptionMeta("c1", "/news")).Result()
	require.NoError(t, err)
	assert.Equal(t, "c1", fields["client_id"])
	assert.Equal(t, "/news", fields["channel"])
	assert.NotEmpty(t, fields["subscribed_at"])
}

func TestSubscriptionManager_SubscribeTTLNotExtended(t *testing.T) {
	s, client, keys := newTestSubscriptions(t)
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, "c1", "/news"))

	// Shrink the TTL out-of-band, then re-subscribe: the conditional in
	// the script must leave the shorter TTL in place.
	require.NoError(t, client.Native().Expire(ctx, keys.Subscriptions("c1"), 5*time.Second).Err())
	require.NoError(t, s.Subscribe(ctx, "c1", "/news"))

	ttl, err := client.Native().TTL(ctx, keys.Subscriptions("c1")).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, 5*time.Second, "re-subscribe must not extend an existing TTL")
	assert.Positive(t, ttl, "re-subscribe must not drop the TTL")
}

func TestSubscriptionManager_WildcardAddsPattern(t *testing.T) {
	s, client, keys := newTestSubscriptions(t)
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, "c1", "/chat/**"))

	patterns, err := client.Native().SMembers(ctx, keys.Patterns()).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"/chat/**"}, patterns)
}

func TestSubscriptionManager_RejectsMalformedPattern(t *testing.T) {
	s, _, _ := newTestSubscriptions(t)

	err := s.Subscribe(context.Background(), "c1", "/foo**bar/*")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPattern))
}

func TestSubscriptionManager_Unsubscribe(t *testing.T) {
	s, client, keys := newTestSubscriptions(t)
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, "c1", "/news"))
	require.NoError(t, s.Unsubscribe(ctx, "c1", "/news"))

	channels, err := s.GetClientSubscriptions(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, channels)

	subscribers, err := s.GetSubscribers(ctx, "/news")
	require.NoError(t, err)
	assert.Empty(t, subscribers)

	exists, err := client.Native().Exists(ctx, keys.SubscriptionMeta("c1", "/news")).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestSubscriptionManager_LastUnsubscribeRetiresPattern(t *testing.T) {
	s, client, keys := newTestSubscriptions(t)
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, "c1", "/chat/*"))
	require.NoError(t, s.Subscribe(ctx, "c2", "/chat/*"))

	require.NoError(t, s.Unsubscribe(ctx, "c1", "/chat/*"))
	patterns, _ := client.Native().SMembers(ctx, keys.Patterns()).Result()
	assert.Len(t, patterns, 1, "pattern must survive while a subscriber remains")

	require.NoError(t, s.Unsubscribe(ctx, "c2", "/chat/*"))
	patterns, _ = client.Native().SMembers(ctx, keys.Patterns()).Result()
	assert.Empty(t, patterns, "last unsubscribe must retire the pattern")
	assert.Zero(t, s.Matcher().Len(), "pattern cache entry must be evicted")
}

func TestSubscriptionManager_UnsubscribeAll(t *testing.T) {
	s, _, _ := newTestSubscriptions(t)
	ctx := context.Background()

	for _, ch := range []string{"/a", "/b", "/c/**"} {
		require.NoError(t, s.Subscribe(ctx, "c1", ch))
	}
	require.NoError(t, s.UnsubscribeAll(ctx, "c1"))

	channels, err := s.GetClientSubscriptions(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestSubscriptionManager_GetSubscribersUnion(t *testing.T) {
	s, _, _ := newTestSubscriptions(t)
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, "exact", "/chat/r1"))
	require.NoError(t, s.Subscribe(ctx, "wild", "/chat/*"))
	require.NoError(t, s.Subscribe(ctx, "deep", "/chat/**"))
	require.NoError(t, s.Subscribe(ctx, "other", "/other"))

	subscribers, err := s.GetSubscribers(ctx, "/chat/r1")
	require.NoError(t, err)
	sort.Strings(subscribers)
	assert.Equal(t, []string{"deep", "exact", "wild"}, subscribers)
}

func TestSubscriptionManager_GetSubscribersDeduplicates(t *testing.T) {
	s, _, _ := newTestSubscriptions(t)
	ctx := context.Background()

	// Same client via the exact channel and two matching patterns.
	require.NoError(t, s.Subscribe(ctx, "c1", "/chat/r1"))
	require.NoError(t, s.Subscribe(ctx, "c1", "/chat/*"))
	require.NoError(t, s.Subscribe(ctx, "c1", "/chat/**"))

	subscribers, err := s.GetSubscribers(ctx, "/chat/r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, subscribers)
}

func TestSubscriptionManager_RefreshTTL(t *testing.T) {
	s, client, keys := newTestSubscriptions(t)
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, "c1", "/news"))

	// Unlike subscribe, the heartbeat path refreshes unconditionally.
	require.NoError(t, client.Native().Expire(ctx, keys.Subscriptions("c1"), 5*time.Second).Err())
	require.NoError(t, s.RefreshTTL(ctx, "c1"))

	ttl, err := client.Native().TTL(ctx, keys.Subscriptions("c1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 5*time.Second)
}

func TestSubscriptionManager_CleanupOrphanedData(t *testing.T) {
	s, client, keys := newTestSubscriptions(t)
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, "alive", "/keep"))
	require.NoError(t, s.Subscribe(ctx, "ghost", "/keep"))
	require.NoError(t, s.Subscribe(ctx, "ghost", "/gone"))
	require.NoError(t, s.Subscribe(ctx, "ghost", "/dead/**"))
	require.NoError(t, client.Native().RPush(ctx, keys.Messages("ghost"), `{"id":"m1"}`).Err())

	require.NoError(t, s.CleanupOrphanedData(ctx, map[string]struct{}{"alive": {}}))

	// The ghost's state is gone.
	channels, err := s.GetClientSubscriptions(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, channels)

	n, err := client.Native().Exists(ctx,
		keys.Subscriptions("ghost"),
		keys.SubscriptionMeta("ghost", "/keep"),
		keys.SubscriptionMeta("ghost", "/gone"),
		keys.Messages("ghost"),
	).Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	// The survivor's subscription is intact.
	subscribers, err := s.GetSubscribers(ctx, "/keep")
	require.NoError(t, err)
	assert.Equal(t, []string{"alive"}, subscribers)

	// Channels emptied by the cleanup are deleted, and the orphaned
	// wildcard is retired from the pattern set.
	n, err = client.Native().Exists(ctx, keys.Channel("/gone"), keys.Channel("/dead/**")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
	patterns, _ := client.Native().SMembers(ctx, keys.Patterns()).Result()
	assert.Empty(t, patterns)
}

func TestSubscriptionManager_CleanupBatchSizeClamped(t *testing.T) {
	client := NewClient(Config{Addr: "localhost:6379"}, logging.Discard())
	defer client.Close()
	keys := NewKeys("clamp")

	s := NewSubscriptionManager(client, keys, time.Hour, 0, logging.Discard())
	assert.Equal(t, minCleanupBatchSize, s.batchSize)

	s = NewSubscriptionManager(client, keys, time.Hour, 99999, logging.Discard())
	assert.Equal(t, maxCleanupBatchSize, s.batchSize)
}
