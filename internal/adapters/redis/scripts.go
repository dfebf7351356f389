package redis

import "github.com/redis/go-redis/v9"

// Server-side scripts cover the writes whose atomicity needs a conditional
// (EXPIRE only when no TTL is set); unconditional multi-key writes use
// MULTI/EXEC pipelines instead.

// subscribeScript performs the four subscription writes in one atomic step.
// A key that already carries a TTL keeps it, so re-subscribing neither
// immortalizes a hot subscription nor resets its expiry window.
//
// KEYS[1] - subscriptions:{cid}
// KEYS[2] - channels:{channel}
// KEYS[3] - subscription:{cid}:{channel}
// KEYS[4] - patterns
// ARGV[1] - client id
// ARGV[2] - channel
// ARGV[3] - subscribed_at (epoch seconds)
// ARGV[4] - subscription TTL in seconds
// ARGV[5] - "1" when channel is a wildcard pattern
var subscribeScript = redis.NewScript(`
redis.call("sadd", KEYS[1], ARGV[2])
redis.call("sadd", KEYS[2], ARGV[1])
redis.call("hset", KEYS[3], "client_id", ARGV[1], "channel", ARGV[2], "subscribed_at", ARGV[3])
if redis.call("ttl", KEYS[1]) == -1 then
  redis.call("expire", KEYS[1], ARGV[4])
end
if redis.call("ttl", KEYS[2]) == -1 then
  redis.call("expire", KEYS[2], ARGV[4])
end
if redis.call("ttl", KEYS[3]) == -1 then
  redis.call("expire", KEYS[3], ARGV[4])
end
if ARGV[5] == "1" then
  redis.call("sadd", KEYS[4], ARGV[2])
  if redis.call("ttl", KEYS[4]) == -1 then
    redis.call("expire", KEYS[4], ARGV[4])
  end
end
return 1
`)

// enqueueScript appends one message and starts the queue's TTL clock only
// on the first message into an empty list; later enqueues must not extend
// it.
//
// KEYS[1] - messages:{cid}
// ARGV[1] - JSON payload
// ARGV[2] - message TTL in seconds
var enqueueScript = redis.NewScript(`
redis.call("rpush", KEYS[1], ARGV[1])
if redis.call("ttl", KEYS[1]) == -1 then
  redis.call("expire", KEYS[1], ARGV[2])
end
return redis.call("llen", KEYS[1])
`)
