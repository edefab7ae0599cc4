package store

import (
	"context"
	"time"
)

// ZMember is a sorted-set member with its score.
type ZMember struct {
	Member string
	Score  float64
}

// Store is the keyed store every subsystem shares. Implemented by RedisStore
// in production and MemoryStore in tests. All cross-step state lives behind
// this interface; handlers never keep mutable state across a call.
type Store interface {
	// Strings
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Hashes
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key string, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Lists (LPush + RPop act as a FIFO queue; failed items re-enter at the head)
	LPush(ctx context.Context, key string, values ...string) error
	RPop(ctx context.Context, key string) (string, bool, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, count int64, value string) error

	// Sorted sets
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)
	// ZPeekMin returns the lowest-scored member without removing it.
	ZPeekMin(ctx context.Context, key string) (*ZMember, error)

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	SIsMember(ctx context.Context, key string, member string) (bool, error)

	// Counters
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)

	// Locks. AcquireLock is owner-reentrant: re-acquisition by the current
	// owner succeeds and refreshes the TTL. ReleaseLock is an unconditional
	// delete and is safe on a missing key.
	AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
	LockOwner(ctx context.Context, key string) (string, error)

	// Internal pub/sub (lifter events). Subscribe returns a receive channel
	// and a cancel func that closes it.
	Publish(ctx context.Context, channel string, payload string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)

	Close() error
}
