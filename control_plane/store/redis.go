package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quaywise/shuttlecore/control_plane/observability"
)

// acquireLockScript: SET NX with owner re-entrancy. Returns 1 when the key was
// free or already held by this owner (TTL refreshed), 0 when held by another.
const acquireLockScript = `
	local val = redis.call("get", KEYS[1])
	if not val then
		redis.call("set", KEYS[1], ARGV[1], "px", tonumber(ARGV[2]))
		return 1
	end
	if val == ARGV[1] then
		redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
		return 1
	end
	return 0
`

// RedisStore implements Store on a single Redis instance.
type RedisStore struct {
	client *redis.Client

	// Preloaded Lua SHA for the reentrant lock acquire
	acquireLockSHA string
}

func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	// Preload the lock script so acquire is one round trip
	sha, err := client.ScriptLoad(ctx, acquireLockScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload lock script: " + err.Error())
	}

	return &RedisStore{client: client, acquireLockSHA: sha}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// --- Strings ---

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// --- Hashes ---

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	flat := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	return s.client.HSet(ctx, key, flat...).Err()
}

func (s *RedisStore) HGet(ctx context.Context, key string, field string) (string, bool, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	return s.client.HDel(ctx, key, fields...).Err()
}

// --- Lists ---

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	flat := make([]interface{}, len(values))
	for i, v := range values {
		flat[i] = v
	}
	return s.client.LPush(ctx, key, flat...).Err()
}

func (s *RedisStore) RPop(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) LRem(ctx context.Context, key string, count int64, value string) error {
	return s.client.LRem(ctx, key, count, value).Err()
}

// --- Sorted sets ---

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	flat := make([]interface{}, len(members))
	for i, m := range members {
		flat[i] = m
	}
	return s.client.ZRem(ctx, key, flat...).Err()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *RedisStore) ZPeekMin(ctx context.Context, key string) (*ZMember, error) {
	res, err := s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	member, _ := res[0].Member.(string)
	return &ZMember{Member: member, Score: res[0].Score}, nil
}

// --- Sets ---

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	flat := make([]interface{}, len(members))
	for i, m := range members {
		flat[i] = m
	}
	return s.client.SAdd(ctx, key, flat...).Err()
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	flat := make([]interface{}, len(members))
	for i, m := range members {
		flat[i] = m
	}
	return s.client.SRem(ctx, key, flat...).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	return s.client.SCard(ctx, key).Result()
}

func (s *RedisStore) SIsMember(ctx context.Context, key string, member string) (bool, error) {
	return s.client.SIsMember(ctx, key, member).Result()
}

// --- Counters ---

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return s.client.IncrBy(ctx, key, n).Result()
}

func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	return s.client.Decr(ctx, key).Result()
}

// --- Locks ---

// AcquireLock attempts the distributed lock. Owner re-acquisition succeeds and
// refreshes the TTL, which is what lets the dispatcher retry the same task
// across ticks without fighting itself.
func (s *RedisStore) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	res, err := s.client.EvalSha(ctx, s.acquireLockSHA, []string{key}, ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		// SHA cache can be flushed; fall back to plain EVAL once.
		res, err = s.client.Eval(ctx, acquireLockScript, []string{key}, ownerID, int64(ttl/time.Millisecond)).Result()
		if err != nil {
			return false, err
		}
	}
	val, ok := res.(int64)
	if !ok {
		return false, errors.New("unexpected return type from lock script")
	}
	return val == 1, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key string) error {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) LockOwner(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// --- Pub/Sub ---

func (s *RedisStore) Publish(ctx context.Context, channel string, payload string) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	sub := s.client.Subscribe(ctx, channel)
	// Force the subscription to be established before returning
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, err
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { sub.Close() }
	return out, cancel, nil
}
