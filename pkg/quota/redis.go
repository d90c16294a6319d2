package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// addScript atomically increments a counter with a ceiling. It rolls the
// increment back on refusal and sets the window TTL when the counter is
// created. Returns {granted, pttl_millis}.
var addScript = redis.NewScript(`
local value = redis.call('INCRBY', KEYS[1], ARGV[1])
local limit = tonumber(ARGV[2])
if limit > 0 and value > limit then
  redis.call('DECRBY', KEYS[1], ARGV[1])
  return {0, redis.call('PTTL', KEYS[1])}
end
if tonumber(ARGV[3]) > 0 and redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return {1, redis.call('PTTL', KEYS[1])}
`)

// subScript decrements a counter, flooring at zero.
var subScript = redis.NewScript(`
local value = redis.call('DECRBY', KEYS[1], ARGV[1])
if value < 0 then
  redis.call('SET', KEYS[1], 0, 'KEEPTTL')
end
return value
`)

// RedisStore is the clustered counter store backed by Redis. All replicas
// sharing the same Redis see the same counters.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore creates a store over the given client. keyPrefix namespaces
// the quota keys (defaults to "inferd:quota:").
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "inferd:quota:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// Add implements Store via an atomic INCR-with-limit script.
func (s *RedisStore) Add(ctx context.Context, key string, amount, limit int64, window time.Duration) (bool, time.Duration, error) {
	res, err := addScript.Run(ctx, s.client, []string{s.keyPrefix + key},
		amount, limit, window.Milliseconds()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("quota add script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("quota add script: unexpected reply %v", res)
	}
	granted, _ := res[0].(int64)
	pttl, _ := res[1].(int64)

	retryAfter := time.Duration(0)
	if pttl > 0 {
		retryAfter = time.Duration(pttl) * time.Millisecond
	}
	return granted == 1, retryAfter, nil
}

// Sub implements Store.
func (s *RedisStore) Sub(ctx context.Context, key string, amount int64) error {
	if err := subScript.Run(ctx, s.client, []string{s.keyPrefix + key}, amount).Err(); err != nil {
		return fmt.Errorf("quota sub script: %w", err)
	}
	return nil
}
