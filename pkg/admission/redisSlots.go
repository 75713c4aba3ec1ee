package admission

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zoff-tech/go-stageflow/pkg/store"
)

var _ store.SlotRepository = (*RedisSlots)(nil)

// The hash tag keeps every counter in one cluster slot so the scripts can
// touch several keys.
const defaultSlotPrefix = "stageflow:{slots}:"

// KEYS: counters. ARGV[1]: ttl in ms, ARGV[2..]: limit per key.
var acquireScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
	local n = tonumber(redis.call('GET', key) or '0')
	if n >= tonumber(ARGV[i + 1]) then
		return 0
	end
end
for _, key in ipairs(KEYS) do
	redis.call('INCR', key)
	redis.call('PEXPIRE', key, ARGV[1])
end
return 1
`)

var releaseScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
	local n = tonumber(redis.call('GET', key) or '0')
	if n > 0 then
		redis.call('DECR', key)
	end
end
return 1
`)

// RedisSlots keeps admission counters in Redis. Each check-and-increment is
// one Lua script, so it is a single atomic round trip. Expiry uses the Redis
// server clock; the now arguments are ignored.
type RedisSlots struct {
	client redis.Cmdable
	prefix string
}

func NewRedisSlots(client redis.Cmdable, prefix string) *RedisSlots {
	if prefix == "" {
		prefix = defaultSlotPrefix
	}
	return &RedisSlots{client: client, prefix: prefix}
}

func (r *RedisSlots) AcquireSlots(ctx context.Context, slots []store.SlotLimit, ttl time.Duration, _ time.Time) (bool, error) {
	keys := make([]string, 0, len(slots))
	args := make([]interface{}, 0, len(slots)+1)
	args = append(args, ttl.Milliseconds())
	for _, s := range slots {
		if s.Limit <= 0 {
			return false, nil
		}
		keys = append(keys, r.prefix+s.Key)
		args = append(args, s.Limit)
	}

	n, err := acquireScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisSlots) ReleaseSlots(ctx context.Context, keys []string, _ time.Time) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	return releaseScript.Run(ctx, r.client, full).Err()
}

func (r *RedisSlots) SlotCount(ctx context.Context, key string, _ time.Time) (int, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}
