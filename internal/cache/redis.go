package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the production Cache backend, grounded on the pack's
// go-redis gateway example for client construction and error handling
// around redis.Nil.
type Redis struct {
	client *redis.Client
}

// NewRedis dials a Redis instance. addr is host:port; password may be
// empty.
func NewRedis(addr, password string, db int) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Ping verifies connectivity at startup, the way the teacher checks its
// dependent services before serving traffic.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// casScript is a Lua script so the check-then-set is atomic server-side,
// the Redis analog of the teacher's row-locked SQL transactions.
const casScript = `
local current = redis.call("GET", KEYS[1])
if (current == false and ARGV[1] == "") or (current == ARGV[1]) then
	if ARGV[3] == "0" then
		redis.call("SET", KEYS[1], ARGV[2])
	else
		redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	end
	return 1
end
return 0
`

func (r *Redis) CompareAndSwap(ctx context.Context, key, oldValue, newValue string, ttl time.Duration) (bool, error) {
	ms := int64(0)
	if ttl > 0 {
		ms = ttl.Milliseconds()
	}
	res, err := r.client.Eval(ctx, casScript, []string{key}, oldValue, newValue, ms).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}
