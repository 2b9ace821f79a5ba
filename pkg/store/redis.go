package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCASScript performs the compare-and-swap atomically server-side.
// KEYS[1] = key
// ARGV[1] = mode: "absent" or "equal"
// ARGV[2] = expected value (ignored for "absent")
// ARGV[3] = next value
// ARGV[4] = ttl in milliseconds (0 = no expiry)
var redisCASScript = redis.NewScript(`
local key = KEYS[1]
local mode = ARGV[1]
local expected = ARGV[2]
local next = ARGV[3]
local ttl = tonumber(ARGV[4])

local cur = redis.call("GET", key)
if mode == "absent" then
    if cur then return 0 end
else
    if not cur or cur ~= expected then return 0 end
end

if ttl > 0 then
    redis.call("SET", key, next, "PX", ttl)
else
    redis.call("SET", key, next)
end
return 1
`)

// RedisKV implements KV on a Redis client. CAS runs as a Lua script so the
// read-compare-write is a single atomic server-side operation.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV creates a Redis-backed store.
func NewRedisKV(addr, password string, db int) *RedisKV {
	return &RedisKV{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewRedisKVFromClient wraps an existing client (shared with the stream).
func NewRedisKVFromClient(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (s *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisKV) CompareAndSwap(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error) {
	mode := "equal"
	exp := string(expected)
	if expected == nil {
		mode = "absent"
		exp = ""
	}
	res, err := redisCASScript.Run(ctx, s.client, []string{key},
		mode, exp, string(next), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis cas %s: %w", key, err)
	}
	return res == 1, nil
}

func (s *RedisKV) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (s *RedisKV) ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	iter := s.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis scan get %s: %w", key, err)
		}
		out[key] = val
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	return out, nil
}
