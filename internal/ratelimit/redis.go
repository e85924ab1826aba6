package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// hitScript はMemoryStore.Hitと同じ判定をRedis上で原子的に行う。
// KEYS[1]: バケットキー
// ARGV: now(ms), window(ms), max, block(ms)
// 戻り値: {allowed(0/1), remaining, reset_at(ms)}
const hitScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local block = tonumber(ARGV[4])

local data = redis.call("HMGET", KEYS[1], "count", "start", "blocked")
local count = tonumber(data[1])
local start = tonumber(data[2])
local blocked = tonumber(data[3])

if blocked and now < blocked then
  return {0, 0, blocked}
end

if (not count) or blocked or (now - start >= window) then
  redis.call("DEL", KEYS[1])
  redis.call("HSET", KEYS[1], "count", 1, "start", now)
  redis.call("PEXPIRE", KEYS[1], window)
  return {1, max - 1, now + window}
end

if count >= max then
  local until_ms = now + block
  redis.call("HSET", KEYS[1], "blocked", until_ms)
  redis.call("PEXPIRE", KEYS[1], block)
  return {0, 0, until_ms}
end

count = redis.call("HINCRBY", KEYS[1], "count", 1)
return {1, max - count, start + window}
`

var hitLua = redis.NewScript(hitScript)

// RedisStore はRedisのハッシュでバケットを保持するStore。
// 複数インスタンスで同じ制限を共有する場合に使用する。
// キーにはTTLを設定するため、明示的なクリーンアップは不要。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore はRedisStoreを生成する。prefixが空の場合は "rl:" を使用する。
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "rl:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Hit はStoreインターフェースを実装する。
func (s *RedisStore) Hit(ctx context.Context, key string, rule Rule, now time.Time) (Result, error) {
	rule = rule.normalized()

	raw, err := hitLua.Run(ctx, s.client,
		[]string{s.prefix + key},
		now.UnixMilli(), rule.Window.Milliseconds(), rule.Max, rule.Block.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("failed to run rate limit script: %w", err)
	}
	if len(raw) != 3 {
		return Result{}, fmt.Errorf("unexpected rate limit script result: %v", raw)
	}

	return Result{
		Allowed:   raw[0] == 1,
		Remaining: int(raw[1]),
		ResetAt:   time.UnixMilli(raw[2]),
	}, nil
}

// compile-time interface check
var _ Store = (*RedisStore)(nil)
