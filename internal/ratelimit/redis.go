package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS[1]: 状态 hash
// ARGV[1]: 当前时间 (ms)
// ARGV[2]: 窗口 (ms)
// ARGV[3]: 窗口内上限
// ARGV[4]: 锁定时长 (ms)
// ARGV[5]: key 过期时间 (ms)
//
// 返回 1 允许，0 拒绝
var fixedWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local block = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local st = redis.call('HMGET', key, 'count', 'window_start', 'blocked', 'block_start')
local count = tonumber(st[1])
local window_start = tonumber(st[2])
local blocked = st[3] == '1'
local block_start = tonumber(st[4])

local function fresh()
    redis.call('HSET', key, 'count', 1, 'window_start', now, 'blocked', 0, 'block_start', 0)
    redis.call('PEXPIRE', key, ttl)
    return 1
end

if blocked then
    if now - block_start > block then
        return fresh()
    end
    return 0
end

if count == nil or window_start == nil then
    return fresh()
end

if now - window_start > window then
    return fresh()
end

count = count + 1
if count > limit then
    redis.call('HSET', key, 'count', count, 'blocked', 1, 'block_start', now)
    redis.call('PEXPIRE', key, ttl)
    return 0
end

redis.call('HSET', key, 'count', count)
redis.call('PEXPIRE', key, ttl)
return 1
`

// Redis 多实例共享状态的限流器，逻辑与 Memory 一致，由 Lua 保证原子性
type Redis struct {
	client redis.UniversalClient
	cfg    Config
	prefix string
	script *redis.Script
	now    func() time.Time
}

func NewRedis(client redis.UniversalClient, cfg Config, prefix string) *Redis {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &Redis{
		client: client,
		cfg:    cfg,
		prefix: prefix,
		script: redis.NewScript(fixedWindowScript),
		now:    time.Now,
	}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	ttl := r.cfg.Window
	if r.cfg.Block > ttl {
		ttl = r.cfg.Block
	}
	ttl *= 2

	res, err := r.script.Run(ctx, r.client,
		[]string{r.prefix + key},
		r.now().UnixMilli(),
		r.cfg.Window.Milliseconds(),
		r.cfg.Max,
		r.cfg.Block.Milliseconds(),
		ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}
	return res == 1, nil
}
