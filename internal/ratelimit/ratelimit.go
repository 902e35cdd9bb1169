// Package ratelimit 实现按用户计数的固定窗口限流，超限后锁定一段时间。
//
// 算法（每次 Allow）：
//  1. 已锁定：锁定时间已过则开启新窗口并计 1，允许；否则拒绝
//  2. 无状态：开启新窗口并计 1，允许
//  3. 窗口已过期：开启新窗口并计 1，允许
//  4. 计数加 1，超过上限则锁定并拒绝，否则允许
//
// 固定窗口在边界处允许最多 2 倍突发，这是预期行为。
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter 判断某个 key 当前是否允许通过
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type Config struct {
	Window time.Duration
	Max    int
	Block  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window: 60 * time.Second,
		Max:    30,
		Block:  5 * time.Minute,
	}
}

type state struct {
	count       int
	windowStart time.Time
	blocked     bool
	blockStart  time.Time
}

// Memory 进程内限流器
type Memory struct {
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	states map[string]*state
}

func NewMemory(cfg Config) *Memory {
	return &Memory{
		cfg:    cfg,
		now:    time.Now,
		states: map[string]*state{},
	}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st, ok := m.states[key]
	switch {
	case ok && st.blocked:
		if now.Sub(st.blockStart) > m.cfg.Block {
			m.states[key] = &state{count: 1, windowStart: now}
			return true, nil
		}
		return false, nil
	case !ok:
		m.states[key] = &state{count: 1, windowStart: now}
		return true, nil
	case now.Sub(st.windowStart) > m.cfg.Window:
		m.states[key] = &state{count: 1, windowStart: now}
		return true, nil
	}

	st.count++
	if st.count > m.cfg.Max {
		st.blocked = true
		st.blockStart = now
		return false, nil
	}
	return true, nil
}
