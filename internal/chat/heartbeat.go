package chat

import (
	"context"
	"sync"
	"time"
)

// Heartbeat 每个连接一个 pong 超时计时器，外加一个周期性 ping。
//
// 连接建立时先 ping 一次并等待 timeout；之后每次 pong 把截止时间推到
// interval+timeout 之后，覆盖下一轮 ping 的等待。
type Heartbeat struct {
	interval  time.Duration
	timeout   time.Duration
	onPing    func()
	onTimeout func(connID string)

	mu     sync.Mutex
	timers map[string]*pongTimer
}

type pongTimer struct {
	t *time.Timer
}

func NewHeartbeat(interval, timeout time.Duration, onPing func(), onTimeout func(connID string)) *Heartbeat {
	return &Heartbeat{
		interval:  interval,
		timeout:   timeout,
		onPing:    onPing,
		onTimeout: onTimeout,
		timers:    map[string]*pongTimer{},
	}
}

func (h *Heartbeat) Register(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.arm(connID, h.timeout)
}

// Pong 对未注册（已断开）的连接无效
func (h *Heartbeat) Pong(connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.timers[connID]; !ok {
		return false
	}
	h.arm(connID, h.interval+h.timeout)
	return true
}

func (h *Heartbeat) Remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if pt, ok := h.timers[connID]; ok {
		pt.t.Stop()
		delete(h.timers, connID)
	}
}

func (h *Heartbeat) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.timers)
}

// Stop 取消所有计时器
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, pt := range h.timers {
		pt.t.Stop()
		delete(h.timers, id)
	}
}

// Run 每个 interval 触发一次 onPing，直到 ctx 结束
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if h.onPing != nil {
				h.onPing()
			}
		}
	}
}

// 调用方须持有 h.mu
func (h *Heartbeat) arm(connID string, d time.Duration) {
	if old, ok := h.timers[connID]; ok {
		old.t.Stop()
	}
	pt := &pongTimer{}
	pt.t = time.AfterFunc(d, func() { h.fire(connID, pt) })
	h.timers[connID] = pt
}

func (h *Heartbeat) fire(connID string, pt *pongTimer) {
	h.mu.Lock()
	// 已被 Pong 重置或 Remove 的旧计时器
	if h.timers[connID] != pt {
		h.mu.Unlock()
		return
	}
	delete(h.timers, connID)
	h.mu.Unlock()

	if h.onTimeout != nil {
		h.onTimeout(connID)
	}
}
