// Package queue 统计消息从接收到持久化完成的流转情况：待处理 / 已处理 / 失败、
// 平均处理耗时和最近一段时间的吞吐量。
package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Stats 对外暴露的统计快照
type Stats struct {
	TotalMessages         int64   `json:"totalMessages"`
	PendingMessages       int64   `json:"pendingMessages"`
	ProcessedMessages     int64   `json:"processedMessages"`
	FailedMessages        int64   `json:"failedMessages"`
	AverageProcessingTime float64 `json:"averageProcessingTime"` // ms
	MessagesPerSecond     float64 `json:"messagesPerSecond"`
	ActiveRooms           int     `json:"activeRooms"`
	ActiveUsers           int     `json:"activeUsers"`
}

type entry struct {
	start   time.Time
	status  Status
	elapsed time.Duration
	reason  string
}

type Options struct {
	// Interval 吞吐量刷新周期
	Interval time.Duration
	// Window 吞吐量统计窗口
	Window   time.Duration
	Searcher MessageSearcher
	Logger   *slog.Logger
}

type Tracker struct {
	interval time.Duration
	window   time.Duration
	searcher MessageSearcher
	log      *slog.Logger
	now      func() time.Time

	mu           sync.Mutex
	entries      map[string]*entry
	stats        Stats
	totalElapsed time.Duration
	rooms        map[string]struct{}
	users        map[string]struct{}
	recent       []time.Time
}

func NewTracker(opts Options) *Tracker {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{
		interval: opts.Interval,
		window:   opts.Window,
		searcher: opts.Searcher,
		log:      opts.Logger.With("component", "queue"),
		now:      time.Now,
		entries:  map[string]*entry{},
		rooms:    map[string]struct{}{},
		users:    map[string]struct{}{},
	}
}

// Track 登记一条新消息为待处理
func (t *Tracker) Track(messageID, userID, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.entries[messageID] = &entry{start: now, status: StatusPending}
	t.stats.TotalMessages++
	t.stats.PendingMessages++
	t.rooms[roomID] = struct{}{}
	t.users[userID] = struct{}{}
	t.recent = append(t.recent, now)
}

// MarkProcessed 未知或已结束的消息直接忽略
func (t *Tracker) MarkProcessed(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[messageID]
	if !ok || e.status != StatusPending {
		return
	}
	e.status = StatusProcessed
	e.elapsed = t.now().Sub(e.start)
	t.stats.PendingMessages--
	t.stats.ProcessedMessages++
	t.totalElapsed += e.elapsed
	t.stats.AverageProcessingTime = float64(t.totalElapsed.Microseconds()) / 1000 / float64(t.stats.ProcessedMessages)
}

// MarkFailed 不会重试
func (t *Tracker) MarkFailed(messageID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[messageID]
	if !ok || e.status != StatusPending {
		return
	}
	e.status = StatusFailed
	e.elapsed = t.now().Sub(e.start)
	e.reason = reason
	t.stats.PendingMessages--
	t.stats.FailedMessages++
	t.log.Warn("message processing failed", "message_id", messageID, "error", reason)
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats
	s.ActiveRooms = len(t.rooms)
	s.ActiveUsers = len(t.users)
	return s
}

// RefreshThroughput 丢弃窗口外的记录并重算每秒消息数
func (t *Tracker) RefreshThroughput() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.window)
	kept := t.recent[:0]
	for _, ts := range t.recent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.recent = kept
	t.stats.MessagesPerSecond = float64(len(kept)) / t.window.Seconds()
}

// Run 周期性刷新吞吐量，直到 ctx 结束
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.RefreshThroughput()
		}
	}
}

func (t *Tracker) ActiveRooms() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.rooms)
}

func (t *Tracker) ActiveUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.users)
}

// Reset 清空消息记录和计数，保留活跃房间 / 用户集合
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = map[string]*entry{}
	t.stats = Stats{}
	t.totalElapsed = 0
	t.recent = nil
	t.log.Info("queue stats reset")
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
