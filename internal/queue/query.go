package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pelusa-v/pelusa-rooms/internal/store"
)

var ErrNoSearcher = errors.New("queue: no message searcher configured")

// MessageSearcher 持久化消息检索
type MessageSearcher interface {
	SearchMessages(ctx context.Context, f store.MessageFilter) ([]store.Message, error)
}

// Message 带处理状态的消息视图
type Message struct {
	ID             string    `json:"id"`
	User           string    `json:"user"`
	Room           string    `json:"room"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	Status         Status    `json:"status"`
	ProcessingTime *float64  `json:"processingTime,omitempty"` // ms
	Error          string    `json:"error,omitempty"`
}

type Filter struct {
	Status Status
	Room   string
	User   string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// RecentMessages 最新的消息在前
func (t *Tracker) RecentMessages(ctx context.Context, limit, offset int) ([]Message, error) {
	if t.searcher == nil {
		return nil, ErrNoSearcher
	}
	if limit <= 0 {
		limit = 100
	}
	msgs, err := t.searcher.SearchMessages(ctx, store.MessageFilter{Limit: limit, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}
	return t.annotate(msgs, ""), nil
}

// FilteredMessages 状态过滤在内存中进行，其余条件下推到存储层
func (t *Tracker) FilteredMessages(ctx context.Context, f Filter) ([]Message, error) {
	if t.searcher == nil {
		return nil, ErrNoSearcher
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	sf := store.MessageFilter{Room: f.Room, User: f.User, Since: f.Since, Until: f.Until}
	if f.Status == "" {
		sf.Limit = f.Limit
	}
	msgs, err := t.searcher.SearchMessages(ctx, sf)
	if err != nil {
		return nil, fmt.Errorf("failed to load filtered messages: %w", err)
	}
	out := t.annotate(msgs, f.Status)
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *Tracker) annotate(msgs []store.Message, status Status) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		qm := Message{
			ID:        m.MessageID,
			User:      m.User,
			Room:      m.Room,
			Text:      m.Text,
			Timestamp: m.Timestamp,
			Status:    StatusProcessed,
		}
		// 未被跟踪的消息（系统消息、重置前的消息）视为已处理
		if e, ok := t.entries[m.MessageID]; ok {
			qm.Status = e.status
			elapsed := e.elapsed
			if e.status == StatusPending {
				elapsed = now.Sub(e.start)
			}
			ms := float64(elapsed.Microseconds()) / 1000
			qm.ProcessingTime = &ms
			qm.Error = e.reason
		}
		if status != "" && qm.Status != status {
			continue
		}
		out = append(out, qm)
	}
	return out
}
