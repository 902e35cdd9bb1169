package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	nanoid "github.com/jaevor/go-nanoid"

	"github.com/pelusa-v/pelusa-rooms/internal/ratelimit"
	"github.com/pelusa-v/pelusa-rooms/internal/store"
)

// ErrStopped is returned when the manager loop is no longer running.
var ErrStopped = errors.New("chat manager stopped")

// Store 持久化依赖
type Store interface {
	CreateUser(ctx context.Context, u *store.User) error
	UpdateUserStatus(ctx context.Context, userID string, online bool) error
	FindRoom(ctx context.Context, roomID string) (*store.Room, error)
	CreateRoom(ctx context.Context, r *store.Room) error
	ListRooms(ctx context.Context) ([]store.Room, error)
	AppendMessage(ctx context.Context, m *store.Message) error
	CountMessages(ctx context.Context, roomID string) (int64, error)
	ListMessages(ctx context.Context, roomID string, limit int) ([]store.Message, error)
	PurgeOldest(ctx context.Context, roomID string, n int) (int64, error)
}

// FlowTracker 消息流转统计
type FlowTracker interface {
	Track(messageID, userID, roomID string)
	MarkProcessed(messageID string)
	MarkFailed(messageID, reason string)
}

type Options struct {
	Store   Store
	Limiter ratelimit.Limiter
	Tracker FlowTracker
	Logger  *slog.Logger

	PingInterval       time.Duration
	PongTimeout        time.Duration
	HistoryLimit       int
	MaxMessagesPerRoom int
	// OpTimeout 单次持久化调用的超时
	OpTimeout time.Duration
	// NewID 消息 id 生成器，默认 nanoid
	NewID func() string
}

type inbound struct {
	connID string
	env    Envelope
}

// ChatManager 连接生命周期与房间广播。所有事件在 Run 的单个循环里按到达顺序处理。
type ChatManager struct {
	store      Store
	limiter    ratelimit.Limiter
	tracker    FlowTracker
	heartbeat  *Heartbeat
	presence   *Presence
	log        *slog.Logger
	newID      func() string
	historyLim int
	maxPerRoom int
	opTimeout  time.Duration

	mu      sync.RWMutex
	clients map[string]*Client // conn id -> client

	// 以下只在循环内访问
	subs *Subscriptions

	registerChan   chan *Client
	unregisterChan chan *Client
	inboundChan    chan inbound
	expiredChan    chan string
	done           chan struct{}
}

func NewManager(opts Options) (*ChatManager, error) {
	if opts.Store == nil {
		return nil, errors.New("chat: store is required")
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewMemory(ratelimit.DefaultConfig())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 10 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if opts.MaxMessagesPerRoom <= 0 {
		opts.MaxMessagesPerRoom = 50
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	if opts.NewID == nil {
		gen, err := nanoid.Standard(21)
		if err != nil {
			return nil, fmt.Errorf("failed to create id generator: %w", err)
		}
		opts.NewID = gen
	}

	m := &ChatManager{
		store:          opts.Store,
		limiter:        opts.Limiter,
		tracker:        opts.Tracker,
		presence:       NewPresence(),
		log:            opts.Logger.With("component", "chat"),
		newID:          opts.NewID,
		historyLim:     opts.HistoryLimit,
		maxPerRoom:     opts.MaxMessagesPerRoom,
		opTimeout:      opts.OpTimeout,
		clients:        map[string]*Client{},
		subs:           NewSubscriptions(),
		registerChan:   make(chan *Client),
		unregisterChan: make(chan *Client),
		inboundChan:    make(chan inbound, 256),
		expiredChan:    make(chan string, 16),
		done:           make(chan struct{}),
	}
	if m.tracker == nil {
		m.tracker = nopTracker{}
	}
	m.heartbeat = NewHeartbeat(opts.PingInterval, opts.PongTimeout, m.pingAll, m.heartbeatExpired)
	return m, nil
}

func (m *ChatManager) Heartbeat() *Heartbeat { return m.heartbeat }

func (m *ChatManager) Presence() *Presence { return m.presence }

// Register 阻塞直到循环接收；循环已退出时返回 ErrStopped
func (m *ChatManager) Register(c *Client) error {
	select {
	case m.registerChan <- c:
		return nil
	case <-m.done:
		return ErrStopped
	}
}

func (m *ChatManager) Unregister(c *Client) {
	select {
	case m.unregisterChan <- c:
	case <-m.done:
	}
}

func (m *ChatManager) Dispatch(connID string, env Envelope) {
	select {
	case m.inboundChan <- inbound{connID: connID, env: env}:
	case <-m.done:
	}
}

func (m *ChatManager) heartbeatExpired(connID string) {
	select {
	case m.expiredChan <- connID:
	case <-m.done:
	}
}

// ListUsers 在线用户列表（可按房间过滤，可排除自己：按 id 或 name）
func (m *ChatManager) ListUsers(room, exclude string) []Identity {
	return m.presence.List(room, exclude)
}

func (m *ChatManager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Run 事件循环，ctx 结束后关闭所有连接并返回
func (m *ChatManager) Run(ctx context.Context) error {
	defer close(m.done)
	defer m.heartbeat.Stop()

	m.log.Info("chat manager started")
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			m.log.Info("chat manager stopped")
			return nil

		case c := <-m.registerChan:
			m.connect(c)

		case c := <-m.unregisterChan:
			m.disconnect(c.ID)

		case in := <-m.inboundChan:
			m.handle(in)

		case connID := <-m.expiredChan:
			m.expire(connID)
		}
	}
}

func (m *ChatManager) closeAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = map[string]*Client{}
	m.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
		_ = c.Conn.Close()
	}
}

func (m *ChatManager) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.opTimeout)
}

type nopTracker struct{}

func (nopTracker) Track(string, string, string) {}
func (nopTracker) MarkProcessed(string)         {}
func (nopTracker) MarkFailed(string, string)    {}
