package handlers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/google/uuid"

	"github.com/pelusa-v/pelusa-rooms/internal/chat"
	"github.com/pelusa-v/pelusa-rooms/internal/monitor"
	"github.com/pelusa-v/pelusa-rooms/internal/queue"
	"github.com/pelusa-v/pelusa-rooms/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Store 只读的房间、历史消息与用户状态查询
type Store interface {
	FindUser(ctx context.Context, userID string) (*store.User, error)
	FindRoom(ctx context.Context, roomID string) (*store.Room, error)
	ListRooms(ctx context.Context) ([]store.Room, error)
	ListMessages(ctx context.Context, roomID string, limit int) ([]store.Message, error)
}

type Options struct {
	Manager *chat.ChatManager
	Store   Store
	Tracker *queue.Tracker
	Monitor *monitor.Collector
	Logger  *slog.Logger

	// /health 路由的限流，默认 60s 内 20 次
	HealthLimit  int
	HealthWindow time.Duration
}

type Handlers struct {
	manager *chat.ChatManager
	store   Store
	tracker *queue.Tracker
	monitor *monitor.Collector
	log     *slog.Logger

	healthLimit  int
	healthWindow time.Duration
	started      time.Time
}

func New(opts Options) *Handlers {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HealthLimit <= 0 {
		opts.HealthLimit = 20
	}
	if opts.HealthWindow <= 0 {
		opts.HealthWindow = 60 * time.Second
	}
	return &Handlers{
		manager:      opts.Manager,
		store:        opts.Store,
		tracker:      opts.Tracker,
		monitor:      opts.Monitor,
		log:          opts.Logger.With("component", "http"),
		healthLimit:  opts.HealthLimit,
		healthWindow: opts.HealthWindow,
		started:      time.Now(),
	}
}

// Register 挂载全部路由
func (h *Handlers) Register(r fiber.Router) {
	api := r.Group("/api")

	// WS
	api.Use("/ws", upgradeOnly)
	api.Get("/ws", websocket.New(h.RegisterHandler))

	api.Get("/users", h.ShowClientsHandler) // ?room=&exclude=
	api.Get("/users/:id", h.UserStatusHandler)
	api.Get("/rooms", h.RoomsHandler)
	api.Get("/rooms/:room/messages", h.RoomMessagesHandler) // ?limit=

	q := api.Group("/queue")
	q.Get("/stats", h.QueueStatsHandler)
	q.Get("/messages", h.QueueMessagesHandler)                  // ?limit=&page=
	q.Get("/messages/filtered", h.QueueFilteredMessagesHandler) // ?status=&room=&user=&startDate=&endDate=&limit=
	q.Get("/rooms", h.QueueRoomsHandler)
	q.Get("/users", h.QueueUsersHandler)
	q.Post("/reset", h.QueueResetHandler)

	health := r.Group("/health", limiter.New(limiter.Config{
		Max:        h.healthLimit,
		Expiration: h.healthWindow,
		LimitReached: func(c *fiber.Ctx) error {
			return fiber.NewError(fiber.StatusTooManyRequests, "Too Many Requests")
		},
	}))
	health.Get("/", h.HealthHandler)
	health.Get("/metrics", h.MetricsHandler) // ?minutes=
}

func upgradeOnly(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// RegisterHandler GET /api/ws
func (h *Handlers) RegisterHandler(conn *websocket.Conn) {
	client := chat.NewClient(uuid.NewString(), conn)
	if err := h.manager.Register(client); err != nil {
		h.log.Warn("connection rejected", "error", err)
		return
	}

	written := make(chan struct{})
	go func() {
		defer close(written)
		client.WritePump()
	}()
	client.ReadPump(h.manager)
	// 等 manager 关闭发送队列后写协程退出，再让 fiber 回收连接
	<-written
}

// ShowClientsHandler GET /api/users?room=&exclude=idOrName
func (h *Handlers) ShowClientsHandler(c *fiber.Ctx) error {
	return c.JSON(h.manager.ListUsers(c.Query("room"), c.Query("exclude")))
}

// UserStatusHandler GET /api/users/:id 持久化的在线状态
func (h *Handlers) UserStatusHandler(c *fiber.Ctx) error {
	u, err := h.store.FindUser(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "user not found")
		}
		h.log.Error("find user", "user_id", c.Params("id"), "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, "Error fetching user")
	}
	return c.JSON(fiber.Map{
		"id":         u.UserID,
		"username":   u.Username,
		"room":       u.Room,
		"isOnline":   u.IsOnline,
		"isTyping":   u.IsTyping,
		"lastActive": u.LastActive,
	})
}

// RoomsHandler GET /api/rooms
func (h *Handlers) RoomsHandler(c *fiber.Ctx) error {
	rooms, err := h.store.ListRooms(c.UserContext())
	if err != nil {
		h.log.Error("list rooms", "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, "Error fetching rooms")
	}
	return c.JSON(chat.Rooms(rooms))
}

// RoomMessagesHandler GET /api/rooms/:room/messages?limit=
func (h *Handlers) RoomMessagesHandler(c *fiber.Ctx) error {
	roomID := c.Params("room")
	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "limit must be positive")
	}
	limit = min(limit, maxHistoryLimit)

	ctx := c.UserContext()
	if _, err := h.store.FindRoom(ctx, roomID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "room not found")
		}
		h.log.Error("find room", "room_id", roomID, "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, "Error fetching message history")
	}
	msgs, err := h.store.ListMessages(ctx, roomID, limit)
	if err != nil {
		h.log.Error("list messages", "room_id", roomID, "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, "Error fetching message history")
	}
	return c.JSON(chat.ChatMessages(msgs))
}
