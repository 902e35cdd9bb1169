package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/pelusa-v/pelusa-rooms/internal/queue"
)

const defaultQueueLimit = 100

// QueueStatsHandler GET /api/queue/stats
func (h *Handlers) QueueStatsHandler(c *fiber.Ctx) error {
	return c.JSON(h.tracker.Stats())
}

// QueueMessagesHandler GET /api/queue/messages?limit=&page=
func (h *Handlers) QueueMessagesHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultQueueLimit)
	page := c.QueryInt("page", 1)
	if limit <= 0 || page <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "limit and page must be positive")
	}

	msgs, err := h.tracker.RecentMessages(c.UserContext(), limit, (page-1)*limit)
	if err != nil {
		return h.queueError(err)
	}
	return c.JSON(fiber.Map{
		"messages": msgs,
		"page":     page,
		"limit":    limit,
	})
}

// QueueFilteredMessagesHandler GET /api/queue/messages/filtered
func (h *Handlers) QueueFilteredMessagesHandler(c *fiber.Ctx) error {
	f := queue.Filter{
		Status: queue.Status(c.Query("status")),
		Room:   c.Query("room"),
		User:   c.Query("user"),
		Limit:  c.QueryInt("limit", defaultQueueLimit),
	}
	switch f.Status {
	case "", queue.StatusPending, queue.StatusProcessed, queue.StatusFailed:
	default:
		return fiber.NewError(fiber.StatusBadRequest, "unknown status "+string(f.Status))
	}
	if f.Limit <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "limit must be positive")
	}

	var err error
	if f.Since, err = parseDate(c.Query("startDate")); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid startDate")
	}
	if f.Until, err = parseDate(c.Query("endDate")); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid endDate")
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return fiber.NewError(fiber.StatusBadRequest, "endDate before startDate")
	}

	msgs, err := h.tracker.FilteredMessages(c.UserContext(), f)
	if err != nil {
		return h.queueError(err)
	}
	return c.JSON(msgs)
}

// QueueRoomsHandler GET /api/queue/rooms
func (h *Handlers) QueueRoomsHandler(c *fiber.Ctx) error {
	return c.JSON(h.tracker.ActiveRooms())
}

// QueueUsersHandler GET /api/queue/users
func (h *Handlers) QueueUsersHandler(c *fiber.Ctx) error {
	return c.JSON(h.tracker.ActiveUsers())
}

// QueueResetHandler POST /api/queue/reset
func (h *Handlers) QueueResetHandler(c *fiber.Ctx) error {
	h.tracker.Reset()
	h.log.Info("queue stats reset", "ip", c.IP())
	return c.JSON(fiber.Map{"success": true})
}

func (h *Handlers) queueError(err error) error {
	if errors.Is(err, queue.ErrNoSearcher) {
		return fiber.NewError(fiber.StatusServiceUnavailable, "message search unavailable")
	}
	h.log.Error("queue query", "error", err)
	return fiber.NewError(fiber.StatusInternalServerError, "Error fetching messages")
}

// parseDate 接受 RFC3339 或 2006-01-02，空串返回零值
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}
