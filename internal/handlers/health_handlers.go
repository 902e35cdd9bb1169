package handlers

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/pelusa-v/pelusa-rooms/internal/monitor"
)

const defaultMetricsMinutes = 5

// HealthHandler GET /health
func (h *Handlers) HealthHandler(c *fiber.Ctx) error {
	health := monitor.Health{Status: monitor.StatusUnknown, Timestamp: time.Now()}
	if h.monitor != nil {
		health = h.monitor.Health()
	}
	return c.JSON(fiber.Map{
		"status":      health.Status,
		"timestamp":   health.Timestamp,
		"metrics":     health.Metrics,
		"uptime":      time.Since(h.started).Seconds(),
		"connections": h.manager.ConnectionCount(),
	})
}

// MetricsHandler GET /health/metrics?minutes=
func (h *Handlers) MetricsHandler(c *fiber.Ctx) error {
	minutes := defaultMetricsMinutes
	if raw := c.Query("minutes"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.log.Warn("invalid metrics window", "minutes", raw)
			return fiber.NewError(fiber.StatusBadRequest, "Invalid minutes parameter")
		}
		minutes = n
	}
	if h.monitor == nil {
		return c.JSON([]monitor.Sample{})
	}
	return c.JSON(h.monitor.Metrics(time.Duration(minutes) * time.Minute))
}
