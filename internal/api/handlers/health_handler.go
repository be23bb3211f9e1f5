package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/csv-insight/backend/internal/cache"
)

// Check is one readiness check, such as a database ping.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
	// Optional checks report their state without failing readiness.
	Optional bool
}

// StatsSource exposes cache counters.
type StatsSource interface {
	Stats() cache.Stats
}

type HealthHandler struct {
	checks []Check
	cache  StatsSource
}

func NewHealthHandler(cache StatsSource, checks ...Check) *HealthHandler {
	return &HealthHandler{checks: checks, cache: cache}
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	ready := true
	components := fiber.Map{}
	for _, chk := range h.checks {
		if err := chk.Ping(ctx); err != nil {
			components[chk.Name] = err.Error()
			if !chk.Optional {
				ready = false
			}
			continue
		}
		components[chk.Name] = "ok"
	}

	status := fiber.StatusOK
	state := "ready"
	if !ready {
		status = fiber.StatusServiceUnavailable
		state = "not_ready"
	}
	return c.Status(status).JSON(fiber.Map{
		"status":     state,
		"components": components,
	})
}

func (h *HealthHandler) CacheStats(c *fiber.Ctx) error {
	if h.cache == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Cache is not configured"})
	}
	return c.JSON(h.cache.Stats())
}
