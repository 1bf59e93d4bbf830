package handler

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"whiteboard-backend/internal/cache"
)

// HealthHandler liveness endpoint
type HealthHandler struct {
	db    *gorm.DB
	cache *cache.RedisClient
}

// NewHealthHandler creates a HealthHandler
func NewHealthHandler(db *gorm.DB, redisClient *cache.RedisClient) *HealthHandler {
	return &HealthHandler{db: db, cache: redisClient}
}

// Check reports process, database and cache health
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	status := fiber.Map{"status": "ok"}

	if h.db != nil {
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.Ping()
		}
		if err != nil {
			status["database"] = "down"
			status["status"] = "degraded"
		} else {
			status["database"] = "ok"
		}
	}

	if h.cache != nil {
		if err := h.cache.Health(c.Context()); err != nil {
			status["redis"] = "down"
			status["status"] = "degraded"
		} else {
			status["redis"] = "ok"
		}
	}

	return c.JSON(status)
}
