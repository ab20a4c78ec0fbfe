package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type HealthController struct {
	db    *gorm.DB
	cache func() bool
}

// NewHealthController reports database reachability. cache, if set, reports
// whether redis is in use.
func NewHealthController(db *gorm.DB, cache func() bool) *HealthController {
	return &HealthController{db: db, cache: cache}
}

func (hc *HealthController) HandleHealth(c *fiber.Ctx) error {
	status := fiber.StatusOK
	body := fiber.Map{"status": "ok", "database": "ok"}

	if err := hc.pingDB(c.UserContext()); err != nil {
		status = fiber.StatusServiceUnavailable
		body["status"] = "degraded"
		body["database"] = err.Error()
	}
	if hc.cache != nil {
		if hc.cache() {
			body["cache"] = "ok"
		} else {
			body["cache"] = "unavailable"
		}
	}
	return c.Status(status).JSON(body)
}

func (hc *HealthController) pingDB(ctx context.Context) error {
	if hc.db == nil {
		return gorm.ErrInvalidDB
	}
	sqlDB, err := hc.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
