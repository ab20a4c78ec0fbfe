package router

import (
	"os"

	"github.com/ManuelReschke/PayRecon/internal/pkg/middleware"
	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/monitor"
)

type OpsRouter struct {
	h Handlers
}

func (r OpsRouter) InstallRouter(app *fiber.App) {
	if r.h.Health != nil {
		app.Get("/health", r.h.Health.HandleHealth)
	}

	// fiber metrics
	guard := middleware.OpsKeyAuth(r.h.OpsKey)
	app.Get("/metrics", guard, monitor.New(monitor.Config{Title: "PayRecon Metrics"}))
	if r.h.Webhook != nil {
		app.Get("/metrics/webhooks", guard, r.h.Webhook.HandleWebhookMetrics)
	}

	// SWAGGER / OPENAPI
	if r.h.DocsFile == "" {
		return
	}
	if _, err := os.Stat(r.h.DocsFile); err != nil {
		log.Warnf("[Router] OpenAPI document not found, docs disabled: %v", err)
		return
	}
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: r.h.DocsFile,
		Path:     "v1",
	}))
}

func NewOpsRouter(h Handlers) *OpsRouter {
	return &OpsRouter{h: h}
}
