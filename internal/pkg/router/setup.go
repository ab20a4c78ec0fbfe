package router

import (
	"github.com/ManuelReschke/PayRecon/app/controllers"
	"github.com/ManuelReschke/PayRecon/internal/pkg/ingress"
	"github.com/gofiber/fiber/v2"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Handlers bundles the controllers the routers mount.
type Handlers struct {
	Webhook *controllers.WebhookController
	Health  *controllers.HealthController
	Gate    ingress.GateConfig
	// OpsKey guards the metrics endpoints. Empty leaves them open.
	OpsKey string
	// DocsFile is the OpenAPI document served under /docs/api/v1. Empty
	// disables the docs.
	DocsFile string
}

func InstallRouter(app *fiber.App, h Handlers) {
	// Ops routes first so /metrics and /health never pass the webhook gate.
	setup(app, NewOpsRouter(h), NewWebhookRouter(h.Webhook, h.Gate))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
