package router

import (
	"github.com/ManuelReschke/PayRecon/app/controllers"
	"github.com/ManuelReschke/PayRecon/internal/pkg/ingress"
	"github.com/gofiber/fiber/v2"
)

const WebhookPath = "/webhooks/stripe"

type WebhookRouter struct {
	controller *controllers.WebhookController
	gate       ingress.GateConfig
}

func (r WebhookRouter) InstallRouter(app *fiber.App) {
	handlers := append(ingress.Gate(r.gate), r.controller.HandleStripeWebhook)
	app.Post(WebhookPath, handlers...)
}

func NewWebhookRouter(controller *controllers.WebhookController, gate ingress.GateConfig) *WebhookRouter {
	return &WebhookRouter{controller: controller, gate: gate}
}
