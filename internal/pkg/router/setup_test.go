package router

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ManuelReschke/PayRecon/app/controllers"
	"github.com/ManuelReschke/PayRecon/internal/pkg/ingress"
	"github.com/ManuelReschke/PayRecon/internal/pkg/metrics/counter"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	auth, err := ingress.NewAuthenticator(ingress.AuthConfig{Secret: "whsec_router"})
	require.NoError(t, err)

	app := fiber.New()
	InstallRouter(app, Handlers{
		Webhook: controllers.NewWebhookController(auth, nil, nil, counter.New(nil), time.Second),
		Health:  controllers.NewHealthController(nil, func() bool { return false }),
		Gate:    ingress.GateConfig{MaxBodyBytes: 64},
	})
	return app
}

func TestWebhookRouteRunsGate(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(fiber.MethodPost, WebhookPath, strings.NewReader("id=1"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnsupportedMediaType, resp.StatusCode)

	req = httptest.NewRequest(fiber.MethodPost, WebhookPath, strings.NewReader(`{"pad":"`+strings.Repeat("x", 128)+`"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestWebhookRouteRejectsUnsigned(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(fiber.MethodPost, WebhookPath, strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestOpsRoutes(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/health", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/metrics/webhooks", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, WebhookPath, nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsRequireOpsKey(t *testing.T) {
	auth, err := ingress.NewAuthenticator(ingress.AuthConfig{Secret: "whsec_router"})
	require.NoError(t, err)
	app := fiber.New()
	InstallRouter(app, Handlers{
		Webhook: controllers.NewWebhookController(auth, nil, nil, counter.New(nil), time.Second),
		OpsKey:  "ops",
	})

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/metrics/webhooks", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest(fiber.MethodGet, "/metrics/webhooks", nil)
	req.Header.Set("X-API-Key", "ops")
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
