package ingress

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGateApp(cfg GateConfig) *fiber.App {
	app := fiber.New()
	handlers := append(Gate(cfg), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	app.Post("/webhooks/stripe", handlers...)
	return app
}

func decodeRejection(t *testing.T, body io.Reader) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func TestGateRejectsWrongContentType(t *testing.T) {
	app := newGateApp(GateConfig{})

	req := httptest.NewRequest("POST", "/webhooks/stripe", strings.NewReader("a=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusUnsupportedMediaType, resp.StatusCode)
	body := decodeRejection(t, resp.Body)
	assert.Equal(t, CodeUnsupportedMediaType, body["error"])
	assert.NotEmpty(t, body["message"])
}

func TestGateAcceptsJSONWithCharset(t *testing.T) {
	app := newGateApp(GateConfig{})

	req := httptest.NewRequest("POST", "/webhooks/stripe", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestGateRejectsOversizedBody(t *testing.T) {
	app := newGateApp(GateConfig{MaxBodyBytes: 16})

	req := httptest.NewRequest("POST", "/webhooks/stripe", strings.NewReader(`{"id":"evt_0123456789abcdef"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, CodePayloadTooLarge, decodeRejection(t, resp.Body)["error"])
}

func TestGateRateLimitsPerSource(t *testing.T) {
	var rejected []string
	app := newGateApp(GateConfig{
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
		OnReject:        func(code string) { rejected = append(rejected, code) },
	})

	send := func() (int, string, map[string]interface{}) {
		req := httptest.NewRequest("POST", "/webhooks/stripe", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		if resp.StatusCode == fiber.StatusOK {
			return resp.StatusCode, "", nil
		}
		return resp.StatusCode, resp.Header.Get(fiber.HeaderRetryAfter), decodeRejection(t, resp.Body)
	}

	status, _, _ := send()
	assert.Equal(t, fiber.StatusOK, status)
	status, _, _ = send()
	assert.Equal(t, fiber.StatusOK, status)

	status, retryAfter, body := send()
	assert.Equal(t, fiber.StatusTooManyRequests, status)
	assert.NotEmpty(t, retryAfter)
	assert.Equal(t, CodeRateLimited, body["error"])
	assert.Greater(t, body["retry_after_seconds"], float64(0))
	assert.Equal(t, []string{CodeRateLimited}, rejected)
}

func TestRejectDefaultsToBadRequest(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		return Reject(c, &billing.SecurityError{Code: CodeInvalidSignature})
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	body := decodeRejection(t, resp.Body)
	assert.Equal(t, CodeInvalidSignature, body["error"])
	assert.Equal(t, "Signature verification failed", body["message"])
	_, hasRetry := body["retry_after_seconds"]
	assert.False(t, hasRetry)
}

func TestErrorHandlerAnswersServerBodyLimitAsJSON(t *testing.T) {
	app := fiber.New(fiber.Config{BodyLimit: 32, ErrorHandler: ErrorHandler})
	app.Post("/webhooks/stripe", append(Gate(GateConfig{MaxBodyBytes: 16}), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})...)

	req := httptest.NewRequest("POST", "/webhooks/stripe", strings.NewReader(`{"pad":"`+strings.Repeat("x", 256)+`"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, CodePayloadTooLarge, decodeRejection(t, resp.Body)["error"])
}

func TestErrorHandlerKeepsOtherErrors(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Get("/boom", func(c *fiber.Ctx) error { return fiber.ErrTeapot })

	resp, err := app.Test(httptest.NewRequest("GET", "/boom", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTeapot, resp.StatusCode)
}
