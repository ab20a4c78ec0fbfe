package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpsKeyAuth(t *testing.T) {
	app := fiber.New()
	app.Get("/metrics", OpsKeyAuth("s3cret"), func(c *fiber.Ctx) error { return c.SendString("ok") })

	tests := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{"missing", "", "", fiber.StatusUnauthorized},
		{"wrong key", "X-API-Key", "nope", fiber.StatusUnauthorized},
		{"header key", "X-API-Key", "s3cret", fiber.StatusOK},
		{"bearer", fiber.HeaderAuthorization, "Bearer s3cret", fiber.StatusOK},
		{"basic is not bearer", fiber.HeaderAuthorization, "Basic s3cret", fiber.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, "/metrics", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestOpsKeyAuthDisabled(t *testing.T) {
	app := fiber.New()
	app.Get("/metrics", OpsKeyAuth(""), func(c *fiber.Ctx) error { return c.SendString("ok") })

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
