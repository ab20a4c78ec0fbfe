package ingress

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// Rejection codes returned in the "error" field.
const (
	CodeUnsupportedMediaType = "unsupported_media_type"
	CodePayloadTooLarge      = "payload_too_large"
	CodeRateLimited          = "rate_limited"
	CodeInvalidSignature     = "invalid_signature"
	CodeMalformedPayload     = "malformed_payload"
)

const (
	DefaultMaxBodyBytes    = 64 * 1024
	DefaultRateLimitMax    = 120
	DefaultRateLimitWindow = time.Minute
)

// GateConfig configures the checks that run before a webhook reaches the
// authenticator.
type GateConfig struct {
	MaxBodyBytes    int
	RateLimitMax    int
	RateLimitWindow time.Duration
	// Storage holds the rate-limit counters. Nil keeps them in memory.
	Storage fiber.Storage
	// OnReject is called with the rejection code, if set.
	OnReject func(code string)
}

func (cfg GateConfig) withDefaults() GateConfig {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = DefaultRateLimitMax
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = DefaultRateLimitWindow
	}
	return cfg
}

// Gate returns the ingress handler chain: rate limit, content type, body size.
// None of them touches the record store.
func Gate(cfg GateConfig) []fiber.Handler {
	cfg = cfg.withDefaults()
	return []fiber.Handler{
		rateLimit(cfg),
		requireJSON(cfg),
		limitBody(cfg),
	}
}

func rateLimit(cfg GateConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        cfg.RateLimitMax,
		Expiration: cfg.RateLimitWindow,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "webhook:" + c.IP()
		},
		LimiterMiddleware: limiter.SlidingWindow{},
		Storage:           cfg.Storage,
		LimitReached: func(c *fiber.Ctx) error {
			retry, _ := strconv.Atoi(c.GetRespHeader(fiber.HeaderRetryAfter))
			if retry < 1 {
				retry = 1
			}
			return reject(c, cfg, &billing.SecurityError{
				Code:       CodeRateLimited,
				Status:     fiber.StatusTooManyRequests,
				RetryAfter: time.Duration(retry) * time.Second,
			})
		},
	})
}

func requireJSON(cfg GateConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ct := strings.ToLower(strings.TrimSpace(string(c.Request().Header.ContentType())))
		mime, _, _ := strings.Cut(ct, ";")
		if strings.TrimSpace(mime) != fiber.MIMEApplicationJSON {
			return reject(c, cfg, &billing.SecurityError{Code: CodeUnsupportedMediaType, Status: fiber.StatusUnsupportedMediaType})
		}
		return c.Next()
	}
}

func limitBody(cfg GateConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Request().Header.ContentLength() > cfg.MaxBodyBytes || len(c.Body()) > cfg.MaxBodyBytes {
			return reject(c, cfg, &billing.SecurityError{Code: CodePayloadTooLarge, Status: fiber.StatusRequestEntityTooLarge})
		}
		return c.Next()
	}
}

func reject(c *fiber.Ctx, cfg GateConfig, err *billing.SecurityError) error {
	log.Warnf("[Ingress] rejected %s %s from %s: %s", c.Method(), c.Path(), c.IP(), err.Code)
	if cfg.OnReject != nil {
		cfg.OnReject(err.Code)
	}
	return Reject(c, err)
}

// ErrorHandler is the app-wide fiber error handler. Bodies over the server's
// BodyLimit never reach the gate, so their 413 is answered here in the same
// shape the gate uses.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) && fe.Code == fiber.StatusRequestEntityTooLarge {
		log.Warnf("[Ingress] rejected %s %s from %s: %s", c.Method(), c.Path(), c.IP(), CodePayloadTooLarge)
		return Reject(c, &billing.SecurityError{Code: CodePayloadTooLarge, Status: fiber.StatusRequestEntityTooLarge})
	}
	return fiber.DefaultErrorHandler(c, err)
}

// Reject writes a structured rejection for err.
func Reject(c *fiber.Ctx, err *billing.SecurityError) error {
	status := err.Status
	if status == 0 {
		status = fiber.StatusBadRequest
	}
	body := fiber.Map{
		"error":   err.Code,
		"message": rejectMessage(err.Code, status),
	}
	if err.RetryAfter > 0 {
		secs := int(math.Ceil(err.RetryAfter.Seconds()))
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(secs))
		body["retry_after_seconds"] = secs
	}
	return c.Status(status).JSON(body)
}

func rejectMessage(code string, status int) string {
	switch code {
	case CodeInvalidSignature:
		return "Signature verification failed"
	case CodeMalformedPayload:
		return "Malformed event payload"
	}
	return http.StatusText(status)
}
