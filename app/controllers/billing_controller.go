package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
	"github.com/ManuelReschke/PayRecon/internal/pkg/ingress"
	"github.com/ManuelReschke/PayRecon/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayRecon/internal/pkg/metrics/counter"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

const DefaultProcessTimeout = 30 * time.Second

// EventProcessor records and dispatches an authenticated event.
type EventProcessor interface {
	Process(ctx context.Context, env billing.Envelope, payload []byte, signatureValid bool) (billing.Outcome, error)
}

// Archiver keeps a raw copy of every accepted payload.
type Archiver interface {
	Store(ctx context.Context, env billing.Envelope, payload []byte, verified bool) (string, error)
}

// JobStats reports the depth of the background job queue.
type JobStats interface {
	Stats(ctx context.Context) (*jobqueue.Stats, error)
}

type WebhookController struct {
	auth      *ingress.Authenticator
	processor EventProcessor
	archive   Archiver
	counters  *counter.Counters
	jobs      JobStats
	timeout   time.Duration
}

// NewWebhookController wires the webhook endpoint. archive and counters may
// be nil.
func NewWebhookController(auth *ingress.Authenticator, processor EventProcessor, archive Archiver, counters *counter.Counters, timeout time.Duration) *WebhookController {
	if timeout <= 0 {
		timeout = DefaultProcessTimeout
	}
	return &WebhookController{
		auth:      auth,
		processor: processor,
		archive:   archive,
		counters:  counters,
		timeout:   timeout,
	}
}

// HandleStripeWebhook authenticates, records and dispatches one delivery.
//
// 200 acknowledges processed, ignored and duplicate events. A deferred event
// answers 503 so the gateway redelivers it once the subscription can be
// identified. Any other failure answers 500.
func (wc *WebhookController) HandleStripeWebhook(c *fiber.Ctx) error {
	// fasthttp reuses the body buffer after the handler returns.
	payload := append([]byte(nil), c.Body()...)

	env, verified, err := wc.auth.Authenticate(payload, c.Get(ingress.SignatureHeader))
	if err != nil {
		return wc.reject(c, err)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), wc.timeout)
	defer cancel()

	if wc.archive != nil {
		if _, err := wc.archive.Store(ctx, env, payload, verified); err != nil {
			log.Warnf("[Webhook] archiving event %s failed: %v", env.ID, err)
		}
	}

	out, err := wc.processor.Process(ctx, env, payload, verified)
	if cerr := wc.counters.AddOutcome(ctx, env.Kind, string(out)); cerr != nil {
		log.Warnf("[Webhook] counting outcome for %s failed: %v", env.ID, cerr)
	}

	var secErr *billing.SecurityError
	switch {
	case errors.As(err, &secErr):
		return wc.reject(c, secErr)
	case out == billing.OutcomeDeferred:
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"ok":      false,
			"outcome": out,
			"error":   "identity_unresolved",
		})
	case err != nil:
		log.Errorf("[Webhook] event %s (%s) failed: %v", env.ID, env.Kind, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"ok":      false,
			"outcome": billing.OutcomeFailed,
			"error":   "processing_failed",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"ok":      true,
		"outcome": out,
	})
}

// WithJobStats adds queue depth and job counters to the metrics response.
func (wc *WebhookController) WithJobStats(jobs JobStats) *WebhookController {
	wc.jobs = jobs
	return wc
}

func (wc *WebhookController) reject(c *fiber.Ctx, err error) error {
	var secErr *billing.SecurityError
	if !errors.As(err, &secErr) {
		log.Errorf("[Webhook] unexpected authentication error: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"ok": false, "error": "processing_failed"})
	}
	log.Warnf("[Webhook] rejected delivery from %s: %v", c.IP(), err)
	if cerr := wc.counters.AddRejection(c.UserContext(), secErr.Code); cerr != nil {
		log.Warnf("[Webhook] counting rejection failed: %v", cerr)
	}
	return ingress.Reject(c, secErr)
}

type webhookMetrics struct {
	counter.Snapshot
	Jobs *jobqueue.Stats `json:"jobs,omitempty"`
}

// HandleWebhookMetrics returns the webhook counters and, when a job queue is
// attached, its pending, delayed and processing depth.
func (wc *WebhookController) HandleWebhookMetrics(c *fiber.Ctx) error {
	snap, err := wc.counters.Snapshot(c.UserContext())
	if err != nil {
		log.Errorf("[Webhook] reading counters failed: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "counters_unavailable"})
	}
	out := webhookMetrics{Snapshot: snap}
	if wc.jobs != nil {
		jobs, err := wc.jobs.Stats(c.UserContext())
		if err != nil {
			log.Warnf("[Webhook] reading job queue stats failed: %v", err)
		} else {
			out.Jobs = jobs
		}
	}
	return c.JSON(out)
}
