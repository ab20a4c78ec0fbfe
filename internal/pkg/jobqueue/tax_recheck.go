package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
	"github.com/gofiber/fiber/v2/log"
)

// TaxRecheckScheduler schedules tax re-checks as delayed jobs.
type TaxRecheckScheduler struct {
	queue *Queue
}

var _ billing.Scheduler = (*TaxRecheckScheduler)(nil)

func NewTaxRecheckScheduler(q *Queue) *TaxRecheckScheduler {
	return &TaxRecheckScheduler{queue: q}
}

// TaxRecheckJobID is stable per invoice and delay, so a redelivered event
// maps onto the job that is already scheduled.
func TaxRecheckJobID(invoiceID string, delay time.Duration) string {
	return fmt.Sprintf("tax_recheck:%s:%d", invoiceID, int64(delay/time.Second))
}

func (s *TaxRecheckScheduler) ScheduleTaxRecheck(ctx context.Context, invoiceID string, delay time.Duration) error {
	payload := TaxRecheckJobPayload{InvoiceID: invoiceID, DelaySeconds: int64(delay / time.Second)}
	_, _, err := s.queue.EnqueueDelayed(ctx, TaxRecheckJobID(invoiceID, delay), JobTypeTaxRecheck, payload.ToMap(), delay)
	return err
}

// EnqueueTaxRecheck queues an immediate re-check for a running worker to
// pick up. It bypasses the per-delay dedup of ScheduleTaxRecheck.
func EnqueueTaxRecheck(ctx context.Context, q *Queue, invoiceID string) (*Job, error) {
	if invoiceID == "" {
		return nil, fmt.Errorf("tax re-check needs an invoice id")
	}
	return q.EnqueueJob(ctx, JobTypeTaxRecheck, TaxRecheckJobPayload{InvoiceID: invoiceID}.ToMap())
}

// RegisterTaxRecheck wires fn as the handler for tax re-check jobs.
func RegisterTaxRecheck(q *Queue, fn billing.RecheckFunc, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	q.RegisterHandler(JobTypeTaxRecheck, func(ctx context.Context, job *Job) error {
		payload, err := TaxRecheckJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("decode tax re-check payload: %w", err)
		}
		if payload.InvoiceID == "" {
			return fmt.Errorf("tax re-check job %s has no invoice id", job.ID)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		log.Infof("[JobQueue] Re-checking tax for invoice %s (scheduled +%ds)", payload.InvoiceID, payload.DelaySeconds)
		return fn(ctx, payload.InvoiceID)
	})
}
