package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// FinalizeInput describes one payment for a gateway subscription.
type FinalizeInput struct {
	IsInitialPayment bool
	InvoiceID        string
	InvoiceAmount    int64
	Currency         string
	// IdempotencyKey defaults to "<subscription>:initial" for initial payments
	// and "<subscription>:<invoice>" otherwise.
	IdempotencyKey string
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
	TaxEnabled     bool
	BillingAddress *Address
	// Hints feed the resolver when no local record exists yet.
	Hints ResolveRequest
}

// FinalizeResult reports what Finalize did.
type FinalizeResult struct {
	Subscription *models.Subscription
	Identity     Identity
	Created      bool
	Renewed      bool
	Duplicate    bool
}

// Finalizer applies subscription creation and renewal exactly once per
// logical payment.
type Finalizer struct {
	repo     Repository
	resolver *Resolver
	now      func() time.Time
}

func NewFinalizer(repo Repository, resolver *Resolver) *Finalizer {
	return &Finalizer{repo: repo, resolver: resolver, now: time.Now}
}

// Finalize records the payment for externalID. An existing record makes the
// call a duplicate unless it is a renewal for an invoice not yet applied.
// Without a complete identity it returns *MissingIdentityError.
func (f *Finalizer) Finalize(ctx context.Context, externalID string, in FinalizeInput) (*FinalizeResult, error) {
	existing, err := f.repo.FindSubscriptionByExternalID(ctx, externalID)
	if err == nil {
		return f.applyToExisting(ctx, existing, in)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storageErr("find_subscription", err)
	}

	hints := in.Hints
	hints.ExternalSubscriptionID = externalID
	identity, err := f.resolver.Resolve(ctx, hints)
	if err != nil {
		return nil, err
	}
	if !identity.Complete() {
		return &FinalizeResult{Identity: identity}, &MissingIdentityError{
			ExternalSubscriptionID: externalID,
			Missing:                identity.Missing(),
		}
	}

	duration := time.Duration(models.DefaultPlanDurationDays) * 24 * time.Hour
	plan, err := f.repo.FindPlan(ctx, identity.PlanID)
	switch {
	case err == nil:
		duration = plan.Duration()
	case errors.Is(err, gorm.ErrRecordNotFound):
		log.Warnf("[Finalizer] plan %s unknown for subscription %s, using %d day period", identity.PlanID, externalID, models.DefaultPlanDurationDays)
	default:
		return nil, storageErr("find_plan", err)
	}

	start := f.now().UTC()
	if in.PeriodStart != nil {
		start = *in.PeriodStart
	}
	end := start.Add(duration)
	if in.PeriodEnd != nil && in.PeriodEnd.After(start) {
		end = *in.PeriodEnd
	}

	sub := &models.Subscription{
		ExternalSubscriptionID: externalID,
		SubscriberID:           identity.SubscriberID,
		PlanID:                 identity.PlanID,
		Status:                 models.SubscriptionStatusActive,
		CurrentPeriodStart:     &start,
		CurrentPeriodEnd:       &end,
		Currency:               in.Currency,
		BillingAddress:         addressJSON(in.BillingAddress),
		TaxEnabled:             in.TaxEnabled,
		IdempotencyKey:         idempotencyKey(externalID, in),
		LastInvoiceID:          in.InvoiceID,
	}
	created, err := f.repo.InsertSubscription(ctx, sub)
	if err != nil {
		return nil, storageErr("insert_subscription", err)
	}
	if !created {
		// A concurrent delivery finalized first.
		stored, err := f.repo.FindSubscriptionByExternalID(ctx, externalID)
		if err != nil {
			return nil, storageErr("find_subscription", err)
		}
		log.Infof("[Finalizer] subscription %s finalized concurrently, treating as duplicate", externalID)
		return &FinalizeResult{Subscription: stored, Identity: identity, Duplicate: true}, nil
	}

	log.Infof("[Finalizer] created subscription %s (subscriber=%s plan=%s key=%s)", externalID, sub.SubscriberID, sub.PlanID, sub.IdempotencyKey)
	f.attachOrphans(ctx, sub)
	return &FinalizeResult{Subscription: sub, Identity: identity, Created: true}, nil
}

// applyToExisting applies a renewal invoice at most once. Each applied
// invoice is recorded, so a late redelivery of an older invoice is a
// duplicate even after newer invoices moved the period on.
func (f *Finalizer) applyToExisting(ctx context.Context, sub *models.Subscription, in FinalizeInput) (*FinalizeResult, error) {
	identity := Identity{SubscriberID: sub.SubscriberID, PlanID: sub.PlanID}
	defer f.attachOrphans(ctx, sub)

	if in.IsInitialPayment || in.InvoiceID == "" || sub.LastInvoiceID == in.InvoiceID {
		return &FinalizeResult{Subscription: sub, Identity: identity, Duplicate: true}, nil
	}

	updates := map[string]interface{}{}
	if sub.IsCancelled() {
		updates["last_invoice_id"] = in.InvoiceID
	} else {
		start, end, err := f.renewalPeriod(ctx, sub, in)
		if err != nil {
			return nil, err
		}
		if sub.CurrentPeriodEnd == nil || end.After(*sub.CurrentPeriodEnd) {
			updates["last_invoice_id"] = in.InvoiceID
			updates["current_period_start"] = start
			updates["current_period_end"] = end
			updates["status"] = models.SubscriptionStatusActive
		} else {
			log.Infof("[Finalizer] invoice %s covers a period before the current one of %s, period left unchanged", in.InvoiceID, sub.ExternalSubscriptionID)
		}
	}

	applied := &models.AppliedInvoice{
		ExternalSubscriptionID: sub.ExternalSubscriptionID,
		InvoiceID:              in.InvoiceID,
		IdempotencyKey:         idempotencyKey(sub.ExternalSubscriptionID, in),
	}
	fresh, err := f.repo.ApplyInvoice(ctx, applied, updates)
	if err != nil {
		return nil, storageErr("renew_subscription", err)
	}
	if !fresh {
		log.Infof("[Finalizer] invoice %s already applied to subscription %s", in.InvoiceID, sub.ExternalSubscriptionID)
		return &FinalizeResult{Subscription: sub, Identity: identity, Duplicate: true}, nil
	}
	log.Infof("[Finalizer] applied renewal invoice %s to subscription %s", in.InvoiceID, sub.ExternalSubscriptionID)
	return &FinalizeResult{Subscription: sub, Identity: identity, Renewed: true}, nil
}

// renewalPeriod starts where the current period ends, or now if it already
// ended. Periods the invoice states itself win.
func (f *Finalizer) renewalPeriod(ctx context.Context, sub *models.Subscription, in FinalizeInput) (time.Time, time.Time, error) {
	duration := time.Duration(models.DefaultPlanDurationDays) * 24 * time.Hour
	if plan, err := f.repo.FindPlan(ctx, sub.PlanID); err == nil {
		duration = plan.Duration()
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, time.Time{}, storageErr("find_plan", err)
	}
	start := f.now().UTC()
	if sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(start) {
		start = *sub.CurrentPeriodEnd
	}
	if in.PeriodStart != nil {
		start = *in.PeriodStart
	}
	end := start.Add(duration)
	if in.PeriodEnd != nil && in.PeriodEnd.After(start) {
		end = *in.PeriodEnd
	}
	return start, end, nil
}

func (f *Finalizer) attachOrphans(ctx context.Context, sub *models.Subscription) {
	n, err := f.repo.AttachOrphanTaxTransactions(ctx, sub)
	if err != nil {
		log.Errorf("[Finalizer] attaching tax transactions to subscription %s: %v", sub.ExternalSubscriptionID, err)
		return
	}
	if n > 0 {
		log.Infof("[Finalizer] attached %d earlier tax transaction(s) to subscription %s", n, sub.ExternalSubscriptionID)
	}
}

func idempotencyKey(externalID string, in FinalizeInput) string {
	if in.IdempotencyKey != "" {
		return in.IdempotencyKey
	}
	if in.IsInitialPayment || in.InvoiceID == "" {
		return externalID + ":initial"
	}
	return externalID + ":" + in.InvoiceID
}

func addressJSON(a *Address) datatypes.JSON {
	if a.empty() {
		return nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
