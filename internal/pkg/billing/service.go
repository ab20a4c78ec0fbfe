package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// Reminder is a pre-rendered renewal notice for one subscriber.
type Reminder struct {
	SubscriberID           string
	PlanID                 string
	ExternalSubscriptionID string
	InvoiceID              string
	Email                  string
	AmountCents            int64
	Currency               string
	DueAt                  *time.Time
	Profile                *models.SubscriberProfile
}

// Notifier delivers renewal reminders.
type Notifier interface {
	RenewalReminder(ctx context.Context, r Reminder) error
}

// ServiceOption customizes a Service.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	notifier Notifier
	resolver []ResolverOption
	tax      []TaxOption
}

func WithNotifier(n Notifier) ServiceOption {
	return func(o *serviceOptions) { o.notifier = n }
}

func WithResolverOptions(opts ...ResolverOption) ServiceOption {
	return func(o *serviceOptions) { o.resolver = append(o.resolver, opts...) }
}

func WithTaxOptions(opts ...TaxOption) ServiceOption {
	return func(o *serviceOptions) { o.tax = append(o.tax, opts...) }
}

// Service wires the reconciliation components behind the event router.
type Service struct {
	repo      Repository
	gateway   Gateway
	resolver  *Resolver
	finalizer *Finalizer
	tax       *TaxEngine
	state     *StateReconciler
	notifier  Notifier
	router    *Router
}

// NewService builds the engine. scheduler may be nil, in which case invoices
// without tax are not re-checked.
func NewService(repo Repository, gateway Gateway, rates RateLookup, scheduler Scheduler, opts ...ServiceOption) *Service {
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	resolver := NewResolver(repo, gateway, o.resolver...)
	s := &Service{
		repo:      repo,
		gateway:   gateway,
		resolver:  resolver,
		finalizer: NewFinalizer(repo, resolver),
		tax:       NewTaxEngine(repo, gateway, rates, scheduler, o.tax...),
		state:     NewStateReconciler(repo),
		notifier:  o.notifier,
		router:    NewRouter(),
	}
	s.router.Handle(EventCheckoutCompleted, s.handleCheckoutCompleted)
	s.router.Handle(EventInvoicePaid, s.handleInvoicePaid)
	s.router.Handle(EventInvoiceSucceeded, s.handleInvoicePaid)
	s.router.Handle(EventInvoiceFailed, s.handleInvoiceFailed)
	s.router.Handle(EventSubscriptionDeleted, s.handleSubscriptionDeleted)
	s.router.Handle(EventSubscriptionUpdated, s.handleSubscriptionUpdated)
	s.router.Handle(EventInvoiceUpcoming, s.handleInvoiceUpcoming)
	return s
}

func (s *Service) Router() *Router       { return s.router }
func (s *Service) TaxEngine() *TaxEngine { return s.tax }

// Process records env in the webhook ledger and dispatches it unless an
// earlier delivery of the same event already settled.
func (s *Service) Process(ctx context.Context, env Envelope, payload []byte, signatureValid bool) (Outcome, error) {
	created, stored, err := s.RecordWebhookEvent(ctx, env, payload, signatureValid)
	if err != nil {
		return OutcomeFailed, err
	}
	if !created && stored.IsSettled() {
		log.Infof("[Billing] event %s (%s) already processed, delivery #%d acknowledged", env.ID, env.Kind, stored.Attempts)
		return OutcomeDuplicate, nil
	}

	out, dispatchErr := s.router.Dispatch(ctx, env)
	if err := s.MarkWebhookProcessed(ctx, stored.ID, dispatchErr); err != nil {
		log.Errorf("[Billing] marking event %s processed: %v", env.ID, err)
	}
	return out, dispatchErr
}

// RecordWebhookEvent persists a delivery idempotently by gateway event id.
// Envelopes without an id are keyed by a hash of the payload.
func (s *Service) RecordWebhookEvent(ctx context.Context, env Envelope, payload []byte, signatureValid bool) (bool, *models.WebhookEvent, error) {
	eventID := strings.TrimSpace(env.ID)
	if eventID == "" {
		sum := sha256.Sum256(payload)
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}
	event := &models.WebhookEvent{
		Provider:        models.ProviderStripe,
		ProviderEventID: eventID,
		EventType:       env.Kind,
		PayloadJSON:     string(payload),
		SignatureValid:  signatureValid,
		Attempts:        1,
	}
	created, stored, err := s.repo.CreateWebhookEventIfNotExists(ctx, event)
	if err != nil {
		return false, nil, storageErr("record_webhook_event", err)
	}
	return created, stored, nil
}

// MarkWebhookProcessed stamps a ledger entry with the processing result.
func (s *Service) MarkWebhookProcessed(ctx context.Context, id uint, processingErr error) error {
	if id == 0 {
		return errors.New("webhook event id is required")
	}
	msg := ""
	if processingErr != nil {
		msg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(ctx, id, msg)
}

func malformed(env Envelope, err error) error {
	return &SecurityError{
		Code:   "malformed_payload",
		Status: http.StatusBadRequest,
		Err:    fmt.Errorf("event %s (%s): %w", env.ID, env.Kind, err),
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, env Envelope) (Outcome, error) {
	sess, err := env.CheckoutSession()
	if err != nil {
		return OutcomeFailed, malformed(env, err)
	}

	for _, ref := range collectReferences(sess.ClientReferenceID, sess.SuccessURL, sess.URL) {
		err := s.repo.UpdateCheckoutStatus(ctx, ref, models.CheckoutStatusCompleted, sess.ID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return OutcomeFailed, storageErr("update_checkout_status", err)
		}
		log.Infof("[Billing] checkout %s completed (session %s)", ref, sess.ID)
	}

	if sess.Mode != "subscription" {
		return OutcomeProcessed, nil
	}
	if sess.Subscription == "" && sess.ID != "" {
		// The subscription is sometimes attached after the session completes.
		fresh, err := s.gateway.GetCheckoutSession(ctx, sess.ID)
		if err != nil {
			log.Warnf("[Billing] %v", gatewayErr("get_checkout_session", sess.ID, err))
		} else {
			sess.Subscription = fresh.Subscription
			sess.Invoice = fresh.Invoice
		}
	}
	if sess.Subscription == "" {
		log.Warnf("[Billing] checkout session %s has no subscription, nothing to finalize", sess.ID)
		return OutcomeIgnored, nil
	}

	hints := ResolveRequest{
		CustomerID:        sess.Customer,
		InlineMetadata:    []map[string]string{sess.Metadata},
		CheckoutReference: sess.ClientReferenceID,
		CheckoutSessionID: sess.ID,
		CheckoutURLs:      []string{sess.SuccessURL, sess.URL},
	}
	if sess.PaymentLink != "" {
		hints.PaymentLinkRefs = []string{sess.PaymentLink}
	}
	in := FinalizeInput{
		IsInitialPayment: true,
		InvoiceID:        sess.Invoice,
		InvoiceAmount:    sess.AmountTotal,
		Currency:         sess.Currency,
		TaxEnabled:       sess.AutomaticTax != nil && sess.AutomaticTax.Enabled,
		BillingAddress:   sess.CustomerAddress,
		Hints:            hints,
	}
	res, err := s.finalizer.Finalize(ctx, sess.Subscription, in)
	if err != nil {
		return OutcomeFailed, err
	}
	return finalizeOutcome(res), nil
}

func (s *Service) handleInvoicePaid(ctx context.Context, env Envelope) (Outcome, error) {
	inv, err := env.Invoice()
	if err != nil {
		return OutcomeFailed, malformed(env, err)
	}

	out := OutcomeProcessed
	var finErr error
	if inv.Subscription != "" {
		start, end := inv.servicePeriod()
		res, err := s.finalizer.Finalize(ctx, inv.Subscription, FinalizeInput{
			IsInitialPayment: inv.IsInitialPayment(),
			InvoiceID:        inv.ID,
			InvoiceAmount:    inv.AmountPaid,
			Currency:         inv.Currency,
			PeriodStart:      start,
			PeriodEnd:        end,
			TaxEnabled:       inv.AutomaticTaxEnabled(),
			BillingAddress:   inv.CustomerAddress,
			Hints: ResolveRequest{
				CustomerID:     inv.Customer,
				InlineMetadata: inv.metadataSources(),
			},
		})
		switch {
		case err == nil:
			out = finalizeOutcome(res)
		case IsMissingIdentity(err):
			// Tax is keyed by invoice and attaches to the subscription later.
			finErr = err
		default:
			return OutcomeFailed, err
		}
	}

	taxRes, err := s.tax.Reconcile(ctx, inv)
	if err != nil {
		return OutcomeFailed, err
	}
	if taxRes.Recorded {
		out = OutcomeProcessed
	}
	if finErr != nil {
		return OutcomeDeferred, finErr
	}
	return out, nil
}

func (s *Service) handleInvoiceFailed(ctx context.Context, env Envelope) (Outcome, error) {
	inv, err := env.Invoice()
	if err != nil {
		return OutcomeFailed, malformed(env, err)
	}
	res, err := s.state.InvoiceFailed(ctx, inv.Subscription)
	return stateOutcome(res), err
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, env Envelope) (Outcome, error) {
	sub, err := env.Subscription()
	if err != nil {
		return OutcomeFailed, malformed(env, err)
	}
	deletedAt := env.Created
	if deletedAt.IsZero() {
		deletedAt = time.Now()
	}
	res, err := s.state.SubscriptionDeleted(ctx, sub, deletedAt)
	return stateOutcome(res), err
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, env Envelope) (Outcome, error) {
	sub, err := env.Subscription()
	if err != nil {
		return OutcomeFailed, malformed(env, err)
	}
	res, err := s.state.SubscriptionUpdated(ctx, sub)
	return stateOutcome(res), err
}

// handleInvoiceUpcoming sends a renewal reminder. Delivery failures never
// fail the event.
func (s *Service) handleInvoiceUpcoming(ctx context.Context, env Envelope) (Outcome, error) {
	inv, err := env.Invoice()
	if err != nil {
		return OutcomeFailed, malformed(env, err)
	}
	if s.notifier == nil {
		return OutcomeIgnored, nil
	}

	r := Reminder{
		ExternalSubscriptionID: inv.Subscription,
		InvoiceID:              inv.ID,
		Email:                  inv.CustomerEmail,
		AmountCents:            inv.Total,
		Currency:               inv.Currency,
		DueAt:                  unixTime(inv.NextPaymentAttempt),
	}
	if r.DueAt == nil {
		r.DueAt = unixTime(inv.PeriodEnd)
	}
	if r.ExternalSubscriptionID != "" {
		sub, err := s.repo.FindSubscriptionByExternalID(ctx, r.ExternalSubscriptionID)
		switch {
		case err == nil:
			if sub.IsCancelled() {
				log.Infof("[Billing] subscription %s is cancelled, skipping renewal reminder", sub.ExternalSubscriptionID)
				return OutcomeIgnored, nil
			}
			r.SubscriberID, r.PlanID = sub.SubscriberID, sub.PlanID
		case !errors.Is(err, gorm.ErrRecordNotFound):
			log.Warnf("[Billing] renewal reminder for %s: %v", r.ExternalSubscriptionID, err)
		}
	}
	if r.SubscriberID == "" {
		var id Identity
		for _, md := range inv.metadataSources() {
			id.fill(identityFromMetadata(md), StepInline)
		}
		r.SubscriberID, r.PlanID = id.SubscriberID, id.PlanID
	}
	if r.SubscriberID != "" {
		if profile, err := s.repo.FindSubscriberProfile(ctx, r.SubscriberID); err == nil {
			r.Profile = profile
			if r.Email == "" {
				r.Email = profile.Email
			}
		}
	}

	if err := s.notifier.RenewalReminder(ctx, r); err != nil {
		log.Warnf("[Billing] renewal reminder for invoice %s not sent: %v", inv.ID, err)
	}
	return OutcomeProcessed, nil
}

func finalizeOutcome(res *FinalizeResult) Outcome {
	if res != nil && res.Duplicate {
		return OutcomeDuplicate
	}
	return OutcomeProcessed
}

func stateOutcome(res *StateResult) Outcome {
	if res == nil || !res.Found {
		return OutcomeIgnored
	}
	return OutcomeProcessed
}
