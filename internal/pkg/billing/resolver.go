package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// Metadata keys written to and read from gateway objects.
const (
	MetaSubscriberID = "subscriber_id"
	MetaPlanID       = "plan_id"
)

var (
	subscriberKeys = []string{MetaSubscriberID, "user_id"}
	planKeys       = []string{MetaPlanID, "package_id"}
)

// Lookup step names, in resolution order.
const (
	StepInline          = "inline"
	StepCheckout        = "checkout"
	StepGatewayMetadata = "gateway_metadata"
	StepPaymentLink     = "payment_link"
	StepPoll            = "poll"
)

const (
	defaultPollAttempts = 5
	defaultPollInterval = 500 * time.Millisecond
	recentSessionLimit  = 10
)

// Identity is the (subscriber, plan) pair a payment needs before it can be
// finalized. Either half may be empty while resolution is in progress.
type Identity struct {
	SubscriberID     string
	PlanID           string
	SubscriberSource string
	PlanSource       string
}

func (id Identity) Complete() bool {
	return id.SubscriberID != "" && id.PlanID != ""
}

// Missing names the fields that are still empty.
func (id Identity) Missing() []string {
	var out []string
	if id.SubscriberID == "" {
		out = append(out, MetaSubscriberID)
	}
	if id.PlanID == "" {
		out = append(out, MetaPlanID)
	}
	return out
}

// fill copies fields of o that are empty in id. The earliest source wins.
func (id *Identity) fill(o Identity, source string) bool {
	added := false
	if id.SubscriberID == "" && o.SubscriberID != "" {
		id.SubscriberID = o.SubscriberID
		id.SubscriberSource = source
		added = true
	}
	if id.PlanID == "" && o.PlanID != "" {
		id.PlanID = o.PlanID
		id.PlanSource = source
		added = true
	}
	return added
}

func identityFromMetadata(md map[string]string) Identity {
	return Identity{
		SubscriberID: firstValue(md, subscriberKeys),
		PlanID:       firstValue(md, planKeys),
	}
}

func firstValue(md map[string]string, keys []string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(md[k]); v != "" {
			return v
		}
	}
	return ""
}

// ResolveRequest carries every hint an event offers about who paid for what.
type ResolveRequest struct {
	ExternalSubscriptionID string
	CustomerID             string
	InlineMetadata         []map[string]string
	CheckoutReference      string
	CheckoutSessionID      string
	CheckoutURLs           []string
	// PaymentLinkRefs holds raw link ids or URLs. The checkout step appends
	// links it discovers on the customer's recent sessions.
	PaymentLinkRefs []string
}

// LookupStep is one source in the resolution chain.
type LookupStep interface {
	Name() string
	Lookup(ctx context.Context, req *ResolveRequest) (Identity, error)
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithPoll sets how often and how long the resolver waits for a sibling event.
func WithPoll(attempts int, interval time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.pollAttempts = attempts
		r.pollInterval = interval
	}
}

// WithSleep replaces the wait function used while polling.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ResolverOption {
	return func(r *Resolver) { r.sleep = fn }
}

// Resolver recovers subscriber and plan ids through a chain of lookups,
// stopping as soon as both are known.
type Resolver struct {
	steps        []LookupStep
	gateway      Gateway
	pollAttempts int
	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewResolver(repo Repository, gateway Gateway, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		steps: []LookupStep{
			inlineLookup{},
			checkoutLookup{repo: repo, gateway: gateway},
			gatewayMetadataLookup{gateway: gateway},
			paymentLinkLookup{repo: repo, gateway: gateway},
		},
		gateway:      gateway,
		pollAttempts: defaultPollAttempts,
		pollInterval: defaultPollInterval,
		sleep:        sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the best identity it can find. An incomplete identity is
// not an error; only context cancellation is.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (Identity, error) {
	var id Identity
	for _, step := range r.steps {
		if id.Complete() {
			break
		}
		found, err := step.Lookup(ctx, &req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return id, ctxErr
			}
			log.Warnf("[Resolver] %s lookup for subscription %s failed: %v", step.Name(), req.ExternalSubscriptionID, err)
		}
		if id.fill(found, step.Name()) && step.Name() != StepGatewayMetadata {
			r.writeBack(ctx, req.ExternalSubscriptionID, id)
		}
	}

	if id.PlanID != "" && id.SubscriberID == "" && req.ExternalSubscriptionID != "" {
		if err := r.poll(ctx, req.ExternalSubscriptionID, &id); err != nil {
			return id, err
		}
	}
	if !id.Complete() {
		log.Debugf("[Resolver] subscription %s still missing %v", req.ExternalSubscriptionID, id.Missing())
	}
	return id, nil
}

// poll re-reads gateway metadata while a sibling event may be writing the
// missing subscriber id.
func (r *Resolver) poll(ctx context.Context, externalID string, id *Identity) error {
	for i := 0; i < r.pollAttempts && !id.Complete(); i++ {
		if err := r.sleep(ctx, r.pollInterval); err != nil {
			return err
		}
		sub, err := r.gateway.GetSubscription(ctx, externalID)
		if err != nil {
			log.Warnf("[Resolver] poll %d/%d for subscription %s: %v", i+1, r.pollAttempts, externalID, err)
			continue
		}
		id.fill(identityFromMetadata(sub.Metadata), StepPoll)
	}
	return nil
}

func (r *Resolver) writeBack(ctx context.Context, externalID string, id Identity) {
	if externalID == "" {
		return
	}
	md := make(map[string]string, 2)
	if id.SubscriberID != "" {
		md[MetaSubscriberID] = id.SubscriberID
	}
	if id.PlanID != "" {
		md[MetaPlanID] = id.PlanID
	}
	if err := r.gateway.UpdateSubscriptionMetadata(ctx, externalID, md); err != nil {
		log.Warnf("[Resolver] metadata write-back for subscription %s failed: %v", externalID, gatewayErr("update_subscription", externalID, err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type inlineLookup struct{}

func (inlineLookup) Name() string { return StepInline }

func (inlineLookup) Lookup(_ context.Context, req *ResolveRequest) (Identity, error) {
	var id Identity
	for _, md := range req.InlineMetadata {
		id.fill(identityFromMetadata(md), StepInline)
	}
	return id, nil
}

type checkoutLookup struct {
	repo    Repository
	gateway Gateway
}

func (checkoutLookup) Name() string { return StepCheckout }

func (l checkoutLookup) Lookup(ctx context.Context, req *ResolveRequest) (Identity, error) {
	var id Identity
	refs := collectReferences(req.CheckoutReference, req.CheckoutURLs...)
	if err := l.fromReferences(ctx, &id, refs, req.CheckoutSessionID); err != nil || id.Complete() {
		return id, err
	}
	if req.CustomerID == "" || req.ExternalSubscriptionID == "" {
		return id, nil
	}

	sessions, err := l.gateway.ListCheckoutSessions(ctx, req.CustomerID, recentSessionLimit)
	if err != nil {
		return id, gatewayErr("list_checkout_sessions", req.CustomerID, err)
	}
	for _, sess := range sessions {
		if sess == nil || sess.Subscription != req.ExternalSubscriptionID {
			continue
		}
		if sess.PaymentLink != "" {
			req.PaymentLinkRefs = append(req.PaymentLinkRefs, sess.PaymentLink)
		}
		id.fill(identityFromMetadata(sess.Metadata), StepCheckout)
		refs := collectReferences(sess.ClientReferenceID, sess.SuccessURL, sess.URL)
		if err := l.fromReferences(ctx, &id, refs, sess.ID); err != nil || id.Complete() {
			return id, err
		}
	}
	return id, nil
}

func (l checkoutLookup) fromReferences(ctx context.Context, id *Identity, refs []string, sessionID string) error {
	for _, ref := range refs {
		attempt, err := l.repo.FindCheckoutByReference(ctx, ref)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return storageErr("find_checkout", err)
		}
		id.fill(identityFromAttempt(attempt), StepCheckout)
		if id.Complete() {
			return nil
		}
	}
	if sessionID == "" {
		return nil
	}
	attempt, err := l.repo.FindCheckoutBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return storageErr("find_checkout_by_session", err)
	}
	id.fill(identityFromAttempt(attempt), StepCheckout)
	return nil
}

func identityFromAttempt(a *models.CheckoutAttempt) Identity {
	return Identity{SubscriberID: a.SubscriberID, PlanID: a.PlanID}
}

type gatewayMetadataLookup struct {
	gateway Gateway
}

func (gatewayMetadataLookup) Name() string { return StepGatewayMetadata }

func (l gatewayMetadataLookup) Lookup(ctx context.Context, req *ResolveRequest) (Identity, error) {
	if req.ExternalSubscriptionID == "" {
		return Identity{}, nil
	}
	sub, err := l.gateway.GetSubscription(ctx, req.ExternalSubscriptionID)
	if err != nil {
		return Identity{}, gatewayErr("get_subscription", req.ExternalSubscriptionID, err)
	}
	return identityFromMetadata(sub.Metadata), nil
}

type paymentLinkLookup struct {
	repo    Repository
	gateway Gateway
}

func (paymentLinkLookup) Name() string { return StepPaymentLink }

func (l paymentLinkLookup) Lookup(ctx context.Context, req *ResolveRequest) (Identity, error) {
	var id Identity
	var lastErr error
	if len(req.PaymentLinkRefs) > 0 {
		catalog, err := l.repo.ListPlansWithPaymentLinks(ctx)
		if err != nil {
			return id, storageErr("list_plans", err)
		}
		for _, raw := range req.PaymentLinkRefs {
			planID, err := l.planForLink(ctx, catalog, ParsePaymentLinkRef(raw))
			if err != nil {
				lastErr = err
				continue
			}
			if planID != "" {
				id.PlanID = planID
				break
			}
		}
	}

	if req.CustomerID != "" {
		cust, err := l.gateway.GetCustomer(ctx, req.CustomerID)
		if err != nil {
			return id, gatewayErr("get_customer", req.CustomerID, err)
		}
		id.SubscriberID = identityFromMetadata(cust.Metadata).SubscriberID
	}
	return id, lastErr
}

func (l paymentLinkLookup) planForLink(ctx context.Context, catalog []models.Plan, ref PaymentLinkRef) (string, error) {
	if ref.ID == "" && ref.URL == "" {
		return "", nil
	}
	if plan := matchPlan(catalog, ref); plan != nil {
		return plan.ID, nil
	}
	if ref.ID == "" {
		return "", nil
	}
	link, err := l.gateway.GetPaymentLink(ctx, ref.ID)
	if err != nil {
		return "", gatewayErr("get_payment_link", ref.ID, err)
	}
	if plan := matchPlan(catalog, ParsePaymentLinkRef(link.URL)); plan != nil {
		return plan.ID, nil
	}
	return identityFromMetadata(link.Metadata).PlanID, nil
}

func matchPlan(catalog []models.Plan, ref PaymentLinkRef) *models.Plan {
	for i := range catalog {
		p := &catalog[i]
		if ref.ID != "" && p.PaymentLinkID == ref.ID {
			return p
		}
		if ref.URL != "" && p.PaymentLinkURL != "" && ParsePaymentLinkRef(p.PaymentLinkURL).URL == ref.URL {
			return p
		}
	}
	return nil
}
