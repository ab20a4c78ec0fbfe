package gateway

import (
	"context"
	"errors"

	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeGateway implements billing.Gateway on the Stripe API.
type StripeGateway struct {
	api *client.API
}

var _ billing.Gateway = (*StripeGateway)(nil)

// NewStripeGateway creates a client for the given secret key. A nil backends
// value uses the default HTTP backends.
func NewStripeGateway(secretKey string, backends *stripe.Backends) (*StripeGateway, error) {
	if secretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	sc := &client.API{}
	sc.Init(secretKey, backends)
	return &StripeGateway{api: sc}, nil
}

func (g *StripeGateway) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	s, err := g.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, err
	}
	return billing.SubscriptionFromStripe(s), nil
}

// UpdateSubscriptionMetadata sets the given keys. Stripe merges metadata, so
// keys not named are left alone.
func (g *StripeGateway) UpdateSubscriptionMetadata(ctx context.Context, id string, metadata map[string]string) error {
	if len(metadata) == 0 {
		return nil
	}
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	_, err := g.api.Subscriptions.Update(id, params)
	return err
}

func (g *StripeGateway) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	params.AddExpand("total_tax_amounts.tax_rate")
	inv, err := g.api.Invoices.Get(id, params)
	if err != nil {
		return nil, err
	}
	return billing.InvoiceFromStripe(inv), nil
}

func (g *StripeGateway) GetCustomer(ctx context.Context, id string) (*billing.Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	c, err := g.api.Customers.Get(id, params)
	if err != nil {
		return nil, err
	}
	return billing.CustomerFromStripe(c), nil
}

func (g *StripeGateway) GetPaymentLink(ctx context.Context, id string) (*billing.PaymentLink, error) {
	params := &stripe.PaymentLinkParams{}
	params.Context = ctx
	l, err := g.api.PaymentLinks.Get(id, params)
	if err != nil {
		return nil, err
	}
	return billing.PaymentLinkFromStripe(l), nil
}

func (g *StripeGateway) GetCheckoutSession(ctx context.Context, id string) (*billing.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := g.api.CheckoutSessions.Get(id, params)
	if err != nil {
		return nil, err
	}
	return billing.CheckoutSessionFromStripe(s), nil
}

// ListCheckoutSessions returns up to limit of the customer's most recent
// checkout sessions, newest first.
func (g *StripeGateway) ListCheckoutSessions(ctx context.Context, customerID string, limit int) ([]*billing.CheckoutSession, error) {
	params := &stripe.CheckoutSessionListParams{Customer: stripe.String(customerID)}
	params.Context = ctx
	params.Limit = stripe.Int64(int64(limit))
	params.Single = true

	var out []*billing.CheckoutSession
	it := g.api.CheckoutSessions.List(params)
	for it.Next() {
		out = append(out, billing.CheckoutSessionFromStripe(it.CheckoutSession()))
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetChargeFee reads the fee from the charge's balance transaction. ok is
// false while the balance transaction does not exist yet.
func (g *StripeGateway) GetChargeFee(ctx context.Context, chargeID string) (int64, bool, error) {
	params := &stripe.ChargeParams{}
	params.Context = ctx
	params.AddExpand("balance_transaction")
	ch, err := g.api.Charges.Get(chargeID, params)
	if err != nil {
		return 0, false, err
	}
	if ch.BalanceTransaction == nil || ch.BalanceTransaction.ID == "" {
		return 0, false, nil
	}
	return ch.BalanceTransaction.Fee, true, nil
}
