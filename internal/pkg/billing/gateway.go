package billing

import "context"

// Gateway is the subset of the payment gateway API the engine calls.
type Gateway interface {
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	UpdateSubscriptionMetadata(ctx context.Context, id string, metadata map[string]string) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	GetPaymentLink(ctx context.Context, id string) (*PaymentLink, error)
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	ListCheckoutSessions(ctx context.Context, customerID string, limit int) ([]*CheckoutSession, error)
	// GetChargeFee returns the processing fee the gateway took for a charge.
	// ok is false when the balance transaction is not available yet.
	GetChargeFee(ctx context.Context, chargeID string) (fee int64, ok bool, err error)
}
