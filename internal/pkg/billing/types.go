package billing

import (
	"encoding/json"
	"time"
)

// Event kinds the router dispatches.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventInvoicePaid         = "invoice.paid"
	EventInvoiceSucceeded    = "invoice.payment_succeeded"
	EventInvoiceFailed       = "invoice.payment_failed"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventInvoiceUpcoming     = "invoice.upcoming"
)

const billingReasonSubscriptionCreate = "subscription_create"

// Envelope is one authenticated gateway notification. Data holds the raw JSON
// of the event's object; deliveries for the same subscription arrive in no
// particular order. The typed accessors in stripe_objects.go decode it.
type Envelope struct {
	ID       string
	Kind     string
	Created  time.Time
	Livemode bool
	Data     json.RawMessage
}

// Gateway objects below carry only what the engine reads. They are filled
// from stripe-go resources and reference other objects by id.

type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

func (a *Address) empty() bool {
	return a == nil || (a.Line1 == "" && a.City == "" && a.State == "" && a.PostalCode == "" && a.Country == "")
}

type TaxRate struct {
	ID           string
	DisplayName  string
	Jurisdiction string
	Percentage   float64
	Country      string
	State        string
}

type TaxAmount struct {
	Amount    int64
	Inclusive bool
	// TaxRate holds only an id unless the rate was expanded.
	TaxRate *TaxRate
}

type Period struct {
	Start int64
	End   int64
}

type InvoiceLine struct {
	ID         string
	Amount     int64
	TaxAmounts []TaxAmount
	Metadata   map[string]string
	Period     *Period
}

type AutomaticTax struct {
	Enabled bool
	Status  string
}

type Invoice struct {
	ID                   string
	BillingReason        string
	Currency             string
	Customer             string
	CustomerEmail        string
	CustomerAddress      *Address
	Subscription         string
	Charge               string
	Total                int64
	AmountPaid           int64
	Tax                  int64
	TotalExcludingTax    int64
	TotalTaxAmounts      []TaxAmount
	NextPaymentAttempt   int64
	PeriodEnd            int64
	Metadata             map[string]string
	SubscriptionMetadata map[string]string
	AutomaticTax         *AutomaticTax
	Lines                []InvoiceLine
}

// AutomaticTaxEnabled reports whether the gateway computes tax for the invoice.
func (inv *Invoice) AutomaticTaxEnabled() bool {
	return inv.AutomaticTax != nil && inv.AutomaticTax.Enabled
}

// IsInitialPayment reports whether the invoice pays for a newly created subscription.
func (inv *Invoice) IsInitialPayment() bool {
	return inv.BillingReason == billingReasonSubscriptionCreate
}

// metadataSources lists the invoice metadata maps from most to least specific.
func (inv *Invoice) metadataSources() []map[string]string {
	out := []map[string]string{inv.Metadata}
	if inv.SubscriptionMetadata != nil {
		out = append(out, inv.SubscriptionMetadata)
	}
	for _, line := range inv.Lines {
		out = append(out, line.Metadata)
	}
	return out
}

// servicePeriod returns the period covered by the first line carrying one.
func (inv *Invoice) servicePeriod() (*time.Time, *time.Time) {
	for _, line := range inv.Lines {
		if line.Period != nil && line.Period.End > line.Period.Start {
			start := time.Unix(line.Period.Start, 0).UTC()
			end := time.Unix(line.Period.End, 0).UTC()
			return &start, &end
		}
	}
	return nil, nil
}

type Subscription struct {
	ID                 string
	Customer           string
	Status             string
	CancelAtPeriodEnd  bool
	CanceledAt         int64
	EndedAt            int64
	CurrentPeriodStart int64
	CurrentPeriodEnd   int64
	Metadata           map[string]string
}

type CheckoutSession struct {
	ID                string
	Mode              string
	Status            string
	ClientReferenceID string
	Customer          string
	Subscription      string
	Invoice           string
	PaymentLink       string
	AmountTotal       int64
	Currency          string
	URL               string
	SuccessURL        string
	Metadata          map[string]string
	AutomaticTax      *AutomaticTax
	CustomerEmail     string
	CustomerAddress   *Address
}

type Customer struct {
	ID               string
	Email            string
	Address          *Address
	PreferredLocales []string
	Metadata         map[string]string
}

type PaymentLink struct {
	ID       string
	URL      string
	Active   bool
	Metadata map[string]string
}

func unixTime(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
