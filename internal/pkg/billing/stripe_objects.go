package billing

import (
	"encoding/json"

	"github.com/stripe/stripe-go/v76"
)

// Invoice decodes the envelope object as a stripe invoice.
func (e Envelope) Invoice() (*Invoice, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(e.Data, &inv); err != nil {
		return nil, err
	}
	return InvoiceFromStripe(&inv), nil
}

func (e Envelope) Subscription() (*Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(e.Data, &sub); err != nil {
		return nil, err
	}
	return SubscriptionFromStripe(&sub), nil
}

func (e Envelope) CheckoutSession() (*CheckoutSession, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(e.Data, &sess); err != nil {
		return nil, err
	}
	return CheckoutSessionFromStripe(&sess), nil
}

func InvoiceFromStripe(s *stripe.Invoice) *Invoice {
	if s == nil {
		return nil
	}
	inv := &Invoice{
		ID:                 s.ID,
		BillingReason:      string(s.BillingReason),
		Currency:           string(s.Currency),
		CustomerEmail:      s.CustomerEmail,
		CustomerAddress:    addressFromStripe(s.CustomerAddress),
		Total:              s.Total,
		AmountPaid:         s.AmountPaid,
		Tax:                s.Tax,
		TotalExcludingTax:  s.TotalExcludingTax,
		NextPaymentAttempt: s.NextPaymentAttempt,
		PeriodEnd:          s.PeriodEnd,
		Metadata:           s.Metadata,
	}
	if s.Customer != nil {
		inv.Customer = s.Customer.ID
	}
	if s.Subscription != nil {
		inv.Subscription = s.Subscription.ID
	}
	if s.Charge != nil {
		inv.Charge = s.Charge.ID
	}
	if s.SubscriptionDetails != nil {
		inv.SubscriptionMetadata = s.SubscriptionDetails.Metadata
	}
	if s.AutomaticTax != nil {
		inv.AutomaticTax = &AutomaticTax{Enabled: s.AutomaticTax.Enabled, Status: string(s.AutomaticTax.Status)}
	}
	for _, ta := range s.TotalTaxAmounts {
		if ta == nil {
			continue
		}
		inv.TotalTaxAmounts = append(inv.TotalTaxAmounts, TaxAmount{
			Amount:    ta.Amount,
			Inclusive: ta.Inclusive,
			TaxRate:   taxRateFromStripe(ta.TaxRate),
		})
	}
	if s.Lines != nil {
		for _, li := range s.Lines.Data {
			if li == nil {
				continue
			}
			line := InvoiceLine{ID: li.ID, Amount: li.Amount, Metadata: li.Metadata}
			if li.Period != nil {
				line.Period = &Period{Start: li.Period.Start, End: li.Period.End}
			}
			for _, ta := range li.TaxAmounts {
				if ta == nil {
					continue
				}
				line.TaxAmounts = append(line.TaxAmounts, TaxAmount{
					Amount:    ta.Amount,
					Inclusive: ta.Inclusive,
					TaxRate:   taxRateFromStripe(ta.TaxRate),
				})
			}
			inv.Lines = append(inv.Lines, line)
		}
	}
	return inv
}

func SubscriptionFromStripe(s *stripe.Subscription) *Subscription {
	if s == nil {
		return nil
	}
	sub := &Subscription{
		ID:                 s.ID,
		Status:             string(s.Status),
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		CanceledAt:         s.CanceledAt,
		EndedAt:            s.EndedAt,
		CurrentPeriodStart: s.CurrentPeriodStart,
		CurrentPeriodEnd:   s.CurrentPeriodEnd,
		Metadata:           s.Metadata,
	}
	if s.Customer != nil {
		sub.Customer = s.Customer.ID
	}
	return sub
}

func CheckoutSessionFromStripe(s *stripe.CheckoutSession) *CheckoutSession {
	if s == nil {
		return nil
	}
	sess := &CheckoutSession{
		ID:                s.ID,
		Mode:              string(s.Mode),
		Status:            string(s.Status),
		ClientReferenceID: s.ClientReferenceID,
		AmountTotal:       s.AmountTotal,
		Currency:          string(s.Currency),
		URL:               s.URL,
		SuccessURL:        s.SuccessURL,
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		sess.Customer = s.Customer.ID
	}
	if s.Subscription != nil {
		sess.Subscription = s.Subscription.ID
	}
	if s.Invoice != nil {
		sess.Invoice = s.Invoice.ID
	}
	if s.PaymentLink != nil {
		sess.PaymentLink = s.PaymentLink.ID
	}
	if s.AutomaticTax != nil {
		sess.AutomaticTax = &AutomaticTax{Enabled: s.AutomaticTax.Enabled, Status: string(s.AutomaticTax.Status)}
	}
	if s.CustomerDetails != nil {
		sess.CustomerEmail = s.CustomerDetails.Email
		sess.CustomerAddress = addressFromStripe(s.CustomerDetails.Address)
	}
	return sess
}

func CustomerFromStripe(s *stripe.Customer) *Customer {
	if s == nil {
		return nil
	}
	return &Customer{
		ID:               s.ID,
		Email:            s.Email,
		Address:          addressFromStripe(s.Address),
		PreferredLocales: s.PreferredLocales,
		Metadata:         s.Metadata,
	}
}

func PaymentLinkFromStripe(s *stripe.PaymentLink) *PaymentLink {
	if s == nil {
		return nil
	}
	return &PaymentLink{ID: s.ID, URL: s.URL, Active: s.Active, Metadata: s.Metadata}
}

func taxRateFromStripe(r *stripe.TaxRate) *TaxRate {
	if r == nil {
		return nil
	}
	return &TaxRate{
		ID:           r.ID,
		DisplayName:  r.DisplayName,
		Jurisdiction: r.Jurisdiction,
		Percentage:   r.Percentage,
		Country:      r.Country,
		State:        r.State,
	}
}

func addressFromStripe(a *stripe.Address) *Address {
	if a == nil {
		return nil
	}
	return &Address{
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}
