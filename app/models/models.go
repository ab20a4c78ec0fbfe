package models

// All lists the models managed by the record store, in migration order.
func All() []interface{} {
	return []interface{}{
		&Plan{},
		&SubscriberProfile{},
		&Subscription{},
		&AppliedInvoice{},
		&CheckoutAttempt{},
		&TaxTransaction{},
		&WebhookEvent{},
	}
}
