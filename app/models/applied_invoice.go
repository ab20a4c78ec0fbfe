package models

import "time"

// AppliedInvoice marks an invoice whose payment has been applied to a
// subscription. One row per subscription and invoice; a second delivery of
// the same invoice finds the row and changes nothing.
type AppliedInvoice struct {
	ID                     uint      `gorm:"primaryKey" json:"id"`
	ExternalSubscriptionID string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_applied_invoices_subscription_invoice,priority:1" json:"external_subscription_id"`
	InvoiceID              string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_applied_invoices_subscription_invoice,priority:2" json:"invoice_id"`
	IdempotencyKey         string    `gorm:"type:varchar(191);not null;default:''" json:"idempotency_key"`
	CreatedAt              time.Time `gorm:"autoCreateTime" json:"created_at"`
}
