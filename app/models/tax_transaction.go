package models

import (
	"time"

	"gorm.io/datatypes"
)

// TaxBreakdownLine is one jurisdiction entry of a tax transaction breakdown.
type TaxBreakdownLine struct {
	Jurisdiction string  `json:"jurisdiction"`
	Rate         float64 `json:"rate"`
	AmountCents  int64   `json:"amount_cents"`
	Inclusive    bool    `json:"inclusive"`
}

// TaxTransaction holds the tax computed for exactly one invoice. It is written
// once; only SubscriptionID may be filled in later, when the subscription
// record is created after the tax was observed.
type TaxTransaction struct {
	ID                     uint           `gorm:"primaryKey" json:"id"`
	InvoiceID              string         `gorm:"type:varchar(191);not null;uniqueIndex:ux_tax_transactions_invoice" json:"invoice_id"`
	SubscriptionID         *uint          `gorm:"index" json:"subscription_id,omitempty"`
	ExternalSubscriptionID string         `gorm:"type:varchar(191);default:'';index" json:"external_subscription_id"`
	BaseAmountCents        int64          `gorm:"not null;default:0" json:"base_amount_cents"`
	TaxAmountCents         int64          `gorm:"not null;default:0" json:"tax_amount_cents"`
	TotalAmountCents       int64          `gorm:"not null;default:0" json:"total_amount_cents"`
	Currency               string         `gorm:"type:varchar(8);default:''" json:"currency"`
	Breakdown              datatypes.JSON `json:"breakdown,omitempty"`
	ProcessingFeeCents     int64          `gorm:"not null;default:0" json:"processing_fee_cents"`
	FeeEstimated           bool           `gorm:"default:false" json:"fee_estimated"`
	BillingAddress         datatypes.JSON `json:"billing_address,omitempty"`
	Estimated              bool           `gorm:"default:false" json:"estimated"`
	Source                 string         `gorm:"type:varchar(32);default:''" json:"source"`
	CreatedAt              time.Time      `gorm:"autoCreateTime" json:"created_at"`
}
