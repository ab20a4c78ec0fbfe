package models

import (
	"time"

	"gorm.io/datatypes"
)

// Gateway provider constants.
const (
	ProviderStripe = "stripe"
)

const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusPastDue   = "past_due"
	SubscriptionStatusCancelled = "cancelled"
)

// Subscription is the local ledger entry for one recurring billing relationship
// with the gateway. Rows are never deleted; cancellation is a status change.
type Subscription struct {
	ID                     uint           `gorm:"primaryKey" json:"id"`
	ExternalSubscriptionID string         `gorm:"type:varchar(191);not null;uniqueIndex:ux_subscriptions_external_id" json:"external_subscription_id"`
	SubscriberID           string         `gorm:"type:varchar(191);not null;index" json:"subscriber_id"`
	PlanID                 string         `gorm:"type:varchar(64);not null;index" json:"plan_id"`
	Status                 string         `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	CurrentPeriodStart     *time.Time     `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time     `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	EndedAt                *time.Time     `gorm:"type:timestamp;default:null" json:"ended_at,omitempty"`
	CancelAtPeriodEnd      bool           `gorm:"default:false" json:"cancel_at_period_end"`
	TaxPaidCents           int64          `gorm:"not null;default:0" json:"tax_paid_cents"`
	Currency               string         `gorm:"type:varchar(8);default:''" json:"currency"`
	BillingAddress         datatypes.JSON `json:"billing_address,omitempty"`
	TaxEnabled             bool           `gorm:"default:false" json:"tax_enabled"`
	IdempotencyKey         string         `gorm:"type:varchar(191);not null;uniqueIndex:ux_subscriptions_idempotency_key" json:"idempotency_key"`
	LastInvoiceID          string         `gorm:"type:varchar(191);default:''" json:"last_invoice_id"`
	CreatedAt              time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsCancelled reports whether the record reached its terminal state.
func (s *Subscription) IsCancelled() bool {
	return s.Status == SubscriptionStatusCancelled
}
