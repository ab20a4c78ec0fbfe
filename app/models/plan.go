package models

import "time"

// DefaultPlanDurationDays is used when a plan row carries no duration.
const DefaultPlanDurationDays = 30

// Plan is a purchasable package. Plans sold through a gateway payment link
// carry the link id and URL so a payment can be traced back to its plan.
type Plan struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name           string    `gorm:"type:varchar(191);not null;default:''" json:"name"`
	DurationDays   int       `gorm:"not null;default:30" json:"duration_days"`
	PriceCents     int64     `gorm:"not null;default:0" json:"price_cents"`
	Currency       string    `gorm:"type:varchar(8);default:''" json:"currency"`
	PaymentLinkID  string    `gorm:"type:varchar(191);default:'';index" json:"payment_link_id"`
	PaymentLinkURL string    `gorm:"type:varchar(512);default:''" json:"payment_link_url"`
	IsActive       bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Duration returns the billing period length of the plan.
func (p *Plan) Duration() time.Duration {
	days := p.DurationDays
	if days <= 0 {
		days = DefaultPlanDurationDays
	}
	return time.Duration(days) * 24 * time.Hour
}
