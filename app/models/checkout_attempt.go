package models

import "time"

const (
	CheckoutIntentSubscription = "subscription"
	CheckoutIntentDeposit      = "deposit"
)

const (
	CheckoutStatusPending   = "pending"
	CheckoutStatusCompleted = "completed"
)

// CheckoutAttempt records a purchase a subscriber started but the gateway has
// not confirmed yet. Reference is the correlation value handed to the gateway
// as client_reference_id.
type CheckoutAttempt struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Reference    string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_checkout_attempts_reference" json:"reference"`
	Provider     string     `gorm:"type:varchar(20);not null;default:'stripe'" json:"provider"`
	Intent       string     `gorm:"type:varchar(20);not null;default:'subscription'" json:"intent"`
	SubscriberID string     `gorm:"type:varchar(191);default:''" json:"subscriber_id"`
	PlanID       string     `gorm:"type:varchar(64);default:''" json:"plan_id"`
	SessionID    string     `gorm:"type:varchar(191);default:'';index" json:"session_id"`
	Status       string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	CompletedAt  *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
