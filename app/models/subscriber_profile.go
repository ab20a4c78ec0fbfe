package models

import "time"

// SubscriberProfile stores what the engine knows about a paying subscriber
// outside of the gateway: contact channels, locale and tax region.
type SubscriberProfile struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	SubscriberID       string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_subscriber_profiles_subscriber" json:"subscriber_id"`
	Provider           string    `gorm:"type:varchar(20);not null;default:'stripe'" json:"provider"`
	ProviderCustomerID string    `gorm:"type:varchar(191);default:'';index" json:"provider_customer_id"`
	Email              string    `gorm:"type:varchar(200);default:''" json:"email"`
	Locale             string    `gorm:"type:varchar(16);default:''" json:"locale"`
	Region             string    `gorm:"type:varchar(64);default:''" json:"region"`
	Country            string    `gorm:"type:varchar(2);default:''" json:"country"`
	ChatID             string    `gorm:"type:varchar(191);default:''" json:"chat_id"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
