package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/luciaai/searchdeep-sub000/pkg/enums"
)

// Subscription is the local mirror of a payment provider subscription.
type Subscription struct {
	ID                     uuid.UUID                `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID                 uuid.UUID                `gorm:"column:user_id;type:uuid;not null;index"`
	ProviderSubscriptionID string                   `gorm:"column:provider_subscription_id;not null;unique"`
	Status                 enums.SubscriptionStatus `gorm:"column:status;type:subscription_status;not null"`
	TierID                 string                   `gorm:"column:tier_id;not null"`
	CurrentPeriodStart     time.Time                `gorm:"column:current_period_start;not null"`
	CurrentPeriodEnd       time.Time                `gorm:"column:current_period_end;not null"`
	LastEventAt            time.Time                `gorm:"column:last_event_at;not null"`
	CanceledAt             *time.Time               `gorm:"column:canceled_at"`
	CreatedAt              time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt              time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (s *Subscription) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
