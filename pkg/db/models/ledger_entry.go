package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/luciaai/searchdeep-sub000/pkg/enums"
)

// LedgerEntry is one immutable credit mutation. The sum of a user's entries
// is their balance.
type LedgerEntry struct {
	ID               uuid.UUID          `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	UserID           uuid.UUID          `gorm:"column:user_id;type:uuid;not null;index" json:"userId"`
	Amount           int                `gorm:"column:amount;not null" json:"amount"`
	BalanceAfter     int                `gorm:"column:balance_after;not null" json:"balanceAfter"`
	Reason           string             `gorm:"column:reason;not null" json:"reason"`
	Source           enums.LedgerSource `gorm:"column:source;type:ledger_source;not null" json:"source"`
	ExternalEventKey *string            `gorm:"column:external_event_key;uniqueIndex" json:"externalEventKey,omitempty"`
	ActorID          *uuid.UUID         `gorm:"column:actor_id;type:uuid" json:"actorId,omitempty"`
	SubscriptionID   *uuid.UUID         `gorm:"column:subscription_id;type:uuid" json:"subscriptionId,omitempty"`
	PeriodStart      *time.Time         `gorm:"column:period_start" json:"periodStart,omitempty"`
	Metadata         json.RawMessage    `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt        time.Time          `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

func (e *LedgerEntry) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
