package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is the account whose credits are tracked. Balance is a projection of
// the ledger and is only ever mutated by the ledger store.
type User struct {
	ID                uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Email             string    `gorm:"column:email;type:text;not null;uniqueIndex"`
	PaymentCustomerID *string   `gorm:"column:payment_customer_id;uniqueIndex"`
	Balance           int       `gorm:"column:balance;not null;default:0"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
