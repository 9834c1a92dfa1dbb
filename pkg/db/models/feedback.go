package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Feedback is user-submitted feedback that an admin may reward with credits.
type Feedback struct {
	ID         uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID     uuid.UUID  `gorm:"column:user_id;type:uuid;not null;index"`
	Body       string     `gorm:"column:body;not null"`
	IsReward   bool       `gorm:"column:is_reward;not null;default:false"`
	RewardedAt *time.Time `gorm:"column:rewarded_at"`
	RewardedBy *uuid.UUID `gorm:"column:rewarded_by;type:uuid"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (Feedback) TableName() string {
	return "feedback"
}

func (f *Feedback) BeforeCreate(*gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	return nil
}
