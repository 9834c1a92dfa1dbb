package models

import (
	"time"

	"github.com/google/uuid"
)

// Admin grants a user access to the admin adjustment endpoints.
type Admin struct {
	UserID    uuid.UUID  `gorm:"column:user_id;type:uuid;primaryKey"`
	GrantedBy *uuid.UUID `gorm:"column:granted_by;type:uuid"`
	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime"`
}
