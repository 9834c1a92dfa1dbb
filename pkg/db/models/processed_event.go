package models

import "time"

// ProcessedEvent marks an external event as applied. The composite primary
// key is what makes admission atomic across instances.
type ProcessedEvent struct {
	EventSourceID string    `gorm:"column:event_source_id;primaryKey"`
	EventType     string    `gorm:"column:event_type;primaryKey"`
	ProcessedAt   time.Time `gorm:"column:processed_at;not null"`
}
