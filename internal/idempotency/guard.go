// Package idempotency records which external events were already applied so
// at-least-once deliveries take effect exactly once.
package idempotency

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
)

// EventKey identifies one delivery of an external event.
type EventKey struct {
	SourceID  string
	EventType string
}

func (k EventKey) String() string {
	return k.EventType + ":" + k.SourceID
}

func (k EventKey) normalized() (EventKey, error) {
	k.SourceID = strings.TrimSpace(k.SourceID)
	k.EventType = strings.TrimSpace(k.EventType)
	if k.SourceID == "" || k.EventType == "" {
		return k, pkgerrors.New(pkgerrors.CodeValidation, "event source id and type are required")
	}
	return k, nil
}

// Guard admits each EventKey once. Bind it to the transaction that applies the
// event with WithTx so a failed application also releases the key.
type Guard struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGuard(db *gorm.DB) *Guard {
	return &Guard{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (g *Guard) WithTx(tx *gorm.DB) *Guard {
	if tx == nil {
		return g
	}
	clone := *g
	clone.db = tx
	return &clone
}

// Admit returns true the first time key is seen and false for any repeat.
// A storage failure is a dependency error and admits nothing.
func (g *Guard) Admit(ctx context.Context, key EventKey) (bool, error) {
	key, err := key.normalized()
	if err != nil {
		return false, err
	}
	record := models.ProcessedEvent{
		EventSourceID: key.SourceID,
		EventType:     key.EventType,
		ProcessedAt:   g.now(),
	}
	res := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record)
	if res.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "record processed event")
	}
	return res.RowsAffected == 1, nil
}

// Seen reports whether key was already admitted, without admitting it.
func (g *Guard) Seen(ctx context.Context, key EventKey) (bool, error) {
	key, err := key.normalized()
	if err != nil {
		return false, err
	}
	var count int64
	err = g.db.WithContext(ctx).
		Model(&models.ProcessedEvent{}).
		Where("event_source_id = ? AND event_type = ?", key.SourceID, key.EventType).
		Count(&count).Error
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup processed event")
	}
	return count > 0, nil
}
