package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
)

const (
	maxDLQErrorLen   = 1024
	defaultDLQListed = 50
	maxDLQListed     = 500
)

// ErrNotDeadLettered is returned when requeueing an event that has no DLQ row.
var ErrNotDeadLettered = errors.New("outbox event is not dead-lettered")

type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

// InsertTx records a terminal failure. Error messages are capped at 1 KiB.
func (r *DLQRepository) InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error {
	if tx == nil {
		return errNoTx
	}
	if entry.ErrorMessage != nil {
		capped := capMessage(*entry.ErrorMessage, maxDLQErrorLen)
		entry.ErrorMessage = &capped
	}
	return tx.Create(&entry).Error
}

// capMessage cuts msg to at most limit bytes without splitting a rune.
func capMessage(msg string, limit int) string {
	msg = strings.ToValidUTF8(msg, "")
	if len(msg) <= limit {
		return msg
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// List returns the most recent failures first.
func (r *DLQRepository) List(ctx context.Context, limit int) ([]models.OutboxDLQ, error) {
	if limit <= 0 {
		limit = defaultDLQListed
	}
	limit = min(limit, maxDLQListed)

	var rows []models.OutboxDLQ
	err := r.db.WithContext(ctx).Order("failed_at DESC").Order("id ASC").Limit(limit).Find(&rows).Error
	return rows, err
}

// FindByEventID returns nil without error when the event was never dead-lettered.
func (r *DLQRepository) FindByEventID(ctx context.Context, eventID uuid.UUID) (*models.OutboxDLQ, error) {
	var row models.OutboxDLQ
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &row, nil
}

// Requeue hands a dead-lettered event back to the relay: the DLQ row is
// removed and the outbox row's attempt counter is reset. Published rows are
// left alone.
func (r *DLQRepository) Requeue(ctx context.Context, eventID uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("event_id = ?", eventID).Delete(&models.OutboxDLQ{})
		if res.Error != nil {
			return fmt.Errorf("delete dlq row: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotDeadLettered
		}
		reset := tx.Model(&models.OutboxEvent{}).
			Where("id = ? AND published_at IS NULL", eventID).
			Updates(map[string]any{"attempt_count": 0, "last_error": nil})
		if reset.Error != nil {
			return fmt.Errorf("reset outbox row: %w", reset.Error)
		}
		if reset.RowsAffected == 0 {
			return fmt.Errorf("outbox row %s is gone or already published", eventID)
		}
		return nil
	})
}
