// Package feedback flips the reward flag on user feedback. Feedback records
// are owned elsewhere; this package only marks them rewarded.
package feedback

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	"github.com/luciaai/searchdeep-sub000/pkg/enums"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
	"github.com/luciaai/searchdeep-sub000/pkg/outbox"
	"github.com/luciaai/searchdeep-sub000/pkg/outbox/payloads"
)

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type Repository struct {
	db     *gorm.DB
	outbox eventEmitter
}

func NewRepository(db *gorm.DB, emitter eventEmitter) *Repository {
	return &Repository{db: db, outbox: emitter}
}

// Find loads a feedback record; nil when absent.
func (r *Repository) Find(ctx context.Context, feedbackID uuid.UUID) (*models.Feedback, error) {
	var fb models.Feedback
	err := r.db.WithContext(ctx).First(&fb, "id = ?", feedbackID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load feedback")
	}
	return &fb, nil
}

// MarkRewarded sets is_reward on the record. Marking an already rewarded
// record succeeds without changes.
func (r *Repository) MarkRewarded(ctx context.Context, feedbackID, actorID uuid.UUID) error {
	if feedbackID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "feedback id is required")
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fb models.Feedback
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&fb, "id = ?", feedbackID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "feedback not found")
		}
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock feedback")
		}
		if fb.IsReward {
			return nil
		}

		now := time.Now().UTC()
		updates := map[string]any{"is_reward": true, "rewarded_at": now}
		if actorID != uuid.Nil {
			updates["rewarded_by"] = actorID
		}
		if err := tx.Model(&models.Feedback{}).Where("id = ?", feedbackID).Updates(updates).Error; err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark feedback rewarded")
		}

		if r.outbox == nil {
			return nil
		}
		return r.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventFeedbackRewarded,
			AggregateType: enums.AggregateUser,
			AggregateID:   fb.UserID,
			Data: payloads.FeedbackRewardedEvent{
				FeedbackID: fb.ID,
				UserID:     fb.UserID,
				RewardedBy: actorID,
			},
		})
	})
}
