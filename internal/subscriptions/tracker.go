package subscriptions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	"github.com/luciaai/searchdeep-sub000/pkg/enums"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
	"github.com/luciaai/searchdeep-sub000/pkg/outbox"
	"github.com/luciaai/searchdeep-sub000/pkg/outbox/payloads"
)

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// StatusEvent is a provider-neutral subscription update.
type StatusEvent struct {
	ProviderSubscriptionID string
	// UserID is optional when CustomerID is linked to a user.
	UserID      uuid.UUID
	CustomerID  string
	Status      enums.SubscriptionStatus
	TierID      string
	PeriodStart time.Time
	PeriodEnd   time.Time
	OccurredAt  time.Time
}

// Transition is what changed when a StatusEvent was applied.
type Transition struct {
	SubscriptionID         uuid.UUID
	ProviderSubscriptionID string
	UserID                 uuid.UUID
	TierID                 string
	PreviousStatus         enums.SubscriptionStatus
	NewStatus              enums.SubscriptionStatus
	PeriodStart            time.Time
	IsNewPeriod            bool
	Created                bool
	// Stale is set when the event predates the last applied one; nothing was written.
	Stale bool
}

// Changed reports whether the transition is worth announcing.
func (t Transition) Changed() bool {
	return !t.Stale && (t.Created || t.IsNewPeriod || t.PreviousStatus != t.NewStatus)
}

type TrackerParams struct {
	DB         *gorm.DB
	Repository Repository
	Outbox     eventEmitter
	Logger     *logger.Logger
}

// Tracker keeps one row per provider subscription and derives transitions
// from out-of-order, repeated provider updates.
type Tracker struct {
	db     *gorm.DB
	repo   Repository
	outbox eventEmitter
	logg   *logger.Logger
	now    func() time.Time
}

func NewTracker(params TrackerParams) (*Tracker, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("subscriptions db required")
	}
	repo := params.Repository
	if repo == nil {
		repo = NewRepository(params.DB)
	}
	return &Tracker{
		db:     params.DB,
		repo:   repo,
		outbox: params.Outbox,
		logg:   params.Logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (t *Tracker) WithTx(tx *gorm.DB) *Tracker {
	if tx == nil {
		return t
	}
	clone := *t
	clone.db = tx
	clone.repo = t.repo.WithTx(tx)
	return &clone
}

// ApplyStatusEvent upserts the subscription under a row lock and reports the
// resulting transition. Period fields only move forward.
func (t *Tracker) ApplyStatusEvent(ctx context.Context, ev StatusEvent) (Transition, error) {
	ev, err := t.normalize(ev)
	if err != nil {
		return Transition{}, err
	}

	var result Transition
	err = t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := t.repo.WithTx(tx)

		sub, err := repo.LockByProviderID(ctx, ev.ProviderSubscriptionID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock subscription")
		}
		if sub == nil {
			created, err := t.create(ctx, repo, ev)
			if err != nil {
				return err
			}
			if created != nil {
				result = Transition{
					SubscriptionID:         created.ID,
					ProviderSubscriptionID: created.ProviderSubscriptionID,
					UserID:                 created.UserID,
					TierID:                 created.TierID,
					NewStatus:              created.Status,
					PeriodStart:            created.CurrentPeriodStart,
					IsNewPeriod:            true,
					Created:                true,
				}
				return t.emit(ctx, tx, result)
			}
			// Lost a creation race; the winner's row is now visible.
			sub, err = repo.LockByProviderID(ctx, ev.ProviderSubscriptionID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock subscription")
			}
			if sub == nil {
				return pkgerrors.New(pkgerrors.CodeDependency, "subscription vanished after conflict")
			}
		}

		result = t.advance(sub, ev)
		if result.Stale {
			return nil
		}
		if err := repo.Save(ctx, sub); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update subscription")
		}
		return t.emit(ctx, tx, result)
	})
	if err != nil {
		return Transition{}, err
	}

	if t.logg != nil {
		logCtx := t.logg.WithFields(ctx, map[string]any{
			"subscription_id":          result.SubscriptionID.String(),
			"provider_subscription_id": result.ProviderSubscriptionID,
			"previous_status":          result.PreviousStatus,
			"status":                   result.NewStatus,
			"new_period":               result.IsNewPeriod,
			"stale":                    result.Stale,
		})
		if result.Stale {
			t.logg.Warn(logCtx, "subscription.event_stale")
		} else {
			t.logg.Info(logCtx, "subscription.status_applied")
		}
	}
	return result, nil
}

// ForUser lists a user's subscriptions, newest first.
func (t *Tracker) ForUser(ctx context.Context, userID uuid.UUID) ([]models.Subscription, error) {
	subs, err := t.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list subscriptions")
	}
	return subs, nil
}

func (t *Tracker) normalize(ev StatusEvent) (StatusEvent, error) {
	ev.ProviderSubscriptionID = strings.TrimSpace(ev.ProviderSubscriptionID)
	ev.TierID = strings.TrimSpace(ev.TierID)
	ev.CustomerID = strings.TrimSpace(ev.CustomerID)
	if ev.ProviderSubscriptionID == "" {
		return ev, pkgerrors.New(pkgerrors.CodeValidation, "provider subscription id is required")
	}
	if !ev.Status.IsValid() {
		return ev, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid subscription status %q", ev.Status))
	}
	if ev.PeriodStart.IsZero() {
		return ev, pkgerrors.New(pkgerrors.CodeValidation, "period start is required")
	}
	ev.PeriodStart = ev.PeriodStart.UTC()
	ev.PeriodEnd = ev.PeriodEnd.UTC()
	if ev.PeriodEnd.Before(ev.PeriodStart) {
		return ev, pkgerrors.New(pkgerrors.CodeValidation, "period end precedes period start")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = t.now()
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	return ev, nil
}

// create returns nil without error when a concurrent writer inserted the row first.
func (t *Tracker) create(ctx context.Context, repo Repository, ev StatusEvent) (*models.Subscription, error) {
	userID := ev.UserID
	if userID == uuid.Nil {
		resolved, err := repo.FindUserIDByCustomer(ctx, ev.CustomerID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve subscription owner")
		}
		userID = resolved
	}
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription owner is unknown").
			WithDetails(map[string]any{"customerId": ev.CustomerID})
	}
	if ev.TierID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "tier id is required")
	}

	sub := &models.Subscription{
		UserID:                 userID,
		ProviderSubscriptionID: ev.ProviderSubscriptionID,
		Status:                 ev.Status,
		TierID:                 ev.TierID,
		CurrentPeriodStart:     ev.PeriodStart,
		CurrentPeriodEnd:       ev.PeriodEnd,
		LastEventAt:            ev.OccurredAt,
	}
	if ev.Status == enums.SubscriptionStatusCanceled {
		canceledAt := ev.OccurredAt
		sub.CanceledAt = &canceledAt
	}
	inserted, err := repo.Create(ctx, sub)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create subscription")
	}
	if !inserted {
		return nil, nil
	}
	return sub, nil
}

// advance folds ev into sub in memory and describes the change.
func (t *Tracker) advance(sub *models.Subscription, ev StatusEvent) Transition {
	result := Transition{
		SubscriptionID:         sub.ID,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		UserID:                 sub.UserID,
		TierID:                 sub.TierID,
		PreviousStatus:         sub.Status,
		NewStatus:              sub.Status,
		PeriodStart:            sub.CurrentPeriodStart.UTC(),
	}
	if ev.OccurredAt.Before(sub.LastEventAt.UTC()) {
		result.Stale = true
		return result
	}

	if ev.PeriodStart.After(sub.CurrentPeriodStart.UTC()) {
		result.IsNewPeriod = true
		sub.CurrentPeriodStart = ev.PeriodStart
		sub.CurrentPeriodEnd = ev.PeriodEnd
	} else if ev.PeriodStart.Equal(sub.CurrentPeriodStart.UTC()) && ev.PeriodEnd.After(sub.CurrentPeriodEnd.UTC()) {
		sub.CurrentPeriodEnd = ev.PeriodEnd
	}

	sub.Status = ev.Status
	if ev.TierID != "" {
		sub.TierID = ev.TierID
	}
	sub.LastEventAt = ev.OccurredAt
	sub.UpdatedAt = t.now()
	switch {
	case ev.Status == enums.SubscriptionStatusCanceled && sub.CanceledAt == nil:
		canceledAt := ev.OccurredAt
		sub.CanceledAt = &canceledAt
	case ev.Status != enums.SubscriptionStatusCanceled:
		sub.CanceledAt = nil
	}

	result.NewStatus = sub.Status
	result.TierID = sub.TierID
	result.PeriodStart = sub.CurrentPeriodStart.UTC()
	return result
}

func (t *Tracker) emit(ctx context.Context, tx *gorm.DB, tr Transition) error {
	if t.outbox == nil || !tr.Changed() {
		return nil
	}
	err := t.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventSubscriptionStatusChanged,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   tr.SubscriptionID,
		Data: payloads.SubscriptionStatusChangedEvent{
			SubscriptionID:         tr.SubscriptionID,
			ProviderSubscriptionID: tr.ProviderSubscriptionID,
			UserID:                 tr.UserID,
			PreviousStatus:         tr.PreviousStatus,
			Status:                 tr.NewStatus,
			TierID:                 tr.TierID,
			PeriodStart:            tr.PeriodStart,
			NewPeriod:              tr.IsNewPeriod,
		},
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue subscription event")
	}
	return nil
}
