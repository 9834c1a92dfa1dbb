package subscriptions

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
)

// Repository persists the local mirror of provider subscriptions.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	LockByProviderID(ctx context.Context, providerSubscriptionID string) (*models.Subscription, error)
	Create(ctx context.Context, sub *models.Subscription) (bool, error)
	Save(ctx context.Context, sub *models.Subscription) error
	FindUserIDByCustomer(ctx context.Context, customerID string) (uuid.UUID, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Subscription, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// LockByProviderID reads the row with SELECT ... FOR UPDATE; nil when absent.
func (r *repository) LockByProviderID(ctx context.Context, providerSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("provider_subscription_id = ?", providerSubscriptionID).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Create inserts sub unless another writer created the same provider id first.
func (r *repository) Create(ctx context.Context, sub *models.Subscription) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(sub)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) Save(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{
			"status":               sub.Status,
			"tier_id":              sub.TierID,
			"current_period_start": sub.CurrentPeriodStart,
			"current_period_end":   sub.CurrentPeriodEnd,
			"last_event_at":        sub.LastEventAt,
			"canceled_at":          sub.CanceledAt,
			"updated_at":           sub.UpdatedAt,
		}).Error
}

// FindUserIDByCustomer resolves the user linked to a provider customer id.
func (r *repository) FindUserIDByCustomer(ctx context.Context, customerID string) (uuid.UUID, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return uuid.Nil, nil
	}
	var user models.User
	err := r.db.WithContext(ctx).
		Select("id").
		Where("payment_customer_id = ?", customerID).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	return user.ID, nil
}

func (r *repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&subs).Error
	return subs, err
}
