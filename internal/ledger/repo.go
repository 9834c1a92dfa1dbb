package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	"github.com/luciaai/searchdeep-sub000/pkg/enums"
)

// Repository manages persistence for ledger entries and the balance projection.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindUser(ctx context.Context, userID uuid.UUID) (*models.User, error)
	LockUser(ctx context.Context, userID uuid.UUID) (*models.User, error)
	InsertEntry(ctx context.Context, entry *models.LedgerEntry) (bool, error)
	ApplyDelta(ctx context.Context, userID uuid.UUID, delta int) (bool, error)
	SetBalance(ctx context.Context, userID uuid.UUID, balance int) error
	SumEntries(ctx context.Context, userID uuid.UUID) (int, error)
	ListEntries(ctx context.Context, userID uuid.UUID, query HistoryQuery) ([]models.LedgerEntry, error)
	ListDrift(ctx context.Context, limit int) ([]Drift, error)
}

// HistoryQuery pages through a user's ledger, newest first.
type HistoryQuery struct {
	Limit  int
	Before *time.Time
	Source *enums.LedgerSource
}

// Drift describes a user whose cached balance disagrees with the ledger sum.
type Drift struct {
	UserID    uuid.UUID `gorm:"column:user_id"`
	Cached    int       `gorm:"column:cached"`
	LedgerSum int       `gorm:"column:ledger_sum"`
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// LockUser reads the user row with SELECT ... FOR UPDATE. Must run inside a transaction.
func (r *repository) LockUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", userID).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// InsertEntry appends the entry unless a unique key already holds it. It
// reports false on conflict without aborting the surrounding transaction.
func (r *repository) InsertEntry(ctx context.Context, entry *models.LedgerEntry) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ApplyDelta moves the cached balance, refusing to cross zero.
func (r *repository) ApplyDelta(ctx context.Context, userID uuid.UUID, delta int) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ? AND balance + ? >= 0", userID, delta).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", delta),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) SetBalance(ctx context.Context, userID uuid.UUID, balance int) error {
	return r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"balance":    balance,
			"updated_at": time.Now().UTC(),
		}).Error
}

func (r *repository) SumEntries(ctx context.Context, userID uuid.UUID) (int, error) {
	var sum int
	err := r.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ?", userID).
		Scan(&sum).Error
	return sum, err
}

func (r *repository) ListEntries(ctx context.Context, userID uuid.UUID, query HistoryQuery) ([]models.LedgerEntry, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if query.Before != nil {
		q = q.Where("created_at < ?", query.Before.UTC())
	}
	if query.Source != nil {
		q = q.Where("source = ?", *query.Source)
	}
	var entries []models.LedgerEntry
	if err := q.
		Order("created_at DESC").
		Order("id DESC").
		Limit(query.Limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repository) ListDrift(ctx context.Context, limit int) ([]Drift, error) {
	var rows []Drift
	err := r.db.WithContext(ctx).Raw(`
		SELECT u.id AS user_id, u.balance AS cached, COALESCE(SUM(e.amount), 0) AS ledger_sum
		FROM users u
		LEFT JOIN ledger_entries e ON e.user_id = u.id
		GROUP BY u.id, u.balance
		HAVING u.balance <> COALESCE(SUM(e.amount), 0)
		ORDER BY u.id
		LIMIT ?`, limit).Scan(&rows).Error
	return rows, err
}
