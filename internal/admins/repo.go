// Package admins manages the admin role table consulted on every privileged
// request.
package admins

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// IsAdmin reports whether userID holds the admin role.
func (r *Repository) IsAdmin(ctx context.Context, userID uuid.UUID) (bool, error) {
	if userID == uuid.Nil {
		return false, nil
	}
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Admin{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup admin role")
	}
	return count > 0, nil
}

// Grant makes userID an admin. Granting twice is a no-op that reports false.
func (r *Repository) Grant(ctx context.Context, userID uuid.UUID, grantedBy *uuid.UUID) (bool, error) {
	if userID == uuid.Nil {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	var exists int64
	if err := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Count(&exists).Error; err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup user")
	}
	if exists == 0 {
		return false, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Admin{UserID: userID, GrantedBy: grantedBy})
	if res.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "grant admin role")
	}
	return res.RowsAffected == 1, nil
}

// Revoke removes the admin role. Revoking the last admin is refused so the
// console cannot lock itself out.
func (r *Repository) Revoke(ctx context.Context, userID uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var admins []models.Admin
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Find(&admins).Error; err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock admin roles")
		}
		found := false
		for _, admin := range admins {
			if admin.UserID == userID {
				found = true
				break
			}
		}
		if !found {
			return pkgerrors.New(pkgerrors.CodeNotFound, "admin not found")
		}
		if len(admins) == 1 {
			return pkgerrors.New(pkgerrors.CodeConflict, "cannot revoke the last admin")
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.Admin{}).Error; err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "revoke admin role")
		}
		return nil
	})
}

// List returns every admin, oldest grant first.
func (r *Repository) List(ctx context.Context) ([]models.Admin, error) {
	var admins []models.Admin
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&admins).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list admins")
	}
	return admins, nil
}
