package users

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/luciaai/searchdeep-sub000/internal/admins"
	"github.com/luciaai/searchdeep-sub000/internal/ledger"
	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	"github.com/luciaai/searchdeep-sub000/pkg/enums"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
)

// ProvisionInput identifies an authenticated caller.
type ProvisionInput struct {
	UserID uuid.UUID
	Email  string
}

type ServiceParams struct {
	DB          *gorm.DB
	Repository  *Repository
	Ledger      *ledger.Store
	Admins      *admins.Repository
	Logger      *logger.Logger
	SignupGrant int
	// BootstrapAdmins are emails promoted to admin when first provisioned.
	BootstrapAdmins []string
}

// Service creates users on first authentication and applies the one-time
// signup grant.
type Service struct {
	db              *gorm.DB
	repo            *Repository
	ledger          *ledger.Store
	admins          *admins.Repository
	logg            *logger.Logger
	signupGrant     int
	bootstrapAdmins map[string]struct{}
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("users db required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger store required")
	}
	if params.SignupGrant < 0 {
		return nil, fmt.Errorf("signup grant must not be negative")
	}
	repo := params.Repository
	if repo == nil {
		repo = NewRepository(params.DB)
	}
	adminRepo := params.Admins
	if adminRepo == nil {
		adminRepo = admins.NewRepository(params.DB)
	}
	bootstrap := make(map[string]struct{}, len(params.BootstrapAdmins))
	for _, email := range params.BootstrapAdmins {
		if normalized := normalizeEmail(email); normalized != "" {
			bootstrap[normalized] = struct{}{}
		}
	}
	return &Service{
		db:              params.DB,
		repo:            repo,
		ledger:          params.Ledger,
		admins:          adminRepo,
		logg:            params.Logger,
		signupGrant:     params.SignupGrant,
		bootstrapAdmins: bootstrap,
	}, nil
}

// Provision returns the caller's user, creating it and its signup grant in a
// single transaction on first sight. Later calls never touch the balance.
func (s *Service) Provision(ctx context.Context, input ProvisionInput) (*models.User, error) {
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	email := normalizeEmail(input.Email)

	existing, err := s.repo.FindByID(ctx, input.UserID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user")
	}
	if existing != nil {
		return existing, nil
	}
	if email == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "email is required to provision a user")
	}

	var user *models.User
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		candidate := &models.User{ID: input.UserID, Email: email}
		created, err := repo.CreateIfAbsent(ctx, candidate)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create user")
		}
		if !created {
			// A concurrent login won, or the email belongs to another id.
			found, err := repo.FindByID(ctx, input.UserID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user")
			}
			if found == nil {
				return pkgerrors.New(pkgerrors.CodeConflict, "email already registered to another user")
			}
			user = found
			return nil
		}

		if s.signupGrant > 0 {
			key := SignupKey(candidate.ID)
			balance, err := s.ledger.WithTx(tx).AppendAndApply(ctx, &models.LedgerEntry{
				UserID:           candidate.ID,
				Amount:           s.signupGrant,
				Reason:           "signup grant",
				Source:           enums.LedgerSourceSignup,
				ExternalEventKey: &key,
			})
			if err != nil && !ledger.IsDuplicate(err) {
				return err
			}
			if err == nil {
				candidate.Balance = balance
			}
		}

		if _, ok := s.bootstrapAdmins[email]; ok {
			if _, err := s.admins.WithTx(tx).Grant(ctx, candidate.ID, nil); err != nil {
				return err
			}
		}
		user = candidate
		return nil
	})
	if err != nil {
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "provision user")
	}

	if s.logg != nil {
		logCtx := s.logg.WithUserID(ctx, user.ID.String())
		logCtx = s.logg.WithField(logCtx, "balance", user.Balance)
		s.logg.Info(logCtx, "user.provisioned")
	}
	return user, nil
}

// LinkPaymentCustomer records the provider customer id for userID.
func (s *Service) LinkPaymentCustomer(ctx context.Context, userID uuid.UUID, customerID string) error {
	customerID = strings.TrimSpace(customerID)
	if userID == uuid.Nil || customerID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id and customer id are required")
	}
	updated, err := s.repo.SetPaymentCustomerID(ctx, userID, customerID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "link payment customer")
	}
	if !updated {
		return pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}
	return nil
}

// WithTx binds the service to an outer transaction.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	clone := *s
	clone.db = tx
	clone.repo = s.repo.WithTx(tx)
	clone.ledger = s.ledger.WithTx(tx)
	clone.admins = s.admins.WithTx(tx)
	return &clone
}

// SignupKey is the ledger key that keeps the signup grant unique per user.
func SignupKey(userID uuid.UUID) string {
	return "signup:" + userID.String()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
