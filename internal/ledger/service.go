package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	"github.com/luciaai/searchdeep-sub000/pkg/enums"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
	"github.com/luciaai/searchdeep-sub000/pkg/outbox"
	"github.com/luciaai/searchdeep-sub000/pkg/outbox/payloads"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type ledgerMetrics interface {
	RecordAppend(source string, amount int)
	RecordRejection(source, code string)
	IncDriftRepair()
}

// StoreParams wires the ledger store.
type StoreParams struct {
	DB           *gorm.DB
	Repository   Repository
	Outbox       eventEmitter
	Metrics      ledgerMetrics
	Logger       *logger.Logger
	HistoryLimit int
}

// Store is the only writer of ledger entries and of the cached balance. Every
// append and its projection commit or roll back together.
type Store struct {
	db           *gorm.DB
	repo         Repository
	outbox       eventEmitter
	metrics      ledgerMetrics
	logg         *logger.Logger
	historyLimit int
}

// NewStore validates params and returns a Store.
func NewStore(params StoreParams) (*Store, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("ledger db required")
	}
	repo := params.Repository
	if repo == nil {
		repo = NewRepository(params.DB)
	}
	limit := params.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &Store{
		db:           params.DB,
		repo:         repo,
		outbox:       params.Outbox,
		metrics:      params.Metrics,
		logg:         params.Logger,
		historyLimit: limit,
	}, nil
}

// WithTx binds the store to an outer transaction. Appends then run in a
// savepoint of that transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	if tx == nil {
		return s
	}
	clone := *s
	clone.db = tx
	clone.repo = s.repo.WithTx(tx)
	return &clone
}

// AppendAndApply locks the user row, checks the non-negative guard, inserts
// the entry and moves the cached balance, all in one transaction. It returns
// the balance after the entry.
func (s *Store) AppendAndApply(ctx context.Context, entry *models.LedgerEntry) (int, error) {
	if err := validateEntry(entry); err != nil {
		return 0, err
	}

	var newBalance int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		user, err := repo.LockUser(ctx, entry.UserID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock user balance")
		}
		if user == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
		}

		next := user.Balance + entry.Amount
		if next < 0 {
			return insufficient(user.Balance, entry.Amount)
		}
		entry.BalanceAfter = next

		inserted, err := repo.InsertEntry(ctx, entry)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert ledger entry")
		}
		if !inserted {
			return pkgerrors.New(pkgerrors.CodeDuplicateEvent, "ledger entry already recorded").
				WithDetails(map[string]any{"externalEventKey": derefString(entry.ExternalEventKey)})
		}

		applied, err := repo.ApplyDelta(ctx, entry.UserID, entry.Amount)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply balance delta")
		}
		if !applied {
			return insufficient(user.Balance, entry.Amount)
		}

		if s.outbox != nil {
			if err := s.outbox.Emit(ctx, tx, entryAppendedEvent(entry)); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue ledger event")
			}
		}

		newBalance = next
		return nil
	})
	if err != nil {
		if typed := pkgerrors.As(err); typed != nil {
			if s.metrics != nil && typed.Code() != pkgerrors.CodeDependency {
				s.metrics.RecordRejection(string(entry.Source), string(typed.Code()))
			}
			return 0, err
		}
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "ledger transaction failed")
	}

	if s.metrics != nil {
		s.metrics.RecordAppend(string(entry.Source), entry.Amount)
	}
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"user_id":       entry.UserID.String(),
			"entry_id":      entry.ID.String(),
			"source":        entry.Source,
			"amount":        entry.Amount,
			"balance_after": newBalance,
		})
		s.logg.Info(logCtx, "ledger.entry_appended")
	}
	return newBalance, nil
}

// Balance returns the cached projection for a user.
func (s *Store) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	if userID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	user, err := s.repo.FindUser(ctx, userID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load balance")
	}
	if user == nil {
		return 0, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}
	return user.Balance, nil
}

// History lists a user's entries newest first.
func (s *Store) History(ctx context.Context, userID uuid.UUID, query HistoryQuery) ([]models.LedgerEntry, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if query.Source != nil && !query.Source.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid ledger source %q", *query.Source))
	}
	switch {
	case query.Limit <= 0:
		query.Limit = s.historyLimit
	case query.Limit > maxHistoryLimit:
		query.Limit = maxHistoryLimit
	}

	user, err := s.repo.FindUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user")
	}
	if user == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}

	entries, err := s.repo.ListEntries(ctx, userID, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list ledger entries")
	}
	return entries, nil
}

// FindDrift lists users whose cached balance no longer equals their ledger sum.
func (s *Store) FindDrift(ctx context.Context, limit int) ([]Drift, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := s.repo.ListDrift(ctx, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "scan balance drift")
	}
	return rows, nil
}

// Reproject rebuilds the cached balance from the ledger under the user row lock.
func (s *Store) Reproject(ctx context.Context, userID uuid.UUID) (int, error) {
	var balance int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		user, err := repo.LockUser(ctx, userID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock user balance")
		}
		if user == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
		}
		sum, err := repo.SumEntries(ctx, userID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum ledger entries")
		}
		if sum < 0 {
			return pkgerrors.New(pkgerrors.CodeInternal, "ledger sum is negative").
				WithDetails(map[string]any{"userId": userID.String(), "sum": sum})
		}
		balance = sum
		if sum == user.Balance {
			return nil
		}
		if err := repo.SetBalance(ctx, userID, sum); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store reprojected balance")
		}
		if s.metrics != nil {
			s.metrics.IncDriftRepair()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func validateEntry(entry *models.LedgerEntry) error {
	if entry == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "ledger entry is required")
	}
	if entry.UserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if entry.Amount == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must be non-zero")
	}
	entry.Reason = strings.TrimSpace(entry.Reason)
	if entry.Reason == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "reason is required")
	}
	if !entry.Source.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid ledger source %q", entry.Source))
	}
	if entry.Source.IsDebit() && entry.Amount > 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("%s entries must be negative", entry.Source))
	}
	if !entry.Source.IsDebit() && entry.Amount < 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("%s entries must be positive", entry.Source))
	}
	if entry.Source == enums.LedgerSourceSubscriptionRenewal && (entry.SubscriptionID == nil || entry.PeriodStart == nil) {
		return pkgerrors.New(pkgerrors.CodeValidation, "renewal entries require subscription and period start")
	}
	if entry.ExternalEventKey != nil && strings.TrimSpace(*entry.ExternalEventKey) == "" {
		entry.ExternalEventKey = nil
	}
	if entry.PeriodStart != nil {
		normalized := entry.PeriodStart.UTC()
		entry.PeriodStart = &normalized
	}
	return nil
}

func insufficient(balance, amount int) error {
	return pkgerrors.New(pkgerrors.CodeInsufficientCredits,
		fmt.Sprintf("balance %d cannot cover %d credits", balance, -amount)).
		WithDetails(map[string]any{"balance": balance, "requested": -amount})
}

func entryAppendedEvent(entry *models.LedgerEntry) outbox.DomainEvent {
	var actor *outbox.ActorRef
	if entry.ActorID != nil {
		actor = &outbox.ActorRef{UserID: *entry.ActorID, Role: string(enums.ActorRoleAdmin)}
	}
	return outbox.DomainEvent{
		EventType:     enums.EventCreditEntryAppended,
		AggregateType: enums.AggregateLedgerEntry,
		AggregateID:   entry.ID,
		Actor:         actor,
		Version:       1,
		Data: payloads.CreditEntryAppendedEvent{
			EntryID:          entry.ID,
			UserID:           entry.UserID,
			Amount:           entry.Amount,
			BalanceAfter:     entry.BalanceAfter,
			Source:           entry.Source,
			Reason:           entry.Reason,
			ExternalEventKey: entry.ExternalEventKey,
			SubscriptionID:   entry.SubscriptionID,
		},
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// IsDuplicate reports whether err signals an entry or event that was already applied.
func IsDuplicate(err error) bool {
	return pkgerrors.Is(err, pkgerrors.CodeDuplicateEvent)
}
