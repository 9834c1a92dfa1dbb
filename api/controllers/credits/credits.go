package credits

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/luciaai/searchdeep-sub000/api/middleware"
	"github.com/luciaai/searchdeep-sub000/api/responses"
	"github.com/luciaai/searchdeep-sub000/api/validators"
	"github.com/luciaai/searchdeep-sub000/internal/consumption"
	"github.com/luciaai/searchdeep-sub000/internal/reconciliation"
	"github.com/luciaai/searchdeep-sub000/internal/users"
	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	"github.com/luciaai/searchdeep-sub000/pkg/enums"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
)

const maxHistoryLimit = 500

// Reader serves balances and ledger history.
type Reader interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (int, error)
	GetLedgerHistory(ctx context.Context, userID uuid.UUID, query reconciliation.HistoryQuery) ([]models.LedgerEntry, error)
}

// Consumer debits credits for billable actions.
type Consumer interface {
	Consume(ctx context.Context, req reconciliation.ConsumeRequest) (*reconciliation.Outcome, error)
}

// Provisioner creates the caller on first sight.
type Provisioner interface {
	Provision(ctx context.Context, input users.ProvisionInput) (*models.User, error)
}

type balanceResponse struct {
	Balance int `json:"balance"`
}

type historyResponse struct {
	Balance int                  `json:"balance"`
	Entries []models.LedgerEntry `json:"entries"`
}

type consumeRequest struct {
	UnitCost int    `json:"unitCost" validate:"required,min=1,max=1000"`
	Activity string `json:"activity" validate:"required,max=200"`
}

type consumeResponse struct {
	NewBalance int                 `json:"newBalance"`
	Duplicate  bool                `json:"duplicate"`
	Entry      *models.LedgerEntry `json:"entry,omitempty"`
}

// Balance returns the authenticated user's balance. ProvisionCaller has
// already created the user.
func Balance(reader Reader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if reader == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "credits service unavailable"))
			return
		}

		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		balance, err := reader.GetBalance(ctx, userID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, balanceResponse{Balance: balance})
	}
}

// History pages through the authenticated user's ledger, newest first.
func History(reader Reader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if reader == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "credits service unavailable"))
			return
		}

		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		resp, err := loadHistory(ctx, r, reader, userID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, resp)
	}
}

// Consume debits unitCost credits from the caller. The caller may run the
// billable action only after a 200.
func Consume(consumer Consumer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if consumer == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "credits service unavailable"))
			return
		}

		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var body consumeRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		outcome, err := consumer.Consume(ctx, reconciliation.ConsumeRequest{
			Input: consumption.Input{
				UserID:   userID,
				UnitCost: body.UnitCost,
				Activity: validators.SanitizeString(body.Activity, 200),
			},
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, consumeResponse{
			NewBalance: derefBalance(outcome),
			Duplicate:  outcome.Duplicate,
			Entry:      outcome.Entry,
		})
	}
}

func loadHistory(ctx context.Context, r *http.Request, reader Reader, userID uuid.UUID) (*historyResponse, error) {
	limit, err := validators.ParseQueryInt(r, "limit", 0, 1, maxHistoryLimit)
	if err != nil {
		return nil, err
	}
	before, err := validators.ParseQueryTime(r, "before")
	if err != nil {
		return nil, err
	}
	query := reconciliation.HistoryQuery{Limit: limit, Before: before}
	if raw := strings.TrimSpace(r.URL.Query().Get("source")); raw != "" {
		source, err := enums.ParseLedgerSource(raw)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid source filter")
		}
		query.Source = &source
	}

	entries, err := reader.GetLedgerHistory(ctx, userID, query)
	if err != nil {
		return nil, err
	}
	balance, err := reader.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	return &historyResponse{Balance: balance, Entries: entries}, nil
}

func callerID(r *http.Request) (uuid.UUID, error) {
	raw := middleware.UserIDFromContext(r.Context())
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing user")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid user id")
	}
	return id, nil
}

func derefBalance(outcome *reconciliation.Outcome) int {
	if outcome == nil || outcome.NewBalance == nil {
		return 0
	}
	return *outcome.NewBalance
}
