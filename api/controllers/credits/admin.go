package credits

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/luciaai/searchdeep-sub000/api/responses"
	"github.com/luciaai/searchdeep-sub000/api/validators"
	"github.com/luciaai/searchdeep-sub000/internal/adjustments"
	"github.com/luciaai/searchdeep-sub000/internal/reconciliation"
	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
)

// Adjuster applies admin credit adjustments.
type Adjuster interface {
	Adjust(ctx context.Context, req reconciliation.AdjustRequest) (*reconciliation.Outcome, error)
}

// AdminRoles grants and revokes the admin role.
type AdminRoles interface {
	Grant(ctx context.Context, userID uuid.UUID, grantedBy *uuid.UUID) (bool, error)
	Revoke(ctx context.Context, userID uuid.UUID) error
}

type adjustRequest struct {
	Amount     int        `json:"amount" validate:"required,min=-100000,max=100000"`
	Reason     string     `json:"reason" validate:"required,max=500"`
	FeedbackID *uuid.UUID `json:"feedbackId"`
}

type adjustResponse struct {
	NewBalance       int                 `json:"newBalance"`
	Duplicate        bool                `json:"duplicate"`
	FeedbackRewarded bool                `json:"feedbackRewarded"`
	Entry            *models.LedgerEntry `json:"entry,omitempty"`
}

type grantAdminRequest struct {
	UserID uuid.UUID `json:"userId" validate:"required"`
}

type grantAdminResponse struct {
	UserID  uuid.UUID `json:"userId"`
	Granted bool      `json:"granted"`
}

// AdminAdjust grants or removes credits for the user in the path.
func AdminAdjust(adjuster Adjuster, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if adjuster == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "credits service unavailable"))
			return
		}

		actorID, err := callerID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		targetID, err := validators.ParsePathUUID(r, "userId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var body adjustRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		outcome, err := adjuster.Adjust(ctx, reconciliation.AdjustRequest{
			Input: adjustments.Input{
				ActorID:      actorID,
				TargetUserID: targetID,
				Amount:       body.Amount,
				Reason:       validators.SanitizeString(body.Reason, 500),
				FeedbackID:   body.FeedbackID,
			},
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, adjustResponse{
			NewBalance:       derefBalance(outcome),
			Duplicate:        outcome.Duplicate,
			FeedbackRewarded: outcome.FeedbackRewarded,
			Entry:            outcome.Entry,
		})
	}
}

// AdminUserCredits returns a user's balance and recent history.
func AdminUserCredits(reader Reader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if reader == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "credits service unavailable"))
			return
		}
		targetID, err := validators.ParsePathUUID(r, "userId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		resp, err := loadHistory(ctx, r, reader, targetID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, resp)
	}
}

// AdminGrantRole makes an existing user an admin.
func AdminGrantRole(roles AdminRoles, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if roles == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "admin service unavailable"))
			return
		}
		actorID, err := callerID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var body grantAdminRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		granted, err := roles.Grant(ctx, body.UserID, &actorID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			logCtx := logg.WithFields(ctx, map[string]any{"target_user_id": body.UserID.String(), "granted": granted})
			logg.Info(logCtx, "admin.role_granted")
		}
		status := http.StatusOK
		if granted {
			status = http.StatusCreated
		}
		responses.WriteSuccessStatus(w, status, grantAdminResponse{UserID: body.UserID, Granted: granted})
	}
}

// AdminRevokeRole removes the admin role from the user in the path.
func AdminRevokeRole(roles AdminRoles, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if roles == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "admin service unavailable"))
			return
		}
		targetID, err := validators.ParsePathUUID(r, "userId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if err := roles.Revoke(ctx, targetID); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			logg.Info(logg.WithField(ctx, "target_user_id", targetID.String()), "admin.role_revoked")
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
