// Package adjustments applies manual credit grants and removals made from the
// admin console.
package adjustments

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/luciaai/searchdeep-sub000/internal/ledger"
	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	"github.com/luciaai/searchdeep-sub000/pkg/enums"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
)

// MaxAmount bounds a single adjustment in either direction.
const MaxAmount = 100000

const stepFeedbackReward = "feedback_reward"

type feedbackRewarder interface {
	Find(ctx context.Context, feedbackID uuid.UUID) (*models.Feedback, error)
	MarkRewarded(ctx context.Context, feedbackID, actorID uuid.UUID) error
}

type bestEffortMetrics interface {
	IncBestEffortFailure(step string)
}

type Input struct {
	ActorID      uuid.UUID
	TargetUserID uuid.UUID
	Amount       int
	Reason       string
	FeedbackID   *uuid.UUID
	// EventKey, when set, makes the ledger entry unique.
	EventKey string
}

type Result struct {
	Entry            *models.LedgerEntry
	NewBalance       int
	FeedbackRewarded bool
}

type GatewayParams struct {
	Ledger   *ledger.Store
	Feedback feedbackRewarder
	Metrics  bestEffortMetrics
	Logger   *logger.Logger
}

type Gateway struct {
	ledger   *ledger.Store
	feedback feedbackRewarder
	metrics  bestEffortMetrics
	logg     *logger.Logger
}

func NewGateway(params GatewayParams) (*Gateway, error) {
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger store required")
	}
	return &Gateway{
		ledger:   params.Ledger,
		feedback: params.Feedback,
		metrics:  params.Metrics,
		logg:     params.Logger,
	}, nil
}

func (g *Gateway) WithTx(tx *gorm.DB) *Gateway {
	if tx == nil {
		return g
	}
	clone := *g
	clone.ledger = g.ledger.WithTx(tx)
	return &clone
}

// Adjust applies the adjustment and then rewards the linked feedback.
func (g *Gateway) Adjust(ctx context.Context, in Input) (*Result, error) {
	result, err := g.Apply(ctx, in)
	if err != nil {
		return nil, err
	}
	g.RewardFeedback(ctx, in, result)
	return result, nil
}

// Apply writes exactly one admin_grant or admin_removal entry carrying the
// acting admin. Removals are held to the same non-negative guard as
// consumption.
func (g *Gateway) Apply(ctx context.Context, in Input) (*Result, error) {
	entry, err := buildEntry(in)
	if err != nil {
		return nil, err
	}
	balance, err := g.ledger.AppendAndApply(ctx, entry)
	if err != nil {
		return nil, err
	}
	if g.logg != nil {
		logCtx := g.logg.WithActorID(ctx, in.ActorID.String())
		logCtx = g.logg.WithFields(logCtx, map[string]any{
			"target_user_id": in.TargetUserID.String(),
			"amount":         in.Amount,
			"new_balance":    balance,
		})
		g.logg.Info(logCtx, "admin.credits_adjusted")
	}
	return &Result{Entry: entry, NewBalance: balance}, nil
}

// RewardFeedback flips the feedback reward flag after the adjustment has
// committed. Failures are logged and counted, never returned: the credit
// change stands on its own.
func (g *Gateway) RewardFeedback(ctx context.Context, in Input, result *Result) {
	if in.FeedbackID == nil || *in.FeedbackID == uuid.Nil || result == nil || g.feedback == nil {
		return
	}
	err := g.rewardFeedback(ctx, in)
	if err == nil {
		result.FeedbackRewarded = true
		return
	}
	if g.metrics != nil {
		g.metrics.IncBestEffortFailure(stepFeedbackReward)
	}
	if g.logg != nil {
		logCtx := g.logg.WithFields(ctx, map[string]any{
			"feedback_id":    in.FeedbackID.String(),
			"target_user_id": in.TargetUserID.String(),
			"step":           stepFeedbackReward,
		})
		g.logg.Error(logCtx, "admin.feedback_reward_failed", err)
	}
}

func (g *Gateway) rewardFeedback(ctx context.Context, in Input) error {
	fb, err := g.feedback.Find(ctx, *in.FeedbackID)
	if err != nil {
		return err
	}
	if fb == nil {
		return pkgerrors.New(pkgerrors.CodeNotFound, "feedback not found")
	}
	if fb.UserID != in.TargetUserID {
		return pkgerrors.New(pkgerrors.CodeValidation, "feedback belongs to another user")
	}
	return g.feedback.MarkRewarded(ctx, fb.ID, in.ActorID)
}

func buildEntry(in Input) (*models.LedgerEntry, error) {
	if in.ActorID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "actor id is required")
	}
	if in.TargetUserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "target user id is required")
	}
	if in.Amount == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be non-zero")
	}
	if in.Amount > MaxAmount || in.Amount < -MaxAmount {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("amount must be between -%d and %d", MaxAmount, MaxAmount))
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "reason is required")
	}

	source := enums.LedgerSourceAdminGrant
	if in.Amount < 0 {
		source = enums.LedgerSourceAdminRemoval
	}
	actorID := in.ActorID
	entry := &models.LedgerEntry{
		UserID:  in.TargetUserID,
		Amount:  in.Amount,
		Reason:  reason,
		Source:  source,
		ActorID: &actorID,
	}
	if key := strings.TrimSpace(in.EventKey); key != "" {
		entry.ExternalEventKey = &key
	}
	if in.FeedbackID != nil && *in.FeedbackID != uuid.Nil {
		metadata, err := json.Marshal(map[string]string{"feedbackId": in.FeedbackID.String()})
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode adjustment metadata")
		}
		entry.Metadata = metadata
	}
	return entry, nil
}
