// Package reconciliation is the single entry point for every credit-affecting
// event: provider webhooks, admin adjustments and consumption.
package reconciliation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/luciaai/searchdeep-sub000/internal/adjustments"
	"github.com/luciaai/searchdeep-sub000/internal/consumption"
	"github.com/luciaai/searchdeep-sub000/internal/grants"
	"github.com/luciaai/searchdeep-sub000/internal/idempotency"
	"github.com/luciaai/searchdeep-sub000/internal/ledger"
	"github.com/luciaai/searchdeep-sub000/internal/subscriptions"
	"github.com/luciaai/searchdeep-sub000/internal/users"
	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
)

const (
	originWebhook     = "webhook"
	originAdmin       = "admin"
	originConsumption = "consumption"

	defaultTimeout = 5 * time.Second
)

// Verifier authenticates a raw provider payload and decodes it.
type Verifier interface {
	Verify(ctx context.Context, payload []byte, signature string) (*ProviderEvent, error)
}

type outcomeMetrics interface {
	RecordOutcome(origin, state string)
}

type CoordinatorParams struct {
	DB          *gorm.DB
	Guard       *idempotency.Guard
	Ledger      *ledger.Store
	Tracker     *subscriptions.Tracker
	Policy      *grants.Policy
	Adjustments *adjustments.Gateway
	Consumption *consumption.Gateway
	Users       *users.Service
	Verifier    Verifier
	Metrics     outcomeMetrics
	Logger      *logger.Logger
	// Timeout bounds each operation end to end.
	Timeout time.Duration
}

type Coordinator struct {
	db          *gorm.DB
	guard       *idempotency.Guard
	ledger      *ledger.Store
	tracker     *subscriptions.Tracker
	policy      *grants.Policy
	adjustments *adjustments.Gateway
	consumption *consumption.Gateway
	users       *users.Service
	verifier    Verifier
	metrics     outcomeMetrics
	logg        *logger.Logger
	timeout     time.Duration
}

func NewCoordinator(params CoordinatorParams) (*Coordinator, error) {
	switch {
	case params.DB == nil:
		return nil, fmt.Errorf("db required")
	case params.Guard == nil:
		return nil, fmt.Errorf("idempotency guard required")
	case params.Ledger == nil:
		return nil, fmt.Errorf("ledger store required")
	case params.Tracker == nil:
		return nil, fmt.Errorf("subscription tracker required")
	case params.Policy == nil:
		return nil, fmt.Errorf("grant policy required")
	case params.Adjustments == nil:
		return nil, fmt.Errorf("adjustment gateway required")
	case params.Consumption == nil:
		return nil, fmt.Errorf("consumption gateway required")
	case params.Users == nil:
		return nil, fmt.Errorf("users service required")
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Coordinator{
		db:          params.DB,
		guard:       params.Guard,
		ledger:      params.Ledger,
		tracker:     params.Tracker,
		policy:      params.Policy,
		adjustments: params.Adjustments,
		consumption: params.Consumption,
		users:       params.Users,
		verifier:    params.Verifier,
		metrics:     params.Metrics,
		logg:        params.Logger,
		timeout:     timeout,
	}, nil
}

// bounded detaches ctx from caller cancellation so a dropped connection cannot
// abort a commit, and caps the whole operation at the store timeout.
func (c *Coordinator) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
}

// HandleWebhook verifies, deduplicates and applies one provider delivery.
// A nil error means the provider may stop retrying.
func (c *Coordinator) HandleWebhook(ctx context.Context, payload []byte, signature string) (*Outcome, error) {
	outcome := &Outcome{}
	outcome.advance(StateReceived)

	if c.verifier == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "webhook verifier not configured")
	}
	opCtx, cancel := c.bounded(ctx)
	defer cancel()

	ev, err := c.verifier.Verify(opCtx, payload, signature)
	if err != nil {
		c.finish(ctx, originWebhook, outcome, err)
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid webhook signature")
	}
	outcome.advance(StateVerified)
	key := idempotency.EventKey{SourceID: ev.ID, EventType: ev.Type}
	outcome.EventKey = key.String()

	if c.logg != nil {
		ctx = c.logg.WithEventKey(ctx, ev.Type, ev.ID)
	}

	err = c.db.WithContext(opCtx).Transaction(func(tx *gorm.DB) error {
		admitted, err := c.guard.WithTx(tx).Admit(opCtx, key)
		if err != nil {
			return err
		}
		outcome.advance(StateDedupChecked)
		if !admitted {
			outcome.advance(StateRejectedDuplicate)
			outcome.Duplicate = true
			return nil
		}
		outcome.advance(StateAdmitted)
		return c.applyProviderEvent(opCtx, tx, ev, outcome)
	})
	if err != nil {
		err = asDependency(err, "reconcile webhook")
		c.finish(ctx, originWebhook, outcome, err)
		return nil, err
	}
	c.complete(outcome)
	c.finish(ctx, originWebhook, outcome, nil)
	return outcome, nil
}

func (c *Coordinator) applyProviderEvent(ctx context.Context, tx *gorm.DB, ev *ProviderEvent, outcome *Outcome) error {
	switch ev.Kind {
	case KindSubscriptionStatus:
		if ev.Subscription == nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "subscription payload missing")
		}
		statusEvent := *ev.Subscription
		if statusEvent.OccurredAt.IsZero() {
			statusEvent.OccurredAt = ev.OccurredAt
		}
		tr, err := c.tracker.WithTx(tx).ApplyStatusEvent(ctx, statusEvent)
		if err != nil {
			return err
		}
		outcome.Transition = &tr

		entry, err := c.policy.Evaluate(tr, statusEvent.TierID)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		balance, err := c.ledger.WithTx(tx).AppendAndApply(ctx, entry)
		if ledger.IsDuplicate(err) {
			// Another delivery for the same period already granted.
			return nil
		}
		if err != nil {
			return err
		}
		outcome.Entry = entry
		outcome.NewBalance = &balance
		return nil

	case KindCheckoutCompleted:
		if ev.Checkout == nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "checkout payload missing")
		}
		err := c.users.WithTx(tx).LinkPaymentCustomer(ctx, ev.Checkout.UserID, ev.Checkout.CustomerID)
		if pkgerrors.Is(err, pkgerrors.CodeNotFound) {
			// A checkout for an unknown user will never succeed on retry.
			if c.logg != nil {
				c.logg.Warn(c.logg.WithUserID(ctx, ev.Checkout.UserID.String()), "reconcile.checkout_user_missing")
			}
			return nil
		}
		return err

	default:
		return nil
	}
}

// AdjustRequest is an admin adjustment with an optional client idempotency key.
type AdjustRequest struct {
	adjustments.Input
	IdempotencyKey string
}

// Adjust applies an admin adjustment. With an idempotency key, a repeat
// request is acknowledged without side effects.
func (c *Coordinator) Adjust(ctx context.Context, req AdjustRequest) (*Outcome, error) {
	outcome := &Outcome{}
	outcome.advance(StateReceived)
	outcome.advance(StateVerified)

	opCtx, cancel := c.bounded(ctx)
	defer cancel()

	in := req.Input
	var key *idempotency.EventKey
	if k := strings.TrimSpace(req.IdempotencyKey); k != "" {
		key = &idempotency.EventKey{SourceID: in.ActorID.String() + ":" + k, EventType: EventTypeAdminAdjustment}
		outcome.EventKey = key.String()
		in.EventKey = "admin:" + key.SourceID
	}

	var result *adjustments.Result
	err := c.db.WithContext(opCtx).Transaction(func(tx *gorm.DB) error {
		fresh, err := c.admit(opCtx, tx, key, outcome)
		if err != nil || !fresh {
			return err
		}
		result, err = c.adjustments.WithTx(tx).Apply(opCtx, in)
		return err
	})
	if err != nil {
		err = asDependency(err, "apply admin adjustment")
		c.finish(ctx, originAdmin, outcome, err)
		return nil, err
	}

	if result != nil {
		c.adjustments.RewardFeedback(opCtx, in, result)
		outcome.Entry = result.Entry
		outcome.NewBalance = &result.NewBalance
		outcome.FeedbackRewarded = result.FeedbackRewarded
	} else if err := c.fillCurrentBalance(opCtx, in.TargetUserID, outcome); err != nil {
		return nil, err
	}
	c.complete(outcome)
	c.finish(ctx, originAdmin, outcome, nil)
	return outcome, nil
}

// ConsumeRequest is a consumption call with an optional client idempotency key.
type ConsumeRequest struct {
	consumption.Input
	IdempotencyKey string
}

// Consume debits credits ahead of a billable action.
func (c *Coordinator) Consume(ctx context.Context, req ConsumeRequest) (*Outcome, error) {
	outcome := &Outcome{}
	outcome.advance(StateReceived)
	outcome.advance(StateVerified)

	opCtx, cancel := c.bounded(ctx)
	defer cancel()

	in := req.Input
	var key *idempotency.EventKey
	if k := strings.TrimSpace(req.IdempotencyKey); k != "" {
		key = &idempotency.EventKey{SourceID: in.UserID.String() + ":" + k, EventType: EventTypeConsumption}
		outcome.EventKey = key.String()
		in.EventKey = "consume:" + key.SourceID
	}

	var result *consumption.Result
	err := c.db.WithContext(opCtx).Transaction(func(tx *gorm.DB) error {
		fresh, err := c.admit(opCtx, tx, key, outcome)
		if err != nil || !fresh {
			return err
		}
		result, err = c.consumption.WithTx(tx).Consume(opCtx, in)
		return err
	})
	if err != nil {
		err = asDependency(err, "apply consumption")
		c.finish(ctx, originConsumption, outcome, err)
		return nil, err
	}

	if result != nil {
		outcome.Entry = result.Entry
		outcome.NewBalance = &result.NewBalance
	} else if err := c.fillCurrentBalance(opCtx, in.UserID, outcome); err != nil {
		return nil, err
	}
	c.complete(outcome)
	c.finish(ctx, originConsumption, outcome, nil)
	return outcome, nil
}

// GetBalance returns the user's current balance.
func (c *Coordinator) GetBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	opCtx, cancel := c.bounded(ctx)
	defer cancel()
	return c.ledger.Balance(opCtx, userID)
}

// GetLedgerHistory returns the user's ledger entries, newest first.
func (c *Coordinator) GetLedgerHistory(ctx context.Context, userID uuid.UUID, query HistoryQuery) ([]models.LedgerEntry, error) {
	opCtx, cancel := c.bounded(ctx)
	defer cancel()
	return c.ledger.History(opCtx, userID, query)
}

// admit runs the dedup step when key is set; calls without a key are always fresh.
func (c *Coordinator) admit(ctx context.Context, tx *gorm.DB, key *idempotency.EventKey, outcome *Outcome) (bool, error) {
	if key == nil {
		outcome.advance(StateAdmitted)
		return true, nil
	}
	admitted, err := c.guard.WithTx(tx).Admit(ctx, *key)
	if err != nil {
		return false, err
	}
	outcome.advance(StateDedupChecked)
	if !admitted {
		outcome.advance(StateRejectedDuplicate)
		outcome.Duplicate = true
		return false, nil
	}
	outcome.advance(StateAdmitted)
	return true, nil
}

func (c *Coordinator) fillCurrentBalance(ctx context.Context, userID uuid.UUID, outcome *Outcome) error {
	balance, err := c.ledger.Balance(ctx, userID)
	if err != nil {
		return err
	}
	outcome.NewBalance = &balance
	return nil
}

func (c *Coordinator) complete(outcome *Outcome) {
	if outcome.Duplicate {
		outcome.advance(StateAcknowledged)
		return
	}
	outcome.advance(StateApplied)
}

func (c *Coordinator) finish(ctx context.Context, origin string, outcome *Outcome, err error) {
	state := outcome.State
	switch {
	case err != nil:
		state = StateFailed
	case outcome.Duplicate:
		state = StateRejectedDuplicate
	}
	if c.metrics != nil {
		c.metrics.RecordOutcome(origin, string(state))
	}
	if c.logg == nil {
		return
	}
	fields := map[string]any{
		"origin":          origin,
		"reconcile_state": state,
		"event_key":       outcome.EventKey,
	}
	if outcome.NewBalance != nil {
		fields["new_balance"] = *outcome.NewBalance
	}
	logCtx := c.logg.WithFields(ctx, fields)
	if err == nil {
		c.logg.Info(logCtx, "reconcile.completed")
		return
	}
	if typed := pkgerrors.As(err); typed != nil && !pkgerrors.MetadataFor(typed.Code()).Retryable {
		logCtx = c.logg.WithField(logCtx, "error", err.Error())
		c.logg.Warn(logCtx, "reconcile.rejected")
		return
	}
	c.logg.Error(logCtx, "reconcile.failed", err)
}

func asDependency(err error, msg string) error {
	if pkgerrors.As(err) != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
}
