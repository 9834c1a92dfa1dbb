package cron

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/luciaai/searchdeep-sub000/internal/ledger"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
)

const defaultIntegrityBatch = 200

type driftRepairer interface {
	FindDrift(ctx context.Context, limit int) ([]ledger.Drift, error)
	Reproject(ctx context.Context, userID uuid.UUID) (int, error)
}

type BalanceIntegrityJobParams struct {
	Logger    *logger.Logger
	Ledger    driftRepairer
	BatchSize int
}

// NewBalanceIntegrityJob builds the job that keeps every cached balance equal
// to the sum of the user's ledger entries. Drift should never happen; when it
// does the ledger wins.
func NewBalanceIntegrityJob(params BalanceIntegrityJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger store required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultIntegrityBatch
	}
	return &balanceIntegrityJob{logg: params.Logger, ledger: params.Ledger, batch: batch}, nil
}

type balanceIntegrityJob struct {
	logg   *logger.Logger
	ledger driftRepairer
	batch  int
}

func (j *balanceIntegrityJob) Name() string { return "balance-integrity" }

func (j *balanceIntegrityJob) Run(ctx context.Context) error {
	drifts, err := j.ledger.FindDrift(ctx, j.batch)
	if err != nil {
		return fmt.Errorf("find drift: %w", err)
	}

	var errs error
	repaired := 0
	for _, drift := range drifts {
		logCtx := j.logg.WithFields(ctx, map[string]any{
			"user_id":    drift.UserID.String(),
			"cached":     drift.Cached,
			"ledger_sum": drift.LedgerSum,
		})
		j.logg.Warn(logCtx, "ledger.balance_drift_detected")

		balance, err := j.ledger.Reproject(ctx, drift.UserID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reproject %s: %w", drift.UserID, err))
			continue
		}
		repaired++
		j.logg.Info(j.logg.WithField(logCtx, "balance", balance), "ledger.balance_reprojected")
	}

	summary := j.logg.WithFields(ctx, map[string]any{
		"drifted":  len(drifts),
		"repaired": repaired,
		"failed":   len(multierr.Errors(errs)),
	})
	j.logg.Info(summary, "balance integrity check complete")
	return errs
}
