package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/luciaai/searchdeep-sub000/pkg/logger"
)

const (
	defaultOutboxRetention = 30 * 24 * time.Hour
	pruneBatch             = 500
)

type publishedPruner interface {
	PrunePublished(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

type OutboxRetentionJobParams struct {
	Logger *logger.Logger
	Outbox publishedPruner
	// Retention is how long published events stay around for replay.
	Retention time.Duration
}

// NewOutboxRetentionJob builds the job that trims published outbox rows.
// Pending and dead-lettered rows are never pruned.
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox pruner required")
	}
	keep := params.Retention
	if keep <= 0 {
		keep = defaultOutboxRetention
	}
	return &outboxRetentionJob{logg: params.Logger, outbox: params.Outbox, keep: keep, now: time.Now}, nil
}

type outboxRetentionJob struct {
	logg   *logger.Logger
	outbox publishedPruner
	keep   time.Duration
	now    func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

// Run deletes in batches so a large backlog never holds one long lock.
func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.keep)
	var pruned int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := j.outbox.PrunePublished(ctx, cutoff, pruneBatch)
		if err != nil {
			return fmt.Errorf("prune published outbox rows after %d: %w", pruned, err)
		}
		pruned += n
		if n < pruneBatch {
			break
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":    cutoff.Format(time.RFC3339),
		"retention": j.keep.String(),
		"pruned":    pruned,
	}), "outbox.retention_pruned")
	return nil
}
