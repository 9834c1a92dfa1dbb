package outboxrelay

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/luciaai/searchdeep-sub000/pkg/config"
	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	"github.com/luciaai/searchdeep-sub000/pkg/enums"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
	"github.com/luciaai/searchdeep-sub000/pkg/metrics"
	"github.com/luciaai/searchdeep-sub000/pkg/outbox/registry"
	"github.com/luciaai/searchdeep-sub000/pkg/pubsub"
)

const (
	defaultBatchSize   = 50
	defaultPoll        = 500 * time.Millisecond
	defaultMaxAttempts = 10
	publishTimeout     = 15 * time.Second
	maxErrorBackoff    = 10 * time.Second
	jitterWindow       = 250 * time.Millisecond
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type rowStore interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type deadLetters interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type resolver interface {
	Resolve(models.OutboxEvent) (*registry.Resolved, error)
}

type sender interface {
	Send(ctx context.Context, topic string, msg *gcppubsub.Message) (string, error)
}

type Params struct {
	Config      config.OutboxConfig
	DB          txRunner
	Store       rowStore
	DeadLetters deadLetters
	Registry    resolver
	Sender      sender
	Metrics     *metrics.OutboxMetrics
	Logger      *logger.Logger
}

// Relay moves committed outbox rows to Pub/Sub. Rows are claimed with
// SKIP LOCKED so several relays can run side by side.
type Relay struct {
	db          txRunner
	store       rowStore
	dead        deadLetters
	registry    resolver
	sender      sender
	metrics     *metrics.OutboxMetrics
	logg        *logger.Logger
	batchSize   int
	maxAttempts int
	poll        time.Duration
	now         func() time.Time
}

func New(p Params) (*Relay, error) {
	switch {
	case p.DB == nil:
		return nil, errors.New("database is required")
	case p.Store == nil:
		return nil, errors.New("outbox store is required")
	case p.DeadLetters == nil:
		return nil, errors.New("dlq store is required")
	case p.Registry == nil:
		return nil, errors.New("event registry is required")
	case p.Sender == nil:
		return nil, errors.New("sender is required")
	case p.Logger == nil:
		return nil, errors.New("logger is required")
	}

	r := &Relay{
		db:          p.DB,
		store:       p.Store,
		dead:        p.DeadLetters,
		registry:    p.Registry,
		sender:      p.Sender,
		metrics:     p.Metrics,
		logg:        p.Logger,
		batchSize:   p.Config.BatchSize,
		maxAttempts: p.Config.MaxAttempts,
		poll:        time.Duration(p.Config.PollIntervalMS) * time.Millisecond,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	if r.poll <= 0 {
		r.poll = defaultPoll
	}
	return r, nil
}

// Run drains until ctx is canceled. A full batch is followed immediately by
// the next one; an empty batch waits one poll interval; a failing batch backs
// off exponentially.
func (r *Relay) Run(ctx context.Context) error {
	errBackoff := r.poll
	for {
		n, err := r.Drain(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		var wait time.Duration
		switch {
		case err != nil:
			r.logg.Error(ctx, "outbox.drain_failed", err)
			errBackoff = min(errBackoff*2, maxErrorBackoff)
			wait = errBackoff
		case n == 0:
			errBackoff = r.poll
			wait = r.poll
		default:
			errBackoff = r.poll
			continue
		}

		timer := time.NewTimer(wait + time.Duration(rand.Int64N(int64(jitterWindow))))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Drain claims one batch and settles every row in it. It returns how many rows
// were claimed.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	claimed := 0
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := r.store.FetchUnpublishedForPublish(tx, r.batchSize, r.maxAttempts)
		if err != nil {
			return fmt.Errorf("claim outbox rows: %w", err)
		}
		claimed = len(rows)
		for _, row := range rows {
			if err := r.settle(ctx, tx, row, r.deliver(ctx, row)); err != nil {
				return err
			}
		}
		return nil
	})
	return claimed, err
}

type verdict int

const (
	verdictPublished verdict = iota
	verdictRetry
	verdictDead
)

type outcome struct {
	verdict  verdict
	reason   enums.OutboxDLQErrorReason
	err      error
	topic    string
	eventID  string
	serverID string
}

func (r *Relay) deliver(ctx context.Context, row models.OutboxEvent) outcome {
	resolved, err := r.registry.Resolve(row)
	if err != nil {
		return outcome{verdict: verdictDead, reason: enums.OutboxDLQReasonNonRetryable, err: err}
	}
	out := outcome{topic: resolved.Route.Topic, eventID: resolved.Envelope.EventID}

	sendCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	serverID, err := r.sender.Send(sendCtx, out.topic, buildMessage(row, resolved))
	if err == nil {
		out.verdict = verdictPublished
		out.serverID = serverID
		return out
	}

	switch {
	case errors.Is(err, pubsub.ErrTopicNotConfigured):
		out.verdict, out.reason, out.err = verdictDead, enums.OutboxDLQReasonNonRetryable, err
	case row.AttemptCount+1 >= r.maxAttempts:
		out.verdict, out.reason = verdictDead, enums.OutboxDLQReasonMaxAttempts
		out.err = fmt.Errorf("max publish attempts reached: %w", err)
	default:
		out.verdict, out.err = verdictRetry, err
	}
	return out
}

func (r *Relay) settle(ctx context.Context, tx *gorm.DB, row models.OutboxEvent, out outcome) error {
	fields := map[string]any{
		"outbox_id":     row.ID.String(),
		"event_type":    row.EventType,
		"aggregate_id":  row.AggregateID.String(),
		"attempt_count": row.AttemptCount,
	}
	if out.topic != "" {
		fields["topic"] = out.topic
	}
	if out.eventID != "" {
		fields["event_id"] = out.eventID
	}
	if out.err != nil {
		fields["error"] = out.err.Error()
	}
	logCtx := r.logg.WithFields(ctx, fields)

	switch out.verdict {
	case verdictPublished:
		if err := r.store.MarkPublishedTx(tx, row.ID); err != nil {
			return fmt.Errorf("mark published %s: %w", row.ID, err)
		}
		r.metrics.RecordPublish(string(row.EventType), "published")
		r.logg.Info(r.logg.WithField(logCtx, "server_id", out.serverID), "outbox.published")

	case verdictRetry:
		if err := r.store.MarkFailedTx(tx, row.ID, out.err); err != nil {
			return fmt.Errorf("mark failed %s: %w", row.ID, err)
		}
		r.metrics.RecordPublish(string(row.EventType), "retry")
		r.logg.Warn(logCtx, "outbox.publish_retry")

	case verdictDead:
		message := out.err.Error()
		entry := models.OutboxDLQ{
			EventID:       row.ID,
			EventType:     row.EventType,
			AggregateType: row.AggregateType,
			AggregateID:   row.AggregateID,
			Payload:       row.Payload,
			ErrorReason:   out.reason,
			ErrorMessage:  &message,
			AttemptCount:  row.AttemptCount,
			FailedAt:      r.now(),
		}
		if err := r.dead.InsertTx(tx, entry); err != nil {
			return fmt.Errorf("insert dlq %s: %w", row.ID, err)
		}
		if err := r.store.MarkTerminalTx(tx, row.ID, out.err, r.maxAttempts); err != nil {
			return fmt.Errorf("mark terminal %s: %w", row.ID, err)
		}
		r.metrics.RecordPublish(string(row.EventType), "dlq")
		r.logg.Warn(r.logg.WithField(logCtx, "error_reason", out.reason), "outbox.dead_lettered")
	}
	return nil
}
