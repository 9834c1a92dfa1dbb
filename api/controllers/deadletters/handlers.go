// Package deadletters lets admins inspect outbox events the relay gave up on
// and hand them back for another publish attempt.
package deadletters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/luciaai/searchdeep-sub000/api/responses"
	"github.com/luciaai/searchdeep-sub000/api/validators"
	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
	"github.com/luciaai/searchdeep-sub000/pkg/outbox"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Store interface {
	List(ctx context.Context, limit int) ([]models.OutboxDLQ, error)
	FindByEventID(ctx context.Context, eventID uuid.UUID) (*models.OutboxDLQ, error)
	Requeue(ctx context.Context, eventID uuid.UUID) error
}

type deadLetter struct {
	EventID       uuid.UUID       `json:"eventId"`
	EventType     string          `json:"eventType"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   uuid.UUID       `json:"aggregateId"`
	Reason        string          `json:"reason"`
	Message       string          `json:"message,omitempty"`
	Attempts      int             `json:"attempts"`
	FailedAt      time.Time       `json:"failedAt"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func present(row models.OutboxDLQ, withPayload bool) deadLetter {
	out := deadLetter{
		EventID:       row.EventID,
		EventType:     string(row.EventType),
		AggregateType: string(row.AggregateType),
		AggregateID:   row.AggregateID,
		Reason:        string(row.ErrorReason),
		Attempts:      row.AttemptCount,
		FailedAt:      row.FailedAt.UTC(),
	}
	if row.ErrorMessage != nil {
		out.Message = *row.ErrorMessage
	}
	if withPayload {
		out.Payload = row.Payload
	}
	return out
}

// List returns the newest dead letters, capped by ?limit.
func List(store Store, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		limit, err := validators.ParseQueryInt(r, "limit", defaultListLimit, 1, maxListLimit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		rows, err := store.List(ctx, limit)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "listing dead letters"))
			return
		}
		items := make([]deadLetter, 0, len(rows))
		for _, row := range rows {
			items = append(items, present(row, false))
		}
		responses.WriteSuccess(w, map[string]any{"items": items})
	}
}

// Get returns one dead letter including the stored envelope.
func Get(store Store, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		eventID, err := validators.ParsePathUUID(r, "eventId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		row, err := store.FindByEventID(ctx, eventID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "loading dead letter"))
			return
		}
		if row == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "dead letter not found"))
			return
		}
		responses.WriteSuccess(w, present(*row, true))
	}
}

// Requeue clears the dead letter and resets the outbox row so the relay
// picks it up on its next poll.
func Requeue(store Store, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		eventID, err := validators.ParsePathUUID(r, "eventId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		err = store.Requeue(ctx, eventID)
		switch {
		case errors.Is(err, outbox.ErrNotDeadLettered):
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "dead letter not found"))
			return
		case err != nil:
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "requeueing dead letter"))
			return
		}
		if logg != nil {
			logg.Info(logg.WithField(ctx, "event_id", eventID.String()), "outbox.dead_letter.requeued")
		}
		responses.WriteSuccess(w, map[string]any{"eventId": eventID, "requeued": true})
	}
}
