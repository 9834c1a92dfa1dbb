package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/luciaai/searchdeep-sub000/api/responses"
	"github.com/luciaai/searchdeep-sub000/internal/reconciliation"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
	"github.com/luciaai/searchdeep-sub000/pkg/logger"
)

// maxPayloadBytes caps webhook bodies; Stripe events are far smaller.
const maxPayloadBytes = 1 << 20

// WebhookHandler verifies and applies one signed provider delivery.
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*reconciliation.Outcome, error)
}

type webhookResponse struct {
	EventKey  string               `json:"eventKey,omitempty"`
	State     reconciliation.State `json:"state"`
	Duplicate bool                 `json:"duplicate"`
}

// StripeWebhook handles Stripe deliveries. Any 2xx acknowledges the event;
// anything else makes Stripe redeliver it.
func StripeWebhook(handler WebhookHandler, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if handler == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook handler unavailable"))
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		sigHeader := r.Header.Get("Stripe-Signature")
		if sigHeader == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "stripe signature missing"))
			return
		}

		outcome, err := handler.HandleWebhook(ctx, payload, sigHeader)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, webhookResponse{
			EventKey:  outcome.EventKey,
			State:     outcome.State,
			Duplicate: outcome.Duplicate,
		})
	}
}
