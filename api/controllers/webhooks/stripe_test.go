package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/luciaai/searchdeep-sub000/internal/reconciliation"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
)

type fakeWebhookHandler struct {
	calls     int
	payload   []byte
	signature string
	seen      map[string]bool
	err       error
}

func (f *fakeWebhookHandler) HandleWebhook(_ context.Context, payload []byte, signature string) (*reconciliation.Outcome, error) {
	f.calls++
	f.payload = payload
	f.signature = signature
	if f.err != nil {
		return nil, f.err
	}
	key := "customer.subscription.updated:" + string(payload)
	if f.seen[key] {
		return &reconciliation.Outcome{State: reconciliation.StateAcknowledged, EventKey: key, Duplicate: true}, nil
	}
	f.seen[key] = true
	return &reconciliation.Outcome{State: reconciliation.StateApplied, EventKey: key}, nil
}

func post(handler http.Handler, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader([]byte(body)))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) webhookResponse {
	t.Helper()
	var envelope struct {
		Data webhookResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return envelope.Data
}

func TestStripeWebhook_AppliedThenDuplicate(t *testing.T) {
	fake := &fakeWebhookHandler{seen: map[string]bool{}}
	handler := StripeWebhook(fake, nil)

	first := post(handler, "evt_1", "t=1,v1=abc")
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", first.Code, first.Body.String())
	}
	if got := decodeData(t, first); got.State != reconciliation.StateApplied || got.Duplicate {
		t.Fatalf("unexpected first outcome %+v", got)
	}
	if fake.signature != "t=1,v1=abc" || string(fake.payload) != "evt_1" {
		t.Fatalf("handler received %q / %q", fake.payload, fake.signature)
	}

	second := post(handler, "evt_1", "t=1,v1=abc")
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 on duplicate, got %d", second.Code)
	}
	if got := decodeData(t, second); !got.Duplicate || got.State != reconciliation.StateAcknowledged {
		t.Fatalf("unexpected duplicate outcome %+v", got)
	}
}

func TestStripeWebhook_MissingSignature(t *testing.T) {
	fake := &fakeWebhookHandler{seen: map[string]bool{}}
	rec := post(StripeWebhook(fake, nil), "evt_1", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if fake.calls != 0 {
		t.Fatalf("handler should not run without a signature")
	}
}

func TestStripeWebhook_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "bad signature", err: pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid signature"), want: http.StatusUnauthorized},
		{name: "malformed event", err: pkgerrors.New(pkgerrors.CodeValidation, "unknown tier"), want: http.StatusBadRequest},
		{name: "store unavailable", err: pkgerrors.New(pkgerrors.CodeDependency, "db down"), want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeWebhookHandler{seen: map[string]bool{}, err: tt.err}
			rec := post(StripeWebhook(fake, nil), "evt_1", "t=1,v1=abc")
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}
