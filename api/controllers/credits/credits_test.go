package credits

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/luciaai/searchdeep-sub000/api/middleware"
	"github.com/luciaai/searchdeep-sub000/internal/reconciliation"
	"github.com/luciaai/searchdeep-sub000/internal/users"
	"github.com/luciaai/searchdeep-sub000/pkg/db/models"
	"github.com/luciaai/searchdeep-sub000/pkg/enums"
	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
)

type fakeCredits struct {
	balances     map[uuid.UUID]int
	provisioned  []users.ProvisionInput
	provisionErr error
	lastQuery    reconciliation.HistoryQuery
	consumeReq   reconciliation.ConsumeRequest
	adjustReq    reconciliation.AdjustRequest
	consumeErr   error
}

func newFakeCredits() *fakeCredits {
	return &fakeCredits{balances: map[uuid.UUID]int{}}
}

func (f *fakeCredits) Provision(_ context.Context, in users.ProvisionInput) (*models.User, error) {
	if f.provisionErr != nil {
		return nil, f.provisionErr
	}
	f.provisioned = append(f.provisioned, in)
	if _, ok := f.balances[in.UserID]; !ok {
		f.balances[in.UserID] = 5
	}
	return &models.User{ID: in.UserID, Email: in.Email}, nil
}

func (f *fakeCredits) GetBalance(_ context.Context, userID uuid.UUID) (int, error) {
	balance, ok := f.balances[userID]
	if !ok {
		return 0, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}
	return balance, nil
}

func (f *fakeCredits) GetLedgerHistory(_ context.Context, userID uuid.UUID, query reconciliation.HistoryQuery) ([]models.LedgerEntry, error) {
	f.lastQuery = query
	if _, ok := f.balances[userID]; !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}
	return []models.LedgerEntry{{UserID: userID, Amount: 5, BalanceAfter: 5, Source: enums.LedgerSourceSignup}}, nil
}

func (f *fakeCredits) Consume(_ context.Context, req reconciliation.ConsumeRequest) (*reconciliation.Outcome, error) {
	f.consumeReq = req
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	f.balances[req.UserID] -= req.UnitCost
	balance := f.balances[req.UserID]
	return &reconciliation.Outcome{State: reconciliation.StateApplied, NewBalance: &balance}, nil
}

func (f *fakeCredits) Adjust(_ context.Context, req reconciliation.AdjustRequest) (*reconciliation.Outcome, error) {
	f.adjustReq = req
	f.balances[req.TargetUserID] += req.Amount
	balance := f.balances[req.TargetUserID]
	return &reconciliation.Outcome{State: reconciliation.StateApplied, NewBalance: &balance, FeedbackRewarded: req.FeedbackID != nil}, nil
}

func authed(req *http.Request, userID uuid.UUID, email string) *http.Request {
	ctx := middleware.WithUserID(req.Context(), userID.String())
	ctx = middleware.WithEmail(ctx, email)
	return req.WithContext(ctx)
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rc := chi.NewRouteContext()
	rc.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Data T `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return envelope.Data
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error: %v (%s)", err, rec.Body.String())
	}
	return envelope.Error.Code
}

func TestProvisionCallerRunsBeforeHandler(t *testing.T) {
	fake := newFakeCredits()
	userID := uuid.New()

	req := authed(httptest.NewRequest(http.MethodGet, "/api/v1/credits", nil), userID, "new@example.com")
	rec := httptest.NewRecorder()
	ProvisionCaller(fake, nil)(Balance(fake, nil)).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d (%s)", rec.Code, rec.Body.String())
	}
	if got := decode[balanceResponse](t, rec); got.Balance != 5 {
		t.Fatalf("expected balance 5 got %d", got.Balance)
	}
	if len(fake.provisioned) != 1 || fake.provisioned[0].Email != "new@example.com" {
		t.Fatalf("expected caller provisioned, got %+v", fake.provisioned)
	}
}

func TestProvisionCallerStopsOnFailure(t *testing.T) {
	fake := newFakeCredits()
	fake.provisionErr = pkgerrors.New(pkgerrors.CodeDependency, "db down")
	reached := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { reached = true })

	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/credits/consume", nil), uuid.New(), "x@example.com")
	ProvisionCaller(fake, nil)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable || reached {
		t.Fatalf("expected 503 without reaching handler, got %d reached=%v", rec.Code, reached)
	}
}

func TestBalanceRequiresCaller(t *testing.T) {
	fake := newFakeCredits()
	rec := httptest.NewRecorder()
	Balance(fake, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/credits", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	ProvisionCaller(fake, nil)(Balance(fake, nil)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/credits", nil))
	if rec.Code != http.StatusUnauthorized || len(fake.provisioned) != 0 {
		t.Fatalf("expected 401 and no provisioning, got %d", rec.Code)
	}
}

func TestHistoryParsesFilters(t *testing.T) {
	fake := newFakeCredits()
	userID := uuid.New()
	fake.balances[userID] = 5

	url := "/api/v1/credits/history?limit=10&before=2026-04-01T00:00:00Z&source=signup"
	rec := httptest.NewRecorder()
	History(fake, nil).ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, url, nil), userID, ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d (%s)", rec.Code, rec.Body.String())
	}
	got := decode[historyResponse](t, rec)
	if got.Balance != 5 || len(got.Entries) != 1 {
		t.Fatalf("unexpected history %+v", got)
	}
	if fake.lastQuery.Limit != 10 || fake.lastQuery.Before == nil ||
		!fake.lastQuery.Before.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected query %+v", fake.lastQuery)
	}
	if fake.lastQuery.Source == nil || *fake.lastQuery.Source != enums.LedgerSourceSignup {
		t.Fatalf("expected signup source filter")
	}
}

func TestHistoryRejectsBadFilters(t *testing.T) {
	fake := newFakeCredits()
	userID := uuid.New()
	fake.balances[userID] = 5

	for _, query := range []string{"?limit=0", "?before=soon", "?source=gift"} {
		rec := httptest.NewRecorder()
		History(fake, nil).ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/api/v1/credits/history"+query, nil), userID, ""))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 got %d", query, rec.Code)
		}
	}
}

func TestConsume(t *testing.T) {
	fake := newFakeCredits()
	userID := uuid.New()
	fake.balances[userID] = 5

	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/credits/consume",
		bytes.NewBufferString(`{"unitCost":2,"activity":"  deep search  "}`)), userID, "")
	req.Header.Set("Idempotency-Key", "req-1")
	rec := httptest.NewRecorder()
	Consume(fake, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d (%s)", rec.Code, rec.Body.String())
	}
	if got := decode[consumeResponse](t, rec); got.NewBalance != 3 {
		t.Fatalf("expected new balance 3 got %d", got.NewBalance)
	}
	if fake.consumeReq.Activity != "deep search" || fake.consumeReq.IdempotencyKey != "req-1" || fake.consumeReq.UserID != userID {
		t.Fatalf("unexpected consume request %+v", fake.consumeReq)
	}
}

func TestConsumeErrors(t *testing.T) {
	userID := uuid.New()
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantErr  pkgerrors.Code
	}{
		{name: "zero cost", body: `{"unitCost":0,"activity":"search"}`, wantCode: http.StatusBadRequest, wantErr: pkgerrors.CodeValidation},
		{name: "missing activity", body: `{"unitCost":1}`, wantCode: http.StatusBadRequest, wantErr: pkgerrors.CodeValidation},
		{name: "unknown field", body: `{"unitCost":1,"activity":"a","free":true}`, wantCode: http.StatusBadRequest, wantErr: pkgerrors.CodeValidation},
		{
			name:     "insufficient credits",
			body:     `{"unitCost":9,"activity":"search"}`,
			err:      pkgerrors.New(pkgerrors.CodeInsufficientCredits, "insufficient credits"),
			wantCode: http.StatusPaymentRequired,
			wantErr:  pkgerrors.CodeInsufficientCredits,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeCredits()
			fake.balances[userID] = 5
			fake.consumeErr = tt.err
			rec := httptest.NewRecorder()
			req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/credits/consume", bytes.NewBufferString(tt.body)), userID, "")
			Consume(fake, nil).ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d got %d (%s)", tt.wantCode, rec.Code, rec.Body.String())
			}
			if got := errorCode(t, rec); got != string(tt.wantErr) {
				t.Fatalf("expected %s got %s", tt.wantErr, got)
			}
		})
	}
}

func TestAdminAdjust(t *testing.T) {
	fake := newFakeCredits()
	adminID := uuid.New()
	target := uuid.New()
	fake.balances[target] = 5
	feedbackID := uuid.New()

	body := `{"amount":20,"reason":"bug bounty","feedbackId":"` + feedbackID.String() + `"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/admin/v1/users/"+target.String()+"/credits", bytes.NewBufferString(body)), adminID, "")
	req = withURLParam(req, "userId", target.String())
	rec := httptest.NewRecorder()
	AdminAdjust(fake, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d (%s)", rec.Code, rec.Body.String())
	}
	got := decode[adjustResponse](t, rec)
	if got.NewBalance != 25 || !got.FeedbackRewarded {
		t.Fatalf("unexpected response %+v", got)
	}
	if fake.adjustReq.ActorID != adminID || fake.adjustReq.TargetUserID != target {
		t.Fatalf("unexpected adjust request %+v", fake.adjustReq)
	}
}

func TestAdminAdjustRejectsZeroAmount(t *testing.T) {
	fake := newFakeCredits()
	target := uuid.New()
	req := authed(httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"amount":0,"reason":"noop"}`)), uuid.New(), "")
	req = withURLParam(req, "userId", target.String())
	rec := httptest.NewRecorder()
	AdminAdjust(fake, nil).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

type fakeRoles struct {
	admins map[uuid.UUID]bool
}

func (f *fakeRoles) Grant(_ context.Context, userID uuid.UUID, _ *uuid.UUID) (bool, error) {
	if f.admins[userID] {
		return false, nil
	}
	f.admins[userID] = true
	return true, nil
}

func (f *fakeRoles) Revoke(_ context.Context, userID uuid.UUID) error {
	if !f.admins[userID] {
		return pkgerrors.New(pkgerrors.CodeNotFound, "admin not found")
	}
	if len(f.admins) == 1 {
		return pkgerrors.New(pkgerrors.CodeConflict, "cannot revoke the last admin")
	}
	delete(f.admins, userID)
	return nil
}

func TestAdminRoleLifecycle(t *testing.T) {
	actor := uuid.New()
	target := uuid.New()
	roles := &fakeRoles{admins: map[uuid.UUID]bool{actor: true}}

	grant := func() int {
		req := authed(httptest.NewRequest(http.MethodPost, "/api/admin/v1/admins", bytes.NewBufferString(`{"userId":"`+target.String()+`"}`)), actor, "")
		rec := httptest.NewRecorder()
		AdminGrantRole(roles, nil).ServeHTTP(rec, req)
		return rec.Code
	}
	revoke := func(id uuid.UUID) int {
		req := withURLParam(authed(httptest.NewRequest(http.MethodDelete, "/", nil), actor, ""), "userId", id.String())
		rec := httptest.NewRecorder()
		AdminRevokeRole(roles, nil).ServeHTTP(rec, req)
		return rec.Code
	}

	if code := grant(); code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", code)
	}
	if code := grant(); code != http.StatusOK {
		t.Fatalf("expected 200 on repeat grant got %d", code)
	}
	if code := revoke(target); code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", code)
	}
	if code := revoke(actor); code != http.StatusConflict {
		t.Fatalf("expected 409 revoking last admin got %d", code)
	}
}
