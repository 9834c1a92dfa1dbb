package validators

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	pkgerrors "github.com/luciaai/searchdeep-sub000/pkg/errors"
)

func TestParseQueryInt(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    int
		wantErr bool
	}{
		{name: "default", query: "", want: 50},
		{name: "value", query: "?limit=10", want: 10},
		{name: "not numeric", query: "?limit=ten", wantErr: true},
		{name: "out of range", query: "?limit=1000", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/history"+tt.query, nil)
			got, err := ParseQueryInt(req, "limit", 50, 1, 500)
			if tt.wantErr {
				if !pkgerrors.Is(err, pkgerrors.CodeValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("expected %d got %d (%v)", tt.want, got, err)
			}
		})
	}
}

func TestParseQueryTime(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/history?before=2026-03-01T10:00:00%2B02:00", nil)
	got, err := ParseQueryTime(req, "before")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	if got == nil || !got.Equal(want) || got.Location() != time.UTC {
		t.Fatalf("expected %v got %v", want, got)
	}

	missing, err := ParseQueryTime(httptest.NewRequest(http.MethodGet, "/history", nil), "before")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing parameter, got %v %v", missing, err)
	}

	bad := httptest.NewRequest(http.MethodGet, "/history?before=yesterday", nil)
	if _, err := ParseQueryTime(bad, "before"); !pkgerrors.Is(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParsePathUUID(t *testing.T) {
	id := uuid.New()
	withParam := func(value string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rc := chi.NewRouteContext()
		rc.URLParams.Add("userId", value)
		return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
	}

	got, err := ParsePathUUID(withParam(id.String()), "userId")
	if err != nil || got != id {
		t.Fatalf("expected %s got %s (%v)", id, got, err)
	}
	if _, err := ParsePathUUID(withParam("nope"), "userId"); !pkgerrors.Is(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
