package ledgerexport

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	cbigquery "cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type insertCall struct {
	table string
	rows  []any
}

type fakeInserter struct {
	responses []error
	calls     []insertCall
}

func (f *fakeInserter) InsertRows(_ context.Context, table string, rows []any) error {
	f.calls = append(f.calls, insertCall{table: table, rows: rows})
	if len(f.responses) == 0 {
		return nil
	}
	err := f.responses[0]
	f.responses = f.responses[1:]
	return err
}

func newTestWriter(t *testing.T, fake *fakeInserter) *Writer {
	t.Helper()
	w, err := NewWriter(fake, "credit_ledger_entries", RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaximumBackoff: 2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	return w
}

func TestNewWriterValidation(t *testing.T) {
	if _, err := NewWriter(nil, "t", RetryPolicy{}); err == nil {
		t.Fatal("expected error when client missing")
	}
	if _, err := NewWriter(&fakeInserter{}, " ", RetryPolicy{}); err == nil {
		t.Fatal("expected error when table missing")
	}
}

func TestWriterUsesEventIDAsInsertID(t *testing.T) {
	fake := &fakeInserter{}
	w := newTestWriter(t, fake)

	if err := w.Write(context.Background(), LedgerRow{EventID: "evt-1", EntryID: "entry-1"}); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if len(fake.calls) != 1 || len(fake.calls[0].rows) != 1 {
		t.Fatalf("expected one insert of one row, got %+v", fake.calls)
	}
	saver, ok := fake.calls[0].rows[0].(*cbigquery.StructSaver)
	if !ok {
		t.Fatalf("expected struct saver, got %T", fake.calls[0].rows[0])
	}
	if saver.InsertID != "evt-1" {
		t.Fatalf("expected insert id evt-1, got %q", saver.InsertID)
	}
	if fake.calls[0].table != "credit_ledger_entries" {
		t.Fatalf("unexpected table %q", fake.calls[0].table)
	}
}

func TestWriterRetriesOnTransientError(t *testing.T) {
	fake := &fakeInserter{responses: []error{&googleapi.Error{Code: http.StatusServiceUnavailable}, nil}}
	w := newTestWriter(t, fake)

	if err := w.Write(context.Background(), LedgerRow{EventID: "evt-1"}); err != nil {
		t.Fatalf("unexpected error writing row: %v", err)
	}
	if len(fake.calls) != 2 {
		t.Fatalf("expected two insert attempts, got %d", len(fake.calls))
	}
}

func TestWriterStopsOnPermanentError(t *testing.T) {
	fake := &fakeInserter{responses: []error{&googleapi.Error{Code: http.StatusBadRequest}}}
	w := newTestWriter(t, fake)

	if err := w.Write(context.Background(), LedgerRow{EventID: "evt-1"}); err == nil {
		t.Fatal("expected permanent error")
	}
	if len(fake.calls) != 1 {
		t.Fatalf("expected single attempt, got %d", len(fake.calls))
	}
}

func TestWriterGivesUpAfterMaxAttempts(t *testing.T) {
	unavailable := status.Error(codes.Unavailable, "try later")
	fake := &fakeInserter{responses: []error{unavailable, unavailable, unavailable, nil}}
	w := newTestWriter(t, fake)

	if err := w.Write(context.Background(), LedgerRow{EventID: "evt-1"}); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if len(fake.calls) != 3 {
		t.Fatalf("expected three attempts, got %d", len(fake.calls))
	}
}

func TestIsRetryableBigQueryError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
		{name: "http 429", err: &googleapi.Error{Code: http.StatusTooManyRequests}, want: true},
		{name: "http 403", err: &googleapi.Error{Code: http.StatusForbidden}, want: false},
		{name: "grpc internal", err: status.Error(codes.Internal, "x"), want: true},
		{name: "grpc invalid", err: status.Error(codes.InvalidArgument, "x"), want: false},
		{
			name: "row errors all transient",
			err: cbigquery.PutMultiError{
				{InsertID: "a", Errors: cbigquery.MultiError{&googleapi.Error{Code: http.StatusServiceUnavailable}}},
			},
			want: true,
		},
		{
			name: "row errors with invalid row",
			err: cbigquery.PutMultiError{
				{InsertID: "a", Errors: cbigquery.MultiError{&googleapi.Error{Code: http.StatusServiceUnavailable}}},
				{InsertID: "b", Errors: cbigquery.MultiError{errors.New("no such field")}},
			},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableBigQueryError(tt.err); got != tt.want {
				t.Fatalf("isRetryableBigQueryError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWriterSchemaCoversLedgerRow(t *testing.T) {
	w := newTestWriter(t, &fakeInserter{})
	if w.Table() != "credit_ledger_entries" {
		t.Fatalf("unexpected table %q", w.Table())
	}
	names := map[string]bool{}
	for _, f := range w.Schema() {
		names[f.Name] = true
	}
	for _, col := range []string{"event_id", "user_id", "amount", "occurred_at", "payload"} {
		if !names[col] {
			t.Fatalf("schema missing %s: %v", col, names)
		}
	}
}
