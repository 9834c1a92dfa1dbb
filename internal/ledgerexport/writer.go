package ledgerexport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	cbigquery "cloud.google.com/go/bigquery"
	"github.com/sethvargo/go-retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryPolicy bounds how hard a streaming insert is retried. Zero fields
// fall back to 3 attempts backing off from 250ms up to 2s.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaximumBackoff time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 250 * time.Millisecond
	}
	if p.MaximumBackoff <= 0 {
		p.MaximumBackoff = 2 * time.Second
	}
	p.MaximumBackoff = max(p.MaximumBackoff, p.InitialBackoff)
	return p
}

type tableInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

// Writer streams ledger rows into BigQuery. The event id is also the
// streaming insert id, so redelivered messages collapse server side.
type Writer struct {
	client tableInserter
	table  string
	retry  RetryPolicy
	schema cbigquery.Schema
}

func NewWriter(client tableInserter, table string, retry RetryPolicy) (*Writer, error) {
	if client == nil {
		return nil, errors.New("bigquery client required")
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, errors.New("ledger table is required")
	}
	schema, err := cbigquery.InferSchema(LedgerRow{})
	if err != nil {
		return nil, fmt.Errorf("infer ledger schema: %w", err)
	}
	return &Writer{client: client, table: table, retry: retry.normalized(), schema: schema}, nil
}

// Write inserts a single row, retrying transient failures.
func (w *Writer) Write(ctx context.Context, row LedgerRow) error {
	rows := []any{&cbigquery.StructSaver{
		Schema:   w.schema,
		InsertID: row.EventID,
		Struct:   &row,
	}}
	err := retry.Do(ctx, w.backoff(), func(ctx context.Context) error {
		err := w.client.InsertRows(ctx, w.table, rows)
		if isRetryableBigQueryError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("insert into %s: %w", w.table, err)
	}
	return nil
}

// Schema is the table layout LedgerRow maps to.
func (w *Writer) Schema() cbigquery.Schema { return w.schema }

func (w *Writer) Table() string { return w.table }

func (w *Writer) backoff() retry.Backoff {
	b := retry.NewExponential(w.retry.InitialBackoff)
	b = retry.WithCappedDuration(w.retry.MaximumBackoff, b)
	return retry.WithMaxRetries(uint64(w.retry.MaxAttempts-1), b)
}

var (
	transientHTTP = map[int]bool{
		http.StatusRequestTimeout:      true,
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusBadGateway:          true,
		http.StatusServiceUnavailable:  true,
		http.StatusGatewayTimeout:      true,
	}
	transientGRPC = map[codes.Code]bool{
		codes.Aborted:           true,
		codes.DeadlineExceeded:  true,
		codes.Internal:          true,
		codes.ResourceExhausted: true,
		codes.Unavailable:       true,
	}
)

// isRetryableBigQueryError is true only when every underlying failure is
// transient. One malformed row in a batch makes the whole insert permanent.
func isRetryableBigQueryError(err error) bool {
	if err == nil {
		return false
	}
	var (
		rowErrs cbigquery.PutMultiError
		multi   cbigquery.MultiError
		apiErr  *googleapi.Error
	)
	switch {
	case errors.As(err, &rowErrs):
		return allTransient(len(rowErrs), func(i int) error { return rowErrs[i].Errors })
	case errors.As(err, &multi):
		return allTransient(len(multi), func(i int) error { return multi[i] })
	case errors.As(err, &apiErr):
		return transientHTTP[apiErr.Code]
	}
	if st, ok := status.FromError(err); ok {
		return transientGRPC[st.Code()]
	}
	return false
}

func allTransient(n int, at func(int) error) bool {
	if n == 0 {
		return false
	}
	for i := range n {
		if !isRetryableBigQueryError(at(i)) {
			return false
		}
	}
	return true
}
