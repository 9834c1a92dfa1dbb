package errors

import (
	stdErrors "errors"
	"net/http"
)

// Code is the stable, client-visible classification of a failure.
type Code string

const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeIdempotency  Code = "IDEMPOTENCY_KEY_REUSED"
	CodeRateLimit    Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal     Code = "INTERNAL_ERROR"
	CodeDependency   Code = "DEPENDENCY_ERROR"

	// CodeInsufficientCredits is returned when a debit would take a balance below zero.
	CodeInsufficientCredits Code = "INSUFFICIENT_CREDITS"
	// CodeDuplicateEvent marks an event or entry that was already applied. Callers
	// treat it as success.
	CodeDuplicateEvent Code = "DUPLICATE_EVENT"
)

// Metadata drives how a code is rendered over HTTP.
type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

const (
	final     = false
	retryable = true
	opaque    = false
	detailed  = true
)

var metadataByCode = map[Code]Metadata{
	CodeValidation:          {http.StatusBadRequest, final, "validation failed", detailed},
	CodeUnauthorized:        {http.StatusUnauthorized, final, "authentication required", opaque},
	CodeForbidden:           {http.StatusForbidden, final, "access denied", opaque},
	CodeNotFound:            {http.StatusNotFound, final, "resource not found", opaque},
	CodeConflict:            {http.StatusConflict, final, "conflict detected", opaque},
	CodeInsufficientCredits: {http.StatusPaymentRequired, final, "insufficient credits", detailed},
	CodeDuplicateEvent:      {http.StatusOK, final, "event already processed", opaque},
	CodeIdempotency:         {http.StatusConflict, final, "idempotency key reused", detailed},
	CodeRateLimit:           {http.StatusTooManyRequests, final, "rate limit exceeded", opaque},
	CodeInternal:            {http.StatusInternalServerError, retryable, "internal server error", opaque},
	CodeDependency:          {http.StatusServiceUnavailable, retryable, "dependency unavailable", detailed},
}

// MetadataFor falls back to the internal error entry for unknown codes.
func MetadataFor(code Code) Metadata {
	meta, ok := metadataByCode[code]
	if !ok {
		return metadataByCode[CodeInternal]
	}
	return meta
}

// Error is a coded error with an optional cause and client-safe details.
// Every accessor tolerates a nil receiver.
type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Wrap attaches a code to err. A nil err yields a plain New.
func Wrap(code Code, err error, message string) *Error {
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

// WithDetails sets details in place and returns the receiver for chaining.
func (e *Error) WithDetails(details any) *Error {
	if e != nil {
		e.details = details
	}
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return string(e.code) + ": " + e.message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}

// As returns the outermost *Error in err's chain, or nil.
func As(err error) *Error {
	var typed *Error
	if err == nil || !stdErrors.As(err, &typed) {
		return nil
	}
	return typed
}
