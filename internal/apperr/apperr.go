// Package apperr defines the typed errors shared across the backend.
//
// Handlers and engines return these instead of recovering locally; the API
// edge maps them to the {error:{code,message,details}} wire shape and an
// HTTP status. Errors wrap freely with %w so callers can test with
// errors.Is / apperr.CodeOf regardless of how deep the error originated.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeValidation          Code = "validation"
	CodeSignatureExpired    Code = "signature_expired"
	CodeInvalidSignature    Code = "invalid_signature"
	CodeNonceReused         Code = "nonce_reused"
	CodeInsufficientBalance Code = "insufficient_balance"
	CodeMarketNotFound      Code = "market_not_found"
	CodePairNotFound        Code = "pair_not_found"
	CodeOrderNotFound       Code = "order_not_found"
	CodeSwapNotFound        Code = "swap_not_found"
	CodeInvalidStatus       Code = "invalid_status"
	CodeMarketNotActive     Code = "market_not_active"
	CodeComplianceFailed    Code = "compliance_failed"
	CodeForbidden           Code = "forbidden"
	CodeUnauthorized        Code = "unauthorized"
	CodeRateLimited         Code = "rate_limited"
	CodeChainUnavailable    Code = "chain_unavailable"
	CodeDispatchFailed      Code = "dispatch_failed"
	CodeInternal            Code = "internal_error"
)

// httpStatus maps codes to HTTP statuses at the edge.
var httpStatus = map[Code]int{
	CodeValidation:          http.StatusBadRequest,
	CodeSignatureExpired:    http.StatusBadRequest,
	CodeInvalidSignature:    http.StatusUnauthorized,
	CodeNonceReused:         http.StatusBadRequest,
	CodeInsufficientBalance: http.StatusBadRequest,
	CodeMarketNotFound:      http.StatusNotFound,
	CodePairNotFound:        http.StatusNotFound,
	CodeOrderNotFound:       http.StatusNotFound,
	CodeSwapNotFound:        http.StatusNotFound,
	CodeInvalidStatus:       http.StatusBadRequest,
	CodeMarketNotActive:     http.StatusBadRequest,
	CodeComplianceFailed:    http.StatusForbidden,
	CodeForbidden:           http.StatusForbidden,
	CodeUnauthorized:        http.StatusUnauthorized,
	CodeRateLimited:         http.StatusTooManyRequests,
	CodeChainUnavailable:    http.StatusBadGateway,
	CodeDispatchFailed:      http.StatusBadGateway,
	CodeInternal:            http.StatusInternalServerError,
}

// Error is a typed application error.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status the edge should respond with.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New creates a typed error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates a typed error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a typed code to an underlying error.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// WithDetails returns a copy carrying extra detail for the wire response.
func (e *Error) WithDetails(d map[string]any) *Error {
	cp := *e
	cp.Details = d
	return &cp
}

// CodeOf extracts the code from any error chain; unknown errors report
// internal_error.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// From returns the typed error in the chain, or wraps err as internal_error.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(CodeInternal, "internal error", err)
}
