// Package apierror provides the runtime's structured error type. An Error
// carries a stable machine-readable Code alongside a human message and an
// optional causal chain, so transport layers can map it to the HTTP status
// and JSON envelope defined by spec.md §7 without string matching.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error identifier shared between the
// core and every transport that wraps it.
type Code string

// Error kinds, matching spec.md §7's code → HTTP status table exactly.
const (
	CodeSessionNotFound          Code = "SESSION_NOT_FOUND"
	CodeRunNotFound              Code = "RUN_NOT_FOUND"
	CodeApprovalNotFound         Code = "APPROVAL_NOT_FOUND"
	CodeFileNotFound             Code = "FILE_NOT_FOUND"
	CodeBadRequest               Code = "BAD_REQUEST"
	CodeInvalidState             Code = "INVALID_STATE"
	CodeActiveRunExists          Code = "ACTIVE_RUN_EXISTS"
	CodeIdempotencyConflict      Code = "IDEMPOTENCY_CONFLICT"
	CodeApprovalAlreadyProcessed Code = "APPROVAL_ALREADY_PROCESSED"
	CodeUploadTooLarge           Code = "UPLOAD_TOO_LARGE"
	CodeUnsupportedFileType      Code = "UNSUPPORTED_FILE_TYPE"
	CodeSessionRunQuotaExceeded  Code = "SESSION_RUN_QUOTA_EXCEEDED"
	CodeRateLimited              Code = "RATE_LIMITED"
	CodeUnauthorized             Code = "UNAUTHORIZED"
	CodeServerMisconfigured      Code = "SERVER_MISCONFIGURED"
	CodeInternal                 Code = "INTERNAL_ERROR"
)

var statusByCode = map[Code]int{
	CodeSessionNotFound:          http.StatusNotFound,
	CodeRunNotFound:              http.StatusNotFound,
	CodeApprovalNotFound:         http.StatusNotFound,
	CodeFileNotFound:             http.StatusNotFound,
	CodeBadRequest:               http.StatusBadRequest,
	CodeInvalidState:             http.StatusConflict,
	CodeActiveRunExists:          http.StatusConflict,
	CodeIdempotencyConflict:      http.StatusConflict,
	CodeApprovalAlreadyProcessed: http.StatusConflict,
	CodeUploadTooLarge:           http.StatusUnprocessableEntity,
	CodeUnsupportedFileType:      http.StatusUnprocessableEntity,
	CodeSessionRunQuotaExceeded:  http.StatusTooManyRequests,
	CodeRateLimited:              http.StatusTooManyRequests,
	CodeUnauthorized:             http.StatusUnauthorized,
	CodeServerMisconfigured:      http.StatusInternalServerError,
	CodeInternal:                 http.StatusInternalServerError,
}

// Error is the runtime's structured failure type. It implements the
// standard error interface and supports errors.Is/As via Unwrap, so
// internal packages can test for a specific Code without string
// comparison: errors.Is(err, apierror.New(apierror.CodeRunNotFound, "")).
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	if message == "" {
		message = string(code)
	}
	return &Error{Code: code, Message: message}
}

// Newf formats message like fmt.Sprintf.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithDetails attaches structured detail fields (e.g. validation failures)
// and returns the same Error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Wrap constructs an Error that carries cause in its chain, so
// errors.Unwrap(err) still reaches the original failure for logging.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the causal chain for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is(err, apierror.New(code, "")) match on Code alone,
// ignoring Message/Details/cause, which is how call sites are expected to
// test for a specific error kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Status returns the HTTP status code the transport layer should use for
// err. Unrecognized codes and plain Go errors both map to 500, matching
// spec.md §7's "unexpected exceptions become INTERNAL_ERROR" propagation
// rule.
func Status(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		if status, ok := statusByCode[apiErr.Code]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// Envelope is the uniform JSON error body of spec.md §6.
type Envelope struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ToEnvelope converts err into the wire envelope, collapsing any
// non-Error into an opaque INTERNAL_ERROR so internal details never reach
// the client.
func ToEnvelope(err error) Envelope {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return Envelope{Code: apiErr.Code, Message: apiErr.Message, Details: apiErr.Details}
	}
	return Envelope{Code: CodeInternal, Message: "internal error"}
}
