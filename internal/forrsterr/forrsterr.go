// Package forrsterr defines the closed set of protocol error codes, their
// fixed HTTP mapping and client/server classification, and the Error wire
// object. Server code never invents a code outside this catalog or a
// caller-supplied custom code; see ExceptionMapper for the seam between Go
// errors and protocol error codes.
package forrsterr

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/forrst-proto/forrst/internal/domain"
)

// Code is a closed-set or caller-defined SCREAMING_SNAKE_CASE error code.
type Code string

// Closed error code set, fixed HTTP mapping and class.
const (
	CodeParseError               Code = "PARSE_ERROR"
	CodeInvalidRequest           Code = "INVALID_REQUEST"
	CodeInvalidProtocolVersion   Code = "INVALID_PROTOCOL_VERSION"
	CodeFunctionNotFound         Code = "FUNCTION_NOT_FOUND"
	CodeVersionNotFound          Code = "VERSION_NOT_FOUND"
	CodeInvalidArguments         Code = "INVALID_ARGUMENTS"
	CodeSchemaValidationFailed   Code = "SCHEMA_VALIDATION_FAILED"
	CodeExtensionNotSupported    Code = "EXTENSION_NOT_SUPPORTED"
	CodeExtensionNotApplicable   Code = "EXTENSION_NOT_APPLICABLE"
	CodeUnauthorized             Code = "UNAUTHORIZED"
	CodeForbidden                Code = "FORBIDDEN"
	CodeNotFound                 Code = "NOT_FOUND"
	CodeConflict                 Code = "CONFLICT"
	CodeGone                     Code = "GONE"
	CodeDeadlineExceeded         Code = "DEADLINE_EXCEEDED"
	CodeRateLimited              Code = "RATE_LIMITED"
	CodeCancelled                Code = "CANCELLED"
	CodeInternalError            Code = "INTERNAL_ERROR"
	CodeUnavailable              Code = "UNAVAILABLE"
	CodeDependencyError          Code = "DEPENDENCY_ERROR"
	CodeIdempotencyConflict      Code = "IDEMPOTENCY_CONFLICT"
	CodeIdempotencyProcessing    Code = "IDEMPOTENCY_PROCESSING"
	CodeAsyncOperationNotFound   Code = "ASYNC_OPERATION_NOT_FOUND"
	CodeAsyncOperationFailed     Code = "ASYNC_OPERATION_FAILED"
	CodeAsyncCannotCancel        Code = "ASYNC_CANNOT_CANCEL"
	CodeCancelTokenUnknown       Code = "CANCEL_TOKEN_UNKNOWN"
)

// Class is the client/server classification of a code.
type Class string

const (
	ClassClient Class = "client"
	ClassServer Class = "server"
)

type entry struct {
	status int
	class  Class
}

// catalog is the closed-set code -> (HTTP status, class) mapping. Custom
// caller-defined codes are not in this map; httpStatus falls back to 400.
//
// CANCELLED maps to 499, nginx-native rather than an IANA-registered
// status, for symmetry with nginx-fronted deployments.
var catalog = map[Code]entry{
	CodeParseError:             {http.StatusBadRequest, ClassClient},
	CodeInvalidRequest:         {http.StatusBadRequest, ClassClient},
	CodeInvalidProtocolVersion: {http.StatusBadRequest, ClassClient},
	CodeFunctionNotFound:       {http.StatusNotFound, ClassClient},
	CodeVersionNotFound:        {http.StatusNotFound, ClassClient},
	CodeInvalidArguments:       {http.StatusBadRequest, ClassClient},
	CodeSchemaValidationFailed: {http.StatusUnprocessableEntity, ClassClient},
	CodeExtensionNotSupported:  {http.StatusBadRequest, ClassClient},
	CodeExtensionNotApplicable: {http.StatusBadRequest, ClassClient},
	CodeUnauthorized:           {http.StatusUnauthorized, ClassClient},
	CodeForbidden:              {http.StatusForbidden, ClassClient},
	CodeNotFound:               {http.StatusNotFound, ClassClient},
	CodeConflict:               {http.StatusConflict, ClassClient},
	CodeGone:                   {http.StatusGone, ClassClient},
	CodeDeadlineExceeded:       {http.StatusGatewayTimeout, ClassServer},
	CodeRateLimited:            {http.StatusTooManyRequests, ClassClient},
	CodeCancelled:              {499, ClassClient},
	CodeInternalError:          {http.StatusInternalServerError, ClassServer},
	CodeUnavailable:            {http.StatusServiceUnavailable, ClassServer},
	CodeDependencyError:        {http.StatusBadGateway, ClassServer},
	CodeIdempotencyConflict:    {http.StatusConflict, ClassClient},
	CodeIdempotencyProcessing:  {http.StatusConflict, ClassClient},
	CodeAsyncOperationNotFound: {http.StatusNotFound, ClassClient},
	CodeAsyncOperationFailed:   {http.StatusInternalServerError, ClassServer},
	CodeAsyncCannotCancel:      {http.StatusBadRequest, ClassClient},
	CodeCancelTokenUnknown:     {http.StatusBadRequest, ClassClient},
}

// HTTPStatus returns the fixed HTTP status for a catalog code. Custom
// (caller-defined) codes map to 400, matching their client-error intent.
func HTTPStatus(c Code) int {
	if e, ok := catalog[c]; ok {
		return e.status
	}
	return http.StatusBadRequest
}

// ClassOf returns the client/server classification for a catalog code.
// Custom codes classify as client.
func ClassOf(c Code) Class {
	if e, ok := catalog[c]; ok {
		return e.class
	}
	return ClassClient
}

// Retryable reports whether the retry extension should consider attaching a
// retry strategy to an error of this class — server-class failures are
// retryable candidates, client-class failures (other than rate limiting)
// generally are not. The retry extension makes the final call; this is
// only the starting signal it consults.
func Retryable(c Code) bool {
	if c == CodeRateLimited {
		return true
	}
	return ClassOf(c) == ClassServer
}

// Error is both a Go error and the source of a wire ErrorObject.
type Error struct {
	Code    Code
	Message string
	Source  *domain.ErrorSource
	Details json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs an Error with a plain message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithSource returns a copy of e with the given source attached.
func (e *Error) WithSource(src domain.ErrorSource) *Error {
	cp := *e
	cp.Source = &src
	return &cp
}

// WithDetails returns a copy of e with details marshalled from v.
func (e *Error) WithDetails(v any) *Error {
	cp := *e
	if b, err := json.Marshal(v); err == nil {
		cp.Details = b
	}
	return &cp
}

// Object renders e as the wire ErrorObject.
func (e *Error) Object() domain.ErrorObject {
	return domain.ErrorObject{
		Code:    string(e.Code),
		Message: e.Message,
		Source:  e.Source,
		Details: e.Details,
	}
}

// ExceptionMapper maps an unexpected Go error surfaced from function or
// extension-hook execution to a protocol Error. The default mapper treats
// every unrecognized error as INTERNAL_ERROR; callers may supply a custom
// mapper that recognizes their own sentinel/wrapped error types.
type ExceptionMapper func(err error) *Error

// DefaultExceptionMapper unwraps a *Error unchanged; anything else maps to
// INTERNAL_ERROR without leaking the underlying error text into the wire
// message (the original error is expected to already have been logged by
// the caller).
func DefaultExceptionMapper(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if asError(err, &fe) {
		return fe
	}
	return New(CodeInternalError, "internal error")
}

func asError(err error, target **Error) bool {
	type errorAs interface{ As(any) bool }
	if fe, ok := err.(*Error); ok {
		*target = fe
		return true
	}
	if x, ok := err.(errorAs); ok {
		return x.As(target)
	}
	return false
}

// FirstHTTPStatus returns the HTTP status for a response: the first error's
// status if any errors are present, else 200.
func FirstHTTPStatus(resp *domain.Response) int {
	if len(resp.Errors) == 0 {
		return http.StatusOK
	}
	return HTTPStatus(Code(resp.Errors[0].Code))
}
