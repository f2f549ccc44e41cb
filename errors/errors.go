// Package errors defines the structured error used across the control
// plane. Every failure that crosses a package, process, or wire boundary is
// an *AppError carrying a type, a stable code, and optional details; the
// HTTP layer maps types onto status codes and the plugin result envelope
// maps them onto its open error-code enumeration.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// ErrorType classifies an error for handling and HTTP mapping.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeRequired   ErrorType = "required"
	ErrorTypeInvalid    ErrorType = "invalid"

	ErrorTypeNotFound ErrorType = "not_found"
	ErrorTypeConflict ErrorType = "conflict"

	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"

	ErrorTypeRateLimit ErrorType = "rate_limit"
	ErrorTypeTimeout   ErrorType = "timeout"

	// ErrorTypeNotReady covers operations against a plugin that has not
	// reached RUNNING or has already left it.
	ErrorTypeNotReady ErrorType = "not_ready"
	// ErrorTypeCommunication covers broken pipes, dead children, and
	// dropped frames between host and plugin.
	ErrorTypeCommunication ErrorType = "communication"

	ErrorTypeInternal ErrorType = "internal"
	ErrorTypeExternal ErrorType = "external"
	ErrorTypeUnknown  ErrorType = "unknown"
)

// AppError is the structured application error.
type AppError struct {
	Type       ErrorType      `json:"type"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Retriable  bool           `json:"retriable,omitempty"`
	InnerError error          `json:"-"`
	Stack      []string       `json:"-"`
	HTTPStatus int            `json:"-"`
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.InnerError != nil {
		return e.InnerError.Error()
	}
	return string(e.Type)
}

func (e *AppError) Unwrap() error {
	return e.InnerError
}

// Is matches on error type so callers can test categories with errors.Is.
func (e *AppError) Is(target error) bool {
	if targetApp, ok := target.(*AppError); ok {
		return e.Type == targetApp.Type
	}
	return false
}

func (e *AppError) WithMessage(msg string) *AppError {
	e.Message = msg
	return e
}

func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithDetails(details map[string]any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

func (e *AppError) WithHTTPStatus(status int) *AppError {
	e.HTTPStatus = status
	return e
}

func (e *AppError) WithInnerError(err error) *AppError {
	e.InnerError = err
	return e
}

// WithRetriable marks the failure as safe to retry, which the result
// envelope and timeout replies surface to callers.
func (e *AppError) WithRetriable(retriable bool) *AppError {
	e.Retriable = retriable
	return e
}

// WithStack captures the call stack at the point of the call.
func (e *AppError) WithStack() *AppError {
	e.Stack = captureStack(3)
	return e
}

// New creates an AppError; Code defaults to the type name.
func New(errType ErrorType, message string) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Code:    string(errType),
	}
}

// FromError converts any error to an AppError, passing *AppError through
// unchanged.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return &AppError{
		Type:       ErrorTypeUnknown,
		Message:    err.Error(),
		InnerError: err,
	}
}

// Wrap adds a message to an existing error.
func Wrap(err error, message string) *AppError {
	return FromError(err).WithMessage(message)
}

// WrapWithType wraps with an explicit type.
func WrapWithType(err error, errType ErrorType, message string) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		InnerError: err,
		Code:       string(errType),
	}
}

func NewValidation(message string) *AppError {
	return New(ErrorTypeValidation, message).WithHTTPStatus(http.StatusBadRequest)
}

func NewRequired(field string) *AppError {
	return New(ErrorTypeRequired, fmt.Sprintf("%s is required", field)).
		WithDetail("field", field).
		WithHTTPStatus(http.StatusBadRequest)
}

func NewInvalid(field string, value any, reason string) *AppError {
	return New(ErrorTypeInvalid, fmt.Sprintf("invalid value for %s: %v", field, value)).
		WithDetail("field", field).
		WithDetail("value", value).
		WithDetail("reason", reason).
		WithHTTPStatus(http.StatusBadRequest)
}

func NewNotFound(resource string, id any) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource)).
		WithDetail("resource", resource).
		WithDetail("id", id).
		WithHTTPStatus(http.StatusNotFound)
}

func NewConflict(resource string, id any) *AppError {
	return New(ErrorTypeConflict, fmt.Sprintf("%s already exists", resource)).
		WithDetail("resource", resource).
		WithDetail("id", id).
		WithHTTPStatus(http.StatusConflict)
}

func NewUnauthorized(message string) *AppError {
	return New(ErrorTypeUnauthorized, message).WithHTTPStatus(http.StatusUnauthorized)
}

func NewForbidden(message string) *AppError {
	return New(ErrorTypeForbidden, message).WithHTTPStatus(http.StatusForbidden)
}

func NewRateLimit(message string) *AppError {
	return New(ErrorTypeRateLimit, message).WithHTTPStatus(http.StatusTooManyRequests)
}

func NewTimeout(message string) *AppError {
	return New(ErrorTypeTimeout, message).WithHTTPStatus(http.StatusGatewayTimeout)
}

// NewNotReady marks an operation against a plugin outside RUNNING. The
// condition is transient, so it surfaces as 503.
func NewNotReady(pluginID string) *AppError {
	return New(ErrorTypeNotReady, fmt.Sprintf("plugin %s is not ready", pluginID)).
		WithDetail("plugin_id", pluginID).
		WithHTTPStatus(http.StatusServiceUnavailable)
}

// NewCommunication marks a broken host/plugin channel. Communication
// failures are retriable by default and surface as 503.
func NewCommunication(message string) *AppError {
	return New(ErrorTypeCommunication, message).
		WithRetriable(true).
		WithHTTPStatus(http.StatusServiceUnavailable)
}

func NewInternal(message string) *AppError {
	return New(ErrorTypeInternal, message).WithHTTPStatus(http.StatusInternalServerError)
}

func NewExternal(message string) *AppError {
	return New(ErrorTypeExternal, message).WithHTTPStatus(http.StatusBadGateway)
}

// HTTPStatusOf maps any error to an HTTP status. Unknown and untyped
// errors map to 500.
func HTTPStatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	appErr := FromError(err)
	if appErr.HTTPStatus > 0 {
		return appErr.HTTPStatus
	}
	switch appErr.Type {
	case ErrorTypeValidation, ErrorTypeRequired, ErrorTypeInvalid:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case ErrorTypeForbidden:
		return http.StatusForbidden
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeNotReady, ErrorTypeCommunication:
		return http.StatusServiceUnavailable
	case ErrorTypeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsRetriable reports whether the error is safe to retry: explicitly
// marked, or a timeout/rate-limit/communication failure.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	appErr := FromError(err)
	if appErr.Retriable {
		return true
	}
	switch appErr.Type {
	case ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeCommunication:
		return true
	}
	return false
}

// Recover converts a panic in the caller's deferred context to an error.
func Recover() (err error) {
	if r := recover(); r != nil {
		switch v := r.(type) {
		case error:
			err = Wrap(v, "panic recovered")
		case string:
			err = New(ErrorTypeInternal, v)
		default:
			err = New(ErrorTypeInternal, fmt.Sprintf("%v", v))
		}
	}
	return
}

// RecoverWithHandler recovers a panic and hands the structured error,
// stack attached, to the handler.
func RecoverWithHandler(handler func(*AppError)) {
	if r := recover(); r != nil {
		var appErr *AppError
		switch v := r.(type) {
		case error:
			appErr = Wrap(v, "panic recovered")
		case string:
			appErr = New(ErrorTypeInternal, v)
		default:
			appErr = New(ErrorTypeInternal, fmt.Sprintf("%v", v))
		}
		handler(appErr.WithStack())
	}
}

func captureStack(skip int) []string {
	var stack []string
	for i := skip; i < 10; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		funcName := fn.Name()
		if idx := strings.LastIndex(funcName, "/"); idx >= 0 {
			funcName = funcName[idx+1:]
		}
		stack = append(stack, fmt.Sprintf("%s:%d %s", file, line, funcName))
	}
	return stack
}
