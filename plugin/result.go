package plugin

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode is an open enumeration of well-known handler error codes.
type ErrorCode string

const (
	CodeValidation        ErrorCode = "VALIDATION_ERROR"
	CodeDependencyMissing ErrorCode = "DEPENDENCY_MISSING"
	CodeNotReady          ErrorCode = "NOT_READY"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeInternal          ErrorCode = "INTERNAL"
	CodeInvalidResponse   ErrorCode = "INVALID_RESPONSE"
	CodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	CodeCommunication     ErrorCode = "COMMUNICATION_ERROR"
)

// ErrorInfo is the structured error carried inside a Result.
type ErrorInfo struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retriable bool           `json:"retriable"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result is the structured envelope every handler invocation resolves to.
type Result struct {
	Success bool           `json:"success"`
	Data    any            `json:"data"`
	Message string         `json:"message,omitempty"`
	Err     *ErrorInfo     `json:"error"`
	Time    float64        `json:"time"` // unix seconds
	TraceID string         `json:"trace_id,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// OK builds a success result.
func OK(data any) *Result {
	return &Result{Success: true, Data: data, Time: nowUnix()}
}

// OKMessage builds a success result with a human-readable message.
func OKMessage(data any, msg string) *Result {
	r := OK(data)
	r.Message = msg
	return r
}

// Fail builds a failure result with the given code and message.
func Fail(code ErrorCode, msg string) *Result {
	return &Result{
		Success: false,
		Err:     &ErrorInfo{Code: code, Message: msg},
		Time:    nowUnix(),
	}
}

// FailErr converts any error into a failure result, preserving structured
// codes when err is (or wraps) an *ErrorInfo.
func FailErr(err error) *Result {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return &Result{Success: false, Err: info, Time: nowUnix()}
	}
	return Fail(CodeInternal, err.Error())
}

// WithTrace attaches a trace id.
func (r *Result) WithTrace(traceID string) *Result {
	r.TraceID = traceID
	return r
}

// WithMeta attaches one metadata entry.
func (r *Result) WithMeta(key string, value any) *Result {
	if r.Meta == nil {
		r.Meta = make(map[string]any)
	}
	r.Meta[key] = value
	return r
}

// Retriable marks the embedded error as safe to retry.
func (r *Result) Retriable() *Result {
	if r.Err != nil {
		r.Err.Retriable = true
	}
	return r
}

// NewValidationError builds an invalid-argument error suitable for handlers.
func NewValidationError(msg string) error {
	return &ErrorInfo{Code: CodeValidation, Message: msg}
}

// NewTimeoutError builds a retriable timeout error.
func NewTimeoutError(msg string) error {
	return &ErrorInfo{Code: CodeTimeout, Message: msg, Retriable: true}
}

// NewNotFoundError builds a not-found error.
func NewNotFoundError(msg string) error {
	return &ErrorInfo{Code: CodeNotFound, Message: msg}
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
