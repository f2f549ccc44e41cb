// Package responder writes the structured result envelope every HTTP
// client of the control plane receives: {success, data, message, error,
// time, trace_id}. Error bodies are derived from the AppError taxonomy so
// handlers return errors instead of picking status codes.
package responder

import (
	"net/http"
	"time"

	apperrors "github.com/nexabus/nexabus/errors"
	"github.com/nexabus/nexabus/http/middleware"
	"github.com/nexabus/nexabus/json"
)

// Envelope is the wire shape of every response.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data"`
	Message string     `json:"message,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
	Time    float64    `json:"time"`
	TraceID string     `json:"trace_id,omitempty"`
	Took    int64      `json:"took_ms,omitempty"`
}

// ErrorBody is the structured error part of the envelope.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retriable bool           `json:"retriable,omitempty"`
}

// Debug widens error messages to include wrapped causes. Off in
// production; toggled by the DEBUG setting at startup.
var Debug bool

func writeJSON(w http.ResponseWriter, status int, env *Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"error":{"code":"internal","message":"encode failed"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func newEnvelope(r *http.Request) *Envelope {
	return &Envelope{
		Time:    float64(time.Now().UnixNano()) / 1e9,
		TraceID: middleware.TraceID(r.Context()),
		Took:    middleware.RequestDuration(r.Context()),
	}
}

// Write sends a success envelope with an explicit status.
func Write(w http.ResponseWriter, r *http.Request, status int, data any) {
	env := newEnvelope(r)
	env.Success = true
	env.Data = data
	writeJSON(w, status, env)
}

// OK sends 200 with data.
func OK(w http.ResponseWriter, r *http.Request, data any) {
	Write(w, r, http.StatusOK, data)
}

// Created sends 201 with data.
func Created(w http.ResponseWriter, r *http.Request, data any) {
	Write(w, r, http.StatusCreated, data)
}

// NoContent sends 204.
func NoContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// Err maps any error onto the envelope. AppError carries its own HTTP
// status, code, and details; everything else becomes a sanitized 500.
func Err(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperrors.FromError(err)
	status := apperrors.HTTPStatusOf(appErr)
	body := &ErrorBody{
		Code:      appErr.Code,
		Message:   appErr.Message,
		Details:   appErr.Details,
		Retriable: appErr.Retriable,
	}
	if status == http.StatusInternalServerError && !Debug {
		body.Message = "internal error"
		body.Details = nil
	} else if Debug && appErr.InnerError != nil {
		if body.Details == nil {
			body.Details = map[string]any{}
		}
		body.Details["cause"] = appErr.InnerError.Error()
	}

	env := newEnvelope(r)
	env.Success = false
	env.Error = body
	env.Message = body.Message
	writeJSON(w, status, env)
}

// ValidationErr sends 400 with field-level details.
func ValidationErr(w http.ResponseWriter, r *http.Request, details any) {
	env := newEnvelope(r)
	env.Success = false
	env.Error = &ErrorBody{
		Code:    "VALIDATION_ERROR",
		Message: "request validation failed",
		Details: map[string]any{"fields": details},
	}
	env.Message = env.Error.Message
	writeJSON(w, http.StatusBadRequest, env)
}
