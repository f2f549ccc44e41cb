package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_IsMatchesOnType(t *testing.T) {
	err := NewTimeout("handler exceeded deadline")
	if !errors.Is(err, &AppError{Type: ErrorTypeTimeout}) {
		t.Fatal("errors.Is failed to match timeout type")
	}
	if errors.Is(err, &AppError{Type: ErrorTypeNotFound}) {
		t.Fatal("errors.Is matched the wrong type")
	}
}

func TestFromError_PassesThroughWrapped(t *testing.T) {
	inner := NewNotReady("echo")
	wrapped := fmt.Errorf("trigger failed: %w", inner)

	got := FromError(wrapped)
	if got.Type != ErrorTypeNotReady {
		t.Fatalf("type = %s, want not_ready", got.Type)
	}
	if got.Details["plugin_id"] != "echo" {
		t.Fatal("details lost through wrapping")
	}
}

func TestHTTPStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{NewValidation("bad shape"), http.StatusBadRequest},
		{NewNotFound("run", "r1"), http.StatusNotFound},
		{NewConflict("host", "echo"), http.StatusConflict},
		{NewTimeout("slow"), http.StatusGatewayTimeout},
		{NewRateLimit("full"), http.StatusTooManyRequests},
		{NewForbidden("own plugin only"), http.StatusForbidden},
		// Transient plugin conditions map to 503 so callers know to retry.
		{NewNotReady("echo"), http.StatusServiceUnavailable},
		{NewCommunication("pipe closed"), http.StatusServiceUnavailable},
		{New(ErrorTypeNotReady, "bare"), http.StatusServiceUnavailable},
		{New(ErrorTypeCommunication, "bare"), http.StatusServiceUnavailable},
		{NewExternal("upstream"), http.StatusBadGateway},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatusOf(tc.err); got != tc.want {
			t.Fatalf("HTTPStatusOf(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestIsRetriable(t *testing.T) {
	if !IsRetriable(NewTimeout("slow")) {
		t.Fatal("timeouts should be retriable")
	}
	if !IsRetriable(NewCommunication("pipe closed")) {
		t.Fatal("communication failures should be retriable")
	}
	if IsRetriable(NewValidation("bad shape")) {
		t.Fatal("validation failures are not retriable")
	}
	if !IsRetriable(NewInternal("flaky").WithRetriable(true)) {
		t.Fatal("explicit retriable flag ignored")
	}
}

func TestRecoverWithHandler(t *testing.T) {
	var got *AppError
	func() {
		defer RecoverWithHandler(func(e *AppError) { got = e })
		panic("boom")
	}()

	if got == nil {
		t.Fatal("handler not invoked")
	}
	if got.Message != "boom" {
		t.Fatalf("message = %q", got.Message)
	}
	if len(got.Stack) == 0 {
		t.Fatal("stack not captured")
	}
}
