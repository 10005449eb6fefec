package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppError(t *testing.T) {
	cause := fmt.Errorf("connection reset")

	tests := []struct {
		name       string
		err        *AppError
		wantStatus int
		wantText   string
	}{
		{"not found", NotFound(CodeJobNotFound, "job not found"), http.StatusNotFound, "JOB_NOT_FOUND: job not found"},
		{"bad request", BadRequest(CodeWebhookMalformed, "payload is not JSON"), http.StatusBadRequest, "WEBHOOK_MALFORMED: payload is not JSON"},
		{"unauthorized", Unauthorized(CodeUnauthorized, "missing token"), http.StatusUnauthorized, "UNAUTHORIZED: missing token"},
		{"forbidden", Forbidden(CodeForbidden, "insufficient role"), http.StatusForbidden, "FORBIDDEN: insufficient role"},
		{"conflict", Conflict("DUP", "already exists"), http.StatusConflict, "DUP: already exists"},
		{"wrapped", Wrap(cause, "STORE", "store unavailable", http.StatusServiceUnavailable), http.StatusServiceUnavailable, "STORE: store unavailable: connection reset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.wantStatus, tt.err.HTTPStatus)
			require.Equal(t, tt.wantText, tt.err.Error())
		})
	}
}

func TestAppError_ChainHelpers(t *testing.T) {
	cause := fmt.Errorf("pool exhausted")
	wrapped := fmt.Errorf("ingest: %w", Wrap(cause, "STORE", "store unavailable", http.StatusServiceUnavailable))

	require.ErrorIs(t, wrapped, cause)

	got, ok := IsAppError(wrapped)
	require.True(t, ok)
	require.Equal(t, "STORE", got.Code)

	_, ok = IsAppError(errors.New("plain"))
	require.False(t, ok)
}

func TestTooManyRequests(t *testing.T) {
	err := TooManyRequests(CodeRateLimited, "rate limit exceeded", 42)
	require.Equal(t, http.StatusTooManyRequests, err.HTTPStatus)
	require.Equal(t, 42, err.RetryAfterSeconds)

	require.Zero(t, New("X", "x", http.StatusTooManyRequests).WithRetryAfter(-1).RetryAfterSeconds)
}

func TestWithFieldErrors(t *testing.T) {
	err := BadRequest(CodeValidationFailed, "validation failed").
		WithFieldErrors([]FieldError{{Field: "severity", Code: "INVALID"}}).
		WithFieldErrors(nil).
		WithFieldErrors([]FieldError{{Field: "windowMinutes", Code: "REQUIRED"}})

	require.Len(t, err.FieldErrors, 2)
	require.Equal(t, "windowMinutes", err.FieldErrors[1].Field)

	single := ErrInvalidRequestField("billingPeriod")
	require.Equal(t, http.StatusBadRequest, single.HTTPStatus)
	require.Len(t, single.FieldErrors, 1)
	require.Equal(t, "billingPeriod", single.FieldErrors[0].Field)
}
