package errors

import "net/http"

// Webhook ingestion codes.
const (
	CodeWebhookMalformed        = "WEBHOOK_MALFORMED"
	CodeWebhookSignatureInvalid = "WEBHOOK_SIGNATURE_INVALID"
	CodeWebhookStoreFailed      = "WEBHOOK_STORE_FAILED"
)

// Reconciliation codes.
const (
	CodeJobNotFound         = "JOB_NOT_FOUND"
	CodeDiscrepancyNotFound = "DISCREPANCY_NOT_FOUND"
	CodeReconcileFailed     = "RECONCILIATION_FAILED"
	CodeScopeRequired       = "SCOPE_REQUIRED"
)

// Analytics codes.
const (
	CodeMetricNotFound  = "METRIC_NOT_FOUND"
	CodeAnomalyNotFound = "ANOMALY_NOT_FOUND"
)

// Security codes.
const (
	CodeRateLimited  = "RATE_LIMITED"
	CodeAbuseLockout = "ABUSE_LOCKOUT"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
)

// Validation codes.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeAlreadyResolved  = "ALREADY_RESOLVED"
	CodeInternal         = "INTERNAL_ERROR"
)

// ErrJobNotFoundf creates a reconciliation job not found error.
func ErrJobNotFoundf(jobID string) *AppError {
	return &AppError{
		Code:       CodeJobNotFound,
		Message:    "reconciliation job " + jobID + " not found",
		HTTPStatus: http.StatusNotFound,
	}
}

// ErrInvalidRequestField creates a bad request error for a missing or invalid field.
func ErrInvalidRequestField(fieldName string) *AppError {
	return &AppError{
		Code:       CodeInvalidRequest,
		Message:    fieldName + " is required",
		HTTPStatus: http.StatusBadRequest,
		FieldErrors: []FieldError{
			{Field: fieldName, Code: "REQUIRED"},
		},
	}
}
