package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind is the retry classification of an error.
type Kind string

const (
	// KindTransient errors may succeed on retry (timeouts, 5xx, lock contention).
	KindTransient Kind = "transient"
	// KindTerminal errors never succeed on retry (validation, malformed payload, 4xx).
	KindTerminal Kind = "terminal"
	// KindSecurity errors come from rate limiting or abuse detection.
	KindSecurity Kind = "security"
)

// Sentinels recognised by Classify regardless of wrapping.
var (
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrBadRequest   = errors.New("bad request")
	ErrInvalidState = errors.New("invalid state transition")
)

// Postgres SQLSTATEs that indicate contention rather than a bad statement.
var transientPgCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
	"57014": {}, // query_canceled
	"53300": {}, // too_many_connections
}

type classified struct {
	kind Kind
	err  error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: KindTransient, err: err}
}

// Terminal marks err as non-retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: KindTerminal, err: err}
}

// Terminalf formats a terminal error.
func Terminalf(format string, args ...any) error {
	return Terminal(fmt.Errorf(format, args...))
}

// StatusError is returned by collaborator clients for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// Classify reports the retry classification of err. An explicit marker
// wins; otherwise well-known error shapes are inspected. Unknown errors are
// transient so that a bounded retry budget decides their fate.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}

	if errors.Is(err, ErrRateLimited) {
		return KindSecurity
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode)
	}

	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus != 0 {
		return classifyStatus(appErr.HTTPStatus)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := transientPgCodes[pgErr.Code]; ok {
			return KindTransient
		}
		return KindTerminal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	if errors.Is(err, ErrBadRequest) || errors.Is(err, ErrInvalidState) {
		return KindTerminal
	}

	return KindTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Classify(err) == KindTransient
}

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindTransient
	case code >= 500:
		return KindTransient
	case code == http.StatusRequestTimeout:
		return KindTransient
	case code >= 400:
		return KindTerminal
	default:
		return KindTransient
	}
}
