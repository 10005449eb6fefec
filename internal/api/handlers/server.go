// Package handlers implements the HTTP API handlers. Routes are registered
// by the app router; handlers never register their own.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"ledgerwatch.io/ledgerwatch/internal/anomaly"
	"ledgerwatch.io/ledgerwatch/internal/api/middleware"
	"ledgerwatch.io/ledgerwatch/internal/eventstore"
	"ledgerwatch.io/ledgerwatch/internal/metrics"
	apperrors "ledgerwatch.io/ledgerwatch/internal/pkg/errors"
	"ledgerwatch.io/ledgerwatch/internal/reconciliation"
	"ledgerwatch.io/ledgerwatch/internal/webhook"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Server holds the dependencies of every handler.
type Server struct {
	receiver      *webhook.Receiver
	reconciler    *reconciliation.Engine
	metrics       *metrics.Engine
	detector      *anomaly.Detector
	events        eventstore.Store
	checks        map[string]HealthCheck
	maxBodyBytes  int64
	windowMinutes int
	now           func() time.Time
}

// ServerDeps holds all dependencies for creating a Server.
// Manual DI, no container.
type ServerDeps struct {
	Receiver   *webhook.Receiver
	Reconciler *reconciliation.Engine
	Metrics    *metrics.Engine
	Detector   *anomaly.Detector
	Events     eventstore.Store
	// Checks are run by the readiness probe, keyed by dependency name.
	Checks map[string]HealthCheck
	// MaxBodyBytes bounds how much of a webhook body is read.
	MaxBodyBytes int64
	// SummaryWindowMinutes is the window of the metrics snapshot.
	SummaryWindowMinutes int
	Clock                func() time.Time
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	s := &Server{
		receiver:      deps.Receiver,
		reconciler:    deps.Reconciler,
		metrics:       deps.Metrics,
		detector:      deps.Detector,
		events:        deps.Events,
		checks:        deps.Checks,
		maxBodyBytes:  deps.MaxBodyBytes,
		windowMinutes: deps.SummaryWindowMinutes,
		now:           deps.Clock,
	}
	if s.windowMinutes <= 0 {
		s.windowMinutes = 60
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// actorFromCtx names the caller for audit fields.
func actorFromCtx(c *gin.Context) string {
	if uid := middleware.GetUserID(c.Request.Context()); uid != "" {
		return uid
	}
	return "anonymous"
}

// validID reports whether id can name a stored row. Ids are UUIDs, so
// anything else cannot exist.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// fail passes err to the error middleware, wrapping errors that are not
// already an *AppError as internal errors.
func fail(c *gin.Context, err error) {
	if _, ok := apperrors.IsAppError(err); !ok {
		err = apperrors.Wrap(err, apperrors.CodeInternal, "An internal error occurred", http.StatusInternalServerError)
	}
	middleware.Fail(c, err)
}
