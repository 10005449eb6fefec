package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oapi-codegen/runtime"

	"ledgerwatch.io/ledgerwatch/internal/anomaly"
	"ledgerwatch.io/ledgerwatch/internal/domain"
	"ledgerwatch.io/ledgerwatch/internal/eventstore"
	"ledgerwatch.io/ledgerwatch/internal/metrics"
	apperrors "ledgerwatch.io/ledgerwatch/internal/pkg/errors"
)

const (
	defaultListLimit  = 50
	maxListLimit      = 500
	defaultSeriesSpan = 24 * time.Hour
)

// TimeSeriesParams are the query parameters of the time series endpoint.
type TimeSeriesParams struct {
	Start *time.Time
	End   *time.Time
	// Dim filters rows by dimension, each entry "key:value".
	Dim []string
}

// AnomalyListParams are the query parameters of the anomaly listing.
type AnomalyListParams struct {
	Status   *string
	Severity *string
	Limit    *int
}

func bindQuery(c *gin.Context, name string, dest any) error {
	if err := runtime.BindQueryParameter("form", true, false, name, c.Request.URL.Query(), dest); err != nil {
		return apperrors.Wrap(err, apperrors.CodeInvalidRequest, "invalid query parameter "+name, http.StatusBadRequest)
	}
	return nil
}

func listLimit(limit *int) (int, error) {
	if limit == nil {
		return defaultListLimit, nil
	}
	if *limit < 1 || *limit > maxListLimit {
		return 0, apperrors.BadRequest(apperrors.CodeInvalidRequest, "limit must be between 1 and 500")
	}
	return *limit, nil
}

// GetMetricsSnapshot handles GET /analytics/metrics.
func (s *Server) GetMetricsSnapshot(c *gin.Context) {
	ctx := c.Request.Context()
	summaries, err := s.metrics.Snapshot(ctx, s.windowMinutes)
	if err != nil {
		fail(c, err)
		return
	}
	health, err := s.events.Health(ctx, s.now().UTC())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"generatedAt":   s.now().UTC(),
		"windowMinutes": s.windowMinutes,
		"metrics":       summaries,
		"queue":         health,
	})
}

// GetMetricTimeSeries handles GET /analytics/metrics/{name}/timeseries.
func (s *Server) GetMetricTimeSeries(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.metrics.Definition(name); !ok {
		fail(c, apperrors.NotFound(apperrors.CodeMetricNotFound, "metric "+name+" not found"))
		return
	}

	var params TimeSeriesParams
	for _, p := range []struct {
		name string
		dest any
	}{
		{"start", &params.Start},
		{"end", &params.End},
		{"dim", &params.Dim},
	} {
		if err := bindQuery(c, p.name, p.dest); err != nil {
			fail(c, err)
			return
		}
	}

	end := s.now().UTC()
	if params.End != nil {
		end = params.End.UTC()
	}
	start := end.Add(-defaultSeriesSpan)
	if params.Start != nil {
		start = params.Start.UTC()
	}
	if !start.Before(end) {
		fail(c, apperrors.BadRequest(apperrors.CodeInvalidRequest, "start must be before end"))
		return
	}

	dims, err := parseDims(params.Dim)
	if err != nil {
		fail(c, err)
		return
	}

	rows, err := s.metrics.TimeSeries(c.Request.Context(), name, start, end, dims)
	if err != nil {
		if errors.Is(err, metrics.ErrUnknownMetric) {
			err = apperrors.Wrap(err, apperrors.CodeMetricNotFound, "metric "+name+" not found", http.StatusNotFound)
		}
		fail(c, err)
		return
	}
	if rows == nil {
		rows = []domain.EventMetric{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"name":    name,
		"start":   start,
		"end":     end,
		"points":  rows,
	})
}

func parseDims(pairs []string) (domain.Dimensions, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	dims := make(domain.Dimensions, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, ":")
		if !ok || k == "" {
			return nil, apperrors.BadRequest(apperrors.CodeInvalidRequest, "dim must be key:value")
		}
		dims[k] = v
	}
	return dims, nil
}

// ListAnomalies handles GET /analytics/anomalies.
func (s *Server) ListAnomalies(c *gin.Context) {
	var params AnomalyListParams
	for _, p := range []struct {
		name string
		dest any
	}{
		{"status", &params.Status},
		{"severity", &params.Severity},
		{"limit", &params.Limit},
	} {
		if err := bindQuery(c, p.name, p.dest); err != nil {
			fail(c, err)
			return
		}
	}

	var filter domain.AnomalyFilter
	if params.Status != nil {
		filter.Status = domain.AnomalyStatus(*params.Status)
		if filter.Status != domain.AnomalyActive && filter.Status != domain.AnomalyResolved {
			fail(c, apperrors.BadRequest(apperrors.CodeInvalidRequest, "status must be active or resolved"))
			return
		}
	}
	if params.Severity != nil {
		filter.Severity = domain.Severity(*params.Severity)
		if !filter.Severity.Valid() {
			fail(c, apperrors.BadRequest(apperrors.CodeInvalidRequest, "unknown severity "+*params.Severity))
			return
		}
	}
	limit, err := listLimit(params.Limit)
	if err != nil {
		fail(c, err)
		return
	}
	filter.Limit = limit

	items, counts, err := s.detector.List(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	if items == nil {
		items = []*domain.Anomaly{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"anomalies": items,
		"summary":   counts,
	})
}

// ResolveAnomaly handles POST /analytics/anomalies/{id}/resolve.
func (s *Server) ResolveAnomaly(c *gin.Context) {
	id := c.Param("id")
	notFound := apperrors.NotFound(apperrors.CodeAnomalyNotFound, "anomaly "+id+" not found")
	if !validID(id) {
		fail(c, notFound)
		return
	}
	a, err := s.detector.Resolve(c.Request.Context(), id, actorFromCtx(c))
	switch {
	case errors.Is(err, anomaly.ErrNotFound):
		fail(c, notFound)
		return
	case errors.Is(err, anomaly.ErrNotActive):
		fail(c, apperrors.Conflict(apperrors.CodeAlreadyResolved, "anomaly is already resolved"))
		return
	case err != nil:
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "anomaly": a})
}

// ListDeadEvents handles GET /analytics/events/dead.
func (s *Server) ListDeadEvents(c *gin.Context) {
	var limitParam *int
	if err := bindQuery(c, "limit", &limitParam); err != nil {
		fail(c, err)
		return
	}
	limit, err := listLimit(limitParam)
	if err != nil {
		fail(c, err)
		return
	}
	events, err := eventstore.ListDead(c.Request.Context(), s.events, limit)
	if err != nil {
		fail(c, err)
		return
	}
	if events == nil {
		events = []*domain.WebhookEvent{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(events),
		"events":  events,
	})
}
