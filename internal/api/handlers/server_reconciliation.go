package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ledgerwatch.io/ledgerwatch/internal/domain"
	apperrors "ledgerwatch.io/ledgerwatch/internal/pkg/errors"
	"ledgerwatch.io/ledgerwatch/internal/reconciliation"
)

// TriggerReconciliationRequest is the body of POST /reconciliation.
type TriggerReconciliationRequest struct {
	ConfigName string `json:"configName"`
	Period     string `json:"period,omitempty"`
}

// TriggerPremiumRequest is the body of POST /reconciliation/premium.
type TriggerPremiumRequest struct {
	BillingPeriod string `json:"billingPeriod"`
}

// JobResponse wraps a reconciliation job.
type JobResponse struct {
	Success bool                      `json:"success"`
	Created bool                      `json:"created"`
	Job     *domain.ReconciliationJob `json:"job"`
}

// bindOptionalJSON decodes the body into dst. An empty body leaves dst
// zero so that field checks report what is missing.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.Wrap(err, apperrors.CodeInvalidRequest, "request body must be a JSON object", http.StatusBadRequest)
	}
	return nil
}

// TriggerReconciliation handles POST /reconciliation.
func (s *Server) TriggerReconciliation(c *gin.Context) {
	var req TriggerReconciliationRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	if strings.TrimSpace(req.ConfigName) == "" {
		fail(c, apperrors.ErrInvalidRequestField("configName"))
		return
	}

	job, created, err := s.reconciler.Run(c.Request.Context(), reconciliation.RunRequest{
		Scope:       req.ConfigName,
		Period:      req.Period,
		Variant:     domain.VariantStandard,
		TriggeredBy: actorFromCtx(c),
	})
	if err != nil {
		fail(c, reconciliationError(err))
		return
	}
	c.JSON(http.StatusOK, JobResponse{Success: true, Created: created, Job: job})
}

// TriggerPremiumReconciliation handles POST /reconciliation/premium. A new
// job is answered with 201, the in-flight job of the period with 200.
func (s *Server) TriggerPremiumReconciliation(c *gin.Context) {
	var req TriggerPremiumRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		fail(c, err)
		return
	}
	if strings.TrimSpace(req.BillingPeriod) == "" {
		fail(c, apperrors.ErrInvalidRequestField("billingPeriod"))
		return
	}

	job, created, err := s.reconciler.Run(c.Request.Context(), reconciliation.RunRequest{
		Period:      req.BillingPeriod,
		Variant:     domain.VariantPremium,
		TriggeredBy: actorFromCtx(c),
	})
	if err != nil {
		fail(c, reconciliationError(err))
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, JobResponse{Success: true, Created: created, Job: job})
}

// GetReconciliationJob handles GET /reconciliation/jobs/{id}.
func (s *Server) GetReconciliationJob(c *gin.Context) {
	id := c.Param("id")
	if !validID(id) {
		fail(c, apperrors.ErrJobNotFoundf(id))
		return
	}
	job, err := s.reconciler.Job(c.Request.Context(), id)
	if err != nil {
		fail(c, reconciliationError(err))
		return
	}
	c.JSON(http.StatusOK, JobResponse{Success: true, Job: job})
}

// ListJobDiscrepancies handles GET /reconciliation/jobs/{id}/discrepancies.
func (s *Server) ListJobDiscrepancies(c *gin.Context) {
	id := c.Param("id")
	if !validID(id) {
		fail(c, apperrors.ErrJobNotFoundf(id))
		return
	}
	items, err := s.reconciler.Discrepancies(c.Request.Context(), id)
	if err != nil {
		fail(c, reconciliationError(err))
		return
	}
	if items == nil {
		items = []*domain.Discrepancy{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"jobId":         id,
		"count":         len(items),
		"discrepancies": items,
	})
}

// ResolveDiscrepancy handles POST /reconciliation/discrepancies/{id}/resolve.
func (s *Server) ResolveDiscrepancy(c *gin.Context) {
	id := c.Param("id")
	if !validID(id) {
		fail(c, apperrors.NotFound(apperrors.CodeDiscrepancyNotFound, "discrepancy "+id+" not found"))
		return
	}
	d, err := s.reconciler.ResolveDiscrepancy(c.Request.Context(), id, actorFromCtx(c))
	if err != nil {
		fail(c, reconciliationError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "discrepancy": d})
}

func reconciliationError(err error) error {
	switch {
	case errors.Is(err, reconciliation.ErrInvalidRequest):
		return apperrors.Wrap(err, apperrors.CodeInvalidRequest, strings.TrimPrefix(err.Error(), reconciliation.ErrInvalidRequest.Error()+": "), http.StatusBadRequest)
	case errors.Is(err, reconciliation.ErrJobNotFound):
		return apperrors.Wrap(err, apperrors.CodeJobNotFound, "reconciliation job not found", http.StatusNotFound)
	case errors.Is(err, reconciliation.ErrDiscrepancyNotFound):
		return apperrors.Wrap(err, apperrors.CodeDiscrepancyNotFound, "discrepancy not found", http.StatusNotFound)
	case errors.Is(err, reconciliation.ErrAlreadyResolved):
		return apperrors.Wrap(err, apperrors.CodeAlreadyResolved, "discrepancy is already resolved", http.StatusConflict)
	}
	return apperrors.Wrap(err, apperrors.CodeReconcileFailed, "reconciliation failed", http.StatusInternalServerError)
}
