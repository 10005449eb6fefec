package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"ledgerwatch.io/ledgerwatch/internal/api/openapi"
	apperrors "ledgerwatch.io/ledgerwatch/internal/pkg/errors"
)

func validatedRouter(t *testing.T) *gin.Engine {
	t.Helper()
	doc, err := openapi.Load()
	require.NoError(t, err)

	router := gin.New()
	router.Use(ErrorHandler(), MustOpenAPIValidator(doc, "/api/v1"))
	ok := func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"success": true}) }
	router.POST("/api/v1/reconciliation/premium", ok)
	router.GET("/api/v1/analytics/anomalies", ok)
	router.GET("/api/v1/internal/debug", ok)
	return router
}

func postJSON(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestOpenAPIValidatorAcceptsValidPremiumRequest(t *testing.T) {
	w := serve(validatedRouter(t), postJSON("/api/v1/reconciliation/premium", `{"billingPeriod":"2026-01"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestOpenAPIValidatorRejectsInvalidPremiumRequest(t *testing.T) {
	router := validatedRouter(t)
	for _, body := range []string{`{}`, `{"billingPeriod":"January"}`} {
		w := serve(router, postJSON("/api/v1/reconciliation/premium", body))
		require.Equal(t, http.StatusBadRequest, w.Code, body)
		require.Equal(t, apperrors.CodeValidationFailed, decodeError(t, w)["code"])
	}
}

func TestOpenAPIValidatorChecksQueryParameters(t *testing.T) {
	router := validatedRouter(t)

	w := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/analytics/anomalies?status=active&severity=high&limit=10", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/analytics/anomalies?severity=apocalyptic", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Fields, 1)
	require.Equal(t, "severity", body.Fields[0].Field)
	require.Equal(t, "INVALID", body.Fields[0].Code)
}

func TestOpenAPIValidatorReportsBodyField(t *testing.T) {
	w := serve(validatedRouter(t), postJSON("/api/v1/reconciliation/premium", `{"billingPeriod":"January"}`))
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Fields, 1)
	require.NotEmpty(t, body.Fields[0].Field)
	require.NotEmpty(t, body.Fields[0].Message)
}

func TestOpenAPIValidatorIgnoresUndocumentedPaths(t *testing.T) {
	w := serve(validatedRouter(t), httptest.NewRequest(http.MethodGet, "/api/v1/internal/debug", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestStripBasePath(t *testing.T) {
	require.Equal(t, "/reconciliation", stripBasePath("/api/v1", "/api/v1/reconciliation"))
	require.Equal(t, "/", stripBasePath("/api/v1", "/api/v1"))
	require.Equal(t, "/other", stripBasePath("/api/v1", "/other"))
	require.Equal(t, "/api/v10/x", stripBasePath("/api/v1", "/api/v10/x"))
	require.Equal(t, "/x", stripBasePath("", "/x"))
	require.Equal(t, "", normalizeBasePath("/"))
	require.Equal(t, "/api/v1", normalizeBasePath("api/v1/"))
}
