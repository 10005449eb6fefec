package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	apperrors "ledgerwatch.io/ledgerwatch/internal/pkg/errors"
	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
	_ = logger.Init("error", "json")
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name       string
		handler    gin.HandlerFunc
		wantStatus int
		wantCode   string
		check      func(t *testing.T, w *httptest.ResponseRecorder, body map[string]any)
	}{
		{
			name:       "no error",
			handler:    func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) },
			wantStatus: http.StatusOK,
		},
		{
			name:       "app error",
			handler:    func(c *gin.Context) { _ = c.Error(apperrors.ErrJobNotFoundf("j-1")) },
			wantStatus: http.StatusNotFound,
			wantCode:   apperrors.CodeJobNotFound,
			check: func(t *testing.T, _ *httptest.ResponseRecorder, body map[string]any) {
				require.Equal(t, false, body["success"])
				require.Equal(t, "reconciliation job j-1 not found", body["error"])
				require.NotContains(t, body, "retryAfter")
				require.NotContains(t, body, "fields")
			},
		},
		{
			name: "retry after",
			handler: func(c *gin.Context) {
				Fail(c, apperrors.TooManyRequests(apperrors.CodeRateLimited, "slow down", 42))
			},
			wantStatus: http.StatusTooManyRequests,
			wantCode:   apperrors.CodeRateLimited,
			check: func(t *testing.T, w *httptest.ResponseRecorder, body map[string]any) {
				require.Equal(t, "42", w.Header().Get("Retry-After"))
				require.EqualValues(t, 42, body["retryAfter"])
			},
		},
		{
			name:       "field errors",
			handler:    func(c *gin.Context) { Fail(c, apperrors.ErrInvalidRequestField("billingPeriod")) },
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.CodeInvalidRequest,
			check: func(t *testing.T, _ *httptest.ResponseRecorder, body map[string]any) {
				fields, ok := body["fields"].([]any)
				require.True(t, ok, body)
				require.Len(t, fields, 1)
				require.Equal(t, "billingPeriod", fields[0].(map[string]any)["field"])
			},
		},
		{
			name:       "plain error is hidden",
			handler:    func(c *gin.Context) { _ = c.Error(fmt.Errorf("pool exhausted")) },
			wantStatus: http.StatusInternalServerError,
			wantCode:   apperrors.CodeInternal,
			check: func(t *testing.T, _ *httptest.ResponseRecorder, body map[string]any) {
				require.NotContains(t, body["error"], "pool")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(ErrorHandler())
			router.GET("/", tt.handler)

			w := serve(router, httptest.NewRequest(http.MethodGet, "/", nil))
			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCode == "" {
				return
			}
			body := decodeError(t, w)
			require.Equal(t, tt.wantCode, body["code"])
			if tt.check != nil {
				tt.check(t, w, body)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, GetRequestID(c.Request.Context()))
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, w.Header().Get(RequestIDHeader))
	require.Equal(t, w.Header().Get(RequestIDHeader), w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	w = serve(router, req)
	require.Equal(t, "abc", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 200))
	w = serve(router, req)
	require.Len(t, w.Body.String(), 36)
}

func TestErrorHandler_LogsWithRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		scoped := zap.New(core).With(zap.String("request_id", "req-7"))
		c.Request = c.Request.WithContext(logger.NewContext(c.Request.Context(), scoped))
	}, ErrorHandler())
	router.GET("/", func(c *gin.Context) {
		Fail(c, apperrors.Forbidden(apperrors.CodeForbidden, "insufficient role"))
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusForbidden, w.Code)

	entries := logs.FilterMessage("Request error").All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
	require.Equal(t, "req-7", entries[0].ContextMap()["request_id"])
	require.Equal(t, apperrors.CodeForbidden, entries[0].ContextMap()["code"])
}
