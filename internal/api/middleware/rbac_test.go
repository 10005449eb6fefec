package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRequireRole(t *testing.T) {
	t.Parallel()

	gin.SetMode(gin.TestMode)

	run := func(userID string, held []string, required ...string) (int, bool) {
		called := false
		r := gin.New()
		r.Use(ErrorHandler(), func(c *gin.Context) {
			if userID != "" {
				c.Request = c.Request.WithContext(SetUserContext(c.Request.Context(), userID, held))
			}
			c.Next()
		})
		r.POST("/", RequireRole(required...), func(c *gin.Context) {
			called = true
			c.Status(http.StatusOK)
		})

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
		return w.Code, called
	}

	tests := []struct {
		name     string
		userID   string
		held     []string
		required []string
		want     int
	}{
		{"anonymous rejected", "", nil, []string{"operator"}, http.StatusUnauthorized},
		{"admin bypasses required role", "u1", []string{RoleAdmin}, []string{"operator"}, http.StatusOK},
		{"matching role allowed", "u1", []string{"viewer", "operator"}, []string{"operator"}, http.StatusOK},
		{"any listed role allowed", "u1", []string{"auditor"}, []string{"operator", "auditor"}, http.StatusOK},
		{"missing role forbidden", "u1", []string{"viewer"}, []string{"operator"}, http.StatusForbidden},
		{"no roles claim forbidden", "u1", nil, []string{"operator"}, http.StatusForbidden},
		{"no required roles only needs auth", "u1", nil, nil, http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			status, called := run(tc.userID, tc.held, tc.required...)
			if status != tc.want {
				t.Fatalf("status = %d, want %d", status, tc.want)
			}
			if called != (tc.want == http.StatusOK) {
				t.Fatalf("called = %v for status %d", called, status)
			}
		})
	}
}
