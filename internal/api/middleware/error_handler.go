// Package middleware provides the gin middleware of the HTTP API.
package middleware

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "ledgerwatch.io/ledgerwatch/internal/pkg/errors"
	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
)

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Success    bool                   `json:"success"`
	Error      string                 `json:"error"`
	Code       string                 `json:"code"`
	RetryAfter int                    `json:"retryAfter,omitempty"`
	Fields     []apperrors.FieldError `json:"fields,omitempty"`
}

// ErrorHandler renders errors attached with c.Error. An *AppError keeps its
// status and code; anything else becomes a generic 500.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err

		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			fields := []zap.Field{
				zap.String("code", appErr.Code),
				zap.String("message", appErr.Message),
				zap.Int("status", appErr.HTTPStatus),
			}
			if appErr.Err != nil {
				fields = append(fields, zap.Error(appErr.Err))
			}
			log := logger.FromContext(c.Request.Context())
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				log.Error("Request error", fields...)
			} else {
				log.Warn("Request error", fields...)
			}
			if appErr.RetryAfterSeconds > 0 {
				c.Header("Retry-After", strconv.Itoa(appErr.RetryAfterSeconds))
			}
			c.JSON(appErr.HTTPStatus, ErrorBody{
				Error:      appErr.Message,
				Code:       appErr.Code,
				RetryAfter: appErr.RetryAfterSeconds,
				Fields:     appErr.FieldErrors,
			})
			return
		}

		logger.FromContext(c.Request.Context()).Error("Unhandled request error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorBody{
			Error: "An internal error occurred",
			Code:  apperrors.CodeInternal,
		})
	}
}

// Fail attaches err for ErrorHandler and stops the chain.
func Fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}
