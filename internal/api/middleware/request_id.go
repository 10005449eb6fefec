package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

type (
	requestIDKey struct{}
	principalKey struct{}
)

// principal is the authenticated caller taken from a bearer token.
type principal struct {
	userID string
	roles  []string
}

// RequestID accepts a caller-supplied id or mints a UUIDv7, echoes it in
// the response and puts a request-scoped logger on the context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(RequestIDHeader)
		if rid == "" || len(rid) > 128 {
			id, _ := uuid.NewV7()
			rid = id.String()
		}
		c.Writer.Header().Set(RequestIDHeader, rid)

		ctx := context.WithValue(c.Request.Context(), requestIDKey{}, rid)
		ctx = logger.NewContext(ctx, logger.L().With(
			zap.String("request_id", rid),
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
		))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// GetRequestID returns the id set by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	rid, _ := ctx.Value(requestIDKey{}).(string)
	return rid
}

// SetUserContext records the caller on ctx and tags its logger.
func SetUserContext(ctx context.Context, userID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, principalKey{}, principal{userID: userID, roles: roles})
	return logger.NewContext(ctx, logger.FromContext(ctx).With(zap.String("user_id", userID)))
}

// GetUserID returns the authenticated user id, or "" for anonymous calls.
func GetUserID(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(principal)
	return p.userID
}

// GetRoles returns the roles claim of the authenticated caller.
func GetRoles(ctx context.Context) []string {
	p, _ := ctx.Value(principalKey{}).(principal)
	return p.roles
}
