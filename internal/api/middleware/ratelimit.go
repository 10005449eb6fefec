package middleware

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "ledgerwatch.io/ledgerwatch/internal/pkg/errors"
	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
	"ledgerwatch.io/ledgerwatch/internal/ratelimit"
)

// Rate limit headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// Limiter decides whether a request may proceed.
type Limiter interface {
	Allow(ctx context.Context, identity, endpoint string) (ratelimit.Result, error)
}

// RateIdentity is the rate-limit identity of the caller: the token subject
// when authenticated, otherwise the client address.
func RateIdentity(c *gin.Context) string {
	if uid := GetUserID(c.Request.Context()); uid != "" {
		return "user:" + uid
	}
	return "ip:" + c.ClientIP()
}

// RateLimit enforces the budget of an endpoint class. Limiter failures let
// the request through.
func RateLimit(l Limiter, endpoint string) gin.HandlerFunc {
	log := logger.Named("ratelimit")
	return func(c *gin.Context) {
		identity := RateIdentity(c)
		res, err := l.Allow(c.Request.Context(), identity, endpoint)
		if err != nil {
			log.Warn("Rate limiter unavailable, allowing request",
				zap.String("identity", identity),
				zap.String("endpoint", endpoint),
				zap.Error(err),
			)
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set(HeaderRateLimitLimit, strconv.Itoa(res.Limit))
		h.Set(HeaderRateLimitRemaining, strconv.Itoa(res.Remaining))
		h.Set(HeaderRateLimitReset, strconv.FormatInt(res.ResetAt.Unix(), 10))

		if res.Allowed {
			c.Next()
			return
		}

		secs := res.RetryAfterSeconds()
		if res.Locked {
			Fail(c, apperrors.TooManyRequests(apperrors.CodeAbuseLockout,
				"too many rate limit violations, temporarily locked out", secs))
			return
		}
		Fail(c, apperrors.TooManyRequests(apperrors.CodeRateLimited, "rate limit exceeded", secs))
	}
}
