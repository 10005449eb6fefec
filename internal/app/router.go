package app

import (
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ledgerwatch.io/ledgerwatch/internal/api/handlers"
	"ledgerwatch.io/ledgerwatch/internal/api/middleware"
	"ledgerwatch.io/ledgerwatch/internal/config"
	"ledgerwatch.io/ledgerwatch/internal/pkg/logger"
	"ledgerwatch.io/ledgerwatch/internal/ratelimit"
)

const apiBasePath = "/api/v1"

// defaultAllowedOrigins is the CORS allowlist when none is configured.
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
}

// routerDeps are the router-level collaborators that are not handlers.
type routerDeps struct {
	JWT     middleware.JWTConfig
	Limiter middleware.Limiter
	// Contract enables request validation when non-nil.
	Contract *openapi3.T
}

func newRouter(cfg *config.Config, server *handlers.Server, deps routerDeps) *gin.Engine {
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		logger.Warn("Invalid trusted proxies; trusting none", zap.Error(err))
		_ = router.SetTrustedProxies(nil)
	}
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())
	router.Use(cors.New(buildCORSConfig(cfg)))
	router.Use(middleware.Authenticate(deps.JWT))

	router.GET("/health/live", server.GetLiveness)
	router.GET("/health/ready", server.GetReadiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := router.Group("/admin", middleware.RequireRole(middleware.RoleAdmin))
	admin.GET("/log-level", gin.WrapH(logger.Level()))
	admin.PUT("/log-level", gin.WrapH(logger.Level()))

	var validate []gin.HandlerFunc
	if deps.Contract != nil {
		validate = append(validate, middleware.MustOpenAPIValidator(deps.Contract, apiBasePath))
	}

	var resolveGuard []gin.HandlerFunc
	if len(cfg.Security.ResolverRoles) > 0 {
		resolveGuard = append(resolveGuard, middleware.RequireRole(cfg.Security.ResolverRoles...))
	}

	v1 := router.Group(apiBasePath)

	webhooks := v1.Group("/webhooks", middleware.RateLimit(deps.Limiter, ratelimit.EndpointWebhook))
	webhooks.POST("/payments", server.ReceivePaymentWebhook)

	// Premium runs are authenticated before they spend budget.
	premium := v1.Group("/reconciliation/premium", middleware.RequireAuth(), middleware.RateLimit(deps.Limiter, ratelimit.EndpointPremium))
	premium.Use(validate...)
	premium.POST("", server.TriggerPremiumReconciliation)

	// Only triggering a run spends the reconciliation budget; polling a job
	// and resolving its findings are reads on the analytics budget.
	readLimit := middleware.RateLimit(deps.Limiter, ratelimit.EndpointAnalytics)

	recon := v1.Group("/reconciliation")
	recon.Use(validate...)
	recon.POST("", middleware.RateLimit(deps.Limiter, ratelimit.EndpointReconciliation), server.TriggerReconciliation)
	recon.GET("/jobs/:id", readLimit, server.GetReconciliationJob)
	recon.GET("/jobs/:id/discrepancies", readLimit, server.ListJobDiscrepancies)
	recon.POST("/discrepancies/:id/resolve", append([]gin.HandlerFunc{readLimit}, append(resolveGuard, server.ResolveDiscrepancy)...)...)

	analytics := v1.Group("/analytics", readLimit)
	analytics.Use(validate...)
	analytics.GET("/metrics", server.GetMetricsSnapshot)
	analytics.GET("/metrics/:name/timeseries", server.GetMetricTimeSeries)
	analytics.GET("/anomalies", server.ListAnomalies)
	analytics.POST("/anomalies/:id/resolve", append(resolveGuard, server.ResolveAnomaly)...)
	analytics.GET("/events/dead", server.ListDeadEvents)

	return router
}

// buildCORSConfig derives the CORS policy. A wildcard origin is honored
// only with UnsafeAllowAllOrigins, and then never with credentials.
func buildCORSConfig(cfg *config.Config) cors.Config {
	c := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader, handlers.SignatureHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader, middleware.HeaderRateLimitLimit, middleware.HeaderRateLimitRemaining, middleware.HeaderRateLimitReset, middleware.HeaderRetryAfter},
		AllowCredentials: cfg.Server.AllowCredentials,
		MaxAge:           12 * time.Hour,
	}

	if cfg.Server.UnsafeAllowAllOrigins {
		c.AllowAllOrigins = true
		c.AllowCredentials = false
		return c
	}

	origins := make([]string, 0, len(cfg.Server.AllowedOrigins))
	for _, o := range cfg.Server.AllowedOrigins {
		o = strings.TrimSpace(o)
		if o == "" || o == "*" {
			continue
		}
		origins = append(origins, o)
	}
	if len(origins) == 0 {
		origins = append(origins, defaultAllowedOrigins...)
	}
	c.AllowOrigins = origins
	return c
}
