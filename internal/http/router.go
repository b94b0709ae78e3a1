// Package httpapi wires the HTTP transport (Gin) to the orchestrator,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging, panic recovery, metrics, CORS,
// compression, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/browserfarm/orchestrator/internal/config"
	"github.com/browserfarm/orchestrator/internal/containers"
	"github.com/browserfarm/orchestrator/internal/http/handlers"
	"github.com/browserfarm/orchestrator/internal/http/middleware"
	"github.com/browserfarm/orchestrator/internal/profiles"
	"github.com/browserfarm/orchestrator/internal/upstream"
)

// maxBodyBytes caps request bodies. Base64 image payloads dominate solve
// requests, so the cap is generous compared to a typical JSON API.
const maxBodyBytes int64 = 32 << 20

// Deps carries everything the HTTP surface needs.
type Deps struct {
	DB     *gorm.DB
	Solver handlers.Solver
	Status *containers.StatusCollector
	Locks  *profiles.ProfileLock
	Pool   *upstream.Pool
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine.
//
// Middleware order matters:
//  1. OpenTelemetry (when enabled): trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics and the /metrics endpoint
//  7. Rate limiter (per client IP)
//  8. CORS
//  9. gzip compression
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	if cfg.OTEL.Enabled {
		r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	}

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging
	r.Use(middleware.Logger())

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit
	r.Use(limitBody(maxBodyBytes))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Token-bucket rate limiter per client IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByIP())
	r.Use(rl.Handler())

	// 8) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Request-ID"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Request-ID"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// 9) Compression for the chatty status/report payloads
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	h := handlers.New(deps.DB, deps.Solver, deps.Status, deps.Locks, deps.Pool)

	v1 := r.Group("/v1")
	{
		v1.POST("/solve", h.Solve)

		v1.GET("/status", h.Status)
		v1.GET("/status/all", h.StatusAll)

		// Chat leases; /chat and /chats are aliases kept for older clients.
		v1.POST("/chat/lock", h.LockChat)
		v1.POST("/chat/unlock", h.UnlockChat)
		v1.POST("/chats/lock", h.LockChat)
		v1.POST("/chats/unlock", h.UnlockChat)

		v1.GET("/locks", h.ProfileLocks)

		v1.GET("/profiles/blocked", h.BlockedProfiles)
		v1.POST("/profiles/:id/guest/clear", h.ClearGuestChats)
		v1.POST("/profiles/:id/chats/archive", h.ArchiveProfileChats)

		v1.POST("/containers/:id/enable", h.EnableContainer)
		v1.POST("/containers/:id/disable", h.DisableContainer)

		reports := v1.Group("/reports")
		{
			reports.GET("/containers", h.ReportContainers)
			reports.GET("/profiles", h.ReportProfiles)
			reports.GET("/prompts", h.ReportPrompts)
		}
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
