package rest

import (
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/flowcore/orchestrator/internal/infrastructure/logger"
)

// RouterConfig tunes the HTTP surface around the handlers.
type RouterConfig struct {
	Logger          *logger.Logger
	MaxBodySize     int64
	RateLimit       int
	RateLimitWindow time.Duration
	// APIKeys, when non-empty, gates /api/v1 behind X-API-Key. Entries may
	// be plaintext or bcrypt hashes.
	APIKeys []string
	// TracingServiceName enables otelgin span-per-request instrumentation
	// when non-empty.
	TracingServiceName string
}

// NewRouter wires the middleware stack and routes around the handlers.
func NewRouter(h *Handlers, cfg RouterConfig) *gin.Engine {
	router := gin.New()

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	router.Use(NewRecoveryMiddleware(log).Recovery())
	if cfg.TracingServiceName != "" {
		router.Use(otelgin.Middleware(cfg.TracingServiceName))
	}
	router.Use(NewLoggingMiddleware(log).RequestLogger())
	router.Use(gzip.Gzip(gzip.DefaultCompression))
	if cfg.MaxBodySize > 0 {
		router.Use(NewBodySizeMiddleware(log, cfg.MaxBodySize).LimitBodySize())
	}
	if cfg.RateLimit > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		router.Use(NewRateLimiter(cfg.RateLimit, window, window).Middleware())
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	v1.Use(NewAPIKeyMiddleware(cfg.APIKeys).RequireKey())
	{
		graphs := v1.Group("/graphs")
		{
			graphs.POST("", h.SaveGraph)
			graphs.GET("/:id", h.GetGraph)
			graphs.DELETE("/:id", h.DeleteGraph)
		}

		instances := v1.Group("/instances")
		{
			instances.POST("", h.StartInstance)
			instances.GET("/:id", h.GetInstance)
			instances.POST("/:id/suspend", h.SuspendInstance)
			instances.POST("/:id/resume", h.ResumeInstance)
			instances.POST("/:id/cancel", h.CancelInstance)
			instances.GET("/:id/traces", h.ListTraces)
			instances.GET("/:id/traces/latest", h.GetLatestTrace)
		}

		v1.POST("/events", h.SignalEvent)
	}

	return router
}
