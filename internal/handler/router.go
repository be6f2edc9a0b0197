// Package handler exposes sessions and attendance marking over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrattend/internal/auth"
	"qrattend/internal/httpmiddleware"
)

// HealthChecker is a dependency reported on /healthz.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// RouterConfig carries the middleware settings.
type RouterConfig struct {
	AllowOrigins    []string
	RateLimitPerMin int
	JWTSigningKey   string
	JWTIssuer       string
	Health          map[string]HealthChecker
}

// NewRouter builds the gin engine with middleware and all routes.
func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(corsConfig(cfg.AllowOrigins)))
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", healthz(cfg.Health))

	limited := httpmiddleware.NewIPLimiter(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware()
	v1 := r.Group("/v1", limited)

	sessions := v1.Group("/sessions")
	sessions.POST("", h.CreateSession)
	sessions.GET("/:id", h.GetSession)
	sessions.GET("/:id/qr", h.CurrentQR)
	sessions.POST("/:id/rotate", h.Rotate)
	sessions.GET("/:id/stream", h.StreamQR)
	sessions.POST("/:id/end", h.EndSession)
	sessions.GET("/:id/attendance", h.SessionAttendance)
	sessions.POST("/:id/attendance", h.MarkManual)
	sessions.GET("/:id/presence", h.Presence)

	bearer := auth.OptionalBearer(cfg.JWTSigningKey, cfg.JWTIssuer)
	v1.POST("/attendance", bearer, h.Mark)
	v1.GET("/scan", bearer, h.Scan)

	v1.GET("/classes/:label/attendance", h.ClassAttendance)

	v1.GET("/attendees", h.ListAttendees)
	v1.GET("/attendees/:ref/attendance", h.AttendeeReport)

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

func healthz(checks map[string]HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		body := gin.H{"status": "ok"}
		for name, check := range checks {
			ok := check.Healthy(ctx)
			body[name] = ok
			if !ok {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}
		c.JSON(status, body)
	}
}
