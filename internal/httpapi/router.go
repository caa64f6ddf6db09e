package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/logging"
)

// HealthCheck reports named dependency states for /healthz.
type HealthCheck func(ctx context.Context) map[string]bool

// Options wires the router to its collaborators.
type Options struct {
	Service        *attendance.Service
	Log            zerolog.Logger
	SigningKey     string
	Issuer         string
	AllowedOrigins []string
	// GlobalLimiter applies per client address to every /v1 route.
	GlobalLimiter httpmiddleware.Limiter
	// TokenLimiter applies per student to token requests.
	TokenLimiter httpmiddleware.Limiter
	Health       HealthCheck
}

// NewRouter builds the API engine.
func NewRouter(opts Options) *gin.Engine {
	h := &handler{svc: opts.Service, log: opts.Log}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.Gin(opts.Log, "/healthz", "/metrics"))
	corsCfg := cors.Config{
		AllowOrigins:     opts.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(corsCfg.AllowOrigins) == 0 {
		corsCfg.AllowOrigins, corsCfg.AllowAllOrigins, corsCfg.AllowCredentials = nil, true, false
	}
	r.Use(cors.New(corsCfg))
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		checks := map[string]bool{}
		if opts.Health != nil {
			checks = opts.Health(c.Request.Context())
		}
		status := http.StatusOK
		for _, ok := range checks {
			if !ok {
				status = http.StatusServiceUnavailable
			}
		}
		c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks})
	})

	v1 := r.Group("/v1", auth.Authenticate(opts.SigningKey, opts.Issuer))
	if opts.GlobalLimiter != nil {
		v1.Use(httpmiddleware.RateLimit(opts.GlobalLimiter, "global", httpmiddleware.ByIP, opts.Log))
	}
	professor := auth.RequireRole(auth.RoleProfessor)
	student := auth.RequireRole(auth.RoleStudent)

	v1.POST("/sessions/:id/code", professor, h.issueCode)
	v1.GET("/sessions/:id/code", professor, h.codeStatus)
	v1.POST("/sessions/:id/attendance", professor, h.markAttendance)
	v1.POST("/sessions/:id/finalize", professor, h.finalize)

	tokenChain := []gin.HandlerFunc{student}
	if opts.TokenLimiter != nil {
		tokenChain = append(tokenChain, httpmiddleware.RateLimit(opts.TokenLimiter, "token_requests", httpmiddleware.BySubject, opts.Log))
	}
	v1.POST("/sessions/:id/tokens", append(tokenChain, h.requestToken)...)

	v1.POST("/attendance/confirm", student, h.confirm)
	v1.GET("/attendance/:id", h.getAttendance)
	v1.POST("/attendance/:id/justification", student, h.submitJustification)
	v1.POST("/attendance/:id/review", professor, h.review)

	return r
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
