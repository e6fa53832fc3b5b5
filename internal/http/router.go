// Package httpapi wires the HTTP transport (Gin) to the binding, relay and
// batch services. It owns the cross-cutting concerns: tracing, correlation
// ids, caller identity, redacted logging, panic recovery, metrics,
// compression, idempotency, rate limiting, CORS and security headers.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/stickerhub/internal/config"
	"github.com/tbourn/stickerhub/internal/http/handlers"
	"github.com/tbourn/stickerhub/internal/http/middleware"
	"github.com/tbourn/stickerhub/internal/repo"
)

// multipartOverhead is the body allowance on top of the upload cap for
// multipart framing and the small form fields.
const multipartOverhead = 1 << 20

var corsHeaders = []string{
	"Origin", "Content-Type", "Accept", "Authorization",
	middleware.HeaderUserID, middleware.HeaderPlatform, middleware.HeaderIdempotencyKey,
	"If-None-Match",
}

// RegisterRoutes attaches all middleware and endpoints to r and mounts the
// API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry
//  2. RequestID, then Identity and the request-scoped logger
//  3. RedactingLogger
//  4. Recovery, after the logger so panics carry request fields
//  5. Body size limiter
//  6. Metrics
//  7. Idempotency validator (before the rate limiter so replays bypass it)
//  8. Rate limiter (per account, else per IP)
//  9. CORS, security headers and gzip
func RegisterRoutes(r *gin.Engine, cfg config.Config, deps handlers.Deps) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	r.Use(middleware.RequestID())
	r.Use(middleware.Identity(middleware.DefaultPlatform))
	r.Use(middleware.ContextLogger())

	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))

	r.Use(middleware.Recovery())

	r.Use(limitBody(cfg.MaxUploadBytes + multipartOverhead))

	r.Use(middleware.Metrics("/metrics"))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, idempotencyLookup(deps.DB)))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByAccountOrIP())
	r.Use(rl.Handler())

	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even without an Origin header.
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", "Idempotency-Replayed"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag", "Idempotency-Replayed"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	apiBase := cfg.APIBasePath
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:      cfg.Security.EnableHSTS,
		HSTSMaxAge:      cfg.Security.HSTSMaxAge,
		NoStorePrefixes: []string{joinPath(apiBase, "/status/"), joinPath(apiBase, "/archives")},
		EnablePolicy:    true,
	}))

	// Archives are already deflated.
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{joinPath(apiBase, "/archives")})))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = cfg.MaxUploadBytes
	}
	if deps.IdempotencyTTL <= 0 {
		deps.IdempotencyTTL = cfg.IdempotencyTTL
	}
	h := handlers.New(deps)

	api := groupWithPrefix(r, apiBase)
	{
		// Binding
		api.POST("/bind", h.Bind)
		api.POST("/bind/webhook", h.BindWebhook)
		api.GET("/targets", h.Targets)

		// Relay
		api.POST("/assets", h.UploadAsset)

		// Batches
		api.POST("/batches/offers", h.CreateOffer)
		api.POST("/batches/offers/:token/confirm", h.ConfirmOffer)
		api.POST("/batches/tasks/:id/cancel", h.CancelTask)
		api.GET("/batches/tasks", h.ListTasks)
		api.GET("/status/:ref", h.GetStatus)
		api.GET("/archives", h.ListArchives)
		api.GET("/archives/:name", h.DownloadArchive)
	}
}

// idempotencyLookup answers the validator from the relay idempotency table.
func idempotencyLookup(db *gorm.DB) middleware.IdempotencyLookup {
	if db == nil {
		return nil
	}
	return func(ctx context.Context, requesterID, scope, key string, now time.Time) (bool, error) {
		_, err := repo.GetIdempotency(ctx, db, requesterID, scope, key, now)
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}
}

// limitBody caps request bodies at maxBytes with http.MaxBytesReader;
// reads past the cap fail.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

func joinPath(base, p string) string {
	if base == "/" {
		return p
	}
	return base + p
}
