// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, webhook signature verification, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-form-crm-bridge/internal/amocrm"
	"github.com/tbourn/go-form-crm-bridge/internal/config"
	"github.com/tbourn/go-form-crm-bridge/internal/domain"
	"github.com/tbourn/go-form-crm-bridge/internal/http/handlers"
	"github.com/tbourn/go-form-crm-bridge/internal/http/middleware"
	"github.com/tbourn/go-form-crm-bridge/internal/repo"
	"github.com/tbourn/go-form-crm-bridge/internal/services"
)

// webhookPath is the inbound endpoint registered for the Typeform source.
const webhookPath = "/webhooks/typeform"

// ledgerShim adapts the repository free functions to the
// services.SubmissionLedger interface expected by the ReconcileService. This
// keeps services decoupled from the concrete repo package while reusing
// existing functions.
type ledgerShim struct{}

// FindByToken proxies repo.FindSubmissionByToken.
func (ledgerShim) FindByToken(ctx context.Context, db *gorm.DB, token string) (*domain.Submission, error) {
	return repo.FindSubmissionByToken(ctx, db, token)
}

// FindLatestByFormAndLanding proxies repo.FindLatestByFormAndLanding.
func (ledgerShim) FindLatestByFormAndLanding(ctx context.Context, db *gorm.DB, formID, landingID string) (*domain.Submission, error) {
	return repo.FindLatestByFormAndLanding(ctx, db, formID, landingID)
}

// Upsert proxies repo.UpsertSubmission.
func (ledgerShim) Upsert(ctx context.Context, db *gorm.DB, token string, upd repo.SubmissionUpdate) (*domain.Submission, error) {
	return repo.UpsertSubmission(ctx, db, token, upd)
}

// credentialStore adapts the credential repository to the amocrm.TokenStore
// interface.
type credentialStore struct {
	db *gorm.DB
}

// Get proxies repo.GetCredential.
func (s credentialStore) Get(ctx context.Context, key string) (string, error) {
	return repo.GetCredential(ctx, s.db, key)
}

// Set proxies repo.SetCredential.
func (s credentialStore) Set(ctx context.Context, key, value string) error {
	return repo.SetCredential(ctx, s.db, key, value)
}

// CredentialStore returns an amocrm.TokenStore backed by the credentials
// table, so refreshed OAuth tokens survive restarts.
func CredentialStore(db *gorm.DB) amocrm.TokenStore {
	return credentialStore{db: db}
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), signature
// verification and rate limiting, CORS and security headers, health and
// metrics endpoints, the inbound webhook route, and the versioned admin API.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing (webhook bodies
//     carry emails and phone numbers)
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Rate-limit bypass for the signed webhook route (redelivery bursts)
//  8. Rate limiter (per user/IP, bypass honored)
//  9. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, crm *amocrm.Client, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			middleware.HeaderTypeformSignature,
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Signed deliveries are exempt from rate limiting: the source retries
	// in bursts, and the signature check below still rejects forgeries.
	if cfg.WebhookSecret != "" {
		r.Use(func(c *gin.Context) {
			if c.FullPath() == webhookPath {
				middleware.SetRateBypass(c)
			}
			c.Next()
		})
	}

	// 8) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderTypeformSignature},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
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
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderTypeformSignature},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← repo/db/CRM client
	reconSvc := &services.ReconcileService{
		DB:       db,
		Ledger:   ledgerShim{},
		CRM:      crm,
		FieldMap: cfg.FieldMap,
	}
	subSvc := &services.SubmissionService{DB: db}
	h := handlers.New(reconSvc, subSvc)

	// Inbound webhook (signature-verified when a secret is configured)
	r.POST(webhookPath, middleware.VerifySignature(cfg.WebhookSecret), h.ReceiveWebhook)

	// Admin/audit API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		api.GET("/submissions", h.ListSubmissions)
		api.GET("/submissions/:token", h.GetSubmission)
		api.GET("/stats", h.GetStats)
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

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
