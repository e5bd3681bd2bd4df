package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/mstgnz/nativepay/handler"
	"github.com/mstgnz/nativepay/infra/metrics"
	"github.com/mstgnz/nativepay/infra/middle"
	"github.com/mstgnz/nativepay/infra/response"
	v1 "github.com/mstgnz/nativepay/router/v1"
)

// Handlers groups the endpoint handlers the router mounts.
type Handlers struct {
	Payment *handler.PaymentHandler
	Webhook *handler.WebhookHandler
	Health  *handler.HealthHandler
}

// Options configures the middleware stack.
type Options struct {
	APIKey            string
	AllowedOrigins    []string
	WebhookAllowedIPs []string
	RateLimiter       *middle.RateLimiter
	// Metrics is optional; /metrics is only mounted when set.
	Metrics *metrics.Collector
}

// New builds the service router.
func New(h Handlers, opts Options) chi.Router {
	r := chi.NewRouter()

	r.Use(middle.RequestIDMiddleware())
	r.Use(middle.RequestLoggingMiddleware())
	r.Use(middle.PanicRecoveryMiddleware())
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(middle.SecurityHeadersMiddleware())
	r.Use(middle.RequestValidationMiddleware())

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middle.RequestIDHeader},
		ExposedHeaders:   []string{middle.RequestIDHeader, "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health.CheckHealth)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	// Gateway notifications carry their own signature; no API key.
	r.Route("/webhooks", func(r chi.Router) {
		r.Use(middle.IPAllowlistMiddleware(opts.WebhookAllowedIPs))
		r.Post("/wechatpay", h.Webhook.HandleWeChatPay)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(middle.AuthMiddleware(opts.APIKey))
		if opts.RateLimiter != nil {
			r.Use(middle.RateLimitMiddleware(opts.RateLimiter))
		}
		v1.Routes(r, h.Payment)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotFound, "Not Found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "Method Not Allowed", nil)
	})

	return r
}

// Server wraps the router in an http.Server with conservative timeouts.
func Server(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
