// Package api assembles the HTTP surface: health probes, metrics, the vendor
// webhook receiver and the admin account routes.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pysugar/hostaway-sync/internal/api/handlers"
	"github.com/pysugar/hostaway-sync/internal/api/middleware"
	"github.com/pysugar/hostaway-sync/internal/upstream"
	"go.uber.org/zap"
)

// Options configures the router.
type Options struct {
	WebhookUsername string
	WebhookPassword string
	AdminPassword   string
	AllowedOrigins  []string
}

// Deps are the services behind the routes.
type Deps struct {
	DB       handlers.Pinger
	Gatherer prometheus.Gatherer
	Webhook  handlers.WebhookDeps
	Accounts handlers.AccountDeps
	Log      *zap.Logger
}

// NewRouter builds the chi router.
func NewRouter(opts Options, deps Deps) http.Handler {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Webhook.Log == nil {
		deps.Webhook.Log = log
	}
	if deps.Accounts.Log == nil {
		deps.Accounts.Log = log
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID(log))
	r.Use(middleware.AccessLog(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(opts.AllowedOrigins))

	r.Get("/health", handlers.HealthHandler())
	r.Get("/ready", handlers.ReadyHandler(deps.DB, log))
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.With(middleware.BasicAuth(opts.WebhookUsername, opts.WebhookPassword)).
		Post(upstream.WebhookPath, handlers.WebhookHandler(deps.Webhook))

	r.Route("/hostaway/accounts", func(r chi.Router) {
		r.Use(middleware.OptionalAdminAuth(opts.AdminPassword))
		r.Post("/", handlers.CreateAccountHandler(deps.Accounts))
		r.Get("/{id}", handlers.GetAccountHandler(deps.Accounts))
		r.Patch("/{id}", handlers.UpdateAccountHandler(deps.Accounts))
		r.Delete("/{id}", handlers.DeleteAccountHandler(deps.Accounts))
		r.Post("/{id}/sync", handlers.TriggerSyncHandler(deps.Accounts))
	})

	return r
}
