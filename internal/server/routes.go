package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/entitle/internal/auth"
	"github.com/rcourtman/entitle/internal/entitlement"
	"github.com/rcourtman/entitle/internal/registry"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config   *Config
	Registry *registry.EntitlementRegistry
	Service  *entitlement.Service
	Auth     *auth.Authenticator
	Version  string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	requireAuth := deps.Auth.RequireAuth
	requireAdmin := func(next http.Handler) http.Handler {
		return requireAuth(auth.RequireAdmin(next))
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("GET /healthz", HandleHealthz)
	mux.HandleFunc("GET /readyz", HandleReadyz(deps.Registry))

	// Metrics are private by default.
	metricsHandler := promhttp.Handler()
	if deps.Config != nil && deps.Config.PublicMetrics {
		mux.Handle("GET /metrics", metricsHandler)
	} else {
		mux.Handle("GET /metrics", requireAdmin(metricsHandler))
	}

	// Billing endpoints are rate limited per IP: checkout and confirm reach
	// out to the payment gateway.
	billingLimiter := NewRateLimiter(60, time.Minute)

	mux.Handle("GET /api/subscription/status", requireAuth(HandleStatus(deps.Service)))
	mux.Handle("GET /api/subscription/history", requireAuth(HandleHistory(deps.Service)))
	mux.Handle("POST /api/subscription/checkout", billingLimiter.Middleware(requireAuth(HandleCheckout(deps.Service))))
	mux.Handle("POST /api/subscription/confirm", billingLimiter.Middleware(requireAuth(HandleConfirm(deps.Service))))

	// Admin API
	mux.Handle("GET /api/admin/subscriptions", requireAdmin(HandleAdminReport(deps.Service)))
}
