// Package httptransport assembles the HTTP surface: consent API, operator
// API, health probes, and Prometheus metrics, each behind the right
// middleware stack.
package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"consentry/internal/admin"
	"consentry/internal/consent/handler"
	"consentry/internal/platform/config"
	"consentry/internal/platform/health"
	"consentry/internal/platform/middleware"
)

// NewRouter wires all endpoints with middleware. The consent API accepts a
// subject bearer token or the operator token; the operator API requires the
// operator token; probes and metrics are unauthenticated.
func NewRouter(
	cfg config.Server,
	consentHandler *handler.Handler,
	adminHandler *admin.Handler,
	healthHandler *health.Handler,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	healthHandler.Register(r)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.SubjectOrOperator(cfg.JWTSigningKey, cfg.AdminTokenHash, logger))
		r.Use(middleware.ContentTypeJSON)
		consentHandler.Register(r)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg.AdminTokenHash, logger))
		r.Use(middleware.ContentTypeJSON)
		adminHandler.Register(r)
	})

	return r
}
