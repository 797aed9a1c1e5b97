package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/V4T54L/markov-tower/internal/adapter/api/handler"
	"github.com/V4T54L/markov-tower/internal/adapter/api/middleware"
)

// NewAdminRouter creates and configures the HTTP router for tenant
// administration. /health and /metrics are served without authentication.
func NewAdminRouter(tenants handler.TenantDirectory, banEvents *handler.BanEventBroker, apiKey string, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	adminHandler := handler.NewAdminHandler(tenants, logger)
	auth := middleware.Auth(apiKey, logger)

	mux.HandleFunc("GET /health", adminHandler.HealthCheck)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Bans
	mux.Handle("GET /bans/{tenantID}", auth(http.HandlerFunc(adminHandler.GetBan)))
	mux.Handle("PUT /bans/{tenantID}", auth(http.HandlerFunc(adminHandler.PutBan)))
	mux.Handle("DELETE /bans/{tenantID}", auth(http.HandlerFunc(adminHandler.DeleteBan)))
	mux.Handle("GET /events/bans", auth(banEvents))

	// Tenants
	mux.Handle("DELETE /tenants/{tenantID}", auth(http.HandlerFunc(adminHandler.DeleteTenant)))
	mux.Handle("GET /tenants/{tenantID}/stats", auth(http.HandlerFunc(adminHandler.GetStats)))
	mux.Handle("PATCH /tenants/{tenantID}/config", auth(http.HandlerFunc(adminHandler.PatchConfig)))
	mux.Handle("POST /tenants/{tenantID}/generate", auth(http.HandlerFunc(adminHandler.Generate)))

	// Corpus
	mux.Handle("POST /tenants/{tenantID}/texts", auth(http.HandlerFunc(adminHandler.AddText)))
	mux.Handle("DELETE /tenants/{tenantID}/texts", auth(http.HandlerFunc(adminHandler.DeleteTexts)))
	mux.Handle("PUT /tenants/{tenantID}/texts/{messageID}", auth(http.HandlerFunc(adminHandler.UpdateText)))
	mux.Handle("DELETE /tenants/{tenantID}/texts/{messageID}", auth(http.HandlerFunc(adminHandler.DeleteText)))

	// Tracking
	mux.Handle("POST /tracking/{userID}", auth(http.HandlerFunc(adminHandler.ToggleTracking)))

	return middleware.Logging(logger)(mux)
}
