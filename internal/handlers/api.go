// Package handlers is the HTTP surface of the relay: the WebSocket
// endpoint, health and the session admin API.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/claworc/shell-relay/internal/audit"
	"github.com/gluk-w/claworc/shell-relay/internal/auth"
	"github.com/gluk-w/claworc/shell-relay/internal/config"
	"github.com/gluk-w/claworc/shell-relay/internal/metrics"
	"github.com/gluk-w/claworc/shell-relay/internal/middleware"
	"github.com/gluk-w/claworc/shell-relay/internal/registry"
	"github.com/gluk-w/claworc/shell-relay/internal/relay"
	"github.com/gluk-w/claworc/shell-relay/internal/shell"
)

// API holds what the handlers serve. Auditor, Metrics, Profiles and
// Launcher are optional.
type API struct {
	Registry   *registry.Registry
	Relay      *relay.Server
	Authorizer auth.Authorizer
	Auditor    *audit.Auditor
	Metrics    *metrics.Collector
	Profiles   config.Profiles
	Launcher   *shell.Launcher
}

// NewRouter builds the chi router:
//
//	GET    /health
//	GET    /ws                                  WebSocket relay
//	GET    /api/v1/profiles
//	GET    /api/v1/sessions                     own sessions (all for admins)
//	GET    /api/v1/sessions/{id}
//	DELETE /api/v1/sessions/{id}
//	GET    /api/v1/sessions/{id}/recording      ?format=cast|json
//	GET    /api/v1/metrics                      admin
//	GET    /api/v1/audit                        admin
//	GET    /api/v1/logs                         admin
//	DELETE /api/v1/logs                         admin
func NewRouter(api *API) http.Handler {
	authz := api.Authorizer
	if authz == nil {
		authz = auth.Disabled{}
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", api.HealthCheck)
	r.Get("/ws", api.Relay.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireAuth(authz))

		r.Get("/profiles", api.ListProfiles)
		r.Get("/sessions", api.ListSessions)
		r.Get("/sessions/{id}", api.GetSession)
		r.Delete("/sessions/{id}", api.DeleteSession)
		r.Get("/sessions/{id}/recording", api.GetRecording)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)

			r.Get("/metrics", api.GetMetrics)
			r.Get("/audit", api.ListAudit)
			r.Get("/logs", GetServerLogs)
			r.Delete("/logs", ClearServerLogs)
		})
	})
	return r
}
