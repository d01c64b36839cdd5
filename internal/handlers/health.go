package handlers

import (
	"net/http"

	"github.com/gluk-w/claworc/shell-relay/internal/database"
)

func (api *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disabled"
	if database.DB != nil {
		dbStatus = "disconnected"
		if sqlDB, err := database.DB.DB(); err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus == "disconnected" {
		status = "degraded"
	}

	var backends []string
	if api.Launcher != nil {
		backends = api.Launcher.Backends()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"database":    dbStatus,
		"sessions":    api.Registry.Count(),
		"connections": api.Relay.ActiveConnections(),
		"backends":    backends,
	})
}
