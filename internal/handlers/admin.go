package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gluk-w/claworc/shell-relay/internal/database"
	"github.com/gluk-w/claworc/shell-relay/internal/logging"
)

// GetMetrics returns relay counters.
// GET /api/v1/metrics
func (api *API) GetMetrics(w http.ResponseWriter, r *http.Request) {
	snap := api.Metrics.Snapshot(api.Registry.Count())
	resp := map[string]interface{}{
		"metrics":            snap,
		"active_connections": api.Relay.ActiveConnections(),
	}
	if api.Auditor != nil {
		resp["audit_dropped"] = api.Auditor.Dropped()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListAudit returns stored lifecycle events, newest first.
// GET /api/v1/audit?session_id=&owner=&type=&limit=
func (api *API) ListAudit(w http.ResponseWriter, r *http.Request) {
	if api.Auditor == nil {
		writeError(w, http.StatusNotFound, "Audit trail is disabled")
		return
	}
	q := r.URL.Query()
	f := database.AuditFilter{
		SessionID: q.Get("session_id"),
		Owner:     q.Get("owner"),
		Type:      q.Get("type"),
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		f.Limit = n
	}

	events, err := api.Auditor.Recent(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read audit events")
		return
	}
	if events == nil {
		events = []database.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"logs": content})
}

func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
