package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/docker/go-units"
	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/claworc/shell-relay/internal/auth"
	"github.com/gluk-w/claworc/shell-relay/internal/middleware"
	"github.com/gluk-w/claworc/shell-relay/internal/registry"
	"github.com/gluk-w/claworc/shell-relay/internal/relayerr"
	"github.com/gluk-w/claworc/shell-relay/internal/shell"
)

// sessionResponse is the API view of a session.
type sessionResponse struct {
	shell.Info
	Idle              string `json:"idle"`
	ScrollbackBytes   int    `json:"scrollback_bytes"`
	ScrollbackDropped int64  `json:"scrollback_dropped"`
}

func toSessionResponse(s *shell.Session, now time.Time) sessionResponse {
	return sessionResponse{
		Info:              s.Info(),
		Idle:              units.HumanDuration(s.IdleFor(now)),
		ScrollbackBytes:   s.Scrollback.Len(),
		ScrollbackDropped: s.Scrollback.Dropped(),
	}
}

// lookupSession resolves {id} and checks that the caller may see it. It
// writes the error response itself.
func (api *API) lookupSession(w http.ResponseWriter, r *http.Request) (*shell.Session, bool) {
	id := chi.URLParam(r, "id")
	s, ok := api.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return nil, false
	}
	p, _ := middleware.GetPrincipal(r)
	if !auth.CanAttach(p, s.Owner) {
		// Not revealing that the id exists.
		writeError(w, http.StatusNotFound, "Session not found")
		return nil, false
	}
	return s, true
}

// ListSessions returns live sessions, oldest first. Admins see all of them.
// GET /api/v1/sessions
func (api *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.GetPrincipal(r)
	now := time.Now()
	result := make([]sessionResponse, 0)
	for _, s := range api.Registry.List() {
		if auth.CanAttach(p, s.Owner) {
			result = append(result, toSessionResponse(s, now))
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": result})
}

// GET /api/v1/sessions/{id}
func (api *API) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := api.lookupSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(s, time.Now()))
}

// DeleteSession evicts a session and terminates its process.
// DELETE /api/v1/sessions/{id}
func (api *API) DeleteSession(w http.ResponseWriter, r *http.Request) {
	s, ok := api.lookupSession(w, r)
	if !ok {
		return
	}
	if err := api.Registry.Evict(s.ID, registry.ReasonAdmin); err != nil {
		if errors.Is(err, relayerr.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRecording exports the session recording, as asciinema v2 by default.
// GET /api/v1/sessions/{id}/recording?format=cast|json
func (api *API) GetRecording(w http.ResponseWriter, r *http.Request) {
	s, ok := api.lookupSession(w, r)
	if !ok {
		return
	}
	if s.Recording == nil {
		writeError(w, http.StatusNotFound, "Recording is not enabled")
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "cast":
		w.Header().Set("Content-Type", "application/x-asciicast")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", s.ID+".cast"))
		if err := s.Recording.WriteCast(w, s.Spec.Cols, s.Spec.Rows, s.Spec.String()); err != nil {
			// Headers are gone; the client sees a truncated body.
			return
		}
	case "json":
		data, err := s.Recording.ExportJSON()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	default:
		writeError(w, http.StatusBadRequest, "Unknown format: use cast or json")
	}
}

// ListProfiles returns the names of configured command profiles.
// GET /api/v1/profiles
func (api *API) ListProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"profiles": api.Profiles.Names()})
}
