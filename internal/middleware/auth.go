package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gluk-w/claworc/shell-relay/internal/auth"
)

type contextKey string

const principalContextKey contextKey = "principal"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireAuth authenticates the bearer token and stores the principal in
// the request context.
func RequireAuth(authz auth.Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := authz.Authorize(r.Context(), auth.BearerToken(r))
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}
			ctx := context.WithValue(r.Context(), principalContextKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects principals without the admin flag. It must run
// after RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := GetPrincipal(r)
		if !ok || !p.Admin {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Admin access required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetPrincipal returns the principal stored by RequireAuth.
func GetPrincipal(r *http.Request) (auth.Principal, bool) {
	p, ok := r.Context().Value(principalContextKey).(auth.Principal)
	return p, ok
}
