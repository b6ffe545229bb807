package admin

import (
	"context"
	"net/http"
	"strings"

	"nitro-bot/internal/repo"
)

type ctxKey int

const ctxClaims ctxKey = iota

// ClaimsFromContext returns the claims set by Authenticate.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxClaims).(*Claims)
	return c, ok
}

// Authenticate accepts a bearer token or a token query parameter.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = strings.TrimSpace(token[7:])
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing credentials")
			return
		}
		claims, err := h.tokens.Parse(token)
		if err != nil {
			h.logger.Warn("admin token rejected", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxClaims, claims)))
	})
}

// RequireOwner limits a route to the owner role.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok || claims.Role != repo.RoleOwner {
			writeError(w, http.StatusForbidden, "owner role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
