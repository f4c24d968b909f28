package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/kalambet/medbrief/internal/auth"
)

// OwnerAuth validates the bearer JWT and stores its subject as the request
// owner. Requests without a valid token are rejected with 401.
func OwnerAuth(v *auth.Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			owner, err := v.Validate(strings.TrimSpace(header[len(prefix):]))
			if err != nil {
				slog.Debug("rejected bearer token", "error", err)
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithOwner(r.Context(), owner)))
		})
	}
}

// ownerID returns the authenticated owner, or "" when the request carries none.
func ownerID(r *http.Request) string {
	owner, _ := auth.OwnerFromContext(r.Context())
	return owner
}
