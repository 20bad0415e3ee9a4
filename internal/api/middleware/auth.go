package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// BasicAuth rejects requests whose Basic credentials do not match the
// configured pair. Used for vendor webhooks.
func BasicAuth(username, password string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || !constantTimeEqual(user, username) || !constantTimeEqual(pass, password) {
				unauthorized(w, "Hostaway Webhooks")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OptionalAdminAuth protects admin routes with a password when one is set.
// Any username is accepted.
func OptionalAdminAuth(adminPassword string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminPassword == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || !constantTimeEqual(pass, adminPassword) {
				unauthorized(w, "Hostaway Sync Admin")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func unauthorized(w http.ResponseWriter, realm string) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
}
