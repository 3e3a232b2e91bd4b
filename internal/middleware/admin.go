package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// AdminSecretHeader carries the operator console secret.
const AdminSecretHeader = "X-Admin-Secret"

// AdminSecret rejects requests that do not present secret. An empty secret
// rejects everything.
func AdminSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(AdminSecretHeader)
			if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				slog.Warn("Admin request rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
