// Package middleware provides HTTP middleware for the hand-off desk API.
package middleware

import (
	"net/http"
	"strings"
)

// Headers a browser client may send cross-origin: the console's admin
// secret and the participant identity used by the chat client.
var corsAllowedHeaders = strings.Join([]string{
	"Content-Type",
	AdminSecretHeader,
	"X-Participant-ID",
	"X-Participant-Name",
}, ", ")

// CORS returns middleware that handles CORS headers. "*" echoes any origin
// but never grants credentials.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	explicit := make(map[string]bool, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		explicit[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			if origin != "" && (wildcard || explicit[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
				w.Header().Set("Access-Control-Expose-Headers", "X-Request-Id")
				w.Header().Set("Access-Control-Max-Age", "600")
				if explicit[origin] {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
