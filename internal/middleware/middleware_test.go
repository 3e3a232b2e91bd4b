package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestAdminSecret(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{"matching secret", "s3cret", "s3cret", http.StatusNoContent},
		{"wrong secret", "s3cret", "guess", http.StatusUnauthorized},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"unset secret", "", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/queue", nil)
			if tt.header != "" {
				req.Header.Set(AdminSecretHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			AdminSecret(tt.secret)(ok).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://desk.example.com"})(ok)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://desk.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://desk.example.com" {
		t.Errorf("Expected origin to be echoed, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Expected credentials for explicit origin, got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://other.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected preflight 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Unexpected allow-origin %q", got)
	}
	if got := rec.Header().Get("Vary"); got != "Origin" {
		t.Errorf("Expected Vary: Origin, got %q", got)
	}
}

func TestCORS_Wildcard(t *testing.T) {
	h := CORS([]string{"*"})(ok)

	req := httptest.NewRequest(http.MethodOptions, "/ws/chat", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Expected origin to be echoed, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("Wildcard must not grant credentials, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-Participant-ID") || !strings.Contains(got, AdminSecretHeader) {
		t.Errorf("Expected chat and console headers, got %q", got)
	}
}
