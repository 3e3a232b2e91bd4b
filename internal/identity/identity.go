// Package identity resolves which participant a request belongs to.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/handoff-desk/internal/domain"
)

const (
	AnonCookieName        = "handoff_anon_id"
	ParticipantHeaderName = "X-Participant-ID"
	NameHeaderName        = "X-Participant-Name"
	anonCookieMaxAge      = 30 * 24 * time.Hour
	maxDisplayNameLen     = 64
)

type contextKey int

const (
	participantIDKey contextKey = iota
	displayNameKey
)

var (
	anonIDPattern        = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	participantIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)
)

// Ensurer registers a participant on first sight.
type Ensurer interface {
	Ensure(ctx context.Context, id, displayName string) (*domain.Participant, error)
}

// ParticipantIDFromContext extracts the participant ID from the request context.
func ParticipantIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(participantIDKey).(string); ok {
		return v
	}
	return ""
}

// DisplayNameFromContext extracts the display name from the request context.
func DisplayNameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(displayNameKey).(string); ok {
		return v
	}
	return ""
}

// WithParticipant returns a context carrying the given identity.
func WithParticipant(ctx context.Context, id, displayName string) context.Context {
	ctx = context.WithValue(ctx, participantIDKey, id)
	return context.WithValue(ctx, displayNameKey, displayName)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func sanitizeDisplayName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if runes := []rune(name); len(runes) > maxDisplayNameLen {
		name = string(runes[:maxDisplayNameLen])
	}
	return name
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

// explicitID returns the participant ID a client asserted, if any. Browsers
// cannot set headers on a WebSocket upgrade, so the query is accepted too.
func explicitID(r *http.Request) (string, bool) {
	id := r.Header.Get(ParticipantHeaderName)
	if id == "" {
		id = r.URL.Query().Get("participant_id")
	}
	id = strings.TrimSpace(id)
	if id == "" || !participantIDPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

func displayNameFromRequest(r *http.Request) string {
	name := r.Header.Get(NameHeaderName)
	if name == "" {
		name = r.URL.Query().Get("name")
	}
	return sanitizeDisplayName(name)
}

// Middleware resolves the participant for each request, falling back to an
// anonymous per-device cookie, and registers them on first sight.
func Middleware(participants Ensurer, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := explicitID(r)
			if !ok {
				anonID, err := getOrCreateAnonID(w, r, isDev)
				if err != nil {
					http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
					return
				}
				id = anonID
			}

			name := displayNameFromRequest(r)
			p, err := participants.Ensure(r.Context(), id, name)
			if err != nil {
				http.Error(w, `{"error":"failed to initialize participant"}`, http.StatusInternalServerError)
				return
			}
			if name == "" && p != nil {
				name = p.DisplayName
			}

			next.ServeHTTP(w, r.WithContext(WithParticipant(r.Context(), id, name)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
