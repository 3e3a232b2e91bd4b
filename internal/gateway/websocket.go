package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/handoff-desk/internal/handoff"
	"github.com/ashureev/handoff-desk/internal/identity"
	"github.com/ashureev/handoff-desk/internal/metrics"
)

// Inbound frame types.
const (
	FrameStart     = "start"
	FrameText      = "text"
	FrameClaim     = "claim"
	FramePosition  = "position"
	FrameAuthorize = "authorize"
	FrameCancel    = "cancel"
	FramePing      = "ping"
)

// Outbound-only frame types. FrameText is used both ways.
const (
	FrameNotification = "notification"
	FrameRetract      = "retract"
	FramePong         = "pong"
)

const (
	readLimit         = 64 << 10
	disconnectTimeout = 30 * time.Second
)

// Inbound is a frame sent by a client.
type Inbound struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Target string `json:"target,omitempty"`
	Secret string `json:"secret,omitempty"`
}

// Outbound is a frame sent to a client.
type Outbound struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Text   string          `json:"text,omitempty"`
	Action *handoff.Action `json:"action,omitempty"`
}

// Peer identifies the participant behind a connection.
type Peer struct {
	ID          string
	DisplayName string
}

// EventHandler receives participant events. Calls for one connection are
// sequential.
type EventHandler interface {
	// OnConnect fires when a participant opens their first connection.
	OnConnect(ctx context.Context, p Peer)
	OnStart(ctx context.Context, p Peer)
	OnText(ctx context.Context, p Peer, text string)
	OnClaim(ctx context.Context, p Peer, userID string)
	OnPosition(ctx context.Context, p Peer)
	OnAuthorize(ctx context.Context, p Peer, secret string)
	OnCancel(ctx context.Context, p Peer)
	// OnDisconnect fires when a participant's last connection closes.
	OnDisconnect(ctx context.Context, participantID string)
}

// WebSocketHandler serves the chat endpoint.
type WebSocketHandler struct {
	sessions      *SessionManager
	events        EventHandler
	metrics       *metrics.Collector
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(sessions *SessionManager, events EventHandler, m *metrics.Collector, allowedOrigin string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		sessions:      sessions,
		events:        events,
		metrics:       m,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peer := Peer{
		ID:          identity.ParticipantIDFromContext(r.Context()),
		DisplayName: identity.DisplayNameFromContext(r.Context()),
	}
	if peer.ID == "" {
		http.Error(w, "participant not identified", http.StatusUnauthorized)
		return
	}
	h.logger.Info("WebSocket connection request", "participant_id", peer.ID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "participant_id", peer.ID)
		return
	}
	ws.SetReadLimit(readLimit)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "participant_id", peer.ID)
		}
	}()

	// Event handling outlives the connection so a half-processed claim or
	// relay is not cut short by the sender leaving.
	eventCtx := context.WithoutCancel(r.Context())

	connID := uuid.NewString()
	first := h.sessions.Register(peer.ID, connID, ws)
	h.metrics.ConnectionOpened()
	defer func() {
		h.metrics.ConnectionClosed()
		if last := h.sessions.Unregister(peer.ID, connID, ws); last {
			ctx, cancel := context.WithTimeout(eventCtx, disconnectTimeout)
			defer cancel()
			h.events.OnDisconnect(ctx, peer.ID)
		}
	}()

	if !h.replay(r.Context(), ws, peer.ID, connID) {
		return
	}
	if first {
		h.events.OnConnect(eventCtx, peer)
	}

	h.readLoop(r.Context(), eventCtx, ws, peer)
	h.logger.Info("Chat session ended", "participant_id", peer.ID, "conn_id", connID)
}

// replay writes frames held while the participant was away, including any
// that arrive during the replay, before live delivery to ws resumes.
func (h *WebSocketHandler) replay(ctx context.Context, ws *websocket.Conn, participantID, connID string) bool {
	for {
		frames := h.sessions.takeBacklog(participantID, connID)
		if len(frames) == 0 {
			return true
		}
		for _, frame := range frames {
			if err := ws.Write(ctx, websocket.MessageText, frame); err != nil {
				h.logger.Debug("Failed to replay held frame", "error", err, "participant_id", participantID)
				h.sessions.abandonReplay(participantID, connID)
				return false
			}
		}
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx, eventCtx context.Context, ws *websocket.Conn, peer Peer) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "participant_id", peer.ID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "participant_id", peer.ID)
			}
			return
		}

		var msg Inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			// Bare text is treated as a chat message.
			msg = Inbound{Type: FrameText, Text: string(message)}
		}

		switch msg.Type {
		case FrameStart:
			h.events.OnStart(eventCtx, peer)
		case FrameText:
			if msg.Text != "" {
				h.events.OnText(eventCtx, peer, msg.Text)
			}
		case FrameClaim:
			h.events.OnClaim(eventCtx, peer, msg.Target)
		case FramePosition:
			h.events.OnPosition(eventCtx, peer)
		case FrameAuthorize:
			h.events.OnAuthorize(eventCtx, peer, msg.Secret)
		case FrameCancel:
			h.events.OnCancel(eventCtx, peer)
		case FramePing:
			if err := h.writeJSON(ctx, ws, Outbound{Type: FramePong}); err != nil {
				h.logger.Debug("Failed to send pong", "error", err)
			}
		default:
			h.logger.Debug("Unknown frame type", "type", msg.Type, "participant_id", peer.ID)
		}
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
