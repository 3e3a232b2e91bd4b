package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/handoff-desk/internal/domain"
	"github.com/ashureev/handoff-desk/internal/handoff"
)

// ErrNotConnected means the recipient has no open connection.
var ErrNotConnected = errors.New("participant not connected")

const defaultWriteTimeout = 10 * time.Second

var _ handoff.Messenger = (*Messenger)(nil)

// Messenger delivers desk traffic to every open connection of a participant.
type Messenger struct {
	sessions     *SessionManager
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewMessenger creates a messenger over sessions.
func NewMessenger(sessions *SessionManager, logger *slog.Logger) *Messenger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Messenger{sessions: sessions, writeTimeout: defaultWriteTimeout, logger: logger}
}

// SendText sends a plain message.
func (m *Messenger) SendText(ctx context.Context, to, text string) error {
	return m.deliver(ctx, to, Outbound{Type: FrameText, Text: text})
}

// SendNotification sends a message with an action button and returns its
// reference.
func (m *Messenger) SendNotification(ctx context.Context, to string, n handoff.Notification) (string, error) {
	ref := uuid.NewString()
	action := n.Action
	if err := m.deliver(ctx, to, Outbound{Type: FrameNotification, ID: ref, Text: n.Text, Action: &action}); err != nil {
		return "", err
	}
	return ref, nil
}

// RetractNotification tells the client to remove a notification.
func (m *Messenger) RetractNotification(ctx context.Context, to, ref string) error {
	return m.deliver(ctx, to, Outbound{Type: FrameRetract, ID: ref})
}

// deliver succeeds when at least one connection accepted the frame.
func (m *Messenger) deliver(ctx context.Context, to string, frame Outbound) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frame.Type, err)
	}

	conns, held := m.sessions.route(to, data)
	if held {
		return nil
	}
	if len(conns) == 0 {
		return fmt.Errorf("deliver to %s: %w: %w", to, domain.ErrDeliveryFailure, ErrNotConnected)
	}

	delivered := 0
	var lastErr error
	for _, conn := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, m.writeTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			lastErr = err
			m.logger.Debug("WebSocket write error", "participant_id", to, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("deliver to %s: %w: %w", to, domain.ErrDeliveryFailure, lastErr)
	}
	return nil
}
