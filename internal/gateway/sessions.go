// Package gateway carries chat traffic between participants and the desk
// over WebSocket connections.
package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const defaultMailboxSize = 50

// SessionManager tracks every open connection of every participant. A
// participant may be connected from several tabs at once.
//
// When the last connection of a participant closes, frames sent to them are
// kept for the grace period and replayed on reconnect.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
	away   map[string]*mailbox

	grace       time.Duration
	mailboxSize int
	now         func() time.Time
	logger      *slog.Logger
}

type mailbox struct {
	since  time.Time
	frames [][]byte
	// owner is the connection replaying the held frames after a reconnect.
	// While it is set, new frames queue behind the backlog.
	owner string
}

// NewSessionManager creates a session manager. A zero grace disables
// mailboxes.
func NewSessionManager(grace time.Duration, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		active:      make(map[string]map[string]*websocket.Conn),
		away:        make(map[string]*mailbox),
		grace:       grace,
		mailboxSize: defaultMailboxSize,
		now:         time.Now,
		logger:      logger,
	}
}

// Register adds a connection and reports whether it is the participant's
// only one. Frames held while they were away are handed to this connection
// through takeBacklog.
func (m *SessionManager) Register(participantID, connID string, conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()

	if _, exists := m.active[participantID]; !exists {
		m.active[participantID] = make(map[string]*websocket.Conn)
	}
	m.active[participantID][connID] = conn
	first := len(m.active[participantID]) == 1

	held := 0
	if box, ok := m.away[participantID]; ok && box.owner == "" {
		if len(box.frames) > 0 && m.withinGrace(box) {
			box.owner = connID
			held = len(box.frames)
		} else {
			delete(m.away, participantID)
		}
	}

	m.logger.Info("Chat connection registered",
		"participant_id", participantID, "conn_id", connID, "backlog", held)
	return first
}

// Unregister removes a connection. It reports whether the participant has
// no connections left.
func (m *SessionManager) Unregister(participantID, connID string, conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()

	conns, ok := m.active[participantID]
	if !ok {
		return false
	}
	if current, exists := conns[connID]; !exists || current != conn {
		return false
	}
	delete(conns, connID)
	m.logger.Info("Chat connection unregistered", "participant_id", participantID, "conn_id", connID)

	if box, ok := m.away[participantID]; ok && box.owner == connID {
		m.dropReplayLocked(participantID, box)
	}
	if len(conns) > 0 {
		return false
	}

	delete(m.active, participantID)
	if m.grace > 0 {
		m.away[participantID] = &mailbox{since: m.now()}
	}
	return true
}

// takeBacklog returns the frames still held for connID to replay. Once the
// backlog is empty the mailbox is removed and live delivery resumes.
func (m *SessionManager) takeBacklog(participantID, connID string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	box, ok := m.away[participantID]
	if !ok || box.owner != connID {
		return nil
	}
	if len(box.frames) == 0 {
		delete(m.away, participantID)
		return nil
	}
	frames := box.frames
	box.frames = nil
	return frames
}

// abandonReplay drops the backlog connID failed to replay.
func (m *SessionManager) abandonReplay(participantID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if box, ok := m.away[participantID]; ok && box.owner == connID {
		m.dropReplayLocked(participantID, box)
	}
}

func (m *SessionManager) dropReplayLocked(participantID string, box *mailbox) {
	delete(m.away, participantID)
	if len(box.frames) > 0 {
		m.logger.Warn("Dropping held frames", "participant_id", participantID, "frames", len(box.frames))
	}
}

// sweepLocked removes mailboxes whose grace period has lapsed.
func (m *SessionManager) sweepLocked() {
	for id, box := range m.away {
		if box.owner == "" && !m.withinGrace(box) {
			delete(m.away, id)
		}
	}
}

// Connected reports whether a participant has at least one open connection.
func (m *SessionManager) Connected(participantID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[participantID]) > 0
}

// Count returns the number of open connections.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, conns := range m.active {
		n += len(conns)
	}
	return n
}

// route decides how a frame reaches participantID. It returns the open
// connections to write to, or held=true when the frame was queued in a
// mailbox instead: either the participant recently went away or a
// reconnecting tab is still replaying older frames.
func (m *SessionManager) route(participantID string, frame []byte) (conns []*websocket.Conn, held bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if box, ok := m.away[participantID]; ok && box.owner != "" {
		if len(box.frames) < m.mailboxSize {
			box.frames = append(box.frames, frame)
			return nil, true
		}
	}
	for _, c := range m.active[participantID] {
		conns = append(conns, c)
	}
	if len(conns) > 0 {
		return conns, false
	}
	return nil, m.holdLocked(participantID, frame)
}

// hold keeps frame for a participant who recently went away. It returns
// false when the participant is unknown, the grace period has lapsed or the
// mailbox is full.
func (m *SessionManager) hold(participantID string, frame []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holdLocked(participantID, frame)
}

func (m *SessionManager) holdLocked(participantID string, frame []byte) bool {
	box, ok := m.away[participantID]
	if !ok {
		return false
	}
	if box.owner == "" && !m.withinGrace(box) {
		delete(m.away, participantID)
		return false
	}
	if len(box.frames) >= m.mailboxSize {
		return false
	}
	box.frames = append(box.frames, frame)
	return true
}

func (m *SessionManager) withinGrace(box *mailbox) bool {
	return m.now().Sub(box.since) < m.grace
}

// CloseParticipant terminates every connection of a participant and drops
// any held frames.
func (m *SessionManager) CloseParticipant(participantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.away, participantID)
	conns, ok := m.active[participantID]
	if !ok {
		return
	}
	for connID, conn := range conns {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		m.logger.Info("Chat connection closed", "participant_id", participantID, "conn_id", connID)
	}
	delete(m.active, participantID)
}
