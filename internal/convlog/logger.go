// Package convlog writes conversation transcripts as NDJSON, one file per
// participant and session.
package convlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one transcript line.
type Event struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Channels and directions used by the desk.
const (
	ChannelRelay     = "relay"
	ChannelAssistant = "assistant"

	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Logger accepts transcript events. Implementations must not block callers.
type Logger interface {
	Log(event Event)
	Close() error
}

// Config controls transcript logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// New returns a file-backed logger, or a no-op one when disabled.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	l := &fileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		files:  make(map[string]*os.File),
		done:   make(chan struct{}),
	}
	if cfg.GlobalEnabled && cfg.GlobalPath != "" {
		f, err := openAppend(cfg.GlobalPath)
		if err != nil {
			return nil, fmt.Errorf("open global conversation log: %w", err)
		}
		l.global = f
	}

	go l.run()
	return l, nil
}

// Noop discards every event.
type Noop struct{}

// Log does nothing.
func (Noop) Log(Event) {}

// Close does nothing.
func (Noop) Close() error { return nil }

type fileLogger struct {
	cfg     Config
	logger  *slog.Logger
	queue   chan Event
	files   map[string]*os.File
	global  *os.File
	dropped atomic.Int64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

func (l *fileLogger) Log(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		if n := l.dropped.Add(1); n%100 == 1 {
			l.logger.Warn("Conversation log queue full, dropping events", "dropped_total", n)
		}
	}
}

func (l *fileLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		l.write(event)
	}
	for _, f := range l.files {
		_ = f.Close()
	}
	if l.global != nil {
		_ = l.global.Close()
	}
}

func (l *fileLogger) write(event Event) {
	line, err := json.Marshal(event)
	if err != nil {
		l.logger.Warn("Failed to encode conversation event", "error", err)
		return
	}
	line = append(line, '\n')

	f, err := l.sessionFile(event.UserID, event.SessionID)
	if err != nil {
		l.logger.Warn("Failed to open conversation log", "user_id", event.UserID, "error", err)
	} else if _, err := f.Write(line); err != nil {
		l.logger.Warn("Failed to write conversation log", "user_id", event.UserID, "error", err)
	}

	if l.global != nil {
		if _, err := l.global.Write(line); err != nil {
			l.logger.Warn("Failed to write global conversation log", "error", err)
		}
	}
}

func (l *fileLogger) sessionFile(userID, sessionID string) (*os.File, error) {
	path := filepath.Join(l.cfg.Dir, safeName(userID), safeName(sessionID)+".ndjson")
	if f, ok := l.files[path]; ok {
		return f, nil
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	l.files[path] = f
	return f, nil
}

// Close drains queued events and closes every file.
func (l *fileLogger) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
	<-l.done
	return nil
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._@-]`)

func safeName(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return "unknown"
	}
	return s
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// cleanForReadability strips terminal escapes and control characters.
func cleanForReadability(raw string) string {
	s := ansiEscape.ReplaceAllString(raw, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
