package convlog

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(Config{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Log(Event{
		UserID:     "user-1",
		SessionID:  "user-1-op-1-20260301T100000",
		Channel:    ChannelRelay,
		Direction:  DirectionOutbound,
		EventType:  "relay_message",
		ContentRaw: "hello\x07 there",
	})

	path := filepath.Join(dir, "user-1", "user-1-op-1-20260301T100000.ndjson")
	line := waitForLogLine(t, path)
	var got Event
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.ContentRaw != "hello\x07 there" {
		t.Fatalf("unexpected ContentRaw: %q", got.ContentRaw)
	}
	if got.Content != "hello there" {
		t.Fatalf("expected cleaned content, got %q", got.Content)
	}
	if got.Timestamp == "" {
		t.Fatal("expected timestamp to be populated")
	}
}

func TestLoggerGlobalFileAndClose(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	global := filepath.Join(dir, "all.ndjson")
	logger, err := New(Config{
		Enabled:       true,
		Dir:           dir,
		GlobalEnabled: true,
		GlobalPath:    global,
		QueueSize:     16,
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		logger.Log(Event{UserID: "u", SessionID: "s", EventType: "relay_message", ContentRaw: "m"})
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Logging after close is dropped silently.
	logger.Log(Event{UserID: "u", SessionID: "s"})

	data, err := os.ReadFile(global)
	if err != nil {
		t.Fatalf("read global log: %v", err)
	}
	if n := len(strings.Split(strings.TrimSpace(string(data)), "\n")); n != 3 {
		t.Fatalf("expected 3 lines in global log, got %d", n)
	}
}

func TestSafeNameBlocksTraversal(t *testing.T) {
	t.Parallel()

	if got := safeName("../../etc/passwd"); strings.Contains(got, "/") || strings.HasPrefix(got, ".") {
		t.Fatalf("unsafe name survived: %q", got)
	}
	if got := safeName(""); got != "unknown" {
		t.Fatalf("expected fallback name, got %q", got)
	}
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31merror\x1b[0m plain"
	clean := cleanForReadability(raw)
	if strings.Contains(clean, "\x1b[31m") {
		t.Fatalf("expected ANSI sequence to be stripped: %q", clean)
	}
	if !strings.Contains(clean, "error plain") {
		t.Fatalf("expected readable text to remain: %q", clean)
	}
}

func TestDisabledIsNoop(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := logger.(Noop); !ok {
		t.Fatalf("expected Noop logger, got %T", logger)
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
