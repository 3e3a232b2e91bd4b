package handoff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/handoff-desk/internal/domain"
	"github.com/ashureev/handoff-desk/internal/events"
	"github.com/ashureev/handoff-desk/internal/store"
)

var errDiskFull = errors.New("disk full")

// flakyStore is a memory store whose writes can be made to fail.
type flakyStore struct {
	*store.MemoryStore
	failSave atomic.Bool
	failList atomic.Bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: store.NewMemory()}
}

func (f *flakyStore) SaveCallstack(ctx context.Context, cs *domain.Callstack) error {
	if f.failSave.Load() {
		return errDiskFull
	}
	return f.MemoryStore.SaveCallstack(ctx, cs)
}

func (f *flakyStore) ListParticipantsByRole(ctx context.Context, role domain.Role) ([]string, error) {
	if f.failList.Load() {
		return nil, errDiskFull
	}
	return f.MemoryStore.ListParticipantsByRole(ctx, role)
}

type sentNote struct {
	To  string
	Ref string
	N   Notification
}

type fakeMessenger struct {
	mu          sync.Mutex
	texts       map[string][]string
	notes       []sentNote
	retracted   []sentNote
	unreachable map[string]bool
	seq         int
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{texts: map[string][]string{}, unreachable: map[string]bool{}}
}

func (m *fakeMessenger) SendText(_ context.Context, to, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unreachable[to] {
		return fmt.Errorf("send to %s: %w", to, errNotConnected)
	}
	m.texts[to] = append(m.texts[to], text)
	return nil
}

func (m *fakeMessenger) SendNotification(_ context.Context, to string, n Notification) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unreachable[to] {
		return "", fmt.Errorf("notify %s: %w", to, errNotConnected)
	}
	m.seq++
	ref := fmt.Sprintf("n-%d", m.seq)
	m.notes = append(m.notes, sentNote{To: to, Ref: ref, N: n})
	return ref, nil
}

func (m *fakeMessenger) RetractNotification(_ context.Context, to, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retracted = append(m.retracted, sentNote{To: to, Ref: ref})
	return nil
}

func (m *fakeMessenger) setUnreachable(id string, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable[id] = v
}

func (m *fakeMessenger) textsTo(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts[id]...)
}

func (m *fakeMessenger) claimNotesTo(id string) []sentNote {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentNote
	for _, n := range m.notes {
		if n.To == id && n.N.Action.Kind == ActionClaim {
			out = append(out, n)
		}
	}
	return out
}

func (m *fakeMessenger) positionNotesTo(id string) []sentNote {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentNote
	for _, n := range m.notes {
		if n.To == id && n.N.Action.Kind == ActionPosition {
			out = append(out, n)
		}
	}
	return out
}

func (m *fakeMessenger) retractedRefs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, n := range m.retracted {
		out = append(out, n.Ref)
	}
	return out
}

var errNotConnected = errors.New("not connected")

type fakeAssistant struct {
	mu        sync.Mutex
	history   map[string][]domain.StoredMessage
	forgotten []string
}

func (a *fakeAssistant) Transcript(id string) []domain.StoredMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.history[id]
}

func (a *fakeAssistant) Forget(_ context.Context, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forgotten = append(a.forgotten, id)
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, key string, _ events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

type testDesk struct {
	*Desk
	store     *flakyStore
	messenger *fakeMessenger
	assistant *fakeAssistant
	publisher *recordingPublisher
}

func newTestDesk(t *testing.T, configure ...func(*Options)) *testDesk {
	t.Helper()
	repo := newFlakyStore()
	m := newFakeMessenger()
	a := &fakeAssistant{history: map[string][]domain.StoredMessage{}}
	pub := &recordingPublisher{}

	opts := Options{
		Assistant: a,
		Publisher: pub,
		Now:       func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) },
	}
	for _, fn := range configure {
		fn(&opts)
	}

	desk := NewDesk(NewRegistry(repo, nil), NewCallstack(repo, nil, nil), m, opts)
	return &testDesk{Desk: desk, store: repo, messenger: m, assistant: a, publisher: pub}
}

func (td *testDesk) addOperator(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, td.Registry().Upsert(context.Background(), id, "Operator "+id, domain.RoleAdmin))
}

func (td *testDesk) addUser(t *testing.T, id, name string) {
	t.Helper()
	require.NoError(t, td.Registry().Upsert(context.Background(), id, name, domain.RoleUser))
}
