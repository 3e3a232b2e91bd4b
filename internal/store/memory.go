package store

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/handoff-desk/internal/domain"
)

// MemoryStore keeps everything in process memory. Used for tests and
// single-process deployments that accept losing state on restart.
type MemoryStore struct {
	mu           sync.RWMutex
	participants map[string]domain.Participant
	order        []string
	callstack    *domain.Callstack
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		participants: make(map[string]domain.Participant),
		callstack:    (*domain.Callstack)(nil).Clone(),
	}
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// GetParticipant retrieves a participant by ID.
func (m *MemoryStore) GetParticipant(_ context.Context, id string) (*domain.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// UpsertParticipant creates or overwrites a participant record.
func (m *MemoryStore) UpsertParticipant(_ context.Context, p *domain.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	rec := *p
	rec.UpdatedAt = now
	if existing, ok := m.participants[p.ID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		m.order = append(m.order, p.ID)
	}
	m.participants[p.ID] = rec
	return nil
}

// UpdateRole changes the role of an existing participant.
func (m *MemoryStore) UpdateRole(_ context.Context, id string, role domain.Role) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok {
		return false, nil
	}
	p.Role = role
	p.UpdatedAt = time.Now().UTC()
	m.participants[id] = p
	return true, nil
}

// ListParticipantsByRole returns IDs holding role in registration order.
func (m *MemoryStore) ListParticipantsByRole(_ context.Context, role domain.Role) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []string{}
	for _, id := range m.order {
		if m.participants[id].Role == role {
			out = append(out, id)
		}
	}
	return out, nil
}

// LoadCallstack returns a copy of the stored callstack.
func (m *MemoryStore) LoadCallstack(context.Context) (*domain.Callstack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callstack.Clone(), nil
}

// SaveCallstack stores a copy of cs.
func (m *MemoryStore) SaveCallstack(_ context.Context, cs *domain.Callstack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callstack = cs.Clone()
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
