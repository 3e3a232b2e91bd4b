// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/handoff-desk/internal/domain"
)

// Repository persists the participant registry and the callstack
// (wait queue plus active dialogs).
type Repository interface {
	// GetParticipant retrieves a participant by ID. Returns nil, nil when absent.
	GetParticipant(ctx context.Context, id string) (*domain.Participant, error)

	// UpsertParticipant creates or overwrites a participant's display name and role.
	// Registry insertion order is kept across overwrites.
	UpsertParticipant(ctx context.Context, p *domain.Participant) error

	// UpdateRole changes the role of an existing participant.
	// Returns false if the participant is unknown; never creates one.
	UpdateRole(ctx context.Context, id string, role domain.Role) (bool, error)

	// ListParticipantsByRole returns IDs with the given role in insertion order.
	ListParticipantsByRole(ctx context.Context, role domain.Role) ([]string, error)

	// LoadCallstack returns the persisted queue and dialogs.
	// A store that has never been written returns an empty callstack.
	LoadCallstack(ctx context.Context) (*domain.Callstack, error)

	// SaveCallstack atomically replaces the persisted queue and dialogs.
	SaveCallstack(ctx context.Context, cs *domain.Callstack) error

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Backend names accepted by New.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	DBPath  string
	Redis   RedisOptions
}

// New opens the configured backend.
func New(ctx context.Context, opts Options) (Repository, error) {
	switch opts.Backend {
	case BackendSQLite, "":
		return NewSQLite(opts.DBPath)
	case BackendRedis:
		return NewRedis(ctx, opts.Redis)
	case BackendMemory:
		slog.Warn("Using in-memory store, state will not survive restarts")
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
