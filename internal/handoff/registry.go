package handoff

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/handoff-desk/internal/domain"
)

// ParticipantStore persists participants.
type ParticipantStore interface {
	GetParticipant(ctx context.Context, id string) (*domain.Participant, error)
	UpsertParticipant(ctx context.Context, p *domain.Participant) error
	UpdateRole(ctx context.Context, id string, role domain.Role) (bool, error)
	ListParticipantsByRole(ctx context.Context, role domain.Role) ([]string, error)
}

// Registry is the operator registry: participant ID to display name and role.
// Participants are never deleted.
type Registry struct {
	store  ParticipantStore
	logger *slog.Logger
}

// NewRegistry wraps store.
func NewRegistry(store ParticipantStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger}
}

// Upsert inserts or overwrites a participant's display name and role.
func (r *Registry) Upsert(ctx context.Context, id, displayName string, role domain.Role) error {
	if _, err := domain.ParseRole(string(role)); err != nil {
		return fmt.Errorf("upsert participant %s: %w", id, err)
	}
	p := &domain.Participant{ID: id, DisplayName: displayName, Role: role}
	if err := r.store.UpsertParticipant(ctx, p); err != nil {
		return fmt.Errorf("upsert participant %s: %w: %w", id, domain.ErrStorage, err)
	}
	return nil
}

// Ensure registers id as a user on first contact. Known participants keep
// their role; a non-empty display name replaces the stored one.
func (r *Registry) Ensure(ctx context.Context, id, displayName string) (*domain.Participant, error) {
	existing, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if displayName == "" || displayName == existing.DisplayName {
			return existing, nil
		}
		if err := r.Upsert(ctx, id, displayName, existing.Role); err != nil {
			return nil, err
		}
		existing.DisplayName = displayName
		return existing, nil
	}

	if err := r.Upsert(ctx, id, displayName, domain.RoleUser); err != nil {
		return nil, err
	}
	r.logger.Info("Participant registered", "participant_id", id)
	return &domain.Participant{ID: id, DisplayName: displayName, Role: domain.RoleUser}, nil
}

// SetRole changes the role of a known participant. It returns false for
// unknown IDs and never creates one.
func (r *Registry) SetRole(ctx context.Context, id string, role domain.Role) (bool, error) {
	if _, err := domain.ParseRole(string(role)); err != nil {
		return false, fmt.Errorf("set role for %s: %w", id, err)
	}
	ok, err := r.store.UpdateRole(ctx, id, role)
	if err != nil {
		return false, fmt.Errorf("set role for %s: %w: %w", id, domain.ErrStorage, err)
	}
	if ok {
		r.logger.Info("Participant role changed", "participant_id", id, "role", role)
	}
	return ok, nil
}

// ListByRole returns participants holding role in registration order.
func (r *Registry) ListByRole(ctx context.Context, role domain.Role) ([]string, error) {
	ids, err := r.store.ListParticipantsByRole(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("list %s participants: %w: %w", role, domain.ErrStorage, err)
	}
	return ids, nil
}

// Get returns the participant or nil when unknown.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Participant, error) {
	p, err := r.store.GetParticipant(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get participant %s: %w: %w", id, domain.ErrStorage, err)
	}
	return p, nil
}

// IsOperator reports whether id is a registered operator.
func (r *Registry) IsOperator(ctx context.Context, id string) (bool, error) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return p != nil && p.Role.IsOperator(), nil
}
