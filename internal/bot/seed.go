package bot

import (
	"context"
	"fmt"

	"github.com/ashureev/handoff-desk/internal/domain"
	"github.com/ashureev/handoff-desk/internal/handoff"
)

// SeedOperators registers ids as operators, keeping any stored display name.
func SeedOperators(ctx context.Context, registry *handoff.Registry, ids []string) error {
	for _, id := range ids {
		if _, err := registry.Ensure(ctx, id, ""); err != nil {
			return fmt.Errorf("seed operator %s: %w", id, err)
		}
		if _, err := registry.SetRole(ctx, id, domain.RoleAdmin); err != nil {
			return fmt.Errorf("seed operator %s: %w", id, err)
		}
	}
	return nil
}
