package handoff

import (
	"fmt"
	"slices"
	"time"

	"github.com/ashureev/handoff-desk/internal/domain"
)

// DialogTable holds the active dialogs. No participant appears in more than
// one dialog. Not safe for concurrent use; Callstack guards it.
type DialogTable struct {
	dialogs []domain.Dialog
}

// NewDialogTable returns an empty table.
func NewDialogTable() *DialogTable {
	return &DialogTable{}
}

// Create opens a dialog between userID and operatorID. It fails with
// domain.ErrAlreadyInDialog when either side is already paired or both IDs
// are the same participant.
func (t *DialogTable) Create(userID, operatorID string, start time.Time) error {
	if userID == operatorID {
		return fmt.Errorf("pair %s with itself: %w", userID, domain.ErrAlreadyInDialog)
	}
	for _, id := range []string{userID, operatorID} {
		if _, ok := t.Find(id); ok {
			return fmt.Errorf("participant %s: %w", id, domain.ErrAlreadyInDialog)
		}
	}
	t.dialogs = append(t.dialogs, domain.Dialog{
		UserID:     userID,
		OperatorID: operatorID,
		StartTime:  start.UTC(),
	})
	return nil
}

// Find returns the dialog containing id in either role.
func (t *DialogTable) Find(id string) (domain.Dialog, bool) {
	i := t.index(id)
	if i < 0 {
		return domain.Dialog{}, false
	}
	return t.dialogs[i], true
}

// PartnerOf returns the other side of id's dialog.
func (t *DialogTable) PartnerOf(id string) (string, bool) {
	d, ok := t.Find(id)
	if !ok {
		return "", false
	}
	return d.Partner(id)
}

// End removes the dialog containing id, whichever side id is on.
func (t *DialogTable) End(id string) (domain.Dialog, bool) {
	i := t.index(id)
	if i < 0 {
		return domain.Dialog{}, false
	}
	d := t.dialogs[i]
	t.dialogs = slices.Delete(t.dialogs, i, i+1)
	return d, true
}

// List returns the dialogs in creation order.
func (t *DialogTable) List() []domain.Dialog {
	return slices.Clone(t.dialogs)
}

// Len returns the number of active dialogs.
func (t *DialogTable) Len() int {
	return len(t.dialogs)
}

func (t *DialogTable) index(id string) int {
	return slices.IndexFunc(t.dialogs, func(d domain.Dialog) bool { return d.Has(id) })
}

func (t *DialogTable) clone() *DialogTable {
	return &DialogTable{dialogs: slices.Clone(t.dialogs)}
}
