package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/handoff-desk/internal/domain"
	"github.com/ashureev/handoff-desk/internal/metrics"
)

// CallstackStore persists the queue and dialogs as one document.
type CallstackStore interface {
	LoadCallstack(ctx context.Context) (*domain.Callstack, error)
	SaveCallstack(ctx context.Context, cs *domain.Callstack) error
}

// Callstack is the process-wide owner of the wait queue and the dialog table.
// Each mutation runs on a copy, is persisted, and only then replaces the
// live state, so a failed write leaves memory as it was.
type Callstack struct {
	mu      sync.RWMutex
	queue   *WaitQueue
	dialogs *DialogTable

	store   CallstackStore
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewCallstack returns an empty callstack backed by store.
func NewCallstack(store CallstackStore, m *metrics.Collector, logger *slog.Logger) *Callstack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Callstack{
		queue:   NewWaitQueue(),
		dialogs: NewDialogTable(),
		store:   store,
		metrics: m,
		logger:  logger,
	}
}

// Load replaces the in-memory state with the persisted one. Entries that
// would break the one-dialog-per-participant rule are dropped and logged.
func (c *Callstack) Load(ctx context.Context) error {
	cs, err := c.store.LoadCallstack(ctx)
	if err != nil {
		c.metrics.RecordStorageError("load_callstack")
		return fmt.Errorf("load callstack: %w: %w", domain.ErrStorage, err)
	}

	dialogs := NewDialogTable()
	for _, d := range cs.Dialogs {
		if err := dialogs.Create(d.UserID, d.OperatorID, d.StartTime); err != nil {
			c.logger.Error("Dropping conflicting persisted dialog",
				"user_id", d.UserID, "operator_id", d.OperatorID, "error", err)
		}
	}
	queue := NewWaitQueue()
	for _, id := range cs.Queue {
		if _, busy := dialogs.Find(id); busy {
			c.logger.Warn("Dropping queued participant already in a dialog", "user_id", id)
			continue
		}
		queue.Enqueue(id)
	}

	c.mu.Lock()
	c.queue, c.dialogs = queue, dialogs
	c.observeLocked()
	c.mu.Unlock()

	c.logger.Info("Callstack loaded", "queued", queue.Len(), "dialogs", dialogs.Len())
	return nil
}

// Flush writes the current state to the store.
func (c *Callstack) Flush(ctx context.Context) error {
	c.mu.RLock()
	snap := snapshot(c.queue, c.dialogs)
	c.mu.RUnlock()

	if err := c.store.SaveCallstack(ctx, snap); err != nil {
		c.metrics.RecordStorageError("flush_callstack")
		return fmt.Errorf("flush callstack: %w: %w", domain.ErrStorage, err)
	}
	return nil
}

// Snapshot returns a copy of the current state.
func (c *Callstack) Snapshot() *domain.Callstack {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return snapshot(c.queue, c.dialogs)
}

// Enqueue adds id to the wait queue if absent and returns its position and
// whether it was newly added.
func (c *Callstack) Enqueue(ctx context.Context, id string) (int, bool, error) {
	var pos int
	var added bool
	err := c.mutate(ctx, "enqueue", func(q *WaitQueue, d *DialogTable) (bool, error) {
		if _, busy := d.Find(id); busy {
			return false, fmt.Errorf("enqueue %s: %w", id, domain.ErrAlreadyInDialog)
		}
		pos, added = q.Enqueue(id)
		return added, nil
	})
	if err != nil {
		return 0, false, err
	}
	return pos, added, nil
}

// PositionOf returns id's 1-based queue position.
func (c *Callstack) PositionOf(id string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queue.PositionOf(id)
}

// Remove takes id out of the wait queue.
func (c *Callstack) Remove(ctx context.Context, id string) (bool, error) {
	var removed bool
	err := c.mutate(ctx, "remove", func(q *WaitQueue, _ *DialogTable) (bool, error) {
		removed = q.Remove(id)
		return removed, nil
	})
	return removed, err
}

// Head returns the longest-waiting participant without removing them.
func (c *Callstack) Head() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.queue.IDs()
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// PartnerOf returns the other side of id's dialog.
func (c *Callstack) PartnerOf(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dialogs.PartnerOf(id)
}

// FindDialog returns the dialog containing id.
func (c *Callstack) FindDialog(id string) (domain.Dialog, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dialogs.Find(id)
}

// Transfer moves userID from the queue into a new dialog with operatorID in
// one persisted step. It re-checks that the operator is free and the user is
// still queued.
func (c *Callstack) Transfer(ctx context.Context, userID, operatorID string, now time.Time) (domain.Dialog, error) {
	var created domain.Dialog
	err := c.mutate(ctx, "transfer", func(q *WaitQueue, d *DialogTable) (bool, error) {
		if _, busy := d.Find(operatorID); busy {
			return false, fmt.Errorf("operator %s: %w", operatorID, domain.ErrOperatorBusy)
		}
		if _, waiting := q.PositionOf(operatorID); waiting {
			return false, fmt.Errorf("queued operator %s: %w", operatorID, domain.ErrOperatorBusy)
		}
		if !q.Remove(userID) {
			return false, fmt.Errorf("user %s: %w", userID, domain.ErrAlreadyClaimed)
		}
		if err := d.Create(userID, operatorID, now); err != nil {
			return false, err
		}
		created, _ = d.Find(userID)
		return true, nil
	})
	if err != nil {
		return domain.Dialog{}, err
	}
	return created, nil
}

// EndDialog removes the dialog containing id, from either side.
func (c *Callstack) EndDialog(ctx context.Context, id string) (domain.Dialog, bool, error) {
	var ended domain.Dialog
	var ok bool
	err := c.mutate(ctx, "end_dialog", func(_ *WaitQueue, d *DialogTable) (bool, error) {
		ended, ok = d.End(id)
		return ok, nil
	})
	if err != nil {
		return domain.Dialog{}, false, err
	}
	return ended, ok, nil
}

func (c *Callstack) mutate(ctx context.Context, op string, fn func(*WaitQueue, *DialogTable) (bool, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, d := c.queue.clone(), c.dialogs.clone()
	changed, err := fn(q, d)
	if err != nil || !changed {
		return err
	}

	if err := c.store.SaveCallstack(ctx, snapshot(q, d)); err != nil {
		c.metrics.RecordStorageError("save_callstack")
		c.logger.Error("Failed to persist callstack", "op", op, "error", err)
		return fmt.Errorf("%s: %w: %w", op, domain.ErrStorage, err)
	}

	c.queue, c.dialogs = q, d
	c.observeLocked()
	return nil
}

func (c *Callstack) observeLocked() {
	c.metrics.SetQueueState(c.queue.Len(), c.dialogs.Len())
}

func snapshot(q *WaitQueue, d *DialogTable) *domain.Callstack {
	return &domain.Callstack{Queue: q.IDs(), Dialogs: d.List()}
}
