package handoff

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/handoff-desk/internal/domain"
	"github.com/ashureev/handoff-desk/internal/events"
	"github.com/ashureev/handoff-desk/internal/texts"
)

// Escalation is the outcome of a hand-off request.
type Escalation struct {
	Position int
	// Fresh is false when the user was already queued; operators were not
	// notified again.
	Fresh    bool
	Notified int
	Failed   int
}

// PositionReport answers "where am I in the queue".
type PositionReport struct {
	Kind     texts.PositionKind
	Position int
}

// RequestEscalation queues userID for an operator and notifies every
// registered operator with a claim action. Repeated requests report the
// current position without notifying again.
func (d *Desk) RequestEscalation(ctx context.Context, userID, reason string) (Escalation, error) {
	unlock := d.locks.Lock(userID)
	defer unlock()

	operators, err := d.availableOperators(ctx, userID)
	if err != nil {
		d.metrics.RecordEscalation("error")
		return Escalation{}, err
	}
	if len(operators) == 0 {
		d.metrics.RecordEscalation("no_operators")
		d.logger.Info("Escalation refused, no operators registered", "user_id", userID)
		return Escalation{}, fmt.Errorf("escalate %s: %w", userID, domain.ErrNoOperatorsAvailable)
	}

	pos, added, err := d.callstack.Enqueue(ctx, userID)
	if err != nil {
		d.metrics.RecordEscalation("error")
		return Escalation{}, err
	}
	if !added {
		d.metrics.RecordEscalation("repeat")
		d.acknowledge(ctx, userID, pos)
		return Escalation{Position: pos, Fresh: false}, nil
	}

	notified, failed := d.notifyOperators(ctx, userID, reason, operators)
	d.metrics.RecordEscalation("fresh")
	d.logger.Info("User queued for an operator",
		"user_id", userID, "position", pos, "notified", notified, "failed", failed)

	d.acknowledge(ctx, userID, pos)
	d.publish(ctx, events.EscalationRequested, events.EscalationRequestedData{
		UserID:            userID,
		Position:          pos,
		Reason:            reason,
		OperatorsNotified: notified,
		OperatorsFailed:   failed,
	})

	return Escalation{Position: pos, Fresh: true, Notified: notified, Failed: failed}, nil
}

// QueryPosition reports userID's place in the wait queue.
func (d *Desk) QueryPosition(userID string) PositionReport {
	pos, ok := d.callstack.PositionOf(userID)
	switch {
	case !ok:
		return PositionReport{Kind: texts.PositionNotQueued}
	case pos == 1:
		return PositionReport{Kind: texts.PositionNext, Position: 1}
	default:
		return PositionReport{Kind: texts.PositionWaiting, Position: pos}
	}
}

// Cancel withdraws userID from the wait queue and retracts the claim
// notifications operators still hold for them.
func (d *Desk) Cancel(ctx context.Context, userID string) (bool, error) {
	unlock := d.locks.Lock(userID)
	defer unlock()

	removed, err := d.callstack.Remove(ctx, userID)
	if err != nil || !removed {
		return false, err
	}
	d.retractAll(ctx, userID)
	d.logger.Info("User left the queue", "user_id", userID)
	d.publish(ctx, events.EscalationCancelled, events.EscalationCancelledData{UserID: userID})
	return true, nil
}

func (d *Desk) availableOperators(ctx context.Context, userID string) ([]string, error) {
	operators, err := d.registry.ListByRole(ctx, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(operators, func(id string) bool { return id == userID }), nil
}

// notifyOperators sends the claim notification to every operator with
// bounded concurrency. A failed send is logged and skipped.
func (d *Desk) notifyOperators(ctx context.Context, userID, reason string, operators []string) (int, int) {
	n := Notification{
		Text: d.texts.OperatorRequestText(d.label(ctx, userID), reason),
		Action: Action{
			Kind:   ActionClaim,
			Label:  d.texts.ClaimButton,
			Target: userID,
		},
	}

	var notified, failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(d.notifyLimit)
	for _, operatorID := range operators {
		g.Go(func() error {
			ref, err := d.messenger.SendNotification(ctx, operatorID, n)
			d.metrics.RecordNotification("send", err == nil)
			if err != nil {
				failed.Add(1)
				d.logger.Warn("Failed to notify operator",
					"user_id", userID, "operator_id", operatorID, "error", err)
				return nil
			}
			d.pending.Record(userID, operatorID, ref)
			notified.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return int(notified.Load()), int(failed.Load())
}

func (d *Desk) acknowledge(ctx context.Context, userID string, pos int) {
	report := d.QueryPosition(userID)
	if report.Kind == texts.PositionNotQueued {
		report = PositionReport{Kind: texts.PositionWaiting, Position: pos}
	}
	_, err := d.messenger.SendNotification(ctx, userID, Notification{
		Text: d.texts.QueuedAck(report.Kind, report.Position),
		Action: Action{
			Kind:  ActionPosition,
			Label: d.texts.CheckPosition,
		},
	})
	if err != nil {
		d.logger.Warn("Failed to acknowledge escalation", "user_id", userID, "error", err)
	}
}
