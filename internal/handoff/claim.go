package handoff

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/handoff-desk/internal/convlog"
	"github.com/ashureev/handoff-desk/internal/domain"
	"github.com/ashureev/handoff-desk/internal/events"
)

// Claim pairs operatorID with the queued userID. Of any number of concurrent
// claims for the same user exactly one succeeds; the rest get
// domain.ErrAlreadyClaimed. Outstanding claim notifications are retracted
// before the dialog is committed and announced.
func (d *Desk) Claim(ctx context.Context, operatorID, userID string) error {
	unlock := d.locks.Lock(userID, operatorID)
	defer unlock()

	isOp, err := d.registry.IsOperator(ctx, operatorID)
	if err != nil {
		d.metrics.RecordClaim("error")
		return err
	}
	if !isOp {
		d.metrics.RecordClaim("not_operator")
		return fmt.Errorf("claim by %s: %w", operatorID, domain.ErrNotOperator)
	}
	if _, busy := d.callstack.FindDialog(operatorID); busy {
		d.metrics.RecordClaim("operator_busy")
		return fmt.Errorf("claim by %s: %w", operatorID, domain.ErrOperatorBusy)
	}
	// A queued operator is waiting for help themselves.
	if _, waiting := d.callstack.PositionOf(operatorID); waiting {
		d.metrics.RecordClaim("operator_busy")
		return fmt.Errorf("claim by queued %s: %w", operatorID, domain.ErrOperatorBusy)
	}
	if _, queued := d.callstack.PositionOf(userID); !queued {
		d.metrics.RecordClaim("already_claimed")
		return fmt.Errorf("claim %s: %w", userID, domain.ErrAlreadyClaimed)
	}
	if _, paired := d.callstack.FindDialog(userID); paired {
		d.metrics.RecordClaim("already_claimed")
		return fmt.Errorf("claim %s: %w", userID, domain.ErrAlreadyClaimed)
	}

	d.retractAll(ctx, userID)

	dialog, err := d.callstack.Transfer(ctx, userID, operatorID, d.now())
	if err != nil {
		d.metrics.RecordClaim("error")
		switch {
		case errors.Is(err, domain.ErrAlreadyInDialog):
			d.logger.Error("Claim would pair a participant twice",
				"user_id", userID, "operator_id", operatorID, "error", err)
		case errors.Is(err, domain.ErrStorage):
			// The user is still queued but the buttons are gone; hand them out again.
			if operators, lerr := d.availableOperators(ctx, userID); lerr == nil {
				d.notifyOperators(ctx, userID, "", operators)
			}
		}
		return err
	}
	d.metrics.RecordClaim("won")
	d.logger.Info("Dialog started", "user_id", userID, "operator_id", operatorID)

	d.announce(ctx, dialog)
	return nil
}

func (d *Desk) announce(ctx context.Context, dialog domain.Dialog) {
	userID, operatorID := dialog.UserID, dialog.OperatorID

	if err := d.messenger.SendText(ctx, operatorID, d.texts.DialogStartedText(d.label(ctx, userID))); err != nil {
		d.logger.Warn("Failed to notify operator of dialog start", "operator_id", operatorID, "error", err)
	}
	d.sendAssistantTranscript(ctx, operatorID, userID)

	if err := d.messenger.SendText(ctx, userID, d.texts.OperatorJoined); err != nil {
		d.logger.Warn("User unreachable after claim, closing dialog",
			"user_id", userID, "operator_id", operatorID, "error", err)
		if _, ended, endErr := d.callstack.EndDialog(ctx, userID); endErr == nil && ended {
			d.dialogEnded(ctx, dialog, userID, EndReasonDeliveryFailure)
		}
		if err := d.messenger.SendText(ctx, operatorID, d.texts.UserUnreachable); err != nil {
			d.logger.Warn("Failed to tell operator the user is gone", "operator_id", operatorID, "error", err)
		}
		return
	}

	d.transcripts.Log(convlog.Event{
		UserID:    userID,
		SessionID: dialog.Key(),
		Channel:   convlog.ChannelRelay,
		Direction: convlog.DirectionOutbound,
		EventType: "dialog_started",
		Meta:      map[string]any{"operator_id": operatorID},
	})
	if d.assistant != nil {
		d.assistant.Forget(ctx, userID)
	}
	d.publish(ctx, events.DialogStarted, events.DialogStartedData{
		UserID:     userID,
		OperatorID: operatorID,
		StartTime:  dialog.StartTime,
	})
}

// sendAssistantTranscript shows the operator what the user already discussed
// with the assistant.
func (d *Desk) sendAssistantTranscript(ctx context.Context, operatorID, userID string) {
	if d.assistant == nil {
		return
	}
	history := d.assistant.Transcript(userID)
	if len(history) == 0 {
		return
	}

	var b strings.Builder
	b.WriteString(d.texts.TranscriptHeader)
	for _, m := range history {
		b.WriteString("\n")
		switch m.Role {
		case domain.MessageRoleUser:
			b.WriteString("User: ")
		case domain.MessageRoleAssistant:
			b.WriteString("Assistant: ")
		default:
			b.WriteString(m.Role + ": ")
		}
		b.WriteString(m.Content)
	}
	if err := d.messenger.SendText(ctx, operatorID, b.String()); err != nil {
		d.logger.Warn("Failed to send assistant transcript", "operator_id", operatorID, "error", err)
	}
}

// ClaimNext claims whoever has waited longest. It returns the claimed user.
func (d *Desk) ClaimNext(ctx context.Context, operatorID string) (string, error) {
	userID, ok := d.callstack.Head()
	if !ok {
		return "", fmt.Errorf("claim next by %s: %w", operatorID, domain.ErrQueueEmpty)
	}
	if err := d.Claim(ctx, operatorID, userID); err != nil {
		return "", err
	}
	return userID, nil
}
