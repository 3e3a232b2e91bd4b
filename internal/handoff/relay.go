package handoff

import (
	"context"
	"fmt"

	"github.com/ashureev/handoff-desk/internal/convlog"
	"github.com/ashureev/handoff-desk/internal/domain"
	"github.com/ashureev/handoff-desk/internal/events"
)

// EndReason records why a dialog ended.
type EndReason string

const (
	// EndReasonKeyword means a participant sent an exit keyword or /stop.
	EndReasonKeyword EndReason = "keyword"
	// EndReasonDisconnect means a participant's connection went away.
	EndReasonDisconnect EndReason = "disconnect"
	// EndReasonDeliveryFailure means a relayed message could not be delivered.
	EndReasonDeliveryFailure EndReason = "delivery_failure"
)

// Route relays text from fromID to their dialog partner. It returns false
// when fromID is not in a dialog so the caller can handle the message
// another way. An exit keyword ends the dialog. A delivery failure ends the
// dialog and returns domain.ErrDeliveryFailure.
func (d *Desk) Route(ctx context.Context, fromID, text string) (bool, error) {
	dialog, ok := d.callstack.FindDialog(fromID)
	if !ok {
		return false, nil
	}
	partner, _ := dialog.Partner(fromID)

	if d.IsExitKeyword(text) {
		_, err := d.EndDialog(ctx, fromID, EndReasonKeyword)
		return true, err
	}

	out := text
	if d.senderPrefix {
		out = "[" + d.label(ctx, fromID) + "]: " + text
	}

	if err := d.messenger.SendText(ctx, partner, out); err != nil {
		d.metrics.RecordRelay(false)
		d.logger.Warn("Relay delivery failed, closing dialog",
			"from", fromID, "to", partner, "error", err)
		if _, endErr := d.EndDialog(ctx, fromID, EndReasonDeliveryFailure); endErr != nil {
			return true, endErr
		}
		return true, fmt.Errorf("relay to %s: %w: %w", partner, domain.ErrDeliveryFailure, err)
	}
	d.metrics.RecordRelay(true)

	direction := convlog.DirectionOutbound
	if fromID == dialog.OperatorID {
		direction = convlog.DirectionInbound
	}
	d.transcripts.Log(convlog.Event{
		UserID:     dialog.UserID,
		SessionID:  dialog.Key(),
		Channel:    convlog.ChannelRelay,
		Direction:  direction,
		EventType:  "relay_message",
		ContentRaw: text,
		Meta:       map[string]any{"from": fromID},
	})
	return true, nil
}

// EndDialog closes the dialog containing id and tells the parties. It
// returns false when id is not in a dialog.
func (d *Desk) EndDialog(ctx context.Context, id string, reason EndReason) (bool, error) {
	dialog, ok, err := d.callstack.EndDialog(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	d.logger.Info("Dialog ended",
		"user_id", dialog.UserID, "operator_id", dialog.OperatorID, "ended_by", id, "reason", reason)

	partner, _ := dialog.Partner(id)
	switch reason {
	case EndReasonKeyword:
		d.sendQuietly(ctx, id, d.texts.DialogEnded)
		d.sendQuietly(ctx, partner, d.texts.DialogEnded)
	case EndReasonDisconnect:
		d.sendQuietly(ctx, partner, d.texts.PartnerDisconnected)
	case EndReasonDeliveryFailure:
		// The reachable side is told by the caller.
	default:
		d.sendQuietly(ctx, partner, d.texts.DialogEnded)
	}

	d.dialogEnded(ctx, dialog, id, reason)
	return true, nil
}

func (d *Desk) dialogEnded(ctx context.Context, dialog domain.Dialog, endedBy string, reason EndReason) {
	d.metrics.RecordDialogEnded(string(reason))
	d.transcripts.Log(convlog.Event{
		UserID:    dialog.UserID,
		SessionID: dialog.Key(),
		Channel:   convlog.ChannelRelay,
		Direction: convlog.DirectionOutbound,
		EventType: "dialog_ended",
		Meta:      map[string]any{"ended_by": endedBy, "reason": string(reason)},
	})
	d.publish(ctx, events.DialogEnded, events.DialogEndedData{
		UserID:     dialog.UserID,
		OperatorID: dialog.OperatorID,
		EndedBy:    endedBy,
		Reason:     string(reason),
		Seconds:    d.now().Sub(dialog.StartTime).Seconds(),
	})
}

func (d *Desk) sendQuietly(ctx context.Context, to, text string) {
	if err := d.messenger.SendText(ctx, to, text); err != nil {
		d.logger.Warn("Failed to deliver dialog notice", "to", to, "error", err)
	}
}
