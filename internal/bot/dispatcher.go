// Package bot turns participant events into desk operations and replies.
package bot

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/handoff-desk/internal/agent"
	"github.com/ashureev/handoff-desk/internal/domain"
	"github.com/ashureev/handoff-desk/internal/gateway"
	"github.com/ashureev/handoff-desk/internal/handoff"
	"github.com/ashureev/handoff-desk/internal/texts"
)

// Commands understood in chat.
const (
	CmdStart    = "/start"
	CmdOperator = "/operator"
	CmdPosition = "/position"
	CmdCancel   = "/cancel"
	CmdStop     = handoff.StopCommand
	CmdNext     = "/next"
	CmdAdmin    = "/admin"
)

const graceEndTimeout = 30 * time.Second

// Assistant answers free-text questions.
type Assistant interface {
	Ask(ctx context.Context, participantID, question string) (*agent.Answer, error)
}

// Options configures a Dispatcher.
type Options struct {
	AdminSecret string
	// DisconnectGrace delays ending a dialog after a participant's last
	// connection closes. Zero ends it immediately.
	DisconnectGrace time.Duration
	Texts           *texts.Catalog
	Logger          *slog.Logger
}

// Dispatcher routes every participant event. Text goes to the dialog
// partner first, then to command handling, then to the assistant.
type Dispatcher struct {
	desk      *handoff.Desk
	messenger handoff.Messenger
	assistant Assistant

	adminSecret string
	grace       time.Duration
	texts       *texts.Catalog
	logger      *slog.Logger

	mu     sync.Mutex
	timers map[string]*graceTimer
}

type graceTimer struct {
	timer *time.Timer
}

var _ gateway.EventHandler = (*Dispatcher)(nil)

// New creates a dispatcher. A nil assistant makes every free-text question
// answer with the "unavailable" phrasing.
func New(desk *handoff.Desk, messenger handoff.Messenger, assistant Assistant, opts Options) *Dispatcher {
	if opts.Texts == nil {
		opts.Texts = texts.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		desk:        desk,
		messenger:   messenger,
		assistant:   assistant,
		adminSecret: opts.AdminSecret,
		grace:       opts.DisconnectGrace,
		texts:       opts.Texts,
		logger:      opts.Logger,
		timers:      make(map[string]*graceTimer),
	}
}

// OnConnect cancels a pending disconnect for a returning participant.
func (d *Dispatcher) OnConnect(_ context.Context, p gateway.Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[p.ID]; ok {
		t.timer.Stop()
		delete(d.timers, p.ID)
		d.logger.Info("Participant returned within grace period", "participant_id", p.ID)
	}
}

// OnStart greets the participant.
func (d *Dispatcher) OnStart(ctx context.Context, p gateway.Peer) {
	defer d.recoverPanic(ctx, p.ID, "start")
	if _, err := d.desk.Registry().Ensure(ctx, p.ID, p.DisplayName); err != nil {
		d.fail(ctx, p.ID, "start", err)
		return
	}
	d.reply(ctx, p.ID, d.texts.Welcome)
}

// OnText handles a chat message.
func (d *Dispatcher) OnText(ctx context.Context, p gateway.Peer, text string) {
	defer d.recoverPanic(ctx, p.ID, "text")

	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	handled, err := d.desk.Route(ctx, p.ID, text)
	if err != nil {
		d.fail(ctx, p.ID, "relay", err)
		return
	}
	if handled {
		return
	}

	if strings.HasPrefix(text, "/") && d.command(ctx, p, text) {
		return
	}
	d.ask(ctx, p, text)
}

// OnClaim handles an operator pressing a claim button.
func (d *Dispatcher) OnClaim(ctx context.Context, p gateway.Peer, userID string) {
	defer d.recoverPanic(ctx, p.ID, "claim")
	if userID == "" {
		return
	}
	if err := d.desk.Claim(ctx, p.ID, userID); err != nil {
		d.fail(ctx, p.ID, "claim", err)
	}
}

// OnPosition reports the participant's place in the queue.
func (d *Dispatcher) OnPosition(ctx context.Context, p gateway.Peer) {
	defer d.recoverPanic(ctx, p.ID, "position")
	report := d.desk.QueryPosition(p.ID)
	d.reply(ctx, p.ID, d.texts.Position(report.Kind, report.Position))
}

// OnAuthorize promotes the participant to operator when secret matches.
func (d *Dispatcher) OnAuthorize(ctx context.Context, p gateway.Peer, secret string) {
	defer d.recoverPanic(ctx, p.ID, "authorize")

	secret = strings.TrimSpace(secret)
	if secret == "" {
		d.reply(ctx, p.ID, d.texts.AuthPrompt)
		return
	}

	isOp, err := d.desk.Registry().IsOperator(ctx, p.ID)
	if err != nil {
		d.fail(ctx, p.ID, "authorize", err)
		return
	}
	if isOp {
		d.reply(ctx, p.ID, d.texts.AlreadyAuth)
		return
	}

	if d.adminSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(d.adminSecret)) != 1 {
		d.logger.Warn("Operator authorization rejected", "participant_id", p.ID)
		d.reply(ctx, p.ID, d.texts.AuthFailed)
		return
	}

	if _, err := d.desk.Registry().Ensure(ctx, p.ID, p.DisplayName); err != nil {
		d.fail(ctx, p.ID, "authorize", err)
		return
	}
	if _, err := d.desk.Registry().SetRole(ctx, p.ID, domain.RoleAdmin); err != nil {
		d.fail(ctx, p.ID, "authorize", err)
		return
	}
	d.logger.Info("Participant authorized as operator", "participant_id", p.ID)
	d.reply(ctx, p.ID, d.texts.AuthOK)
}

// OnCancel withdraws the participant's pending request.
func (d *Dispatcher) OnCancel(ctx context.Context, p gateway.Peer) {
	defer d.recoverPanic(ctx, p.ID, "cancel")
	removed, err := d.desk.Cancel(ctx, p.ID)
	switch {
	case err != nil:
		d.fail(ctx, p.ID, "cancel", err)
	case removed:
		d.reply(ctx, p.ID, d.texts.Cancelled)
	default:
		d.reply(ctx, p.ID, d.texts.NothingToCancel)
	}
}

// OnDisconnect ends the participant's dialog once the grace period passes
// without them coming back. Queued participants keep their place.
func (d *Dispatcher) OnDisconnect(ctx context.Context, participantID string) {
	defer d.recoverPanic(ctx, participantID, "disconnect")

	if _, ok := d.desk.Callstack().FindDialog(participantID); !ok {
		return
	}
	if d.grace <= 0 {
		d.endForDisconnect(ctx, participantID)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.timers[participantID]; ok {
		old.timer.Stop()
	}
	gt := &graceTimer{}
	gt.timer = time.AfterFunc(d.grace, func() {
		d.mu.Lock()
		current, ok := d.timers[participantID]
		if !ok || current != gt {
			d.mu.Unlock()
			return
		}
		delete(d.timers, participantID)
		d.mu.Unlock()

		endCtx, cancel := context.WithTimeout(context.Background(), graceEndTimeout)
		defer cancel()
		defer d.recoverPanic(endCtx, participantID, "disconnect")
		d.endForDisconnect(endCtx, participantID)
	})
	d.timers[participantID] = gt
	d.logger.Info("Participant disconnected during dialog, waiting for return",
		"participant_id", participantID, "grace", d.grace)
}

// Close stops pending disconnect timers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.timers {
		t.timer.Stop()
		delete(d.timers, id)
	}
}

func (d *Dispatcher) endForDisconnect(ctx context.Context, participantID string) {
	if _, err := d.desk.EndDialog(ctx, participantID, handoff.EndReasonDisconnect); err != nil {
		d.logger.Error("Failed to end dialog after disconnect", "participant_id", participantID, "error", err)
	}
}

// command handles a slash command. It returns false for unknown commands so
// they reach the assistant as ordinary text.
func (d *Dispatcher) command(ctx context.Context, p gateway.Peer, text string) bool {
	name, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case CmdStart:
		d.OnStart(ctx, p)
	case CmdOperator:
		d.escalate(ctx, p.ID, arg)
	case CmdPosition:
		d.OnPosition(ctx, p)
	case CmdCancel:
		d.OnCancel(ctx, p)
	case CmdStop:
		d.reply(ctx, p.ID, d.texts.NotInDialog)
	case CmdNext:
		if _, err := d.desk.ClaimNext(ctx, p.ID); err != nil {
			d.fail(ctx, p.ID, "claim_next", err)
		}
	case CmdAdmin:
		d.OnAuthorize(ctx, p, arg)
	default:
		return false
	}
	return true
}

// ask forwards text to the assistant and escalates when it asks to.
func (d *Dispatcher) ask(ctx context.Context, p gateway.Peer, text string) {
	if d.assistant == nil {
		d.reply(ctx, p.ID, d.texts.AssistantUnavailable)
		return
	}
	ans, err := d.assistant.Ask(ctx, p.ID, text)
	if err != nil {
		d.fail(ctx, p.ID, "assistant", err)
		return
	}
	if ans.Text != "" {
		d.reply(ctx, p.ID, ans.Text)
	}
	if ans.Handoff {
		d.escalate(ctx, p.ID, ans.HandoffReason)
	}
}

// escalate queues the participant. The desk acknowledges success itself.
func (d *Dispatcher) escalate(ctx context.Context, participantID, reason string) {
	if _, err := d.desk.RequestEscalation(ctx, participantID, reason); err != nil {
		d.fail(ctx, participantID, "escalate", err)
	}
}

// fail tells the participant what went wrong in their terms.
func (d *Dispatcher) fail(ctx context.Context, participantID, op string, err error) {
	text, expected := d.describe(err)
	if expected {
		d.logger.Debug("Request refused", "participant_id", participantID, "op", op, "reason", err)
	} else {
		d.logger.Error("Request failed", "participant_id", participantID, "op", op, "error", err)
	}
	d.reply(ctx, participantID, text)
}

// describe maps an error to a phrase and reports whether it is an ordinary
// refusal rather than a fault.
func (d *Dispatcher) describe(err error) (string, bool) {
	switch {
	case errors.Is(err, domain.ErrNoOperatorsAvailable):
		return d.texts.NoOperators, true
	case errors.Is(err, domain.ErrAlreadyInDialog):
		return d.texts.AlreadyInDialog, true
	case errors.Is(err, domain.ErrOperatorBusy):
		return d.texts.OperatorBusy, true
	case errors.Is(err, domain.ErrAlreadyClaimed):
		return d.texts.AlreadyHandled, true
	case errors.Is(err, domain.ErrNotOperator):
		return d.texts.NotOperator, true
	case errors.Is(err, domain.ErrQueueEmpty):
		return d.texts.QueueEmpty, true
	case errors.Is(err, domain.ErrDeliveryFailure):
		return d.texts.RelayFailed, true
	case errors.Is(err, agent.ErrRateLimited):
		return d.texts.AssistantRateLimited, true
	case errors.Is(err, agent.ErrAssistantUnavailable):
		return d.texts.AssistantUnavailable, false
	default:
		return d.texts.TryLater, false
	}
}

func (d *Dispatcher) reply(ctx context.Context, to, text string) {
	if err := d.messenger.SendText(ctx, to, text); err != nil {
		d.logger.Warn("Failed to reply", "participant_id", to, "error", err)
	}
}

func (d *Dispatcher) recoverPanic(ctx context.Context, participantID, op string) {
	if r := recover(); r != nil {
		d.logger.Error("Panic while handling event", "participant_id", participantID, "op", op, "panic", r)
		d.reply(ctx, participantID, d.texts.TryLater)
	}
}
