package handoff

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/handoff-desk/internal/convlog"
	"github.com/ashureev/handoff-desk/internal/domain"
	"github.com/ashureev/handoff-desk/internal/events"
	"github.com/ashureev/handoff-desk/internal/metrics"
	"github.com/ashureev/handoff-desk/internal/texts"
)

// ActionKind names what pressing a notification's button does.
type ActionKind string

const (
	// ActionClaim takes the queued user named by Target.
	ActionClaim ActionKind = "claim"
	// ActionPosition asks for the current queue position.
	ActionPosition ActionKind = "position"
)

// Action is the button attached to a notification.
type Action struct {
	Kind   ActionKind `json:"kind"`
	Label  string     `json:"label"`
	Target string     `json:"target,omitempty"`
}

// Notification is a message carrying one action.
type Notification struct {
	Text   string `json:"text"`
	Action Action `json:"action"`
}

// Messenger delivers outbound traffic to participants.
type Messenger interface {
	SendText(ctx context.Context, to, text string) error
	// SendNotification returns a reference usable with RetractNotification.
	SendNotification(ctx context.Context, to string, n Notification) (string, error)
	RetractNotification(ctx context.Context, to, ref string) error
}

// AssistantSessions exposes the automated assistant's per-participant state.
type AssistantSessions interface {
	Transcript(participantID string) []domain.StoredMessage
	Forget(ctx context.Context, participantID string)
}

// DefaultExitKeywords end a dialog when sent by either side.
var DefaultExitKeywords = []string{"stop", "end", "завершить", "закончить", "стоп"}

// StopCommand always ends a dialog regardless of the configured keywords.
const StopCommand = "/stop"

// Options configures a Desk.
type Options struct {
	ExitKeywords      []string
	SenderPrefix      bool
	NotifyConcurrency int
	Texts             *texts.Catalog
	Assistant         AssistantSessions
	Publisher         events.Publisher
	Transcripts       convlog.Logger
	Metrics           *metrics.Collector
	Logger            *slog.Logger
	Now               func() time.Time
}

// Desk wires the registry and callstack to the outside world and implements
// escalation, claim and relay.
type Desk struct {
	registry  *Registry
	callstack *Callstack
	pending   *PendingNotifications
	locks     *keyedMutex
	messenger Messenger

	exitKeywords map[string]struct{}
	senderPrefix bool
	notifyLimit  int

	texts       *texts.Catalog
	assistant   AssistantSessions
	publisher   events.Publisher
	transcripts convlog.Logger
	metrics     *metrics.Collector
	logger      *slog.Logger
	now         func() time.Time
}

// NewDesk assembles a desk. Nil optional collaborators are replaced by
// no-op versions.
func NewDesk(registry *Registry, callstack *Callstack, messenger Messenger, opts Options) *Desk {
	d := &Desk{
		registry:     registry,
		callstack:    callstack,
		pending:      NewPendingNotifications(),
		locks:        newKeyedMutex(),
		messenger:    messenger,
		exitKeywords: make(map[string]struct{}),
		senderPrefix: opts.SenderPrefix,
		notifyLimit:  opts.NotifyConcurrency,
		texts:        opts.Texts,
		assistant:    opts.Assistant,
		publisher:    opts.Publisher,
		transcripts:  opts.Transcripts,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		now:          opts.Now,
	}

	keywords := opts.ExitKeywords
	if len(keywords) == 0 {
		keywords = DefaultExitKeywords
	}
	for _, k := range keywords {
		if k = normalizeKeyword(k); k != "" {
			d.exitKeywords[k] = struct{}{}
		}
	}
	d.exitKeywords[StopCommand] = struct{}{}

	if d.notifyLimit <= 0 {
		d.notifyLimit = 8
	}
	if d.texts == nil {
		d.texts = texts.Default()
	}
	if d.publisher == nil {
		d.publisher = events.NewFallback(opts.Logger)
	}
	if d.transcripts == nil {
		d.transcripts = convlog.Noop{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Registry returns the operator registry.
func (d *Desk) Registry() *Registry { return d.registry }

// Callstack returns the queue and dialog owner.
func (d *Desk) Callstack() *Callstack { return d.callstack }

// IsExitKeyword reports whether text terminates a dialog.
func (d *Desk) IsExitKeyword(text string) bool {
	_, ok := d.exitKeywords[normalizeKeyword(text)]
	return ok
}

func normalizeKeyword(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// label returns the display label of id, falling back to the bare ID when
// the registry cannot be read.
func (d *Desk) label(ctx context.Context, id string) string {
	p, err := d.registry.Get(ctx, id)
	if err != nil || p == nil {
		return domain.Label(id, "")
	}
	return p.Label()
}

func (d *Desk) publish(ctx context.Context, key string, data any) {
	if err := d.publisher.Publish(ctx, key, events.NewEnvelope(key, data)); err != nil {
		d.logger.Warn("Failed to publish event", "key", key, "error", err)
	}
}

// retractAll removes every outstanding claim notification about userID.
// Failures are logged; the caller proceeds regardless.
func (d *Desk) retractAll(ctx context.Context, userID string) {
	for operatorID, ref := range d.pending.Take(userID) {
		err := d.messenger.RetractNotification(ctx, operatorID, ref)
		d.metrics.RecordNotification("retract", err == nil)
		if err != nil {
			d.logger.Warn("Failed to retract claim notification",
				"user_id", userID, "operator_id", operatorID, "error", err)
		}
	}
}
