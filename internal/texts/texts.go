// Package texts holds every user-visible phrase the desk sends.
package texts

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is the set of phrasings. Fields containing %s or %d are format
// strings; use the helper methods rather than formatting by hand.
type Catalog struct {
	Welcome string `yaml:"welcome"`

	NoOperators       string `yaml:"no_operators"`
	Queued            string `yaml:"queued"`
	PositionNext      string `yaml:"position_next"`
	PositionWaiting   string `yaml:"position_waiting"`
	PositionNotQueued string `yaml:"position_not_queued"`
	CheckPosition     string `yaml:"check_position"`
	Cancelled         string `yaml:"cancelled"`
	NothingToCancel   string `yaml:"nothing_to_cancel"`
	QueueEmpty        string `yaml:"queue_empty"`

	OperatorRequest     string `yaml:"operator_request"`
	ClaimButton         string `yaml:"claim_button"`
	AlreadyHandled      string `yaml:"already_handled"`
	OperatorBusy        string `yaml:"operator_busy"`
	NotOperator         string `yaml:"not_operator"`
	OperatorJoined      string `yaml:"operator_joined"`
	DialogStarted       string `yaml:"dialog_started"`
	TranscriptHeader    string `yaml:"transcript_header"`
	UserUnreachable     string `yaml:"user_unreachable"`
	DialogEnded         string `yaml:"dialog_ended"`
	PartnerDisconnected string `yaml:"partner_disconnected"`
	RelayFailed         string `yaml:"relay_failed"`
	NotInDialog         string `yaml:"not_in_dialog"`
	AlreadyInDialog     string `yaml:"already_in_dialog"`

	AuthPrompt  string `yaml:"auth_prompt"`
	AuthOK      string `yaml:"auth_ok"`
	AuthFailed  string `yaml:"auth_failed"`
	AlreadyAuth string `yaml:"already_auth"`

	AssistantUnavailable string `yaml:"assistant_unavailable"`
	AssistantRateLimited string `yaml:"assistant_rate_limited"`
	TryLater             string `yaml:"try_later"`
}

// Default returns the built-in English catalog.
func Default() *Catalog {
	return &Catalog{
		Welcome: "Hello! Ask me anything. Send /operator at any time to talk to a human.",

		NoOperators:       "No operators are available right now. Please try again later.",
		Queued:            "Your request has been passed to an operator. %s",
		PositionNext:      "You are next in line.",
		PositionWaiting:   "You are number %d in line.",
		PositionNotQueued: "You are not waiting for an operator.",
		CheckPosition:     "Check my position",
		Cancelled:         "Your request has been withdrawn.",
		NothingToCancel:   "You have no pending request.",
		QueueEmpty:        "Nobody is waiting right now.",

		OperatorRequest:     "%s is asking for an operator. Reason: %s",
		ClaimButton:         "Take request",
		AlreadyHandled:      "This request has already been handled by someone else.",
		OperatorBusy:        "Finish your current dialog or leave the queue with /cancel before taking a new request.",
		NotOperator:         "Only operators can take requests.",
		OperatorJoined:      "An operator has joined. Everything you write is now relayed to them. Send /stop to end the conversation.",
		DialogStarted:       "Dialog with %s started. Everything you write is relayed to them. Send /stop to end.",
		TranscriptHeader:    "Conversation with the assistant so far:",
		UserUnreachable:     "The user is no longer reachable; the dialog was closed.",
		DialogEnded:         "Thank you for the conversation, the contact has been closed.",
		PartnerDisconnected: "The other side disconnected; the dialog was closed.",
		RelayFailed:         "Your message could not be delivered and the dialog was closed.",
		NotInDialog:         "You are not in an active dialog.",
		AlreadyInDialog:     "You are already talking to an operator.",

		AuthPrompt:  "Usage: /admin <password>",
		AuthOK:      "You are now authorized as an operator.",
		AuthFailed:  "Authorization failed.",
		AlreadyAuth: "You are already an operator.",

		AssistantUnavailable: "The assistant is unavailable right now. Send /operator to reach a human.",
		AssistantRateLimited: "You are sending messages too quickly. Please wait a moment.",
		TryLater:             "Something went wrong on our side. Please try again later.",
	}
}

// Load reads a YAML override from path. Keys missing from the file keep
// their default phrasing.
func Load(path string) (*Catalog, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read texts file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse texts file %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("texts file %s: %w", path, err)
	}
	return c, nil
}

func (c *Catalog) validate() error {
	checks := map[string]struct {
		value string
		verb  string
	}{
		"queued":           {c.Queued, "%s"},
		"position_waiting": {c.PositionWaiting, "%d"},
		"operator_request": {c.OperatorRequest, "%s"},
		"dialog_started":   {c.DialogStarted, "%s"},
	}
	for key, chk := range checks {
		if !strings.Contains(chk.value, chk.verb) {
			return fmt.Errorf("%s must contain %s", key, chk.verb)
		}
	}
	return nil
}

// PositionKind classifies a queue position report.
type PositionKind int

const (
	// PositionNotQueued means the participant is not in the wait queue.
	PositionNotQueued PositionKind = iota
	// PositionNext means the participant is at the head of the queue.
	PositionNext
	// PositionWaiting means there is at least one participant ahead.
	PositionWaiting
)

// Position formats exactly one of the three position phrasings.
func (c *Catalog) Position(kind PositionKind, pos int) string {
	switch kind {
	case PositionNext:
		return c.PositionNext
	case PositionWaiting:
		return fmt.Sprintf(c.PositionWaiting, pos)
	case PositionNotQueued:
		return c.PositionNotQueued
	default:
		return c.PositionNotQueued
	}
}

// QueuedAck acknowledges a fresh or repeated escalation.
func (c *Catalog) QueuedAck(kind PositionKind, pos int) string {
	return fmt.Sprintf(c.Queued, c.Position(kind, pos))
}

// OperatorRequestText is the claim notification body.
func (c *Catalog) OperatorRequestText(userLabel, reason string) string {
	if reason == "" {
		reason = "-"
	}
	return fmt.Sprintf(c.OperatorRequest, userLabel, reason)
}

// DialogStartedText is sent to the operator that won a claim.
func (c *Catalog) DialogStartedText(userLabel string) string {
	return fmt.Sprintf(c.DialogStarted, userLabel)
}
