// Package agent connects the desk to the automated assistant backend.
package agent

import (
	"errors"

	"github.com/ashureev/handoff-desk/internal/domain"
)

// HandoverTool is the tool call the assistant emits when it wants a human.
const HandoverTool = "handover_to_operator"

var (
	// ErrAssistantUnavailable means no assistant backend is configured or reachable.
	ErrAssistantUnavailable = errors.New("assistant unavailable")
	// ErrRateLimited means the participant asked too often.
	ErrRateLimited = errors.New("assistant rate limit exceeded")
)

// Capabilities selects assistant features per request. The backend's
// search-backed and tool-calling variants are this one axis.
type Capabilities struct {
	SearchEnabled bool
	ToolsEnabled  bool
	SearchIndexID string
}

// AskRequest is one question from a participant.
type AskRequest struct {
	ParticipantID string
	Question      string
	History       []domain.StoredMessage
	Capabilities  Capabilities
}

// Answer is the assistant's reply.
type Answer struct {
	Text      string
	ToolsUsed []string
	// Handoff is set when the assistant asked for a human operator.
	Handoff       bool
	HandoffReason string
}
