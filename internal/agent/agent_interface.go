package agent

import "context"

// Assistant answers participant questions.
// This interface is implemented by the gRPC client.
type Assistant interface {
	// Ask sends one question with prior history and returns the reply.
	Ask(ctx context.Context, req AskRequest) (*Answer, error)

	// Reset drops any server-side state kept for a participant.
	Reset(ctx context.Context, participantID string) error

	// Close releases resources.
	Close()
}

// Ensure GrpcClient implements Assistant.
var _ Assistant = (*GrpcClient)(nil)

// Unavailable is used when no backend is configured; every question fails
// with ErrAssistantUnavailable so users can still reach an operator.
type Unavailable struct{}

// Ask always fails.
func (Unavailable) Ask(context.Context, AskRequest) (*Answer, error) {
	return nil, ErrAssistantUnavailable
}

// Reset does nothing.
func (Unavailable) Reset(context.Context, string) error { return nil }

// Close does nothing.
func (Unavailable) Close() {}
