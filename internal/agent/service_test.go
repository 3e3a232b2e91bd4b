package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/handoff-desk/internal/domain"
)

type fakeAssistant struct {
	mu       sync.Mutex
	requests []AskRequest
	resets   []string
	answer   func(AskRequest) (*Answer, error)
}

func (f *fakeAssistant) Ask(_ context.Context, req AskRequest) (*Answer, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.answer != nil {
		return f.answer(req)
	}
	return &Answer{Text: "echo: " + req.Question}, nil
}

func (f *fakeAssistant) Reset(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, id)
	return nil
}

func (f *fakeAssistant) Close() {}

func TestService_KeepsBoundedHistory(t *testing.T) {
	fa := &fakeAssistant{}
	svc := NewService(fa, ServiceConfig{HistoryLimit: 2, Capabilities: Capabilities{ToolsEnabled: true}}, nil, nil, nil)
	ctx := context.Background()

	for _, q := range []string{"one", "two", "three"} {
		_, err := svc.Ask(ctx, "7", q)
		require.NoError(t, err)
	}

	assert.Equal(t, []domain.StoredMessage{
		{Role: domain.MessageRoleUser, Content: "two"},
		{Role: domain.MessageRoleAssistant, Content: "echo: two"},
		{Role: domain.MessageRoleUser, Content: "three"},
		{Role: domain.MessageRoleAssistant, Content: "echo: three"},
	}, svc.Transcript("7"))

	require.Len(t, fa.requests, 3)
	assert.Len(t, fa.requests[2].History, 4)
	assert.True(t, fa.requests[2].Capabilities.ToolsEnabled)
	assert.Empty(t, svc.Transcript("8"))
}

func TestService_FailedAskIsNotRemembered(t *testing.T) {
	fa := &fakeAssistant{answer: func(AskRequest) (*Answer, error) { return nil, errors.New("boom") }}
	svc := NewService(fa, ServiceConfig{}, nil, nil, nil)

	_, err := svc.Ask(context.Background(), "7", "q")
	require.Error(t, err)
	assert.Empty(t, svc.Transcript("7"))
}

func TestService_RateLimit(t *testing.T) {
	svc := NewService(&fakeAssistant{}, ServiceConfig{RatePerMinute: 2}, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.Ask(ctx, "7", "a")
	require.NoError(t, err)
	_, err = svc.Ask(ctx, "7", "b")
	require.NoError(t, err)
	_, err = svc.Ask(ctx, "7", "c")
	require.ErrorIs(t, err, ErrRateLimited)

	// Other participants have their own budget.
	_, err = svc.Ask(ctx, "8", "a")
	require.NoError(t, err)
}

func TestService_Forget(t *testing.T) {
	fa := &fakeAssistant{}
	svc := NewService(fa, ServiceConfig{}, nil, nil, nil)
	_, err := svc.Ask(context.Background(), "7", "q")
	require.NoError(t, err)

	svc.Forget(context.Background(), "7")
	assert.Empty(t, svc.Transcript("7"))
	assert.Equal(t, []string{"7"}, fa.resets)
}

func TestService_Unavailable(t *testing.T) {
	svc := NewService(nil, ServiceConfig{}, nil, nil, nil)
	_, err := svc.Ask(context.Background(), "7", "q")
	require.ErrorIs(t, err, ErrAssistantUnavailable)
}
