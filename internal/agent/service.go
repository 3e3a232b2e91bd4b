package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashureev/handoff-desk/internal/convlog"
	"github.com/ashureev/handoff-desk/internal/domain"
	"github.com/ashureev/handoff-desk/internal/metrics"
)

// ServiceConfig controls per-participant assistant sessions.
type ServiceConfig struct {
	Capabilities Capabilities
	// HistoryLimit is the number of question/answer pairs kept per participant.
	HistoryLimit int
	// RatePerMinute caps questions per participant; zero disables the limit.
	RatePerMinute int
}

// Service owns the assistant session of every participant: their history
// and their rate limiter.
type Service struct {
	assistant Assistant
	cfg       ServiceConfig

	mu       sync.Mutex
	sessions map[string]*session

	transcripts convlog.Logger
	metrics     *metrics.Collector
	logger      *slog.Logger
}

type session struct {
	history []domain.StoredMessage
	limiter *rate.Limiter
}

// NewService wraps assistant with session state.
func NewService(assistant Assistant, cfg ServiceConfig, transcripts convlog.Logger, m *metrics.Collector, logger *slog.Logger) *Service {
	if assistant == nil {
		assistant = Unavailable{}
	}
	if transcripts == nil {
		transcripts = convlog.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	return &Service{
		assistant:   assistant,
		cfg:         cfg,
		sessions:    make(map[string]*session),
		transcripts: transcripts,
		metrics:     m,
		logger:      logger,
	}
}

// Ask forwards question to the assistant with the participant's history and
// records the exchange.
func (s *Service) Ask(ctx context.Context, participantID, question string) (*Answer, error) {
	history, ok := s.admit(participantID)
	if !ok {
		s.metrics.RecordAssistant("rate_limited", 0)
		return nil, fmt.Errorf("ask for %s: %w", participantID, ErrRateLimited)
	}

	s.logTurn(participantID, convlog.DirectionOutbound, "assistant_question", question, nil)

	start := time.Now()
	ans, err := s.assistant.Ask(ctx, AskRequest{
		ParticipantID: participantID,
		Question:      question,
		History:       history,
		Capabilities:  s.cfg.Capabilities,
	})
	if err != nil {
		s.metrics.RecordAssistant("error", time.Since(start))
		return nil, err
	}
	s.metrics.RecordAssistant("ok", time.Since(start))

	s.remember(participantID,
		domain.StoredMessage{Role: domain.MessageRoleUser, Content: question},
		domain.StoredMessage{Role: domain.MessageRoleAssistant, Content: ans.Text},
	)
	s.logTurn(participantID, convlog.DirectionInbound, "assistant_answer", ans.Text, map[string]any{
		"tools_used": ans.ToolsUsed,
		"handoff":    ans.Handoff,
	})
	return ans, nil
}

// Transcript returns the participant's exchanges with the assistant.
func (s *Service) Transcript(participantID string) []domain.StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[participantID]
	if !ok {
		return nil
	}
	return slices.Clone(sess.history)
}

// Forget drops the participant's session here and on the backend.
func (s *Service) Forget(ctx context.Context, participantID string) {
	s.mu.Lock()
	delete(s.sessions, participantID)
	s.mu.Unlock()

	if err := s.assistant.Reset(ctx, participantID); err != nil {
		s.logger.Warn("Failed to reset assistant session", "participant_id", participantID, "error", err)
	}
}

// Close releases the assistant backend.
func (s *Service) Close() {
	s.assistant.Close()
}

// admit applies the rate limit and returns a copy of the history to send.
func (s *Service) admit(participantID string) ([]domain.StoredMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessionLocked(participantID)
	if sess.limiter != nil && !sess.limiter.Allow() {
		return nil, false
	}
	return slices.Clone(sess.history), true
}

func (s *Service) remember(participantID string, msgs ...domain.StoredMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessionLocked(participantID)
	sess.history = append(sess.history, msgs...)
	if limit := s.cfg.HistoryLimit * 2; len(sess.history) > limit {
		sess.history = slices.Clone(sess.history[len(sess.history)-limit:])
	}
}

func (s *Service) sessionLocked(participantID string) *session {
	sess, ok := s.sessions[participantID]
	if !ok {
		sess = &session{}
		if n := s.cfg.RatePerMinute; n > 0 {
			sess.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
		}
		s.sessions[participantID] = sess
	}
	return sess
}

func (s *Service) logTurn(participantID, direction, eventType, content string, meta map[string]any) {
	s.transcripts.Log(convlog.Event{
		UserID:     participantID,
		SessionID:  "assistant",
		Channel:    convlog.ChannelAssistant,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}
