package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// Publisher sends envelopes to a topic exchange.
type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}

// Options configures the RabbitMQ publisher.
type Options struct {
	URL           string
	Exchange      string
	RetryAttempts int
	Delay         time.Duration
	Logger        *slog.Logger
}

type rmqClient struct {
	conn     *amqp091.Connection
	exchange string
	log      *slog.Logger
}

// NewRabbit dials the broker and declares a durable topic exchange.
func NewRabbit(ctx context.Context, opts Options) (Publisher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := DialWithRetry(ctx, ConnectionOptions{
		URL:           opts.URL,
		RetryAttempts: opts.RetryAttempts,
		Delay:         opts.Delay,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", opts.Exchange, err)
	}

	return &rmqClient{conn: conn, exchange: opts.Exchange, log: logger}, nil
}

func (r *rmqClient) Publish(ctx context.Context, key string, msg Envelope) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msgID := msg.Meta.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	cid := msgID
	if msg.Meta.CorrelationID != nil {
		cid = *msg.Meta.CorrelationID
	}

	err = ch.PublishWithContext(ctx, r.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     msgID,
		CorrelationId: cid,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	r.log.Debug("published", slog.String("key", key), slog.String("exchange", r.exchange))
	return nil
}

func (r *rmqClient) Close() error {
	return r.conn.Close()
}

// FallbackPublisher drops events when no broker is configured.
type FallbackPublisher struct {
	log *slog.Logger
}

// NewFallback returns a publisher that only logs.
func NewFallback(logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackPublisher{log: logger}
}

// Publish logs and skips.
func (p *FallbackPublisher) Publish(_ context.Context, key string, _ Envelope) error {
	p.log.Debug("event publishing disabled, skipped", slog.String("key", key))
	return nil
}

// Close is a no-op.
func (p *FallbackPublisher) Close() error {
	return nil
}
