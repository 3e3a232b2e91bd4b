package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// ConnectionOptions controls DialWithRetry.
type ConnectionOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
	Logger        *slog.Logger
}

const maxDialDelay = 30 * time.Second

// DialWithRetry connects to RabbitMQ with capped exponential backoff.
// It stops early when ctx is cancelled.
func DialWithRetry(ctx context.Context, cfg ConnectionOptions) (*amqp091.Connection, error) {
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := cfg.Delay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp091.Dial(cfg.URL)
		if err == nil {
			if i > 1 {
				logger.Info("rabbit connected", slog.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := delay * time.Duration(1<<(i-1))
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		logger.Warn("rabbit dial failed",
			slog.Int("attempt", i),
			slog.Duration("sleep", sleep),
			slog.Any("error", err),
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("connect to rabbitmq after %d attempts: %w", attempts, lastErr)
}
