package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes single messages through a channel pool.
// Retries are left to the caller.
type Publisher struct {
	pool           *ChannelPool
	confirm        bool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmMode makes Publish wait for the broker to confirm each message
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirm = enabled
	}
}

// WithConfirmTimeout sets how long Publish waits for a confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// WithPublishTimeout bounds a publish when the caller's context has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.publishTimeout = timeout
		}
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg to exchange with routingKey
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	err := p.pool.Execute(ctx, func(ch *PooledChannel) error {
		if p.confirm && !ch.confirmed {
			if err := ch.Confirm(false); err != nil {
				return fmt.Errorf("enable confirms: %w", err)
			}
			ch.confirmed = true
		}

		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
		if err != nil {
			return err
		}
		if dc == nil {
			return nil
		}

		waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
		defer cancel()
		acked, err := dc.WaitContext(waitCtx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPublishNotConfirmed, err)
		}
		if !acked {
			return fmt.Errorf("%w: nacked by broker", ErrPublishNotConfirmed)
		}
		return nil
	})
	if err != nil {
		p.logger.Debug("publish failed", "exchange", exchange, "routingKey", routingKey, "error", err)
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}
	return nil
}
