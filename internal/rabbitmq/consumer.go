package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes a delivery. Deliveries are acknowledged once the
// handler returns, whatever it returned; errors are only logged.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer runs delivery loops, one dedicated channel per subscription
type Consumer struct {
	pool            *ChannelPool
	prefetchCount   int
	handlerTimeout  time.Duration
	logger          *slog.Logger
	activeConsumers sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the per-channel prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithHandlerTimeout bounds the context passed to each handler call.
// Handlers run without a deadline unless this is set to a positive value.
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:           pool,
		prefetchCount: 10,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ConsumerInfo tracks one active subscription
type ConsumerInfo struct {
	Queue       string
	ConsumerTag string
	Channel     *PooledChannel
	Cancel      context.CancelFunc
	Done        chan struct{}
}

// Subscribe starts consuming queue and returns the consumer tag
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) (string, error) {
	tag := "zula-" + uuid.NewString()

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return "", &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Discard(ch)
		return "", &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		c.pool.Discard(ch)
		return "", &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	// the loop outlives the subscribing call
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	info := &ConsumerInfo{
		Queue:       queue,
		ConsumerTag: tag,
		Channel:     ch,
		Cancel:      cancel,
		Done:        make(chan struct{}),
	}
	c.activeConsumers.Store(tag, info)

	go c.processMessages(loopCtx, info, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
	)
	return tag, nil
}

func (c *Consumer) processMessages(ctx context.Context, info *ConsumerInfo, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		c.activeConsumers.Delete(info.ConsumerTag)
		c.pool.Discard(info.Channel)
		close(info.Done)
		c.logger.Info("consumer stopped", "queue", info.Queue, "consumerTag", info.ConsumerTag)
	}()

	// Unsubscribe stops the loop, not the delivery in flight
	handlerCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", info.Queue)
				return
			}
			c.handleMessage(handlerCtx, info.Queue, delivery, handler)
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, queue string, delivery amqp.Delivery, handler MessageHandler) {
	msgCtx := ctx
	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		msgCtx, cancel = context.WithTimeout(ctx, c.handlerTimeout)
		defer cancel()
	}

	if err := handler(msgCtx, delivery); err != nil {
		c.logger.Error("failed to handle message",
			"error", err,
			"queue", queue,
			"messageId", delivery.MessageId,
		)
	}

	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err, "queue", queue, "messageId", delivery.MessageId)
	}
}

// Unsubscribe cancels the consumer with tag and waits for its loop to end
func (c *Consumer) Unsubscribe(tag string) error {
	value, ok := c.activeConsumers.Load(tag)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConsumerNotFound, tag)
	}
	info := value.(*ConsumerInfo)

	if !info.Channel.IsClosed() {
		if err := info.Channel.Cancel(tag, false); err != nil {
			c.logger.Warn("basic.cancel failed", "consumerTag", tag, "error", err)
		}
	}
	info.Cancel()
	<-info.Done
	return nil
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() {
	var wg sync.WaitGroup
	for _, tag := range c.ActiveConsumers() {
		wg.Add(1)
		go func(tag string) {
			defer wg.Done()
			if err := c.Unsubscribe(tag); err != nil {
				c.logger.Debug("unsubscribe skipped", "consumerTag", tag, "error", err)
			}
		}(tag)
	}
	wg.Wait()
}

// ActiveConsumers returns the tags of running consumers, sorted
func (c *Consumer) ActiveConsumers() []string {
	var tags []string
	c.activeConsumers.Range(func(key, _ any) bool {
		tags = append(tags, key.(string))
		return true
	})
	sort.Strings(tags)
	return tags
}
