package analytics

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
)

// Consumer consumes request outcome events and persists them.
type Consumer struct {
	subscriber message.Subscriber
	store      Store
	logger     *zap.Logger
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewConsumer creates a new analytics consumer.
func NewConsumer(subscriber message.Subscriber, store Store, logger *zap.Logger) *Consumer {
	return &Consumer{
		subscriber: subscriber,
		store:      store,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start begins consuming messages from both topics.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	analyzedMsgs, err := c.subscriber.Subscribe(ctx, TopicRequestAnalyzed)
	if err != nil {
		return err
	}

	limitedMsgs, err := c.subscriber.Subscribe(ctx, TopicRateLimited)
	if err != nil {
		return err
	}

	go c.consumeLoop(ctx, analyzedMsgs, limitedMsgs)

	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context, analyzedMsgs, limitedMsgs <-chan *message.Message) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-analyzedMsgs:
			if !ok {
				return
			}

			c.handleRequestAnalyzed(ctx, msg)
		case msg, ok := <-limitedMsgs:
			if !ok {
				return
			}

			c.handleRateLimited(ctx, msg)
		}
	}
}

func (c *Consumer) handleRequestAnalyzed(ctx context.Context, msg *message.Message) {
	var event RequestAnalyzedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		c.logger.Error("failed to unmarshal request analyzed event",
			zap.Error(err),
		)
		msg.Nack()

		return
	}

	if err := c.store.SaveRequestAnalyzed(ctx, &event); err != nil {
		c.logger.Error("failed to save request analyzed event",
			zap.String("requestId", event.RequestID),
			zap.Error(err),
		)
		msg.Nack()

		return
	}

	msg.Ack()

	c.logger.Debug("processed request analyzed event",
		zap.String("requestId", event.RequestID),
	)
}

func (c *Consumer) handleRateLimited(ctx context.Context, msg *message.Message) {
	var event RateLimitedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		c.logger.Error("failed to unmarshal rate limited event",
			zap.Error(err),
		)
		msg.Nack()

		return
	}

	if err := c.store.SaveRateLimited(ctx, &event); err != nil {
		c.logger.Error("failed to save rate limited event",
			zap.String("requestId", event.RequestID),
			zap.Error(err),
		)
		msg.Nack()

		return
	}

	msg.Ack()

	c.logger.Debug("processed rate limited event",
		zap.String("requestId", event.RequestID),
	)
}

// Shutdown stops the consumer and waits for in-flight messages to complete.
func (c *Consumer) Shutdown() error {
	if c.cancel != nil {
		c.cancel()
	}

	<-c.done

	return c.subscriber.Close()
}
