package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/septivank/greenhouse-controller/internal/apperrors"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// MessageHandler is a function that processes a message
type MessageHandler func(ctx context.Context, body []byte) error

// Consumer feeds readings from the ingest queue into a MessageHandler
type Consumer struct {
	channel       *amqp.Channel
	queue         string
	prefetchCount int
	logger        *zap.Logger
	handle        MessageHandler
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection    *Connection
	Queue         string
	DLQQueue      string
	Exchange      string
	RoutingKey    string
	PrefetchCount int
	Logger        *zap.Logger
	Handler       MessageHandler
}

// NewConsumer declares the ingest topology and returns a stopped consumer
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := declareTopicExchange(ch, cfg.Exchange); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Rejected readings are dead-lettered through the default exchange
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
	}

	if _, err := ch.QueueDeclare(cfg.DLQQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare DLQ: %w", err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return &Consumer{
		channel:       ch,
		queue:         cfg.Queue,
		prefetchCount: cfg.PrefetchCount,
		logger:        cfg.Logger.Named("mq.consumer"),
		handle:        cfg.Handler,
	}, nil
}

// Start starts consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetchCount),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("consumer context cancelled, stopping")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn("message channel closed")
					return
				}
				c.processMessage(ctx, msg)
			}
		}
	}()

	return nil
}

// disposition is what happens to a delivery after the handler ran
type disposition int

const (
	ack disposition = iota
	requeue
	deadLetter
)

// dispose decides a delivery's fate. Readings that can never succeed go
// straight to the DLQ; storage failures get one redelivery first.
func dispose(err error, redelivered bool) disposition {
	switch {
	case err == nil:
		return ack
	case apperrors.IsStorage(err) && !redelivered:
		return requeue
	default:
		return deadLetter
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery) {
	logger := c.logger.With(
		zap.String("routing_key", msg.RoutingKey),
		zap.String("message_id", msg.MessageId),
	)
	logger.Debug("received message from queue", zap.Int("body_size", len(msg.Body)))

	err := c.handle(ctx, msg.Body)
	switch dispose(err, msg.Redelivered) {
	case ack:
		if ackErr := msg.Ack(false); ackErr != nil {
			logger.Error("failed to ACK message", zap.Error(ackErr))
		}
	case requeue:
		logger.Warn("failed to process message, requeueing", zap.Error(err))
		if nackErr := msg.Nack(false, true); nackErr != nil {
			logger.Error("failed to NACK message", zap.Error(nackErr))
		}
	case deadLetter:
		logger.Error("failed to process message, dead-lettering", zap.Error(err))
		if nackErr := msg.Nack(false, false); nackErr != nil {
			logger.Error("failed to NACK message", zap.Error(nackErr))
		}
	}
}

// Close closes the consumer channel
func (c *Consumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}

// RegisterLifecycle starts consuming on app start and closes the channel on
// stop. ctx bounds message handling and is cancelled by the caller.
func (c *Consumer) RegisterLifecycle(lc fx.Lifecycle, ctx context.Context) {
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			return c.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			if err := c.Close(); err != nil {
				c.logger.Error("failed to close consumer channel", zap.Error(err))
				return err
			}
			c.logger.Info("consumer stopped")
			return nil
		},
	})
}
