package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/septivank/greenhouse-controller/internal/events"
	"go.uber.org/zap"
)

// Routing keys of the events exchange
const (
	RoutingKeySnapshotUpdated = "greenhouse.snapshot.updated"
	RoutingKeyDeviceUpdated   = "greenhouse.device.updated"
)

const publishTimeout = 5 * time.Second

// Publisher mirrors bus events onto the events exchange
type Publisher struct {
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
	done     chan struct{}
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := declareTopicExchange(ch, exchange); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   logger.Named("mq.publisher"),
		done:     make(chan struct{}),
	}, nil
}

// EventMessage is the body published for every bus event
type EventMessage struct {
	Event string          `json:"event"`
	Cause events.Cause    `json:"cause,omitempty"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data"`
}

// routingKey returns the exchange routing key for e
func routingKey(e events.Event) string {
	if e.Kind == events.KindSnapshotUpdated {
		return RoutingKeySnapshotUpdated
	}
	return RoutingKeyDeviceUpdated
}

func encodeEvent(e events.Event) ([]byte, error) {
	var payload interface{} = e.Device
	if e.Kind == events.KindSnapshotUpdated {
		payload = e.Snapshot
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(EventMessage{Event: string(e.Kind), Cause: e.Cause, At: e.At, Data: data})
}

// Publish sends one event to the exchange
func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	body, err := encodeEvent(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := routingKey(e)
	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    e.At,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published event", zap.String("routing_key", key))
	return nil
}

// Forward publishes every event from sub until the subscription closes.
// Publish failures are logged and the event is dropped.
func (p *Publisher) Forward(sub *events.Subscription) {
	go func() {
		defer close(p.done)
		for e := range sub.C {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			if err := p.Publish(ctx, e); err != nil {
				p.logger.Warn("failed to forward event", zap.String("event", string(e.Kind)), zap.Error(err))
			}
			cancel()
		}
	}()
}

// Wait blocks until Forward has drained its subscription or ctx ends
func (p *Publisher) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
