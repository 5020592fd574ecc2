// Package mqttbridge connects the controller to field devices over MQTT.
// Devices publish readings to one topic; every actuator transition is
// published, retained, to a per-device topic the device subscribes to.
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/septivank/greenhouse-controller/internal/config"
	"github.com/septivank/greenhouse-controller/internal/events"
	"go.uber.org/zap"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	handleTimeout  = 10 * time.Second
	quiesceMillis  = 250
)

// MessageHandler ingests one reading payload
type MessageHandler func(ctx context.Context, body []byte) error

// ActuatorCommand is the retained payload on an actuator topic
type ActuatorCommand struct {
	ID       uuid.UUID    `json:"id"`
	Name     string       `json:"name"`
	Type     string       `json:"type"`
	Pin      *int         `json:"pin"`
	IsActive bool         `json:"isActive"`
	Cause    events.Cause `json:"cause"`
	At       time.Time    `json:"at"`
}

// Bridge relays readings in and actuator state out
type Bridge struct {
	client mqtt.Client
	cfg    config.MQTTConfig
	handle MessageHandler
	logger *zap.Logger
	done   chan struct{}
}

// NewBridge creates a disconnected bridge
func NewBridge(cfg config.MQTTConfig, handle MessageHandler, logger *zap.Logger) *Bridge {
	b := &Bridge{
		cfg:    cfg,
		handle: handle,
		logger: logger.Named("mqtt"),
		done:   make(chan struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn("mqtt connection lost", zap.Error(err))
		})
	b.client = mqtt.NewClient(opts)
	return b
}

// Connect dials the broker. Subscriptions are made on every (re)connect.
func (b *Bridge) Connect() error {
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("failed to connect to mqtt broker %s: timed out", b.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker %s: %w", b.cfg.BrokerURL, err)
	}
	return nil
}

func (b *Bridge) onConnect(c mqtt.Client) {
	token := c.Subscribe(b.cfg.ReadingsTopic, byte(b.cfg.QoS), b.onReading)
	if token.WaitTimeout(connectTimeout) && token.Error() == nil {
		b.logger.Info("mqtt connected", zap.String("topic", b.cfg.ReadingsTopic))
		return
	}
	b.logger.Error("failed to subscribe to readings topic",
		zap.String("topic", b.cfg.ReadingsTopic), zap.Error(token.Error()))
}

func (b *Bridge) onReading(_ mqtt.Client, msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	if err := b.handle(ctx, msg.Payload()); err != nil {
		b.logger.Warn("failed to ingest mqtt reading",
			zap.String("topic", msg.Topic()), zap.Error(err))
	}
}

// ActuatorTopic returns the topic carrying id's state
func (b *Bridge) ActuatorTopic(id uuid.UUID) string {
	return b.cfg.ActuatorTopicPrefix + "/" + id.String()
}

// PublishDevice publishes a device event as a retained command. Other
// events are ignored.
func (b *Bridge) PublishDevice(e events.Event) error {
	if e.Kind != events.KindDeviceUpdated || e.Device == nil {
		return nil
	}
	d := e.Device
	payload, err := json.Marshal(ActuatorCommand{
		ID:       d.ID,
		Name:     d.Name,
		Type:     d.Type,
		Pin:      d.Pin,
		IsActive: d.IsActive,
		Cause:    e.Cause,
		At:       e.At,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal actuator command: %w", err)
	}

	token := b.client.Publish(b.ActuatorTopic(d.ID), byte(b.cfg.QoS), true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("failed to publish actuator command: timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish actuator command: %w", err)
	}
	return nil
}

// Forward publishes device events from sub until it closes
func (b *Bridge) Forward(sub *events.Subscription) {
	go func() {
		defer close(b.done)
		for e := range sub.C {
			if err := b.PublishDevice(e); err != nil {
				b.logger.Warn("failed to forward device event", zap.Error(err))
			}
		}
	}()
}

// Close disconnects from the broker. Unsubscribe the forwarded
// subscription first so Close can wait for the last publish.
func (b *Bridge) Close(ctx context.Context) error {
	select {
	case <-b.done:
	case <-ctx.Done():
	}
	b.client.Disconnect(quiesceMillis)
	b.logger.Info("mqtt disconnected")
	return nil
}
