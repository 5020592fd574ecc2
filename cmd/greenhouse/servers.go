package main

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/septivank/greenhouse-controller/internal/api"
	"github.com/septivank/greenhouse-controller/internal/config"
	"github.com/septivank/greenhouse-controller/internal/events"
	"github.com/septivank/greenhouse-controller/internal/hub"
	"github.com/septivank/greenhouse-controller/internal/mq"
	"github.com/septivank/greenhouse-controller/internal/mqttbridge"
	"github.com/septivank/greenhouse-controller/internal/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startHTTPServer(
	lc fx.Lifecycle,
	cfg *config.Config,
	handler *api.Handler,
	viewers *hub.Hub,
	logger *zap.Logger,
) {
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewRouter(handler, viewers, cfg.HTTP, logger),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped unexpectedly", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shut down http server", zap.Error(err))
				return err
			}
			logger.Info("http server stopped")
			return nil
		},
	})
}

// startRabbitMQ consumes readings from the ingest queue and mirrors bus
// events to the events exchange. It does nothing when RABBITMQ_URL is unset.
func startRabbitMQ(
	lc fx.Lifecycle,
	cfg *config.Config,
	ingest *service.IngestService,
	bus *events.Bus,
	logger *zap.Logger,
) error {
	if !cfg.RabbitMQ.Enabled() {
		logger.Info("rabbitmq disabled")
		return nil
	}

	conn, err := mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
	if err != nil {
		return err
	}

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.IngestQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.IngestExchange,
		RoutingKey:    cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler:       ingest.ProcessMessage,
	})
	if err != nil {
		return err
	}

	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
	if err != nil {
		consumer.Close()
		return err
	}

	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	consumer.RegisterLifecycle(lc, ctx)

	sub := bus.Subscribe("amqp", cfg.Events.SubscriberBuffer)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			publisher.Forward(sub)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			bus.Unsubscribe(sub)
			if err := publisher.Wait(stopCtx); err != nil {
				logger.Warn("event publisher did not drain", zap.Error(err))
			}
			return publisher.Close()
		},
	})
	return nil
}

// startMQTTBridge relays device readings and actuator commands over MQTT.
// It does nothing when MQTT_BROKER_URL is unset.
func startMQTTBridge(
	lc fx.Lifecycle,
	cfg *config.Config,
	ingest *service.IngestService,
	bus *events.Bus,
	logger *zap.Logger,
) {
	if !cfg.MQTT.Enabled() {
		logger.Info("mqtt bridge disabled")
		return
	}

	bridge := mqttbridge.NewBridge(cfg.MQTT, ingest.ProcessMessage, logger)
	sub := bus.Subscribe("mqtt", cfg.Events.SubscriberBuffer)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := bridge.Connect(); err != nil {
				return err
			}
			bridge.Forward(sub)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			bus.Unsubscribe(sub)
			return bridge.Close(ctx)
		},
	})
}
