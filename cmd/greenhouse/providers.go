package main

import (
	"context"
	"time"

	"github.com/septivank/greenhouse-controller/internal/actuator"
	"github.com/septivank/greenhouse-controller/internal/anomaly"
	"github.com/septivank/greenhouse-controller/internal/api"
	"github.com/septivank/greenhouse-controller/internal/config"
	"github.com/septivank/greenhouse-controller/internal/control"
	"github.com/septivank/greenhouse-controller/internal/db"
	"github.com/septivank/greenhouse-controller/internal/events"
	"github.com/septivank/greenhouse-controller/internal/hub"
	"github.com/septivank/greenhouse-controller/internal/repository"
	"github.com/septivank/greenhouse-controller/internal/service"
	"github.com/septivank/greenhouse-controller/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const connectTimeout = 10 * time.Second

// ProvideStore opens PostgreSQL or SQLite depending on DATABASE_URL. The
// schema is migrated and default devices seeded on start.
func ProvideStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (repository.Store, error) {
	var store repository.Store
	if cfg.Database.IsPostgres() {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		pool, err := db.NewPool(ctx, logger, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		store = repository.NewRepository(pool)
	} else {
		conn, err := db.OpenSQLite(cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		logger.Info("sqlite database opened", zap.String("path", cfg.Database.URL))
		store = repository.NewSQLiteRepository(conn)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			if !cfg.Database.SeedDevices {
				return nil
			}
			seeded, err := store.SeedDevices(ctx, db.DefaultDevices(), time.Now().UTC())
			if err != nil {
				return err
			}
			if seeded > 0 {
				logger.Info("default devices provisioned", zap.Int("count", seeded))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("closing database")
			return store.Close()
		},
	})
	return store, nil
}

// ProvideEventBus creates the in-process event bus
func ProvideEventBus(lc fx.Lifecycle, logger *zap.Logger) *events.Bus {
	bus := events.NewBus(logger)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			bus.Close()
			return nil
		},
	})
	return bus
}

// ProvideRegistry creates the actuator registry and loads it on start
func ProvideRegistry(lc fx.Lifecycle, store repository.Store, bus *events.Bus, cfg *config.Config, logger *zap.Logger) *actuator.Registry {
	registry := actuator.NewRegistry(store, bus, logger, cfg.Control.MaxSetStateRetries)
	lc.Append(fx.Hook{
		OnStart: registry.Load,
	})
	return registry
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.SpikeThreshold, cfg.Anomaly.MinDataPointsForDetection)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.TimestampToleranceMinutes)
}

// ProvideIngestService creates a new ingest service instance
func ProvideIngestService(
	store repository.Store,
	bus *events.Bus,
	detector *anomaly.Detector,
	validator *validator.Validator,
	logger *zap.Logger,
) *service.IngestService {
	return service.NewIngestService(store, bus, detector, validator, logger)
}

// ProvideControlLoop creates the auto-control loop, running while the app runs
func ProvideControlLoop(lc fx.Lifecycle, store repository.Store, registry *actuator.Registry, cfg *config.Config, logger *zap.Logger) *control.Loop {
	loop := control.NewLoop(store, registry, cfg.Control, logger)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			loop.Start()
			return nil
		},
		OnStop: loop.Stop,
	})
	return loop
}

// ProvideHub creates the viewer push hub
func ProvideHub(lc fx.Lifecycle, store repository.Store, registry *actuator.Registry, bus *events.Bus, cfg *config.Config, logger *zap.Logger) *hub.Hub {
	h := hub.NewHub(store, registry, bus, cfg.Hub, cfg.HTTP.AllowedOrigins, cfg.Events.SubscriberBuffer, logger)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			h.Run()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			h.Close()
			logger.Info("viewer hub closed")
			return nil
		},
	})
	return h
}

// ProvideHandler creates the HTTP endpoint handlers
func ProvideHandler(store repository.Store, registry *actuator.Registry, ingest *service.IngestService, loop *control.Loop) *api.Handler {
	return api.NewHandler(store, registry, ingest, loop)
}
