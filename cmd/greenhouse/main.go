package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/septivank/greenhouse-controller/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	startTimeout = 30 * time.Second
	stopTimeout  = 30 * time.Second
)

func main() {
	loadEnv()

	app := fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			ProvideStore,
			ProvideEventBus,
			ProvideRegistry,
			ProvideAnomalyDetector,
			ProvideValidator,
			ProvideIngestService,
			ProvideControlLoop,
			ProvideHub,
			ProvideHandler,
		),
		fx.Invoke(
			startHTTPServer,
			startRabbitMQ,
			startMQTTBridge,
		),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Create a temporary logger for startup error messages
	tempLogger, _ := newLogger(&config.Config{ServiceName: "greenhouse-controller", LogLevel: "info"})
	tempLogger.Info("starting application...", zap.Duration("timeout", startTimeout))

	startCtx, startCancel := context.WithTimeout(context.Background(), startTimeout)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if startCtx.Err() == context.DeadlineExceeded {
			tempLogger.Error("application did not start in time, a dependency (database, RabbitMQ or MQTT broker) is probably unreachable",
				zap.Duration("timeout", startTimeout))
		}
		tempLogger.Fatal("failed to start application", zap.Error(err))
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Println("error stopping app:", err)
	}
}

// loadEnv loads the first .env found in the working directory or up to two
// parents. A missing file is fine in containers.
func loadEnv() {
	envPaths := []string{".env", "../../.env"}
	if workDir, err := os.Getwd(); err == nil {
		parentDir := filepath.Dir(workDir)
		envPaths = append(envPaths,
			filepath.Join(workDir, ".env"),
			filepath.Join(parentDir, ".env"),
			filepath.Join(filepath.Dir(parentDir), ".env"),
		)
	}

	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err != nil {
			continue
		}
		if err := godotenv.Load(envPath); err == nil {
			absPath, _ := filepath.Abs(envPath)
			fmt.Printf("Loaded environment from: %s\n", absPath)
			return
		}
	}
	fmt.Println("No .env file found, using system environment variables")
}
