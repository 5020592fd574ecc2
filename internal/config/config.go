package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	LogLevel    string
	HTTP        HTTPConfig
	Database    DatabaseConfig
	Control     ControlConfig
	Events      EventsConfig
	Hub         HubConfig
	RabbitMQ    RabbitMQConfig
	MQTT        MQTTConfig
	Validation  ValidationConfig
	Anomaly     AnomalyConfig
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	Addr               string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	MaxBodyBytes       int64
	AllowedOrigins     []string
	// RateLimitPerMinute caps requests per client address; 0 disables it
	RateLimitPerMinute int
	SecurityHeaders    bool
}

// DatabaseConfig holds database connection settings.
// A postgres:// or postgresql:// URL selects PostgreSQL, anything else is
// treated as a SQLite database file path.
type DatabaseConfig struct {
	URL         string
	SeedDevices bool
}

// IsPostgres reports whether the configured URL points at PostgreSQL
func (d DatabaseConfig) IsPostgres() bool {
	return strings.HasPrefix(d.URL, "postgres://") || strings.HasPrefix(d.URL, "postgresql://")
}

// ControlConfig holds auto-control loop settings
type ControlConfig struct {
	Interval           time.Duration
	TickTimeout        time.Duration
	MaxSetStateRetries int
}

// EventsConfig holds event bus settings
type EventsConfig struct {
	SubscriberBuffer int
}

// HubConfig holds viewer session settings
type HubConfig struct {
	SendQueueSize int
	WriteTimeout  time.Duration
	PingInterval  time.Duration
}

// RabbitMQConfig holds RabbitMQ connection and queue settings.
// RabbitMQ is optional: an empty URL disables both the ingest consumer
// and the event publisher.
type RabbitMQConfig struct {
	URL              string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	EventsExchange   string
	DLQQueue         string
	PrefetchCount    int
}

// Enabled reports whether RabbitMQ is configured
func (r RabbitMQConfig) Enabled() bool {
	return r.URL != ""
}

// MQTTConfig holds the device MQTT bridge settings. An empty broker URL
// disables the bridge.
type MQTTConfig struct {
	BrokerURL           string
	ClientID            string
	ReadingsTopic       string
	ActuatorTopicPrefix string
	QoS                 int
}

// Enabled reports whether the MQTT bridge is configured
func (m MQTTConfig) Enabled() bool {
	return m.BrokerURL != ""
}

// ValidationConfig holds validation settings
type ValidationConfig struct {
	TimestampToleranceMinutes int
}

// AnomalyConfig holds anomaly detection settings
type AnomalyConfig struct {
	SpikeThreshold            float64
	MinDataPointsForDetection int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "greenhouse-controller"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		HTTP: HTTPConfig{
			Addr:               getEnv("HTTP_ADDR", ":3000"),
			ReadTimeout:        getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:       getEnvAsDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout:    getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
			MaxBodyBytes:       int64(getEnvAsInt("HTTP_MAX_BODY_BYTES", 256*1024)),
			AllowedOrigins:     getEnvAsList("HTTP_ALLOWED_ORIGINS", []string{"*"}),
			RateLimitPerMinute: getEnvAsInt("HTTP_RATE_LIMIT_PER_MINUTE", 300),
			SecurityHeaders:    getEnvAsBool("HTTP_SECURITY_HEADERS", true),
		},
		Database: DatabaseConfig{
			URL:         getEnv("DATABASE_URL", "data/greenhouse.db"),
			SeedDevices: getEnvAsBool("SEED_DEFAULT_DEVICES", true),
		},
		Control: ControlConfig{
			Interval:           getEnvAsDuration("CONTROL_INTERVAL", 3*time.Second),
			TickTimeout:        getEnvAsDuration("CONTROL_TICK_TIMEOUT", 10*time.Second),
			MaxSetStateRetries: getEnvAsInt("CONTROL_MAX_SETSTATE_RETRIES", 3),
		},
		Events: EventsConfig{
			SubscriberBuffer: getEnvAsInt("EVENTS_SUBSCRIBER_BUFFER", 64),
		},
		Hub: HubConfig{
			SendQueueSize: getEnvAsInt("HUB_SEND_QUEUE", 32),
			WriteTimeout:  getEnvAsDuration("HUB_WRITE_TIMEOUT", 10*time.Second),
			PingInterval:  getEnvAsDuration("HUB_PING_INTERVAL", 30*time.Second),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			IngestExchange:   getEnv("RABBITMQ_INGEST_EXCHANGE", "greenhouse.ingest.exchange"),
			IngestQueue:      getEnv("RABBITMQ_INGEST_QUEUE", "greenhouse.ingest.queue"),
			IngestRoutingKey: getEnv("RABBITMQ_INGEST_ROUTING_KEY", "greenhouse.reading.raw"),
			EventsExchange:   getEnv("RABBITMQ_EVENTS_EXCHANGE", "greenhouse.events.exchange"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "greenhouse.ingest.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		MQTT: MQTTConfig{
			BrokerURL:           getEnv("MQTT_BROKER_URL", ""),
			ClientID:            getEnv("MQTT_CLIENT_ID", "greenhouse-controller"),
			ReadingsTopic:       getEnv("MQTT_READINGS_TOPIC", "greenhouse/readings"),
			ActuatorTopicPrefix: getEnv("MQTT_ACTUATOR_TOPIC_PREFIX", "greenhouse/actuators"),
			QoS:                 getEnvAsInt("MQTT_QOS", 1),
		},
		Validation: ValidationConfig{
			TimestampToleranceMinutes: getEnvAsInt("VALIDATION_TIMESTAMP_TOLERANCE_MINUTES", 10),
		},
		Anomaly: AnomalyConfig{
			SpikeThreshold:            getEnvAsFloat("ANOMALY_SPIKE_THRESHOLD", 3.0),
			MinDataPointsForDetection: getEnvAsInt("ANOMALY_MIN_DATA_POINTS", 3),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL must not be empty")
	}
	if c.Control.Interval <= 0 {
		return fmt.Errorf("CONTROL_INTERVAL must be positive, got %s", c.Control.Interval)
	}
	if c.Control.TickTimeout <= 0 {
		return fmt.Errorf("CONTROL_TICK_TIMEOUT must be positive, got %s", c.Control.TickTimeout)
	}
	if c.Control.MaxSetStateRetries < 0 {
		return fmt.Errorf("CONTROL_MAX_SETSTATE_RETRIES must not be negative")
	}
	if c.HTTP.RateLimitPerMinute < 0 {
		return fmt.Errorf("HTTP_RATE_LIMIT_PER_MINUTE must not be negative")
	}
	if c.Hub.SendQueueSize <= 0 {
		return fmt.Errorf("HUB_SEND_QUEUE must be positive")
	}
	if c.Events.SubscriberBuffer <= 0 {
		return fmt.Errorf("EVENTS_SUBSCRIBER_BUFFER must be positive")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go duration strings ("3s") or a bare number of milliseconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if ms, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
