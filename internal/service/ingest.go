package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/greenhouse-controller/internal/anomaly"
	"github.com/septivank/greenhouse-controller/internal/apperrors"
	"github.com/septivank/greenhouse-controller/internal/db"
	"github.com/septivank/greenhouse-controller/internal/events"
	"github.com/septivank/greenhouse-controller/internal/logging"
	"github.com/septivank/greenhouse-controller/internal/repository"
	"github.com/septivank/greenhouse-controller/internal/validator"
	"go.uber.org/zap"
)

// historySize is how many recent valid values feed spike detection
const historySize = 10

// Reading is a partial set of environmental readings from the sensing
// device. Any metric may be absent.
type Reading struct {
	Temperature  *float64 `json:"temperature"`
	Humidity     *float64 `json:"humidity"`
	SoilMoisture *float64 `json:"soilMoisture"`
	AirQuality   *float64 `json:"airQuality"`
	LightLevel   *float64 `json:"lightLevel"`
	// RecordedAt is the device's own clock, optional
	RecordedAt string `json:"recordedAt,omitempty"`
}

func (r Reading) values() []validator.MetricValue {
	return []validator.MetricValue{
		{Metric: db.MetricTemperature, Value: r.Temperature},
		{Metric: db.MetricHumidity, Value: r.Humidity},
		{Metric: db.MetricSoilMoisture, Value: r.SoilMoisture},
		{Metric: db.MetricAirQuality, Value: r.AirQuality},
		{Metric: db.MetricLight, Value: r.LightLevel},
	}
}

// IngestMessage is the queue envelope for a reading. A bare Reading body is
// accepted too.
type IngestMessage struct {
	RequestID string   `json:"request_id"`
	Source    string   `json:"source"`
	Payload   *Reading `json:"payload"`
}

// IngestService stores readings and announces new snapshots
type IngestService struct {
	store     repository.Store
	bus       *events.Bus
	detector  *anomaly.Detector
	validator *validator.Validator
	logger    *zap.Logger
	now       func() time.Time
}

// NewIngestService creates a new ingest service
func NewIngestService(
	store repository.Store,
	bus *events.Bus,
	detector *anomaly.Detector,
	validator *validator.Validator,
	logger *zap.Logger,
) *IngestService {
	return &IngestService{
		store:     store,
		bus:       bus,
		detector:  detector,
		validator: validator,
		logger:    logger.Named("ingest"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ingest appends a snapshot stamped with the ingestion time, records each
// present metric in the raw readings log, then publishes the snapshot.
// Every call creates a new snapshot; nothing is deduplicated.
func (s *IngestService) Ingest(ctx context.Context, r Reading) (*db.Snapshot, error) {
	return s.ingest(ctx, r, s.logger)
}

func (s *IngestService) ingest(ctx context.Context, r Reading, logger *zap.Logger) (*db.Snapshot, error) {
	values := r.values()
	if err := s.validator.ValidateReading(values); err != nil {
		return nil, err
	}

	receivedAt := s.now()
	readingTime, tsResult := s.validator.ValidateTimestamp(r.RecordedAt, receivedAt)
	if !tsResult.IsValid {
		logger.Debug("device timestamp rejected", zap.String("reason", tsResult.AnomalyReason))
	}

	snapshot := db.Snapshot{
		ID:           uuid.New(),
		Temperature:  r.Temperature,
		Humidity:     r.Humidity,
		SoilMoisture: r.SoilMoisture,
		AirQuality:   r.AirQuality,
		LightLevel:   r.LightLevel,
		CreatedAt:    receivedAt,
	}

	raw := make([]db.RawReading, 0, len(values))
	for _, mv := range values {
		if mv.Value == nil {
			continue
		}
		raw = append(raw, s.screen(ctx, snapshot.ID, mv.Metric, *mv.Value, readingTime, receivedAt, tsResult, logger))
	}

	if err := s.store.InsertSnapshot(ctx, &snapshot, raw); err != nil {
		logger.Error("failed to store snapshot", zap.Error(err))
		return nil, err
	}

	s.bus.Publish(events.SnapshotUpdated(snapshot))
	logger.Debug("snapshot stored",
		zap.String("snapshot_id", snapshot.ID.String()),
		zap.Int("metrics", len(raw)))
	return &snapshot, nil
}

// screen builds the raw log row for one metric, marking it suspect when the
// device timestamp or the value itself looks wrong
func (s *IngestService) screen(
	ctx context.Context,
	snapshotID uuid.UUID,
	metric db.MetricType,
	value float64,
	readingTime, receivedAt time.Time,
	tsResult validator.ValidationResult,
	logger *zap.Logger,
) db.RawReading {
	reading := db.RawReading{
		ID:               uuid.New(),
		SnapshotID:       snapshotID,
		MetricName:       metric,
		MetricValue:      value,
		ReadingTimestamp: readingTime,
		ReceivedAt:       receivedAt,
		ValidationStatus: db.StatusValid,
	}

	if !tsResult.IsValid {
		reason := tsResult.AnomalyReason
		reading.ValidationStatus = db.StatusSuspect
		reading.AnomalyReason = &reason
		return reading
	}

	history, err := s.store.RecentMetricValues(ctx, metric, historySize)
	if err != nil {
		logger.Warn("failed to get historical readings for anomaly detection",
			zap.Error(err),
			zap.String("metric_name", string(metric)))
		return reading
	}

	if isAnomaly, reason := s.detector.DetectAnomaly(metric, value, history); isAnomaly {
		reading.ValidationStatus = db.StatusSuspect
		reading.AnomalyReason = &reason
		logger.Debug("anomaly detected",
			zap.String("metric_name", string(metric)),
			zap.Float64("value", value),
			zap.String("reason", reason))
	}
	return reading
}

// ProcessMessage ingests a reading delivered by a message transport. The
// body is either an IngestMessage envelope or a bare Reading. Malformed
// bodies and empty readings come back as validation errors so the caller
// can dead-letter them instead of retrying.
func (s *IngestService) ProcessMessage(ctx context.Context, body []byte) error {
	var msg IngestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return apperrors.NewValidationError("failed to unmarshal message", err)
	}

	reading := msg.Payload
	if reading == nil {
		reading = &Reading{}
		if err := json.Unmarshal(body, reading); err != nil {
			return apperrors.NewValidationError("failed to unmarshal reading", err)
		}
	}

	logger := s.logger
	if msg.RequestID != "" {
		logger = logging.WithRequestID(logger, msg.RequestID)
	}
	if msg.Source != "" {
		logger = logger.With(zap.String("source", msg.Source))
	}

	if _, err := s.ingest(ctx, *reading, logger); err != nil {
		return err
	}
	return nil
}
