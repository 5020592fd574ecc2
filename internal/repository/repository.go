package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/septivank/greenhouse-controller/internal/apperrors"
	"github.com/septivank/greenhouse-controller/internal/db"
)

// Store is the durable state of the controller. Every method returns
// apperrors-classified errors: NotFound for missing rows, Conflict for a
// lost compare-and-set or a blocked delete, Storage for I/O failures.
type Store interface {
	Migrate(ctx context.Context) error
	SeedDevices(ctx context.Context, devices []db.Device, now time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error

	// InsertSnapshot appends a snapshot and its raw readings atomically
	InsertSnapshot(ctx context.Context, snapshot *db.Snapshot, raw []db.RawReading) error
	// LatestSnapshot returns the snapshot with the greatest created_at
	LatestSnapshot(ctx context.Context) (*db.Snapshot, error)
	// RecentMetricValues returns the newest valid raw values for a metric, newest first
	RecentMetricValues(ctx context.Context, metric db.MetricType, limit int) ([]float64, error)

	ListDevices(ctx context.Context) ([]db.Device, error)
	GetDevice(ctx context.Context, id uuid.UUID) (*db.Device, error)
	CreateDevice(ctx context.Context, device *db.Device) error
	// UpdateDeviceInfo rewrites name, type and pin. It never touches is_active.
	UpdateDeviceInfo(ctx context.Context, device *db.Device) (*db.Device, error)
	// CompareAndSetDeviceState flips is_active only if it still equals expected
	CompareAndSetDeviceState(ctx context.Context, id uuid.UUID, expected, desired bool, at time.Time) (*db.Device, error)
	// DeleteDevice refuses with a Conflict while an enabled rule references the device
	DeleteDevice(ctx context.Context, id uuid.UUID) error

	ListRules(ctx context.Context) ([]db.Rule, error)
	ListEnabledRules(ctx context.Context) ([]db.Rule, error)
	GetRule(ctx context.Context, id uuid.UUID) (*db.Rule, error)
	CreateRule(ctx context.Context, rule *db.Rule) error
	UpdateRule(ctx context.Context, rule *db.Rule) error
	DeleteRule(ctx context.Context, id uuid.UUID) error

	ListPlants(ctx context.Context) ([]db.Plant, error)
	GetPlant(ctx context.Context, id uuid.UUID) (*db.Plant, error)
	CreatePlant(ctx context.Context, plant *db.Plant) error
	UpdatePlant(ctx context.Context, plant *db.Plant) error
	DeletePlant(ctx context.Context, id uuid.UUID) error
}

// RetryRead runs a read once more when it fails with a storage error.
// NotFound and other classified errors are returned as-is.
func RetryRead[T any](ctx context.Context, read func(context.Context) (T, error)) (T, error) {
	v, err := read(ctx)
	if err == nil || !apperrors.IsStorage(err) || ctx.Err() != nil {
		return v, err
	}
	return read(ctx)
}

const (
	snapshotColumns = `id, temperature, humidity, soil_moisture, air_quality, light_level, created_at`
	deviceColumns   = `id, name, type, pin, is_active, created_at, updated_at`
	ruleColumns     = `id, name, metric_type, threshold_low, threshold_high, actuator_id, enabled, created_at`
	plantColumns    = `id, name, ideal_temp_min, ideal_temp_max, ideal_humidity_min, ideal_humidity_max,
		ideal_soil_moisture_min, ideal_soil_moisture_max, created_at`
)

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*db.Snapshot, error) {
	var s db.Snapshot
	if err := row.Scan(&s.ID, &s.Temperature, &s.Humidity, &s.SoilMoisture, &s.AirQuality, &s.LightLevel, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanDevice(row rowScanner) (*db.Device, error) {
	var d db.Device
	if err := row.Scan(&d.ID, &d.Name, &d.Type, &d.Pin, &d.IsActive, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanRule(row rowScanner) (*db.Rule, error) {
	var (
		r      db.Rule
		metric string
	)
	if err := row.Scan(&r.ID, &r.Name, &metric, &r.ThresholdLow, &r.ThresholdHigh, &r.ActuatorID, &r.Enabled, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.MetricType = db.MetricType(metric)
	return &r, nil
}

func scanPlant(row rowScanner) (*db.Plant, error) {
	var p db.Plant
	if err := row.Scan(&p.ID, &p.Name, &p.IdealTempMin, &p.IdealTempMax, &p.IdealHumidityMin, &p.IdealHumidityMax,
		&p.IdealSoilMoistureMin, &p.IdealSoilMoistureMax, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

// classify maps a driver error to NotFound or Storage
func classify(err error, notFoundMsg, storageMsg string) error {
	if isNoRows(err) {
		return apperrors.NewNotFoundError(notFoundMsg, err)
	}
	return apperrors.NewStorageError(storageMsg, err)
}
