package repository

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/greenhouse-controller/internal/apperrors"
	"github.com/septivank/greenhouse-controller/internal/db"
)

//go:embed schema_postgres.sql
var postgresSchema string

// Repository is the PostgreSQL Store
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Migrate applies the schema. Safe to call on every start.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return apperrors.NewStorageError("failed to apply schema", err)
	}
	return nil
}

// SeedDevices inserts devices when the devices table is empty
func (r *Repository) SeedDevices(ctx context.Context, devices []db.Device, now time.Time) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, apperrors.NewStorageError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM devices`).Scan(&count); err != nil {
		return 0, apperrors.NewStorageError("failed to count devices", err)
	}
	if count > 0 {
		return 0, nil
	}

	for i := range devices {
		d := &devices[i]
		d.ID = uuid.New()
		d.CreatedAt, d.UpdatedAt = now, now
		if err := r.insertDevice(ctx, tx, d); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, apperrors.NewStorageError("failed to commit seed", err)
	}
	return len(devices), nil
}

// Ping checks the pool can reach the server
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return apperrors.NewStorageError("failed to ping database", err)
	}
	return nil
}

// Close releases the pool
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// InsertSnapshot inserts a snapshot and its raw readings in one transaction
func (r *Repository) InsertSnapshot(ctx context.Context, snapshot *db.Snapshot, raw []db.RawReading) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperrors.NewStorageError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO snapshots (` + snapshotColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = tx.Exec(ctx, query,
		snapshot.ID,
		snapshot.Temperature,
		snapshot.Humidity,
		snapshot.SoilMoisture,
		snapshot.AirQuality,
		snapshot.LightLevel,
		snapshot.CreatedAt,
	)
	if err != nil {
		return apperrors.NewStorageError("failed to insert snapshot", err)
	}

	for _, reading := range raw {
		if err := r.insertRawReadingTx(ctx, tx, reading); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewStorageError("failed to commit snapshot", err)
	}
	return nil
}

func (r *Repository) insertRawReadingTx(ctx context.Context, tx pgx.Tx, reading db.RawReading) error {
	query := `
		INSERT INTO raw_readings (
			id, snapshot_id, metric_name, metric_value, reading_timestamp,
			received_at, validation_status, anomaly_reason
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := tx.Exec(ctx, query,
		reading.ID,
		reading.SnapshotID,
		string(reading.MetricName),
		reading.MetricValue,
		reading.ReadingTimestamp,
		reading.ReceivedAt,
		reading.ValidationStatus,
		reading.AnomalyReason,
	)
	if err != nil {
		return apperrors.NewStorageError("failed to insert raw reading", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot by created_at
func (r *Repository) LatestSnapshot(ctx context.Context) (*db.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots ORDER BY created_at DESC, id DESC LIMIT 1`
	s, err := scanSnapshot(r.pool.QueryRow(ctx, query))
	if err != nil {
		return nil, classify(err, "no snapshot recorded", "failed to query latest snapshot")
	}
	return s, nil
}

// RecentMetricValues gets recent valid readings for anomaly detection
func (r *Repository) RecentMetricValues(ctx context.Context, metric db.MetricType, limit int) ([]float64, error) {
	query := `
		SELECT metric_value
		FROM raw_readings
		WHERE metric_name = $1 AND validation_status = 'valid'
		ORDER BY received_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, string(metric), limit)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to query recent readings", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var value float64
		if err := rows.Scan(&value); err != nil {
			return nil, apperrors.NewStorageError("failed to scan value", err)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageError("rows iteration error", err)
	}
	return values, nil
}

// ListDevices returns every device ordered by creation
func (r *Repository) ListDevices(ctx context.Context) ([]db.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to list devices", err)
	}
	defer rows.Close()

	devices := []db.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, apperrors.NewStorageError("failed to scan device", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageError("rows iteration error", err)
	}
	return devices, nil
}

// GetDevice loads a device by id
func (r *Repository) GetDevice(ctx context.Context, id uuid.UUID) (*db.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`
	d, err := scanDevice(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, classify(err, "device not found", "failed to query device")
	}
	return d, nil
}

// CreateDevice inserts a new device
func (r *Repository) CreateDevice(ctx context.Context, device *db.Device) error {
	return r.insertDevice(ctx, r.pool, device)
}

// queryRower is satisfied by both the pool and a transaction
type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Repository) insertDevice(ctx context.Context, q queryRower, device *db.Device) error {
	query := `
		INSERT INTO devices (` + deviceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + deviceColumns
	inserted, err := scanDevice(q.QueryRow(ctx, query,
		device.ID, device.Name, device.Type, device.Pin, device.IsActive, device.CreatedAt, device.UpdatedAt))
	if err != nil {
		return apperrors.NewStorageError("failed to create device", err)
	}
	*device = *inserted
	return nil
}

// UpdateDeviceInfo rewrites a device's name, type and pin
func (r *Repository) UpdateDeviceInfo(ctx context.Context, device *db.Device) (*db.Device, error) {
	query := `
		UPDATE devices
		SET name = $2, type = $3, pin = $4, updated_at = $5
		WHERE id = $1
		RETURNING ` + deviceColumns
	d, err := scanDevice(r.pool.QueryRow(ctx, query, device.ID, device.Name, device.Type, device.Pin, device.UpdatedAt))
	if err != nil {
		return nil, classify(err, "device not found", "failed to update device")
	}
	return d, nil
}

// CompareAndSetDeviceState updates is_active only when the stored value still equals expected
func (r *Repository) CompareAndSetDeviceState(ctx context.Context, id uuid.UUID, expected, desired bool, at time.Time) (*db.Device, error) {
	query := `
		UPDATE devices
		SET is_active = $3, updated_at = $4
		WHERE id = $1 AND is_active = $2
		RETURNING ` + deviceColumns
	d, err := scanDevice(r.pool.QueryRow(ctx, query, id, expected, desired, at))
	if err == nil {
		return d, nil
	}
	if !isNoRows(err) {
		return nil, apperrors.NewStorageError("failed to update device state", err)
	}
	if _, getErr := r.GetDevice(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, apperrors.NewConflictError("device state changed concurrently", err)
}

// Row locks taken on a device before its rule references are checked or
// changed. A delete holds FOR UPDATE, which conflicts with the FOR KEY SHARE
// a rule write holds, so neither can commit against the other's stale view.
const (
	lockForDelete  = "FOR UPDATE"
	lockForReferer = "FOR KEY SHARE"
)

// lockDevice locks the device row in tx. A missing device is NotFound.
func lockDevice(ctx context.Context, tx pgx.Tx, id uuid.UUID, mode string) error {
	var locked uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM devices WHERE id = $1 `+mode, id).Scan(&locked)
	if err != nil {
		return classify(err, fmt.Sprintf("actuator %s not found", id), "failed to lock device")
	}
	return nil
}

// DeleteDevice deletes a device unless an enabled rule references it
func (r *Repository) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperrors.NewStorageError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := lockDevice(ctx, tx, id, lockForDelete); err != nil {
		if apperrors.IsNotFound(err) {
			return apperrors.NewNotFoundError("device not found", nil)
		}
		return err
	}

	var referenced bool
	query := `SELECT EXISTS (SELECT 1 FROM rules WHERE actuator_id = $1 AND enabled)`
	if err := tx.QueryRow(ctx, query, id).Scan(&referenced); err != nil {
		return apperrors.NewStorageError("failed to check rule references", err)
	}
	if referenced {
		return apperrors.NewConflictError("device is referenced by an enabled rule", nil)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM devices WHERE id = $1`, id); err != nil {
		return apperrors.NewStorageError("failed to delete device", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewStorageError("failed to commit device delete", err)
	}
	return nil
}

// ListRules returns every rule in evaluation order
func (r *Repository) ListRules(ctx context.Context) ([]db.Rule, error) {
	return r.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY created_at, id`)
}

// ListEnabledRules returns enabled rules in evaluation order
func (r *Repository) ListEnabledRules(ctx context.Context) ([]db.Rule, error) {
	return r.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules WHERE enabled ORDER BY created_at, id`)
}

func (r *Repository) queryRules(ctx context.Context, query string) ([]db.Rule, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to list rules", err)
	}
	defer rows.Close()

	rules := []db.Rule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, apperrors.NewStorageError("failed to scan rule", err)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageError("rows iteration error", err)
	}
	return rules, nil
}

// GetRule loads a rule by id
func (r *Repository) GetRule(ctx context.Context, id uuid.UUID) (*db.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = $1`
	rule, err := scanRule(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, classify(err, "rule not found", "failed to query rule")
	}
	return rule, nil
}

// CreateRule inserts a rule if its actuator exists
func (r *Repository) CreateRule(ctx context.Context, rule *db.Rule) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperrors.NewStorageError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := lockDevice(ctx, tx, rule.ActuatorID, lockForReferer); err != nil {
		return err
	}

	query := `
		INSERT INTO rules (` + ruleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = tx.Exec(ctx, query,
		rule.ID, rule.Name, string(rule.MetricType), rule.ThresholdLow, rule.ThresholdHigh,
		rule.ActuatorID, rule.Enabled, rule.CreatedAt)
	if err != nil {
		return apperrors.NewStorageError("failed to create rule", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewStorageError("failed to commit rule", err)
	}
	return nil
}

// UpdateRule rewrites a rule if both the rule and its actuator exist
func (r *Repository) UpdateRule(ctx context.Context, rule *db.Rule) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperrors.NewStorageError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := lockDevice(ctx, tx, rule.ActuatorID, lockForReferer); err != nil {
		if !apperrors.IsNotFound(err) {
			return err
		}
		// a missing rule takes precedence over a missing actuator
		if _, getErr := r.GetRule(ctx, rule.ID); getErr != nil {
			return getErr
		}
		return err
	}

	query := `
		UPDATE rules
		SET name = $2, metric_type = $3, threshold_low = $4, threshold_high = $5,
			actuator_id = $6, enabled = $7
		WHERE id = $1
	`
	tag, err := tx.Exec(ctx, query,
		rule.ID, rule.Name, string(rule.MetricType), rule.ThresholdLow, rule.ThresholdHigh,
		rule.ActuatorID, rule.Enabled)
	if err != nil {
		return apperrors.NewStorageError("failed to update rule", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("rule not found", nil)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewStorageError("failed to commit rule", err)
	}
	return nil
}

// DeleteRule deletes a rule
func (r *Repository) DeleteRule(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return apperrors.NewStorageError("failed to delete rule", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("rule not found", nil)
	}
	return nil
}

// ListPlants returns every plant profile
func (r *Repository) ListPlants(ctx context.Context) ([]db.Plant, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+plantColumns+` FROM plants ORDER BY created_at, id`)
	if err != nil {
		return nil, apperrors.NewStorageError("failed to list plants", err)
	}
	defer rows.Close()

	plants := []db.Plant{}
	for rows.Next() {
		p, err := scanPlant(rows)
		if err != nil {
			return nil, apperrors.NewStorageError("failed to scan plant", err)
		}
		plants = append(plants, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageError("rows iteration error", err)
	}
	return plants, nil
}

// GetPlant loads a plant profile by id
func (r *Repository) GetPlant(ctx context.Context, id uuid.UUID) (*db.Plant, error) {
	p, err := scanPlant(r.pool.QueryRow(ctx, `SELECT `+plantColumns+` FROM plants WHERE id = $1`, id))
	if err != nil {
		return nil, classify(err, "plant not found", "failed to query plant")
	}
	return p, nil
}

// CreatePlant inserts a plant profile
func (r *Repository) CreatePlant(ctx context.Context, plant *db.Plant) error {
	query := `INSERT INTO plants (` + plantColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		plant.ID, plant.Name, plant.IdealTempMin, plant.IdealTempMax, plant.IdealHumidityMin,
		plant.IdealHumidityMax, plant.IdealSoilMoistureMin, plant.IdealSoilMoistureMax, plant.CreatedAt)
	if err != nil {
		return apperrors.NewStorageError("failed to create plant", err)
	}
	return nil
}

// UpdatePlant rewrites a plant profile
func (r *Repository) UpdatePlant(ctx context.Context, plant *db.Plant) error {
	query := `
		UPDATE plants
		SET name = $2, ideal_temp_min = $3, ideal_temp_max = $4, ideal_humidity_min = $5,
			ideal_humidity_max = $6, ideal_soil_moisture_min = $7, ideal_soil_moisture_max = $8
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		plant.ID, plant.Name, plant.IdealTempMin, plant.IdealTempMax, plant.IdealHumidityMin,
		plant.IdealHumidityMax, plant.IdealSoilMoistureMin, plant.IdealSoilMoistureMax)
	if err != nil {
		return apperrors.NewStorageError("failed to update plant", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("plant not found", nil)
	}
	return nil
}

// DeletePlant deletes a plant profile
func (r *Repository) DeletePlant(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM plants WHERE id = $1`, id)
	if err != nil {
		return apperrors.NewStorageError("failed to delete plant", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("plant not found", nil)
	}
	return nil
}
