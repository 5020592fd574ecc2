package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/greenhouse-controller/internal/apperrors"
	"github.com/septivank/greenhouse-controller/internal/db"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLiteRepository is the embedded single-file Store used when no
// PostgreSQL URL is configured
type SQLiteRepository struct {
	conn *sql.DB
}

// NewSQLiteRepository wraps an open SQLite connection
func NewSQLiteRepository(conn *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{conn: conn}
}

func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	if _, err := r.conn.ExecContext(ctx, sqliteSchema); err != nil {
		return apperrors.NewStorageError("failed to apply schema", err)
	}
	return nil
}

func (r *SQLiteRepository) SeedDevices(ctx context.Context, devices []db.Device, now time.Time) (int, error) {
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperrors.NewStorageError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&count); err != nil {
		return 0, apperrors.NewStorageError("failed to count devices", err)
	}
	if count > 0 {
		return 0, nil
	}

	for i := range devices {
		d := &devices[i]
		d.ID = uuid.New()
		d.CreatedAt, d.UpdatedAt = now.UTC(), now.UTC()
		if err := insertSQLiteDevice(ctx, tx, d); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apperrors.NewStorageError("failed to commit seed", err)
	}
	return len(devices), nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	if err := r.conn.PingContext(ctx); err != nil {
		return apperrors.NewStorageError("failed to ping database", err)
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	return r.conn.Close()
}

func (r *SQLiteRepository) InsertSnapshot(ctx context.Context, snapshot *db.Snapshot, raw []db.RawReading) error {
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewStorageError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (`+snapshotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snapshot.ID, snapshot.Temperature, snapshot.Humidity, snapshot.SoilMoisture,
		snapshot.AirQuality, snapshot.LightLevel, snapshot.CreatedAt.UTC(),
	)
	if err != nil {
		return apperrors.NewStorageError("failed to insert snapshot", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO raw_readings (
			id, snapshot_id, metric_name, metric_value, reading_timestamp,
			received_at, validation_status, anomaly_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return apperrors.NewStorageError("failed to prepare raw reading insert", err)
	}
	defer stmt.Close()

	for _, reading := range raw {
		_, err := stmt.ExecContext(ctx,
			reading.ID, reading.SnapshotID, string(reading.MetricName), reading.MetricValue,
			reading.ReadingTimestamp.UTC(), reading.ReceivedAt.UTC(), reading.ValidationStatus, reading.AnomalyReason,
		)
		if err != nil {
			return apperrors.NewStorageError("failed to insert raw reading", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewStorageError("failed to commit snapshot", err)
	}
	return nil
}

func (r *SQLiteRepository) LatestSnapshot(ctx context.Context) (*db.Snapshot, error) {
	row := r.conn.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots ORDER BY created_at DESC, id DESC LIMIT 1`)
	s, err := scanSnapshot(row)
	if err != nil {
		return nil, classify(err, "no snapshot recorded", "failed to query latest snapshot")
	}
	return s, nil
}

func (r *SQLiteRepository) RecentMetricValues(ctx context.Context, metric db.MetricType, limit int) ([]float64, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT metric_value
		FROM raw_readings
		WHERE metric_name = ? AND validation_status = 'valid'
		ORDER BY received_at DESC
		LIMIT ?`, string(metric), limit)
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

func (r *SQLiteRepository) ListDevices(ctx context.Context) ([]db.Device, error) {
	rows, err := r.conn.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY created_at, id`)
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

func (r *SQLiteRepository) GetDevice(ctx context.Context, id uuid.UUID) (*db.Device, error) {
	d, err := scanDevice(r.conn.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if err != nil {
		return nil, classify(err, "device not found", "failed to query device")
	}
	return d, nil
}

func (r *SQLiteRepository) CreateDevice(ctx context.Context, device *db.Device) error {
	return insertSQLiteDevice(ctx, r.conn, device)
}

// sqlExecer is satisfied by both *sql.DB and *sql.Tx
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSQLiteDevice(ctx context.Context, q sqlExecer, device *db.Device) error {
	device.CreatedAt, device.UpdatedAt = device.CreatedAt.UTC(), device.UpdatedAt.UTC()
	_, err := q.ExecContext(ctx,
		`INSERT INTO devices (`+deviceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		device.ID, device.Name, device.Type, device.Pin, device.IsActive,
		device.CreatedAt, device.UpdatedAt,
	)
	if err != nil {
		return apperrors.NewStorageError("failed to create device", err)
	}
	return nil
}

// updateDevice runs a single-row device update and reads the row back in
// the same transaction. A zero-row update is reported as sql.ErrNoRows.
func (r *SQLiteRepository) updateDevice(ctx context.Context, id uuid.UUID, query string, args ...any) (*db.Device, error) {
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, sql.ErrNoRows
	}

	d, err := scanDevice(tx.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *SQLiteRepository) UpdateDeviceInfo(ctx context.Context, device *db.Device) (*db.Device, error) {
	d, err := r.updateDevice(ctx, device.ID, `
		UPDATE devices
		SET name = ?, type = ?, pin = ?, updated_at = ?
		WHERE id = ?`,
		device.Name, device.Type, device.Pin, device.UpdatedAt.UTC(), device.ID)
	if err != nil {
		return nil, classify(err, "device not found", "failed to update device")
	}
	return d, nil
}

func (r *SQLiteRepository) CompareAndSetDeviceState(ctx context.Context, id uuid.UUID, expected, desired bool, at time.Time) (*db.Device, error) {
	d, err := r.updateDevice(ctx, id, `
		UPDATE devices
		SET is_active = ?, updated_at = ?
		WHERE id = ? AND is_active = ?`,
		desired, at.UTC(), id, expected)
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

func (r *SQLiteRepository) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	res, err := r.conn.ExecContext(ctx, `
		DELETE FROM devices
		WHERE id = ?
		  AND NOT EXISTS (SELECT 1 FROM rules WHERE actuator_id = ? AND enabled = 1)`, id, id)
	if err != nil {
		return apperrors.NewStorageError("failed to delete device", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	if _, err := r.GetDevice(ctx, id); err != nil {
		return err
	}
	return apperrors.NewConflictError("device is referenced by an enabled rule", nil)
}

func (r *SQLiteRepository) ListRules(ctx context.Context) ([]db.Rule, error) {
	return r.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY created_at, id`)
}

func (r *SQLiteRepository) ListEnabledRules(ctx context.Context) ([]db.Rule, error) {
	return r.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules WHERE enabled = 1 ORDER BY created_at, id`)
}

func (r *SQLiteRepository) queryRules(ctx context.Context, query string) ([]db.Rule, error) {
	rows, err := r.conn.QueryContext(ctx, query)
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

func (r *SQLiteRepository) GetRule(ctx context.Context, id uuid.UUID) (*db.Rule, error) {
	rule, err := scanRule(r.conn.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id))
	if err != nil {
		return nil, classify(err, "rule not found", "failed to query rule")
	}
	return rule, nil
}

func (r *SQLiteRepository) CreateRule(ctx context.Context, rule *db.Rule) error {
	res, err := r.conn.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM devices WHERE id = ?)`,
		rule.ID, rule.Name, string(rule.MetricType), rule.ThresholdLow, rule.ThresholdHigh,
		rule.ActuatorID, rule.Enabled, rule.CreatedAt.UTC(), rule.ActuatorID)
	if err != nil {
		return apperrors.NewStorageError("failed to create rule", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("actuator %s not found", rule.ActuatorID), nil)
	}
	return nil
}

func (r *SQLiteRepository) UpdateRule(ctx context.Context, rule *db.Rule) error {
	res, err := r.conn.ExecContext(ctx, `
		UPDATE rules
		SET name = ?, metric_type = ?, threshold_low = ?, threshold_high = ?, actuator_id = ?, enabled = ?
		WHERE id = ? AND EXISTS (SELECT 1 FROM devices WHERE id = ?)`,
		rule.Name, string(rule.MetricType), rule.ThresholdLow, rule.ThresholdHigh,
		rule.ActuatorID, rule.Enabled, rule.ID, rule.ActuatorID)
	if err != nil {
		return apperrors.NewStorageError("failed to update rule", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	if _, err := r.GetRule(ctx, rule.ID); err != nil {
		return err
	}
	return apperrors.NewNotFoundError(fmt.Sprintf("actuator %s not found", rule.ActuatorID), nil)
}

func (r *SQLiteRepository) DeleteRule(ctx context.Context, id uuid.UUID) error {
	return r.deleteByID(ctx, `DELETE FROM rules WHERE id = ?`, id, "rule")
}

func (r *SQLiteRepository) ListPlants(ctx context.Context) ([]db.Plant, error) {
	rows, err := r.conn.QueryContext(ctx, `SELECT `+plantColumns+` FROM plants ORDER BY created_at, id`)
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

func (r *SQLiteRepository) GetPlant(ctx context.Context, id uuid.UUID) (*db.Plant, error) {
	p, err := scanPlant(r.conn.QueryRowContext(ctx, `SELECT `+plantColumns+` FROM plants WHERE id = ?`, id))
	if err != nil {
		return nil, classify(err, "plant not found", "failed to query plant")
	}
	return p, nil
}

func (r *SQLiteRepository) CreatePlant(ctx context.Context, plant *db.Plant) error {
	_, err := r.conn.ExecContext(ctx,
		`INSERT INTO plants (`+plantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plant.ID, plant.Name, plant.IdealTempMin, plant.IdealTempMax, plant.IdealHumidityMin,
		plant.IdealHumidityMax, plant.IdealSoilMoistureMin, plant.IdealSoilMoistureMax, plant.CreatedAt.UTC())
	if err != nil {
		return apperrors.NewStorageError("failed to create plant", err)
	}
	return nil
}

func (r *SQLiteRepository) UpdatePlant(ctx context.Context, plant *db.Plant) error {
	res, err := r.conn.ExecContext(ctx, `
		UPDATE plants
		SET name = ?, ideal_temp_min = ?, ideal_temp_max = ?, ideal_humidity_min = ?,
			ideal_humidity_max = ?, ideal_soil_moisture_min = ?, ideal_soil_moisture_max = ?
		WHERE id = ?`,
		plant.Name, plant.IdealTempMin, plant.IdealTempMax, plant.IdealHumidityMin,
		plant.IdealHumidityMax, plant.IdealSoilMoistureMin, plant.IdealSoilMoistureMax, plant.ID)
	if err != nil {
		return apperrors.NewStorageError("failed to update plant", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NewNotFoundError("plant not found", nil)
	}
	return nil
}

func (r *SQLiteRepository) DeletePlant(ctx context.Context, id uuid.UUID) error {
	return r.deleteByID(ctx, `DELETE FROM plants WHERE id = ?`, id, "plant")
}

func (r *SQLiteRepository) deleteByID(ctx context.Context, query string, id uuid.UUID, entity string) error {
	res, err := r.conn.ExecContext(ctx, query, id)
	if err != nil {
		return apperrors.NewStorageError("failed to delete "+entity, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NewNotFoundError(entity+" not found", nil)
	}
	return nil
}
