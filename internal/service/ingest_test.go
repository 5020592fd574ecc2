package service

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/septivank/greenhouse-controller/internal/anomaly"
	"github.com/septivank/greenhouse-controller/internal/apperrors"
	"github.com/septivank/greenhouse-controller/internal/db"
	"github.com/septivank/greenhouse-controller/internal/events"
	"github.com/septivank/greenhouse-controller/internal/repository"
	"github.com/septivank/greenhouse-controller/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func f(v float64) *float64 { return &v }

type fixture struct {
	conn    *sql.DB
	store   *repository.SQLiteRepository
	sub     *events.Subscription
	service *IngestService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "greenhouse.db"))
	require.NoError(t, err)
	store := repository.NewSQLiteRepository(conn)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	bus := events.NewBus(zap.NewNop())
	svc := NewIngestService(store, bus, anomaly.NewDetector(3.0, 3), validator.NewValidator(5), zap.NewNop())
	return &fixture{conn: conn, store: store, sub: bus.Subscribe("test", 16), service: svc}
}

func (fx *fixture) rawRows(t *testing.T) map[string]string {
	t.Helper()
	rows, err := fx.conn.Query(`SELECT metric_name, validation_status FROM raw_readings`)
	require.NoError(t, err)
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var name, status string
		require.NoError(t, rows.Scan(&name, &status))
		out[name] = status
	}
	require.NoError(t, rows.Err())
	return out
}

func TestIngestRejectsEmptyReading(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.service.Ingest(context.Background(), Reading{})
	assert.True(t, apperrors.IsValidation(err))

	_, err = fx.store.LatestSnapshot(context.Background())
	assert.True(t, apperrors.IsNotFound(err))
	assert.Empty(t, fx.sub.C)
}

func TestIngestSingleMetricBecomesLatest(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	stored, err := fx.service.Ingest(ctx, Reading{Humidity: f(61)})
	require.NoError(t, err)

	latest, err := fx.store.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, latest.ID)
	assert.Equal(t, 61.0, *latest.Humidity)
	assert.Nil(t, latest.Temperature)

	e := <-fx.sub.C
	assert.Equal(t, events.KindSnapshotUpdated, e.Kind)
	assert.Equal(t, stored.ID, e.Snapshot.ID)

	assert.Equal(t, map[string]string{"humidity": db.StatusValid}, fx.rawRows(t))
}

func TestIngestCreatedAtIsIngestionTime(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	fx.service.now = func() time.Time { return now }

	stored, err := fx.service.Ingest(ctx, Reading{Temperature: f(22), RecordedAt: "2026-03-14T09:58:00Z"})
	require.NoError(t, err)
	assert.True(t, stored.CreatedAt.Equal(now))

	var readingTS time.Time
	require.NoError(t, fx.conn.QueryRow(`SELECT reading_timestamp FROM raw_readings`).Scan(&readingTS))
	assert.True(t, readingTS.Equal(time.Date(2026, 3, 14, 9, 58, 0, 0, time.UTC)))
}

func TestIngestFlagsOutOfToleranceTimestamp(t *testing.T) {
	fx := newFixture(t)
	fx.service.now = func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) }

	_, err := fx.service.Ingest(context.Background(), Reading{Temperature: f(22), Humidity: f(50), RecordedAt: "2026-03-13T10:00:00Z"})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"temperature": db.StatusSuspect,
		"humidity":    db.StatusSuspect,
	}, fx.rawRows(t))
}

func TestIngestFlagsSpikeButStillStores(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	clock := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	fx.service.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	for _, v := range []float64{400, 410, 395} {
		_, err := fx.service.Ingest(ctx, Reading{LightLevel: f(v)})
		require.NoError(t, err)
	}
	_, err := fx.service.Ingest(ctx, Reading{LightLevel: f(5000)})
	require.NoError(t, err)

	latest, err := fx.store.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5000.0, *latest.LightLevel)

	var suspect int
	require.NoError(t, fx.conn.QueryRow(`SELECT COUNT(*) FROM raw_readings WHERE validation_status = 'suspect'`).Scan(&suspect))
	assert.Equal(t, 1, suspect)
}

func TestIngestDoesNotDeduplicate(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	for i := 0; i < 2; i++ {
		_, err := fx.service.Ingest(ctx, Reading{SoilMoisture: f(30)})
		require.NoError(t, err)
	}

	var count int
	require.NoError(t, fx.conn.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&count))
	assert.Equal(t, 2, count)
}

type failingStore struct {
	repository.Store
}

func (failingStore) InsertSnapshot(context.Context, *db.Snapshot, []db.RawReading) error {
	return apperrors.NewStorageError("failed to insert snapshot", nil)
}

func TestIngestStorageFailurePublishesNothing(t *testing.T) {
	fx := newFixture(t)
	bus := events.NewBus(zap.NewNop())
	sub := bus.Subscribe("test", 4)
	svc := NewIngestService(failingStore{fx.store}, bus, anomaly.NewDetector(3.0, 3), validator.NewValidator(5), zap.NewNop())

	_, err := svc.Ingest(context.Background(), Reading{Temperature: f(20)})
	assert.True(t, apperrors.IsStorage(err))
	assert.Empty(t, sub.C)
}

func TestProcessMessage(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	clock := time.Now().UTC()
	fx.service.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}

	require.NoError(t, fx.service.ProcessMessage(ctx, []byte(`{"request_id":"r-1","source":"mqtt","payload":{"temperature":21.5}}`)))
	latest, err := fx.store.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 21.5, *latest.Temperature)

	require.NoError(t, fx.service.ProcessMessage(ctx, []byte(`{"airQuality":80}`)))
	latest, err = fx.store.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80.0, *latest.AirQuality)

	assert.True(t, apperrors.IsValidation(fx.service.ProcessMessage(ctx, []byte(`not json`))))
	assert.True(t, apperrors.IsValidation(fx.service.ProcessMessage(ctx, []byte(`{"payload":{}}`))))
	assert.True(t, apperrors.IsValidation(fx.service.ProcessMessage(ctx, []byte(`{"temperature":null}`))))
}
