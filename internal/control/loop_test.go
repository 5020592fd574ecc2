package control

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/greenhouse-controller/internal/actuator"
	"github.com/septivank/greenhouse-controller/internal/apperrors"
	"github.com/septivank/greenhouse-controller/internal/config"
	"github.com/septivank/greenhouse-controller/internal/db"
	"github.com/septivank/greenhouse-controller/internal/events"
	"github.com/septivank/greenhouse-controller/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func f(v float64) *float64 { return &v }

var testConfig = config.ControlConfig{Interval: 10 * time.Millisecond, TickTimeout: time.Second, MaxSetStateRetries: 3}

type env struct {
	store    *repository.SQLiteRepository
	registry *actuator.Registry
	sub      *events.Subscription
	loop     *Loop
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "greenhouse.db"))
	require.NoError(t, err)
	store := repository.NewSQLiteRepository(conn)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	bus := events.NewBus(zap.NewNop())
	registry := actuator.NewRegistry(store, bus, zap.NewNop(), testConfig.MaxSetStateRetries)
	return &env{
		store:    store,
		registry: registry,
		sub:      bus.Subscribe("test", 256),
		loop:     NewLoop(store, registry, testConfig, zap.NewNop()),
	}
}

func (e *env) device(t *testing.T, name string) db.Device {
	t.Helper()
	d, err := e.registry.Create(context.Background(), actuator.NewDevice{Name: name, Type: db.DeviceTypePump})
	require.NoError(t, err)
	return *d
}

func (e *env) rule(t *testing.T, metric db.MetricType, low, high *float64, actuatorID uuid.UUID, created time.Time) db.Rule {
	t.Helper()
	r := db.Rule{ID: uuid.New(), Name: string(metric), MetricType: metric, ThresholdLow: low, ThresholdHigh: high, ActuatorID: actuatorID, Enabled: true, CreatedAt: created}
	require.NoError(t, e.store.CreateRule(context.Background(), &r))
	return r
}

func (e *env) snapshot(t *testing.T, s db.Snapshot) {
	t.Helper()
	s.ID = uuid.New()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	require.NoError(t, e.store.InsertSnapshot(context.Background(), &s, nil))
}

func (e *env) isActive(t *testing.T, id uuid.UUID) bool {
	t.Helper()
	d, err := e.store.GetDevice(context.Background(), id)
	require.NoError(t, err)
	return d.IsActive
}

func TestShouldActivate(t *testing.T) {
	tests := []struct {
		name      string
		low, high *float64
		value     float64
		want      bool
	}{
		{"low only below", f(30), nil, 25, true},
		{"low only equal", f(30), nil, 30, false},
		{"low only above", f(30), nil, 35, false},
		{"high only above", nil, f(28), 29, true},
		{"high only equal", nil, f(28), 28, false},
		{"high only below", nil, f(28), 20, false},
		{"band below", f(20), f(28), 19, true},
		{"band inside", f(20), f(28), 24, false},
		{"band above", f(20), f(28), 29, true},
		{"inverted band between", f(28), f(20), 24, true},
		{"inverted band low side", f(28), f(20), 10, true},
		{"inverted band high side", f(28), f(20), 40, true},
		{"no thresholds", nil, nil, 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := db.Rule{ThresholdLow: tt.low, ThresholdHigh: tt.high}
			assert.Equal(t, tt.want, ShouldActivate(rule, tt.value))
		})
	}
}

func TestTickWithoutSnapshotIsNoop(t *testing.T) {
	e := newEnv(t)
	pump := e.device(t, "Pump")
	e.rule(t, db.MetricSoilMoisture, f(30), nil, pump.ID, time.Now().UTC())

	report := e.loop.Tick(context.Background())
	assert.True(t, report.NoSnapshot)
	assert.Zero(t, report.Transitions)
	assert.False(t, e.isActive(t, pump.ID))
}

func TestPumpScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	pump := e.device(t, "Pump")
	e.rule(t, db.MetricSoilMoisture, f(30), nil, pump.ID, time.Now().UTC())

	e.snapshot(t, db.Snapshot{SoilMoisture: f(25)})
	report := e.loop.Tick(ctx)
	assert.Equal(t, 1, report.Transitions)
	assert.True(t, e.isActive(t, pump.ID))

	// a second tick on the same snapshot changes nothing
	report = e.loop.Tick(ctx)
	assert.Zero(t, report.Transitions)

	e.snapshot(t, db.Snapshot{SoilMoisture: f(35), CreatedAt: time.Now().UTC().Add(time.Second)})
	report = e.loop.Tick(ctx)
	assert.Equal(t, 1, report.Transitions)
	assert.False(t, e.isActive(t, pump.ID))

	var evs []events.Event
	for len(e.sub.C) > 0 {
		evs = append(evs, <-e.sub.C)
	}
	require.Len(t, evs, 2)
	for _, ev := range evs {
		assert.Equal(t, events.CauseAuto, ev.Cause)
	}
	assert.True(t, evs[0].Device.IsActive)
	assert.False(t, evs[1].Device.IsActive)
}

func TestLightRuleReadsLightLevel(t *testing.T) {
	e := newEnv(t)
	lamp := e.device(t, "Grow Light")
	e.rule(t, db.MetricLight, f(200), nil, lamp.ID, time.Now().UTC())
	e.snapshot(t, db.Snapshot{LightLevel: f(120)})

	report := e.loop.Tick(context.Background())
	assert.Equal(t, 1, report.Transitions)
	assert.True(t, e.isActive(t, lamp.ID))
}

func TestRuleWithAbsentMetricIsSkipped(t *testing.T) {
	e := newEnv(t)
	fan := e.device(t, "Fan")
	e.rule(t, db.MetricTemperature, nil, f(28), fan.ID, time.Now().UTC())
	e.snapshot(t, db.Snapshot{Humidity: f(70)})

	report := e.loop.Tick(context.Background())
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Evaluated)
}

func TestLastRuleWinsOnContradiction(t *testing.T) {
	e := newEnv(t)
	fan := e.device(t, "Fan")
	base := time.Now().UTC()
	e.rule(t, db.MetricTemperature, nil, f(28), fan.ID, base)              // wants on
	e.rule(t, db.MetricHumidity, nil, f(90), fan.ID, base.Add(time.Second)) // wants off
	e.snapshot(t, db.Snapshot{Temperature: f(31), Humidity: f(60)})

	report := e.loop.Tick(context.Background())
	assert.Equal(t, 2, report.Transitions)
	assert.False(t, e.isActive(t, fan.ID))
}

type flakyActuators struct {
	Actuators
	mu      sync.Mutex
	failFor uuid.UUID
}

func (a *flakyActuators) SetState(ctx context.Context, id uuid.UUID, desired bool, cause events.Cause) (*db.Device, error) {
	a.mu.Lock()
	fail := id == a.failFor
	a.mu.Unlock()
	if fail {
		return nil, apperrors.NewStorageError("disk full", nil)
	}
	return a.Actuators.SetState(ctx, id, desired, cause)
}

func TestRuleErrorDoesNotAbortTick(t *testing.T) {
	e := newEnv(t)
	broken := e.device(t, "Broken Pump")
	fan := e.device(t, "Fan")
	base := time.Now().UTC()
	e.rule(t, db.MetricSoilMoisture, f(30), nil, broken.ID, base)
	e.rule(t, db.MetricTemperature, nil, f(28), fan.ID, base.Add(time.Second))
	e.snapshot(t, db.Snapshot{SoilMoisture: f(10), Temperature: f(35)})

	loop := NewLoop(e.store, &flakyActuators{Actuators: e.registry, failFor: broken.ID}, testConfig, zap.NewNop())
	report := loop.Tick(context.Background())
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 1, report.Transitions)
	assert.True(t, e.isActive(t, fan.ID))
	assert.False(t, e.isActive(t, broken.ID))
	assert.Equal(t, int64(1), loop.Stats().Errors)
}

type danglingStore struct {
	Store
	rules []db.Rule
}

func (s *danglingStore) ListEnabledRules(context.Context) ([]db.Rule, error) {
	return s.rules, nil
}

func TestDanglingRuleIsSkipped(t *testing.T) {
	e := newEnv(t)
	fan := e.device(t, "Fan")
	e.snapshot(t, db.Snapshot{Temperature: f(35)})

	store := &danglingStore{Store: e.store, rules: []db.Rule{
		{ID: uuid.New(), MetricType: db.MetricTemperature, ThresholdHigh: f(28), ActuatorID: uuid.New(), Enabled: true},
		{ID: uuid.New(), MetricType: db.MetricTemperature, ThresholdHigh: f(28), ActuatorID: fan.ID, Enabled: true},
	}}
	loop := NewLoop(store, e.registry, testConfig, zap.NewNop())

	report := loop.Tick(context.Background())
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Errors)
	assert.Equal(t, 1, report.Transitions)
}

func TestStartStopIsIdempotent(t *testing.T) {
	e := newEnv(t)
	pump := e.device(t, "Pump")
	e.rule(t, db.MetricSoilMoisture, f(30), nil, pump.ID, time.Now().UTC())
	e.snapshot(t, db.Snapshot{SoilMoisture: f(20)})

	ctx := context.Background()
	assert.NoError(t, e.loop.Stop(ctx), "stop before start")

	e.loop.Start()
	e.loop.Start()
	assert.True(t, e.loop.Running())

	require.Eventually(t, func() bool {
		d, err := e.store.GetDevice(ctx, pump.ID)
		return err == nil && d.IsActive
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.loop.Stop(ctx))
	require.NoError(t, e.loop.Stop(ctx))
	assert.False(t, e.loop.Running())

	ticks := e.loop.Stats().Ticks
	time.Sleep(5 * testConfig.Interval)
	assert.Equal(t, ticks, e.loop.Stats().Ticks, "no tick after stop")
}

// blockingStore holds the first tick inside LatestSnapshot until released
type blockingStore struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int64
}

func (s *blockingStore) LatestSnapshot(ctx context.Context) (*db.Snapshot, error) {
	if s.calls.Add(1) == 1 {
		close(s.entered)
		<-s.release
	}
	return nil, apperrors.NewNotFoundError("no snapshot recorded", nil)
}

func (s *blockingStore) ListEnabledRules(context.Context) ([]db.Rule, error) {
	return nil, nil
}

func TestStopWaitsForInFlightTick(t *testing.T) {
	store := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	cfg := config.ControlConfig{Interval: 5 * time.Millisecond, TickTimeout: 10 * time.Second}
	loop := NewLoop(store, nil, cfg, zap.NewNop())

	loop.Start()
	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first tick never started")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- loop.Stop(context.Background()) }()

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned while a tick was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, loop.Running())

	close(store.release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the tick finished")
	}

	assert.Equal(t, int64(1), loop.Stats().Ticks)
	time.Sleep(10 * cfg.Interval)
	assert.Equal(t, int64(1), loop.Stats().Ticks, "no tick after stop")
	assert.Equal(t, int64(1), store.calls.Load())
}

func TestStopHonoursContextDeadline(t *testing.T) {
	store := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	loop := NewLoop(store, nil, config.ControlConfig{Interval: 5 * time.Millisecond, TickTimeout: 10 * time.Second}, zap.NewNop())
	loop.Start()
	<-store.entered
	defer close(store.release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, loop.Stop(ctx), context.DeadlineExceeded)
}
