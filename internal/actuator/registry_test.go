package actuator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/greenhouse-controller/internal/apperrors"
	"github.com/septivank/greenhouse-controller/internal/db"
	"github.com/septivank/greenhouse-controller/internal/events"
	"github.com/septivank/greenhouse-controller/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	store    *repository.SQLiteRepository
	bus      *events.Bus
	sub      *events.Subscription
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "greenhouse.db"))
	require.NoError(t, err)
	store := repository.NewSQLiteRepository(conn)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	bus := events.NewBus(zap.NewNop())
	return &fixture{
		store:    store,
		bus:      bus,
		sub:      bus.Subscribe("test", 1024),
		registry: NewRegistry(store, bus, zap.NewNop(), 3),
	}
}

func (f *fixture) device(t *testing.T, name string) db.Device {
	t.Helper()
	d, err := f.registry.Create(context.Background(), NewDevice{Name: name, Type: db.DeviceTypePump})
	require.NoError(t, err)
	return *d
}

func drain(sub *events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-sub.C:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestSetStateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pump := f.device(t, "Pump")

	d, err := f.registry.SetState(ctx, pump.ID, true, events.CauseManual)
	require.NoError(t, err)
	assert.True(t, d.IsActive)

	d, err = f.registry.SetState(ctx, pump.ID, true, events.CauseAuto)
	require.NoError(t, err)
	assert.True(t, d.IsActive)

	evs := drain(f.sub)
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindDeviceUpdated, evs[0].Kind)
	assert.Equal(t, events.CauseManual, evs[0].Cause)
	assert.True(t, evs[0].Device.IsActive)

	stored, err := f.store.GetDevice(ctx, pump.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive)
}

func TestToggleFlipsState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	fan := f.device(t, "Fan")

	d, err := f.registry.Toggle(ctx, fan.ID)
	require.NoError(t, err)
	assert.True(t, d.IsActive)

	d, err = f.registry.Toggle(ctx, fan.ID)
	require.NoError(t, err)
	assert.False(t, d.IsActive)

	evs := drain(f.sub)
	require.Len(t, evs, 2)
	assert.True(t, evs[0].Device.IsActive)
	assert.False(t, evs[1].Device.IsActive)
}

func TestUnknownDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.registry.SetState(ctx, uuid.New(), true, events.CauseManual)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = f.registry.Toggle(ctx, uuid.New())
	assert.True(t, apperrors.IsNotFound(err))
	assert.Empty(t, drain(f.sub))
}

func TestLoadServesDevicesFromMemory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.SeedDevices(ctx, db.DefaultDevices(), time.Now())
	require.NoError(t, err)

	require.NoError(t, f.registry.Load(ctx))
	devices, err := f.registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 3)

	got, err := f.registry.Get(ctx, devices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, devices[0].Name, got.Name)
}

func TestStaleViewRecoversThroughCompareAndSet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pump := f.device(t, "Pump")

	// another writer turns the pump on behind the registry's back
	_, err := f.store.CompareAndSetDeviceState(ctx, pump.ID, false, true, time.Now())
	require.NoError(t, err)

	d, err := f.registry.SetState(ctx, pump.ID, true, events.CauseAuto)
	require.NoError(t, err)
	assert.True(t, d.IsActive)
	assert.Empty(t, drain(f.sub), "state already matched after re-read")

	d, err = f.registry.Toggle(ctx, pump.ID)
	require.NoError(t, err)
	assert.False(t, d.IsActive)
	assert.Len(t, drain(f.sub), 1)
}

type alwaysConflict struct {
	repository.Store
	mu    sync.Mutex
	calls int
}

func (s *alwaysConflict) CompareAndSetDeviceState(context.Context, uuid.UUID, bool, bool, time.Time) (*db.Device, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return nil, apperrors.NewConflictError("device state changed concurrently", nil)
}

func TestConflictSurfacesAfterRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pump := f.device(t, "Pump")

	store := &alwaysConflict{Store: f.store}
	registry := NewRegistry(store, f.bus, zap.NewNop(), 2)

	_, err := registry.SetState(ctx, pump.ID, true, events.CauseManual)
	assert.True(t, apperrors.IsConflict(err))
	assert.Equal(t, 3, store.calls)
	assert.Empty(t, drain(f.sub))
}

func TestConcurrentTransitionsAreOrdered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pump := f.device(t, "Pump")

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			switch i % 3 {
			case 0:
				_, err = f.registry.SetState(ctx, pump.ID, true, events.CauseAuto)
			case 1:
				_, err = f.registry.SetState(ctx, pump.ID, false, events.CauseManual)
			default:
				_, err = f.registry.Toggle(ctx, pump.ID)
			}
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	evs := drain(f.sub)
	require.NotEmpty(t, evs)
	prev := false
	for _, e := range evs {
		assert.NotEqual(t, prev, e.Device.IsActive, "every event is a real transition")
		prev = e.Device.IsActive
	}

	stored, err := f.store.GetDevice(ctx, pump.ID)
	require.NoError(t, err)
	assert.Equal(t, prev, stored.IsActive)
}

func TestCreateValidates(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Create(context.Background(), NewDevice{Name: "", Type: "pump"})
	assert.True(t, apperrors.IsValidation(err))
	_, err = f.registry.Create(context.Background(), NewDevice{Name: "x"})
	assert.True(t, apperrors.IsValidation(err))
}

func TestUpdateKeepsAbsentFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pin := 5
	created, err := f.registry.Create(ctx, NewDevice{Name: "Pump", Type: db.DeviceTypePump, Pin: &pin})
	require.NoError(t, err)

	name := "Main Pump"
	on := true
	d, err := f.registry.Update(ctx, created.ID, DevicePatch{Name: &name, IsActive: &on})
	require.NoError(t, err)
	assert.Equal(t, "Main Pump", d.Name)
	assert.Equal(t, db.DeviceTypePump, d.Type)
	assert.Equal(t, 5, *d.Pin)
	assert.True(t, d.IsActive)

	evs := drain(f.sub)
	require.Len(t, evs, 1)
	assert.Equal(t, events.CauseManual, evs[0].Cause)

	d, err = f.registry.Update(ctx, created.ID, DevicePatch{})
	require.NoError(t, err)
	assert.True(t, d.IsActive)
	assert.Empty(t, drain(f.sub))

	_, err = f.registry.Update(ctx, uuid.New(), DevicePatch{Name: &name})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDeleteReferencedDeviceIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pump := f.device(t, "Pump")

	low := 30.0
	rule := db.Rule{ID: uuid.New(), Name: "dry", MetricType: db.MetricSoilMoisture, ThresholdLow: &low, ActuatorID: pump.ID, Enabled: true, CreatedAt: time.Now().UTC()}
	require.NoError(t, f.store.CreateRule(ctx, &rule))

	for i := 0; i < 2; i++ {
		err := f.registry.Delete(ctx, pump.ID)
		assert.True(t, apperrors.IsConflict(err))
	}

	require.NoError(t, f.store.DeleteRule(ctx, rule.ID))
	require.NoError(t, f.registry.Delete(ctx, pump.ID))

	_, err := f.registry.Get(ctx, pump.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = f.registry.Toggle(ctx, pump.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func lockCount(r *Registry) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

func TestDeviceLocksAreReleased(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pump := f.device(t, "Pump")

	for i := 0; i < 10; i++ {
		_, err := f.registry.Toggle(ctx, uuid.New())
		assert.True(t, apperrors.IsNotFound(err))
	}
	assert.Zero(t, lockCount(f.registry), "unknown ids leave no lock entries")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.registry.Toggle(ctx, pump.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Zero(t, lockCount(f.registry))

	require.NoError(t, f.registry.Delete(ctx, pump.ID))
	assert.Zero(t, lockCount(f.registry), "deleted devices leave no lock entries")
}
