// Package actuator serialises every change to a device's on/off state.
//
// All transitions, manual or automatic, go through Registry. A per-device
// mutex orders them in-process and a compare-and-set in the store guards
// against writers outside the process. A DeviceUpdated event is published
// for every real transition and never for a no-op.
package actuator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/greenhouse-controller/internal/apperrors"
	"github.com/septivank/greenhouse-controller/internal/db"
	"github.com/septivank/greenhouse-controller/internal/events"
	"github.com/septivank/greenhouse-controller/internal/repository"
	"go.uber.org/zap"
)

// NewDevice is the input for provisioning a device
type NewDevice struct {
	Name string
	Type string
	Pin  *int
}

// DevicePatch holds the fields of a device update. Nil fields keep their
// stored value.
type DevicePatch struct {
	Name     *string
	Type     *string
	Pin      *int
	IsActive *bool
}

// Registry is the single writer of device state
type Registry struct {
	store      repository.Store
	bus        *events.Bus
	logger     *zap.Logger
	maxRetries int
	now        func() time.Time

	mu    sync.Mutex
	cache map[uuid.UUID]db.Device
	locks map[uuid.UUID]*keyLock
}

// keyLock is a per-device mutex. refs counts holders and waiters; the
// entry leaves the map when it drops to zero.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegistry creates a registry. maxRetries bounds how many times a lost
// compare-and-set is re-read and retried before a Conflict is returned.
func NewRegistry(store repository.Store, bus *events.Bus, logger *zap.Logger, maxRetries int) *Registry {
	return &Registry{
		store:      store,
		bus:        bus,
		logger:     logger.Named("actuator"),
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
		cache:      make(map[uuid.UUID]db.Device),
		locks:      make(map[uuid.UUID]*keyLock),
	}
}

// Load fills the in-memory view from storage
func (r *Registry) Load(ctx context.Context) error {
	devices, err := repository.RetryRead(ctx, r.store.ListDevices)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[uuid.UUID]db.Device, len(devices))
	for _, d := range devices {
		r.cache[d.ID] = d
	}
	r.logger.Info("actuators loaded", zap.Int("count", len(devices)))
	return nil
}

// List returns every device as stored. The in-memory view is only written
// under a device lock, so List leaves it alone.
func (r *Registry) List(ctx context.Context) ([]db.Device, error) {
	return repository.RetryRead(ctx, r.store.ListDevices)
}

// Get returns one device, from the in-memory view when present
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*db.Device, error) {
	r.mu.Lock()
	d, ok := r.cache[id]
	r.mu.Unlock()
	if ok {
		return &d, nil
	}
	return repository.RetryRead(ctx, func(ctx context.Context) (*db.Device, error) {
		return r.store.GetDevice(ctx, id)
	})
}

// SetState drives the device to desired. Setting the current value is a
// no-op that writes nothing and publishes nothing.
func (r *Registry) SetState(ctx context.Context, id uuid.UUID, desired bool, cause events.Cause) (*db.Device, error) {
	unlock := r.lock(id)
	defer unlock()
	return r.transition(ctx, id, cause, func(bool) bool { return desired })
}

// Toggle inverts the device's state as one indivisible operation
func (r *Registry) Toggle(ctx context.Context, id uuid.UUID) (*db.Device, error) {
	unlock := r.lock(id)
	defer unlock()
	return r.transition(ctx, id, events.CauseManual, func(cur bool) bool { return !cur })
}

// Create provisions a new device in the off state
func (r *Registry) Create(ctx context.Context, in NewDevice) (*db.Device, error) {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Type) == "" {
		return nil, apperrors.NewValidationError("name and type required", nil)
	}

	now := r.now()
	d := db.Device{
		ID:        uuid.New(),
		Name:      in.Name,
		Type:      in.Type,
		Pin:       in.Pin,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateDevice(ctx, &d); err != nil {
		return nil, err
	}

	r.put(d)
	r.logger.Info("device created", zap.String("device_id", d.ID.String()), zap.String("name", d.Name))
	return &d, nil
}

// Update applies a patch. Name, type and pin are rewritten directly; a
// change of isActive is a manual transition with the usual event.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, patch DevicePatch) (*db.Device, error) {
	unlock := r.lock(id)
	defer unlock()

	cur, err := r.current(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil || patch.Type != nil || patch.Pin != nil {
		next := cur
		if patch.Name != nil {
			next.Name = *patch.Name
		}
		if patch.Type != nil {
			next.Type = *patch.Type
		}
		if patch.Pin != nil {
			next.Pin = patch.Pin
		}
		if strings.TrimSpace(next.Name) == "" || strings.TrimSpace(next.Type) == "" {
			return nil, apperrors.NewValidationError("name and type must not be empty", nil)
		}
		next.UpdatedAt = r.now()

		updated, err := r.store.UpdateDeviceInfo(ctx, &next)
		if err != nil {
			if apperrors.IsNotFound(err) {
				r.evict(id)
			}
			return nil, err
		}
		r.put(*updated)
		cur = *updated
	}

	if patch.IsActive == nil {
		return &cur, nil
	}
	desired := *patch.IsActive
	return r.transition(ctx, id, events.CauseManual, func(bool) bool { return desired })
}

// Delete removes a device. It fails with a Conflict while an enabled rule
// still references it.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	unlock := r.lock(id)
	defer unlock()

	if err := r.store.DeleteDevice(ctx, id); err != nil {
		if apperrors.IsNotFound(err) {
			r.evict(id)
		}
		return err
	}

	r.evict(id)
	r.logger.Info("device deleted", zap.String("device_id", id.String()))
	return nil
}

// transition runs read-decide-write for one device. The caller holds the
// device lock.
func (r *Registry) transition(ctx context.Context, id uuid.UUID, cause events.Cause, decide func(current bool) bool) (*db.Device, error) {
	cur, err := r.current(ctx, id)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		desired := decide(cur.IsActive)
		if desired == cur.IsActive {
			return &cur, nil
		}

		updated, err := r.store.CompareAndSetDeviceState(ctx, id, cur.IsActive, desired, r.now())
		if err == nil {
			r.put(*updated)
			// published under the device lock so subscribers see transitions in order
			r.bus.Publish(events.DeviceUpdated(*updated, cause))
			r.logger.Info("actuator state changed",
				zap.String("device_id", id.String()),
				zap.String("name", updated.Name),
				zap.Bool("is_active", updated.IsActive),
				zap.String("cause", string(cause)))
			return updated, nil
		}

		switch {
		case apperrors.IsNotFound(err):
			r.evict(id)
			return nil, err
		case !apperrors.IsConflict(err):
			return nil, err
		case attempt >= r.maxRetries:
			r.logger.Warn("giving up on state change after repeated conflicts",
				zap.String("device_id", id.String()),
				zap.Int("attempts", attempt+1))
			return nil, err
		}

		fresh, err := repository.RetryRead(ctx, func(ctx context.Context) (*db.Device, error) {
			return r.store.GetDevice(ctx, id)
		})
		if err != nil {
			if apperrors.IsNotFound(err) {
				r.evict(id)
			}
			return nil, err
		}
		r.put(*fresh)
		cur = *fresh
	}
}

// current returns the cached device, falling back to storage on a miss.
// The caller holds the device lock.
func (r *Registry) current(ctx context.Context, id uuid.UUID) (db.Device, error) {
	r.mu.Lock()
	d, ok := r.cache[id]
	r.mu.Unlock()
	if ok {
		return d, nil
	}

	fresh, err := repository.RetryRead(ctx, func(ctx context.Context) (*db.Device, error) {
		return r.store.GetDevice(ctx, id)
	})
	if err != nil {
		return db.Device{}, err
	}
	r.put(*fresh)
	return *fresh, nil
}

func (r *Registry) put(d db.Device) {
	r.mu.Lock()
	r.cache[d.ID] = d
	r.mu.Unlock()
}

func (r *Registry) evict(id uuid.UUID) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}

func (r *Registry) lock(id uuid.UUID) func() {
	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &keyLock{}
		r.locks[id] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, id)
		}
		r.mu.Unlock()
	}
}
