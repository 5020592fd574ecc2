// Package events carries state-change notifications from the ingestion
// path and the actuator registry to push subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/septivank/greenhouse-controller/internal/db"
	"go.uber.org/zap"
)

// Kind identifies an event. The values double as websocket event names.
type Kind string

const (
	KindSnapshotUpdated Kind = "snapshot"
	KindDeviceUpdated   Kind = "device:update"
)

// Cause records who asked for a device transition
type Cause string

const (
	CauseManual Cause = "manual"
	CauseAuto   Cause = "auto"
)

// Event is a single notification. Exactly one of Snapshot or Device is set.
type Event struct {
	Kind     Kind
	Snapshot *db.Snapshot
	Device   *db.Device
	Cause    Cause
	At       time.Time
}

// SnapshotUpdated builds the event published after a snapshot is stored
func SnapshotUpdated(s db.Snapshot) Event {
	return Event{Kind: KindSnapshotUpdated, Snapshot: &s, At: time.Now().UTC()}
}

// DeviceUpdated builds the event published after a device transition
func DeviceUpdated(d db.Device, cause Cause) Event {
	return Event{Kind: KindDeviceUpdated, Device: &d, Cause: cause, At: time.Now().UTC()}
}

// Subscription is one subscriber's bounded queue
type Subscription struct {
	name    string
	ch      chan Event
	dropped atomic.Uint64
	lost    chan struct{}

	// C delivers events in publish order. It is closed by Unsubscribe or Bus.Close.
	C <-chan Event
}

// Name returns the subscriber name given at registration
func (s *Subscription) Name() string { return s.name }

// Dropped returns how many events were discarded because C was full
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Lost is signalled after one or more events were dropped for this
// subscriber. Several drops between two receives coalesce into one signal.
func (s *Subscription) Lost() <-chan struct{} { return s.lost }

func (s *Subscription) drop() {
	s.dropped.Add(1)
	select {
	case s.lost <- struct{}{}:
	default:
	}
}

// Bus fans events out to explicitly registered subscribers. Publish never
// blocks: a subscriber whose queue is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	closed bool
	logger *zap.Logger
}

// NewBus creates an empty bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger.Named("events")}
}

// Subscribe registers a subscriber with a queue of the given size
func (b *Bus) Subscribe(name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{name: name, ch: ch, lost: make(chan struct{}, 1), C: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs = append(b.subs, sub)
	b.logger.Debug("subscriber registered", zap.String("subscriber", name), zap.Int("buffer", buffer))
	return sub
}

// Unsubscribe removes sub and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Publish offers e to every subscriber without blocking
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			sub.drop()
			b.logger.Warn("subscriber queue full, event dropped",
				zap.String("subscriber", sub.name),
				zap.String("event", string(e.Kind)))
		}
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
