// Package hub pushes snapshot and device events to connected viewers over
// websockets.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/septivank/greenhouse-controller/internal/apperrors"
	"github.com/septivank/greenhouse-controller/internal/config"
	"github.com/septivank/greenhouse-controller/internal/db"
	"github.com/septivank/greenhouse-controller/internal/events"
	"github.com/septivank/greenhouse-controller/internal/repository"
	"go.uber.org/zap"
)

// EventToggle is the only message viewers send
const EventToggle = "actuator:toggle"

const (
	maxMessageSize = 4096
	toggleTimeout  = 10 * time.Second
	catchUpTimeout = 5 * time.Second
)

// Envelope is the JSON frame exchanged with viewers
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Cause events.Cause    `json:"cause,omitempty"`
}

// SnapshotSource provides the catch-up snapshot for new viewers
type SnapshotSource interface {
	LatestSnapshot(ctx context.Context) (*db.Snapshot, error)
}

// Toggler flips an actuator on a viewer's request
type Toggler interface {
	Toggle(ctx context.Context, id uuid.UUID) (*db.Device, error)
}

type registration struct {
	session  *session
	snapshot *db.Snapshot
}

// Hub owns the viewer sessions. A single goroutine registers sessions and
// broadcasts events, so a new viewer's catch-up snapshot and later events
// reach it in order.
type Hub struct {
	snapshots SnapshotSource
	toggler   Toggler
	bus       *events.Bus
	sub       *events.Subscription
	cfg       config.HubConfig
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	register   chan registration
	unregister chan *session
	quit       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	startOnce  sync.Once

	// owned by the run goroutine
	sessions map[*session]struct{}
	latest   *db.Snapshot

	count atomic.Int64
}

// NewHub creates a hub subscribed to bus. Call Run to start delivering.
func NewHub(snapshots SnapshotSource, toggler Toggler, bus *events.Bus, cfg config.HubConfig, allowedOrigins []string, eventsBuffer int, logger *zap.Logger) *Hub {
	h := &Hub{
		snapshots:  snapshots,
		toggler:    toggler,
		bus:        bus,
		sub:        bus.Subscribe("hub", eventsBuffer),
		cfg:        cfg,
		logger:     logger.Named("hub"),
		register:   make(chan registration),
		unregister: make(chan *session),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		sessions:   make(map[*session]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Run starts the delivery goroutine. It is safe to call more than once.
func (h *Hub) Run() {
	h.startOnce.Do(func() { go h.run() })
}

// Close disconnects every viewer and stops delivery
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.bus.Unsubscribe(h.sub)
		close(h.quit)
	})
	h.startOnce.Do(func() { close(h.done) })
	<-h.done
}

// SessionCount returns the number of connected viewers
func (h *Hub) SessionCount() int {
	return int(h.count.Load())
}

func (h *Hub) run() {
	defer close(h.done)
	defer h.closeAll()

	for {
		select {
		case reg := <-h.register:
			h.sessions[reg.session] = struct{}{}
			h.count.Store(int64(len(h.sessions)))
			h.catchUp(reg.session, reg.snapshot)
		case s := <-h.unregister:
			h.drop(s)
		case e, ok := <-h.sub.C:
			if !ok {
				return
			}
			h.broadcast(e)
		case <-h.sub.Lost():
			// viewers may now hold stale state; make them reconnect and catch up
			h.logger.Warn("hub fell behind the event bus, disconnecting viewers",
				zap.Int("sessions", len(h.sessions)),
				zap.Uint64("dropped_total", h.sub.Dropped()))
			h.closeAll()
		case <-h.quit:
			return
		}
	}
}

// loadLatest reads the catch-up snapshot. It runs on the connecting
// request's goroutine so storage latency never stalls delivery.
func (h *Hub) loadLatest(ctx context.Context) *db.Snapshot {
	ctx, cancel := context.WithTimeout(ctx, catchUpTimeout)
	defer cancel()

	snap, err := repository.RetryRead(ctx, h.snapshots.LatestSnapshot)
	switch {
	case err == nil:
		return snap
	case apperrors.IsNotFound(err):
	default:
		h.logger.Warn("failed to load catch-up snapshot", zap.Error(err))
	}
	return nil
}

// catchUp queues the newest known snapshot for a new session. snap is what
// the session's request loaded; a newer one already broadcast wins.
func (h *Hub) catchUp(s *session, snap *db.Snapshot) {
	if snap != nil {
		h.advance(snap)
	}
	if h.latest == nil {
		return
	}

	msg, err := encode(events.SnapshotUpdated(*h.latest))
	if err != nil {
		h.logger.Error("failed to encode snapshot", zap.Error(err))
		return
	}
	if !s.offer(msg) {
		h.drop(s)
	}
}

// advance records snap as the newest snapshot seen. It reports false when
// snap is not newer than what viewers already have.
func (h *Hub) advance(snap *db.Snapshot) bool {
	if h.latest != nil {
		if snap.ID == h.latest.ID || snap.CreatedAt.Before(h.latest.CreatedAt) {
			return false
		}
	}
	h.latest = snap
	return true
}

func (h *Hub) broadcast(e events.Event) {
	if e.Kind == events.KindSnapshotUpdated && !h.advance(e.Snapshot) {
		return
	}

	msg, err := encode(e)
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("event", string(e.Kind)), zap.Error(err))
		return
	}
	for s := range h.sessions {
		if !s.offer(msg) {
			h.logger.Warn("viewer too slow, dropping session", zap.String("remote", s.remote))
			h.drop(s)
		}
	}
}

func (h *Hub) drop(s *session) {
	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	h.count.Store(int64(len(h.sessions)))
	s.close()
}

func (h *Hub) closeAll() {
	for s := range h.sessions {
		s.close()
	}
	h.sessions = map[*session]struct{}{}
	h.count.Store(0)
}

func encode(e events.Event) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch e.Kind {
	case events.KindSnapshotUpdated:
		data, err = json.Marshal(e.Snapshot)
	default:
		data, err = json.Marshal(e.Device)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: string(e.Kind), Data: data, Cause: e.Cause})
}

// ServeHTTP upgrades the request and serves the viewer until it disconnects
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	s := newSession(conn, r.RemoteAddr, h.cfg.SendQueueSize)
	go s.writePump(h.cfg.WriteTimeout, h.cfg.PingInterval)

	snap := h.loadLatest(context.Background())
	select {
	case h.register <- registration{session: s, snapshot: snap}:
	case <-h.quit:
		s.close()
		return
	}
	h.logger.Debug("viewer connected", zap.String("remote", s.remote))

	h.readPump(s)

	select {
	case h.unregister <- s:
	case <-h.quit:
	}
	h.logger.Debug("viewer disconnected", zap.String("remote", s.remote))
}

// readPump handles inbound frames until the connection fails
func (h *Hub) readPump(s *session) {
	pongWait := h.cfg.PingInterval + h.cfg.WriteTimeout
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Event string `json:"event"`
			Data  struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Event != EventToggle {
			h.logger.Debug("ignoring viewer message", zap.String("remote", s.remote))
			continue
		}

		id, err := uuid.Parse(msg.Data.ID)
		if err != nil {
			h.logger.Debug("ignoring toggle with malformed id", zap.String("id", msg.Data.ID))
			continue
		}
		go h.toggle(id)
	}
}

// toggle is fire-and-forget; the outcome reaches viewers as a device event
func (h *Hub) toggle(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), toggleTimeout)
	defer cancel()
	if _, err := h.toggler.Toggle(ctx, id); err != nil {
		h.logger.Warn("viewer toggle failed", zap.String("device_id", id.String()), zap.Error(err))
	}
}
