// Package control runs the periodic rule evaluation that drives actuators
// from the latest environmental snapshot.
package control

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/greenhouse-controller/internal/apperrors"
	"github.com/septivank/greenhouse-controller/internal/config"
	"github.com/septivank/greenhouse-controller/internal/db"
	"github.com/septivank/greenhouse-controller/internal/events"
	"github.com/septivank/greenhouse-controller/internal/repository"
	"go.uber.org/zap"
)

// Store is the part of the state store a tick reads
type Store interface {
	LatestSnapshot(ctx context.Context) (*db.Snapshot, error)
	ListEnabledRules(ctx context.Context) ([]db.Rule, error)
}

// Actuators is the part of the actuator registry a tick drives
type Actuators interface {
	Get(ctx context.Context, id uuid.UUID) (*db.Device, error)
	SetState(ctx context.Context, id uuid.UUID, desired bool, cause events.Cause) (*db.Device, error)
}

// TickReport summarises one evaluation pass
type TickReport struct {
	NoSnapshot  bool `json:"noSnapshot"`
	Rules       int  `json:"rules"`
	Evaluated   int  `json:"evaluated"`
	Skipped     int  `json:"skipped"`
	Transitions int  `json:"transitions"`
	Errors      int  `json:"errors"`
}

// Stats holds counters since the process started
type Stats struct {
	Running     bool  `json:"running"`
	Ticks       int64 `json:"ticks"`
	Transitions int64 `json:"transitions"`
	Errors      int64 `json:"errors"`
}

// Loop evaluates enabled rules every interval. Start and Stop are idempotent.
type Loop struct {
	store       Store
	actuators   Actuators
	interval    time.Duration
	tickTimeout time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	ticks       atomic.Int64
	transitions atomic.Int64
	errors      atomic.Int64
}

// NewLoop creates a stopped loop
func NewLoop(store Store, actuators Actuators, cfg config.ControlConfig, logger *zap.Logger) *Loop {
	return &Loop{
		store:       store,
		actuators:   actuators,
		interval:    cfg.Interval,
		tickTimeout: cfg.TickTimeout,
		logger:      logger.Named("control"),
	}
}

// Start begins ticking. Calling Start on a running loop does nothing.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)

	l.logger.Info("auto-control loop started", zap.Duration("interval", l.interval))
}

// Stop halts the loop. A tick already running completes, no new tick
// starts. Stop returns early with ctx's error if the tick outlives ctx.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.cancel == nil {
		l.mu.Unlock()
		return nil
	}
	l.cancel()
	done := l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	select {
	case <-done:
		l.logger.Info("auto-control loop stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the loop is started
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Stats returns the loop counters
func (l *Loop) Stats() Stats {
	return Stats{
		Running:     l.Running(),
		Ticks:       l.ticks.Load(),
		Transitions: l.transitions.Load(),
		Errors:      l.errors.Load(),
	}
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			// the tick is not interrupted by Stop, only bounded by its own timeout
			tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.tickTimeout)
			l.Tick(tickCtx)
			cancel()
		}
	}
}

// Tick evaluates every enabled rule against the latest snapshot once.
// Rule failures are logged and counted; they never abort the pass.
func (l *Loop) Tick(ctx context.Context) TickReport {
	var report TickReport
	l.ticks.Add(1)
	defer func() {
		l.transitions.Add(int64(report.Transitions))
		l.errors.Add(int64(report.Errors))
		l.logger.Debug("tick complete",
			zap.Bool("no_snapshot", report.NoSnapshot),
			zap.Int("rules", report.Rules),
			zap.Int("evaluated", report.Evaluated),
			zap.Int("skipped", report.Skipped),
			zap.Int("transitions", report.Transitions),
			zap.Int("errors", report.Errors))
	}()

	snapshot, err := repository.RetryRead(ctx, l.store.LatestSnapshot)
	if err != nil {
		if apperrors.IsNotFound(err) {
			report.NoSnapshot = true
			return report
		}
		l.logger.Error("failed to read latest snapshot", zap.Error(err))
		report.Errors++
		return report
	}

	rules, err := repository.RetryRead(ctx, l.store.ListEnabledRules)
	if err != nil {
		l.logger.Error("failed to list enabled rules", zap.Error(err))
		report.Errors++
		return report
	}
	report.Rules = len(rules)

	for _, rule := range rules {
		l.evaluate(ctx, snapshot, rule, &report)
	}
	return report
}

func (l *Loop) evaluate(ctx context.Context, snapshot *db.Snapshot, rule db.Rule, report *TickReport) {
	log := l.logger.With(
		zap.String("rule_id", rule.ID.String()),
		zap.String("rule", rule.Name),
		zap.String("actuator_id", rule.ActuatorID.String()))

	value := snapshot.Metric(rule.MetricType)
	if value == nil {
		report.Skipped++
		return
	}
	want := ShouldActivate(rule, *value)

	device, err := l.actuators.Get(ctx, rule.ActuatorID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			log.Debug("rule references a missing actuator, skipping")
			report.Skipped++
			return
		}
		log.Error("failed to look up actuator", zap.Error(err))
		report.Errors++
		return
	}
	report.Evaluated++

	if device.IsActive == want {
		return
	}

	if _, err := l.actuators.SetState(ctx, rule.ActuatorID, want, events.CauseAuto); err != nil {
		if apperrors.IsNotFound(err) {
			report.Skipped++
			return
		}
		log.Error("failed to set actuator state", zap.Bool("desired", want), zap.Error(err))
		report.Errors++
		return
	}
	report.Transitions++
	log.Info("rule drove actuator",
		zap.String("metric", string(rule.MetricType)),
		zap.Float64("value", *value),
		zap.Bool("is_active", want))
}

// ShouldActivate applies a rule's thresholds. The actuator should be on when
// the value is below a set low threshold or above a set high threshold. With
// low > high the two conditions overlap and the band is inverted.
func ShouldActivate(rule db.Rule, value float64) bool {
	if rule.ThresholdLow != nil && value < *rule.ThresholdLow {
		return true
	}
	if rule.ThresholdHigh != nil && value > *rule.ThresholdHigh {
		return true
	}
	return false
}
