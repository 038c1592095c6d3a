package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/itskum47/horizonq/coldstore"
	"github.com/itskum47/horizonq/config"
	"github.com/itskum47/horizonq/eventmodel"
	"github.com/itskum47/horizonq/hotstore"
	"github.com/itskum47/horizonq/observability"
	"github.com/itskum47/horizonq/resilience"
)

// Engine is the inbound contract named in spec.md §6: Schedule and
// Cancel. It owns the single committing store write the Router decision
// requires and layers the admission-mode kill switch on top.
type Engine struct {
	hot  *hotstore.Store
	cold *coldstore.Store
	cfg  config.Config

	breakers *resilience.BreakerSet

	admissionMode atomic.Int32
	runMode       atomic.Value // RunMode

	mu         sync.RWMutex
	lastTickAt time.Time
}

// NewEngine builds an Engine over the given stores and config.
func NewEngine(hot *hotstore.Store, cold *coldstore.Store, cfg config.Config, breakers *resilience.BreakerSet) *Engine {
	e := &Engine{hot: hot, cold: cold, cfg: cfg, breakers: breakers}
	e.runMode.Store(RunNormal)
	return e
}

// SetAdmissionMode updates the ingest-side kill switch.
func (e *Engine) SetAdmissionMode(mode AdmissionMode) {
	e.admissionMode.Store(int32(mode))
}

// AdmissionMode returns the current ingest-side kill switch setting.
func (e *Engine) AdmissionMode() AdmissionMode {
	return AdmissionMode(e.admissionMode.Load())
}

// SetRunMode updates the execution-side kill switch.
func (e *Engine) SetRunMode(mode RunMode) {
	e.runMode.Store(mode)
}

// RunMode returns the current execution-side kill switch setting.
func (e *Engine) RunMode() RunMode {
	return e.runMode.Load().(RunMode)
}

func (e *Engine) recordTick() {
	e.mu.Lock()
	e.lastTickAt = time.Now()
	e.mu.Unlock()
}

// Schedule is the ingest contract: route evt to its tier and commit it
// with a single store write. Idempotent on ScheduleID — for a resubmission
// with equivalent content the store reports DuplicateIDError, which
// Schedule turns into a success return; a resubmission with different
// content surfaces ConflictError.
func (e *Engine) Schedule(ctx context.Context, evt *eventmodel.ScheduledEvent) (string, error) {
	mode := e.AdmissionMode()
	if mode == AdmissionFreeze {
		return "", fmt.Errorf("scheduler: admission frozen")
	}
	if mode == AdmissionDrain {
		return "", fmt.Errorf("scheduler: draining, not accepting new schedules")
	}

	if evt.ScheduleID == "" {
		evt.ScheduleID = uuid.NewString()
	}
	now := time.Now()
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = now
	}
	evt.UpdatedAt = now
	if evt.MaxDelaySeconds == 0 {
		evt.MaxDelaySeconds = 86400
	}

	tier := Route(evt.ScheduledAt, now, time.Duration(e.cfg.ImmediateHorizonSeconds)*time.Second)

	var err error
	dependency := "hotstore"
	if tier == eventmodel.TierHot {
		evt.Status = eventmodel.StatusPending
		if !e.breakerAllow("hotstore") {
			return "", &eventmodel.TransientStoreError{Op: "engine.schedule", Err: fmt.Errorf("hotstore circuit open")}
		}
		err = e.hot.Add(ctx, evt)
	} else {
		dependency = "coldstore"
		evt.Status = eventmodel.StatusPending
		if !e.breakerAllow("coldstore") {
			return "", &eventmodel.TransientStoreError{Op: "engine.schedule", Err: fmt.Errorf("coldstore circuit open")}
		}
		err = e.cold.Insert(ctx, evt)
	}
	var dup *eventmodel.DuplicateIDError
	if errors.As(err, &dup) {
		// same ScheduleID, byte-equal content: idempotent resubmission,
		// not a failure — fall through and report success.
		err = nil
	}
	e.breakerRecord(dependency, err)
	if err != nil {
		return "", err
	}

	observability.EventsScheduled.WithLabelValues(string(tier)).Inc()
	return evt.ScheduleID, nil
}

// Cancel cancels scheduleID wherever it currently lives. HotStore is
// checked first since a live entry is far more likely to be hot by the
// time a caller issues a cancel; a not_found there falls through to
// ColdStore.
func (e *Engine) Cancel(ctx context.Context, scheduleID string) (eventmodel.CancelOutcome, error) {
	outcome, err := e.hot.Cancel(ctx, scheduleID)
	if err != nil {
		return "", err
	}
	if outcome != eventmodel.CancelNotFound {
		return outcome, nil
	}
	return e.cold.Cancel(ctx, scheduleID)
}

// Stats returns the snapshot named in spec.md §6's GET /stats.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	pendingHot, err := e.hot.CountPending(ctx)
	if err != nil {
		return Stats{}, err
	}
	pendingCold, err := e.cold.CountPending(ctx)
	if err != nil {
		return Stats{}, err
	}
	dueNow, err := e.hot.CountDue(ctx, time.Now())
	if err != nil {
		return Stats{}, err
	}

	observability.HotQueueDepth.Set(float64(pendingHot))
	observability.ColdQueueDepth.Set(float64(pendingCold))

	e.mu.RLock()
	lastTick := e.lastTickAt
	e.mu.RUnlock()

	s := Stats{
		PendingHot:    pendingHot,
		PendingCold:   pendingCold,
		DueNow:        dueNow,
		AdmissionMode: e.AdmissionMode().String(),
		RunMode:       string(e.RunMode()),
	}
	if !lastTick.IsZero() {
		s.LastTickAt = lastTick.Format(time.RFC3339)
	}
	return s, nil
}

func (e *Engine) breakerAllow(dependency string) bool {
	if e.breakers == nil {
		return true
	}
	return e.breakers.For(dependency).Allow()
}

func (e *Engine) breakerRecord(dependency string, err error) {
	if e.breakers == nil {
		return
	}
	cb := e.breakers.For(dependency)
	if err != nil {
		cb.RecordFailure()
		return
	}
	cb.RecordSuccess()
}
