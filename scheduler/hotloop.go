package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/itskum47/horizonq/analytics"
	"github.com/itskum47/horizonq/bus"
	"github.com/itskum47/horizonq/eventmodel"
	"github.com/itskum47/horizonq/hotstore"
	"github.com/itskum47/horizonq/observability"
	"github.com/itskum47/horizonq/resilience"
)

// ExecutionObserver receives a copy of every completed ExecutionRecord,
// e.g. the operator websocket stream. Implementations must not block.
type ExecutionObserver interface {
	Publish(rec eventmodel.ExecutionRecord)
}

// HotLoop is the execution engine: on every tick it reaps stale
// processing entries, peeks everything due, and dispatches each
// candidate through a bounded worker pool to the downstream bus.
type HotLoop struct {
	hot       *hotstore.Store
	publisher bus.Publisher
	sink      *analytics.Sink
	limiter   RateLimiter
	breakers  *resilience.BreakerSet
	engine    *Engine
	observer  ExecutionObserver

	nodeID        string
	pollInterval  time.Duration
	staleAfter    time.Duration
	maxRetries    int
	retryDelay    time.Duration
	maxConcurrent int

	sem chan struct{}
}

// NewHotLoop builds a HotLoop wired to its store, downstream publisher
// and analytics sink.
func NewHotLoop(hot *hotstore.Store, publisher bus.Publisher, sink *analytics.Sink, limiter RateLimiter, breakers *resilience.BreakerSet, engine *Engine, nodeID string, pollInterval, staleAfter, retryDelay time.Duration, maxRetries, maxConcurrent int) *HotLoop {
	return &HotLoop{
		hot:           hot,
		publisher:     publisher,
		sink:          sink,
		limiter:       limiter,
		breakers:      breakers,
		engine:        engine,
		nodeID:        nodeID,
		pollInterval:  pollInterval,
		staleAfter:    staleAfter,
		maxRetries:    maxRetries,
		retryDelay:    retryDelay,
		maxConcurrent: maxConcurrent,
		sem:           make(chan struct{}, maxConcurrent),
	}
}

// SetObserver registers an ExecutionObserver notified of every completed
// ExecutionRecord. Optional; nil disables the notification.
func (h *HotLoop) SetObserver(o ExecutionObserver) {
	h.observer = o
}

// Run ticks until ctx is cancelled. Unlike TransferLoop and the cleanup
// pass, HotLoop carries no lease or fencing epoch: every node runs it
// concurrently and Claim is the single point of mutual exclusion, so
// ctx here is only the process lifetime — cancelled at shutdown, never
// by a lease handover.
func (h *HotLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *HotLoop) tick(ctx context.Context) {
	if h.engine != nil && h.engine.RunMode() == RunReadOnly {
		return
	}
	if h.engine != nil {
		h.engine.recordTick()
	}

	h.reapStale(ctx)

	if h.engine != nil && h.engine.RunMode() == RunDraining {
		return
	}

	candidates, err := h.hot.PeekDue(ctx, time.Now(), int64(h.maxConcurrent*4))
	if err != nil {
		log.Printf("hotloop: peek_due: %v", err)
		return
	}

	for _, evt := range candidates {
		evt := evt
		if h.limiter != nil && !h.limiter.Allow(evt.Topic) {
			continue
		}
		select {
		case h.sem <- struct{}{}:
		case <-ctx.Done():
			return
		default:
			// pool saturated this tick; leave the entry in the hot
			// zset, it is picked up again next tick.
			continue
		}
		go func() {
			defer func() { <-h.sem }()
			h.execute(ctx, evt)
		}()
	}
}

func (h *HotLoop) reapStale(ctx context.Context) {
	stale, err := h.hot.ScanStaleProcessing(ctx, time.Now(), h.staleAfter)
	if err != nil {
		log.Printf("hotloop: scan_stale: %v", err)
		return
	}
	for _, id := range stale {
		if err := h.hot.RevertStale(ctx, id); err != nil {
			log.Printf("hotloop: revert_stale %s: %v", id, err)
			continue
		}
		observability.ReaperReverted.Inc()
	}
}

func (h *HotLoop) execute(ctx context.Context, candidate *eventmodel.ScheduledEvent) {
	claimed, err := h.hot.Claim(ctx, candidate.ScheduleID, h.nodeID, time.Now())
	if err != nil {
		log.Printf("hotloop: claim %s: %v", candidate.ScheduleID, err)
		return
	}
	if claimed == nil {
		// another node already claimed it, or it was cancelled meanwhile
		return
	}

	start := time.Now()

	if claimed.MaxDelaySeconds > 0 {
		delay := start.Sub(claimed.ScheduledAt).Seconds()
		if delay > float64(claimed.MaxDelaySeconds) {
			staleErr := &eventmodel.StaleEntryError{ScheduleID: claimed.ScheduleID, DelaySeconds: delay}
			h.finish(ctx, claimed, eventmodel.ReleaseOutcome{Kind: eventmodel.ReleaseSucceeded}, eventmodel.ExecSkipped, staleErr.Error(), start)
			return
		}
	}

	if ctx.Err() != nil {
		// process shutdown landed between claim and publish; put the
		// entry back so another node picks it up next tick.
		h.hot.Release(context.Background(), claimed.ScheduleID, eventmodel.ReleaseOutcome{Kind: eventmodel.ReleaseRequeue}, claimed.ScheduledAt, claimed.Priority, claimed.RetryCount)
		observability.ShutdownAbort.Inc()
		return
	}

	breaker := h.breakerFor(claimed.Topic)
	if breaker != nil && !breaker.Allow() {
		h.finish(ctx, claimed, h.retryOutcome(claimed), eventmodel.ExecError, "circuit open", start)
		return
	}

	publishStart := time.Now()
	outcome, pubErr := h.publisher.Publish(ctx, claimed.Topic, claimed.Headers, claimed.Body, claimed.CorrelationID)
	observability.PublishLatency.Observe(time.Since(publishStart).Seconds())
	if breaker != nil {
		if pubErr != nil || outcome == bus.OutcomeTransient {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}

	switch outcome {
	case bus.OutcomeOK:
		h.finish(ctx, claimed, eventmodel.ReleaseOutcome{Kind: eventmodel.ReleaseSucceeded}, eventmodel.ExecSuccess, "", start)
	case bus.OutcomePermanent:
		permErr := &eventmodel.PublishPermanentError{Err: orDefault(pubErr, "permanent publish failure")}
		h.finish(ctx, claimed, eventmodel.ReleaseOutcome{Kind: eventmodel.ReleaseFailed}, eventmodel.ExecError, permErr.Error(), start)
	default:
		transientErr := &eventmodel.PublishTransientError{Err: orDefault(pubErr, "transient publish failure")}
		h.finish(ctx, claimed, h.retryOutcome(claimed), eventmodel.ExecError, transientErr.Error(), start)
	}
}

func orDefault(err error, msg string) error {
	if err != nil {
		return err
	}
	return errors.New(msg)
}

// retryOutcome decides whether a transient failure gets requeued with
// backoff or is exhausted into a permanent failure, per
// RETRY_DELAY_SECONDS x 2^retry_count capped at one hour.
func (h *HotLoop) retryOutcome(evt *eventmodel.ScheduledEvent) eventmodel.ReleaseOutcome {
	if evt.RetryCount >= h.maxRetries {
		return eventmodel.ReleaseOutcome{Kind: eventmodel.ReleaseFailed}
	}
	backoff := h.retryDelay
	for i := 0; i < evt.RetryCount; i++ {
		backoff *= 2
	}
	if backoff > time.Hour {
		backoff = time.Hour
	}
	return eventmodel.ReleaseOutcome{Kind: eventmodel.ReleaseRequeue, Delay: backoff}
}

func (h *HotLoop) finish(ctx context.Context, evt *eventmodel.ScheduledEvent, outcome eventmodel.ReleaseOutcome, status eventmodel.ExecutionStatus, errMsg string, start time.Time) {
	newRetry := evt.RetryCount
	newScheduledAt := evt.ScheduledAt
	if outcome.Kind == eventmodel.ReleaseRequeue {
		newRetry++
		newScheduledAt = time.Now().Add(outcome.Delay)
	}

	if err := h.hot.Release(ctx, evt.ScheduleID, outcome, newScheduledAt, evt.Priority, newRetry); err != nil {
		log.Printf("hotloop: release %s: %v", evt.ScheduleID, err)
	}

	took := time.Since(start)
	rec := eventmodel.NewExecutionRecord(evt, time.Now(), status, errMsg, took, h.nodeID)
	if h.sink != nil {
		h.sink.Record(rec)
	}
	if h.observer != nil {
		h.observer.Publish(rec)
	}
	observability.ProcessingTimeMs.Observe(float64(took.Milliseconds()))
	observability.ExecutionDelaySeconds.Observe(time.Since(evt.ScheduledAt).Seconds())
	observability.EventsFired.WithLabelValues(string(status)).Inc()
}

func (h *HotLoop) breakerFor(topic string) *resilience.CircuitBreaker {
	if h.breakers == nil {
		return nil
	}
	return h.breakers.For("bus:" + topic)
}
