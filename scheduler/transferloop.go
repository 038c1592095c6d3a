package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/itskum47/horizonq/coldstore"
	"github.com/itskum47/horizonq/eventmodel"
	"github.com/itskum47/horizonq/hotstore"
	"github.com/itskum47/horizonq/observability"
)

// TransferLoop promotes entries approaching their fire time from the
// cold tier to the hot tier. It runs only while this node holds the
// transfer-lease, supplied as the ctx passed to Run by the owning
// Elector. The cleanup duty (CleanupExpired sweeps) is a distinct
// lease-guarded loop, RunCleanup below, since it may be held by a
// different node entirely.
type TransferLoop struct {
	cold *coldstore.Store
	hot  *hotstore.Store

	transferHorizon time.Duration
	pollInterval    time.Duration
	retention       time.Duration
	cleanupInterval time.Duration

	mu             sync.RWMutex
	lastTransferAt time.Time
}

// NewTransferLoop builds a TransferLoop. cleanupEveryN ticks the
// cleanup duty at pollInterval*cleanupEveryN when driven by RunCleanup.
func NewTransferLoop(cold *coldstore.Store, hot *hotstore.Store, transferHorizon, pollInterval, retention time.Duration, cleanupEveryN int) *TransferLoop {
	if cleanupEveryN < 1 {
		cleanupEveryN = 1
	}
	return &TransferLoop{
		cold:            cold,
		hot:             hot,
		transferHorizon: transferHorizon,
		pollInterval:    pollInterval,
		retention:       retention,
		cleanupInterval: pollInterval * time.Duration(cleanupEveryN),
	}
}

// Run ticks until ctx is cancelled. Call this from the transfer-lease
// Elector's onElected callback; the context it hands in already carries
// the node's fencing epoch and is cancelled the instant the lease is
// lost, so a promotion in flight during a step-down simply aborts.
func (t *TransferLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// RunCleanup ticks the cold-tier retention sweep until ctx is cancelled.
// Call this from the cleanup-lease Elector's onElected callback.
func (t *TransferLoop) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.cleanup(ctx)
		}
	}
}

func (t *TransferLoop) tick(ctx context.Context) {
	due, err := t.cold.ScanDueForTransfer(ctx, time.Now(), t.transferHorizon, 500)
	if err != nil {
		log.Printf("transferloop: scan_due: %v", err)
		return
	}

	promoted := 0
	for _, evt := range due {
		if ctx.Err() != nil {
			log.Printf("transferloop: aborting pass: %v", &eventmodel.LeaseLostError{LeaseName: "transfer-lease"})
			return
		}
		if t.promote(ctx, evt) {
			promoted++
		}
	}
	observability.TransferBatchSize.Observe(float64(promoted))

	t.mu.Lock()
	t.lastTransferAt = time.Now()
	t.mu.Unlock()
}

// TransferOnce runs a single transfer pass outside the regular ticker,
// for the POST /sync admin endpoint. It does not check the
// transfer-lease itself; HandleSync only calls it on the node that holds
// the lease. MarkTransferring's CAS still keeps any one entry from being
// promoted twice.
func (t *TransferLoop) TransferOnce(ctx context.Context) {
	t.tick(ctx)
}

// CleanupOnce runs a single cleanup pass outside the regular ticker, for
// the POST /cleanup admin endpoint.
func (t *TransferLoop) CleanupOnce(ctx context.Context) {
	t.cleanup(ctx)
}

// LastTransferAt returns the time of the most recently completed
// transfer tick, for GET /stats.
func (t *TransferLoop) LastTransferAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastTransferAt
}

// promote moves one event from cold to hot. ScheduleID is the natural
// key in both tiers, so MarkTransferring's CAS is the single point of
// mutual exclusion: only one node wins the race to transfer any given
// entry even if several nodes' ScanDueForTransfer overlap briefly during
// a lease handover.
func (t *TransferLoop) promote(ctx context.Context, evt *eventmodel.ScheduledEvent) bool {
	ok, err := t.cold.MarkTransferring(ctx, evt.ScheduleID, "")
	if err != nil {
		log.Printf("transferloop: mark_transferring %s: %v", evt.ScheduleID, err)
		return false
	}
	if !ok {
		return false
	}

	evt.Status = eventmodel.StatusPending
	var dup *eventmodel.DuplicateIDError
	if err := t.hot.Add(ctx, evt); err != nil && !errors.As(err, &dup) {
		log.Printf("transferloop: hot add %s failed, reverting: %v", evt.ScheduleID, err)
		if _, revertErr := t.cold.RevertTransfer(ctx, evt.ScheduleID); revertErr != nil {
			log.Printf("transferloop: revert_transfer %s: %v", evt.ScheduleID, revertErr)
		}
		return false
	}

	if _, err := t.cold.FinalizeTransferred(ctx, evt.ScheduleID); err != nil {
		log.Printf("transferloop: finalize_transferred %s: %v", evt.ScheduleID, err)
	}
	return true
}

func (t *TransferLoop) cleanup(ctx context.Context) {
	if ctx.Err() != nil {
		log.Printf("transferloop: aborting cleanup pass: %v", &eventmodel.LeaseLostError{LeaseName: "cleanup-lease"})
		return
	}
	n, err := t.cold.CleanupExpired(ctx, time.Now(), t.retention)
	if err != nil {
		log.Printf("transferloop: cleanup_expired: %v", err)
		return
	}
	if n > 0 {
		log.Printf("transferloop: cleanup_expired removed %d entries", n)
	}
}
