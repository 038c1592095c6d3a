package hotstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/itskum47/horizonq/eventmodel"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	store, err := New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("hotstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func testEvent(id string, scheduledAt time.Time, priority int8) *eventmodel.ScheduledEvent {
	return &eventmodel.ScheduledEvent{
		ScheduleID:  id,
		Topic:       "orders",
		EntityType:  "order",
		Action:      "expire",
		Body:        []byte(`{}`),
		ScheduledAt: scheduledAt,
		Priority:    priority,
		Status:      eventmodel.StatusPending,
	}
}

func TestAddIdempotentOnEquivalentContent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	evt := testEvent("a", now.Add(time.Minute), 0)
	if err := store.Add(ctx, evt); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := store.Add(ctx, evt)
	var dup *eventmodel.DuplicateIDError
	if !errors.As(err, &dup) {
		t.Fatalf("re-add of equivalent event should report DuplicateIDError, got %v", err)
	}
}

func TestAddConflictsOnDifferentContent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	evt := testEvent("a", now.Add(time.Minute), 0)
	if err := store.Add(ctx, evt); err != nil {
		t.Fatalf("first add: %v", err)
	}

	diverged := testEvent("a", now.Add(2*time.Minute), 0)
	err := store.Add(ctx, diverged)
	if _, ok := err.(*eventmodel.ConflictError); !ok {
		t.Fatalf("expected ConflictError for diverged resubmission, got %v", err)
	}
}

func TestPeekDueOrdersByScoreAscending(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	late := testEvent("late", now.Add(-1*time.Second), 0)
	early := testEvent("early", now.Add(-10*time.Second), 0)
	future := testEvent("future", now.Add(time.Hour), 0)

	for _, e := range []*eventmodel.ScheduledEvent{late, early, future} {
		if err := store.Add(ctx, e); err != nil {
			t.Fatalf("add %s: %v", e.ScheduleID, err)
		}
	}

	due, err := store.PeekDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("peek_due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due entries, got %d", len(due))
	}
	if due[0].ScheduleID != "early" || due[1].ScheduleID != "late" {
		t.Errorf("expected [early, late] order, got [%s, %s]", due[0].ScheduleID, due[1].ScheduleID)
	}
}

func TestPeekDueHigherPriorityFirstWithinSameSecond(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	at := time.Now().Add(-time.Second).Truncate(time.Second)

	low := testEvent("low-priority", at, 0)
	high := testEvent("high-priority", at, 5)
	if err := store.Add(ctx, low); err != nil {
		t.Fatal(err)
	}
	if err := store.Add(ctx, high); err != nil {
		t.Fatal(err)
	}

	due, err := store.PeekDue(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("peek_due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(due))
	}
	if due[0].ScheduleID != "high-priority" {
		t.Errorf("expected high-priority entry first at the same second, got %s", due[0].ScheduleID)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	evt := testEvent("a", now.Add(-time.Second), 0)
	if err := store.Add(ctx, evt); err != nil {
		t.Fatal(err)
	}

	claimed, err := store.Claim(ctx, "a", "node-1", now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected claim to succeed on a pending entry")
	}
	if claimed.Status != eventmodel.StatusProcessing || claimed.NodeID != "node-1" {
		t.Errorf("expected processing/node-1, got %s/%s", claimed.Status, claimed.NodeID)
	}

	again, err := store.Claim(ctx, "a", "node-2", now)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again != nil {
		t.Error("a second claim on an already-claimed entry must return nil")
	}
}

func TestClaimMissingReturnsNil(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	claimed, err := store.Claim(ctx, "ghost", "node-1", time.Now())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Error("claiming a nonexistent entry must return nil, nil")
	}
}

func TestReleaseSucceededRemovesEntry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	evt := testEvent("a", now.Add(-time.Second), 0)
	store.Add(ctx, evt)
	store.Claim(ctx, "a", "node-1", now)

	if err := store.Release(ctx, "a", eventmodel.ReleaseOutcome{Kind: eventmodel.ReleaseSucceeded}, now, 0, 0); err != nil {
		t.Fatalf("release: %v", err)
	}

	n, err := store.CountPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected 0 entries after succeeded release, got %d", n)
	}
}

func TestReleaseRequeueResetsToPending(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	evt := testEvent("a", now.Add(-time.Second), 0)
	store.Add(ctx, evt)
	store.Claim(ctx, "a", "node-1", now)

	future := now.Add(time.Minute)
	if err := store.Release(ctx, "a", eventmodel.ReleaseOutcome{Kind: eventmodel.ReleaseRequeue}, future, 0, 1); err != nil {
		t.Fatalf("release requeue: %v", err)
	}

	due, err := store.PeekDue(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("requeued entry must not be due yet, got %d due", len(due))
	}

	due, err = store.PeekDue(ctx, future.Add(time.Second), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].Status != eventmodel.StatusPending || due[0].RetryCount != 1 {
		t.Fatalf("expected one pending entry with retry_count=1, got %+v", due)
	}
}

func TestCancelPendingSucceeds(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	evt := testEvent("a", now.Add(time.Minute), 0)
	store.Add(ctx, evt)

	outcome, err := store.Cancel(ctx, "a")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if outcome != eventmodel.CancelCancelled {
		t.Errorf("expected cancelled, got %s", outcome)
	}
}

func TestCancelProcessingIsTooLate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	evt := testEvent("a", now.Add(-time.Second), 0)
	store.Add(ctx, evt)
	store.Claim(ctx, "a", "node-1", now)

	outcome, err := store.Cancel(ctx, "a")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if outcome != eventmodel.CancelTooLate {
		t.Errorf("expected too_late for a processing entry, got %s", outcome)
	}
}

func TestCancelMissingIsNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	outcome, err := store.Cancel(ctx, "ghost")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if outcome != eventmodel.CancelNotFound {
		t.Errorf("expected not_found, got %s", outcome)
	}
}

func TestScanStaleProcessingAndRevert(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	evt := testEvent("a", now.Add(-time.Minute), 0)
	store.Add(ctx, evt)
	store.Claim(ctx, "a", "node-1", now.Add(-time.Minute))

	stale, err := store.ScanStaleProcessing(ctx, now, 10*time.Second)
	if err != nil {
		t.Fatalf("scan_stale: %v", err)
	}
	if len(stale) != 1 || stale[0] != "a" {
		t.Fatalf("expected [a] stale, got %v", stale)
	}

	if err := store.RevertStale(ctx, "a"); err != nil {
		t.Fatalf("revert_stale: %v", err)
	}

	claimed, err := store.Claim(ctx, "a", "node-2", now)
	if err != nil {
		t.Fatalf("re-claim after revert: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a reverted entry to be claimable again")
	}
}

func TestCountDue(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	store.Add(ctx, testEvent("due", now.Add(-time.Second), 0))
	store.Add(ctx, testEvent("future", now.Add(time.Hour), 0))

	n, err := store.CountDue(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 due entry, got %d", n)
	}
}

func TestScoreOrdersDistinctSecondsByTimeNotPriority(t *testing.T) {
	if score(time.Unix(100, 0), 0) >= score(time.Unix(101, 0), 127) {
		t.Error("priority weight must never let a later second outscore an earlier one")
	}
}
