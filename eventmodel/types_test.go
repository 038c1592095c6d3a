package eventmodel

import (
	"testing"
	"time"
)

func TestStatusCanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusTransferring, true},
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusSucceeded, false},
		{StatusTransferring, StatusPending, true},
		{StatusTransferring, StatusSucceeded, true},
		{StatusTransferring, StatusCancelled, false},
		{StatusProcessing, StatusSucceeded, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusPending, true},
		{StatusProcessing, StatusCancelled, false},
		{StatusSucceeded, StatusPending, false},
		{StatusCancelled, StatusPending, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	if !StatusSucceeded.Terminal() {
		t.Error("succeeded should be terminal")
	}
	if !StatusCancelled.Terminal() {
		t.Error("cancelled should be terminal")
	}
	if StatusPending.Terminal() || StatusProcessing.Terminal() || StatusFailed.Terminal() {
		t.Error("pending/processing/failed must not be terminal")
	}
}

func TestScheduledEventEquivalent(t *testing.T) {
	base := &ScheduledEvent{
		ScheduleID:  "abc",
		Topic:       "orders",
		EntityType:  "order",
		Action:      "expire",
		ScheduledAt: time.Unix(1000, 0).UTC(),
		Priority:    5,
		Body:        []byte(`{"x":1}`),
	}
	same := *base
	if !base.Equivalent(&same) {
		t.Error("identical event should be equivalent to itself")
	}

	diffBody := *base
	diffBody.Body = []byte(`{"x":2}`)
	if base.Equivalent(&diffBody) {
		t.Error("different body must not be equivalent")
	}

	diffPriority := *base
	diffPriority.Priority = 6
	if base.Equivalent(&diffPriority) {
		t.Error("different priority must not be equivalent")
	}

	diffTime := *base
	diffTime.ScheduledAt = base.ScheduledAt.Add(time.Second)
	if base.Equivalent(&diffTime) {
		t.Error("different scheduled_at must not be equivalent")
	}

	var nilEvt *ScheduledEvent
	if nilEvt.Equivalent(base) {
		t.Error("nil receiver must only equal nil")
	}
}

func TestNewExecutionRecordComputesDelay(t *testing.T) {
	scheduled := time.Unix(1000, 0).UTC()
	executed := scheduled.Add(3 * time.Second)
	evt := &ScheduledEvent{
		ScheduleID:  "abc",
		Topic:       "orders",
		ScheduledAt: scheduled,
		RetryCount:  2,
	}
	rec := NewExecutionRecord(evt, executed, ExecSuccess, "", 150*time.Millisecond, "node-1")

	if rec.ScheduleID != evt.ScheduleID {
		t.Errorf("schedule id mismatch: %s", rec.ScheduleID)
	}
	if rec.DelaySeconds != 3 {
		t.Errorf("expected delay of 3s, got %v", rec.DelaySeconds)
	}
	if rec.RetryCount != 2 {
		t.Errorf("expected retry count 2, got %d", rec.RetryCount)
	}
	if rec.ProcessingTimeMs != 150 {
		t.Errorf("expected 150ms processing time, got %d", rec.ProcessingTimeMs)
	}
	if rec.ExecutionID == "" {
		t.Error("expected a generated execution id")
	}
	if rec.Status != ExecSuccess {
		t.Errorf("expected success status, got %s", rec.Status)
	}
}
