package scheduler

import (
	"testing"
	"time"

	"github.com/itskum47/horizonq/eventmodel"
)

func TestRetryOutcomeBacksOffExponentially(t *testing.T) {
	h := &HotLoop{maxRetries: 3, retryDelay: time.Minute}

	evt := &eventmodel.ScheduledEvent{RetryCount: 0}
	out := h.retryOutcome(evt)
	if out.Kind != eventmodel.ReleaseRequeue || out.Delay != time.Minute {
		t.Errorf("attempt 0: expected requeue at 1m, got %v/%v", out.Kind, out.Delay)
	}

	evt.RetryCount = 1
	out = h.retryOutcome(evt)
	if out.Kind != eventmodel.ReleaseRequeue || out.Delay != 2*time.Minute {
		t.Errorf("attempt 1: expected requeue at 2m, got %v/%v", out.Kind, out.Delay)
	}

	evt.RetryCount = 2
	out = h.retryOutcome(evt)
	if out.Kind != eventmodel.ReleaseRequeue || out.Delay != 4*time.Minute {
		t.Errorf("attempt 2: expected requeue at 4m, got %v/%v", out.Kind, out.Delay)
	}
}

func TestRetryOutcomeExhaustsToFailed(t *testing.T) {
	h := &HotLoop{maxRetries: 3, retryDelay: time.Minute}
	evt := &eventmodel.ScheduledEvent{RetryCount: 3}

	out := h.retryOutcome(evt)
	if out.Kind != eventmodel.ReleaseFailed {
		t.Errorf("expected failed once retry_count reaches max_retries, got %v", out.Kind)
	}
}

func TestRetryOutcomeCapsAtOneHour(t *testing.T) {
	h := &HotLoop{maxRetries: 100, retryDelay: time.Minute}
	evt := &eventmodel.ScheduledEvent{RetryCount: 20}

	out := h.retryOutcome(evt)
	if out.Kind != eventmodel.ReleaseRequeue || out.Delay != time.Hour {
		t.Errorf("expected backoff capped at 1h, got %v/%v", out.Kind, out.Delay)
	}
}
