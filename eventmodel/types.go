// Package eventmodel defines the data types shared by every tier of the
// scheduler: the event a caller schedules, the record its execution
// produces, and the tier it currently lives in.
package eventmodel

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a ScheduledEvent.
type Status string

const (
	StatusPending      Status = "pending"
	StatusTransferring Status = "transferring"
	StatusProcessing   Status = "processing"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// CanTransitionTo reports whether the lifecycle DAG permits moving from s
// to next. pending -> transferring -> {pending, succeeded} (hot/cold
// handoff; succeeded marks the cold copy as handed off) and
// pending -> processing -> {succeeded, failed, pending} (execution) are
// the only paths; cancelled is reachable only from pending, and no move
// out of succeeded, failed or cancelled is permitted.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		switch next {
		case StatusTransferring, StatusProcessing, StatusCancelled:
			return true
		}
	case StatusTransferring:
		return next == StatusPending || next == StatusSucceeded
	case StatusProcessing:
		switch next {
		case StatusSucceeded, StatusFailed, StatusPending:
			return true
		}
	}
	return false
}

// Terminal reports whether s is one of the terminal states, succeeded
// or cancelled. failed is not reported as terminal, although
// CanTransitionTo permits no move out of it.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusCancelled
}

// ScheduledEvent is the unit of work carried through the hot and cold
// tiers. Body and Headers are opaque to the core: validation of their
// contents is the ingest layer's job, not this package's.
type ScheduledEvent struct {
	ScheduleID      string            `json:"schedule_id"`
	Topic           string            `json:"topic"`
	EntityType      string            `json:"entity_type"`
	Action          string            `json:"action"`
	Body            []byte            `json:"body"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	ScheduledAt     time.Time         `json:"scheduled_at"`
	Priority        int8              `json:"priority"`
	Status          Status            `json:"status"`
	MaxDelaySeconds int64             `json:"max_delay_seconds"`
	RetryCount      int               `json:"retry_count"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	ProcessingStartedAt *time.Time    `json:"processing_started_at,omitempty"`
	NodeID          string            `json:"node_id,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// Equivalent reports whether two events are the same logical submission
// (same id, same routing and payload) for idempotent re-ingest checks.
func (e *ScheduledEvent) Equivalent(other *ScheduledEvent) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.ScheduleID != other.ScheduleID || e.Topic != other.Topic ||
		e.EntityType != other.EntityType || e.Action != other.Action ||
		!e.ScheduledAt.Equal(other.ScheduledAt) || e.Priority != other.Priority {
		return false
	}
	return string(e.Body) == string(other.Body)
}

// ExecutionStatus classifies the outcome of one firing attempt.
type ExecutionStatus string

const (
	ExecSuccess ExecutionStatus = "success"
	ExecError   ExecutionStatus = "error"
	ExecTimeout ExecutionStatus = "timeout"
	ExecSkipped ExecutionStatus = "skipped"
)

// ExecutionRecord is an append-only analytics entry, one per attempt.
type ExecutionRecord struct {
	ExecutionID       string          `json:"execution_id"`
	ScheduleID        string          `json:"schedule_id"`
	CorrelationID     string          `json:"correlation_id,omitempty"`
	Topic             string          `json:"topic"`
	EntityType        string          `json:"entity_type"`
	Action            string          `json:"action"`
	ScheduledAt       time.Time       `json:"scheduled_at"`
	ExecutedAt        time.Time       `json:"executed_at"`
	DelaySeconds      float64         `json:"delay_seconds"`
	Status            ExecutionStatus `json:"status"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	RetryCount        int             `json:"retry_count"`
	ProcessingTimeMs  int64           `json:"processing_time_ms"`
	NodeID            string          `json:"node_id"`
}

// NewExecutionRecord computes DelaySeconds from ExecutedAt-ScheduledAt so
// the two never drift apart in storage.
func NewExecutionRecord(evt *ScheduledEvent, executedAt time.Time, status ExecutionStatus, errMsg string, processingTime time.Duration, nodeID string) ExecutionRecord {
	return ExecutionRecord{
		ExecutionID:      uuid.NewString(),
		ScheduleID:       evt.ScheduleID,
		CorrelationID:    evt.CorrelationID,
		Topic:            evt.Topic,
		EntityType:       evt.EntityType,
		Action:           evt.Action,
		ScheduledAt:      evt.ScheduledAt,
		ExecutedAt:       executedAt,
		DelaySeconds:     executedAt.Sub(evt.ScheduledAt).Seconds(),
		Status:           status,
		ErrorMessage:     errMsg,
		RetryCount:       evt.RetryCount,
		ProcessingTimeMs: processingTime.Milliseconds(),
		NodeID:           nodeID,
	}
}

// CancelOutcome is the result of a Cancel call.
type CancelOutcome string

const (
	CancelCancelled CancelOutcome = "cancelled"
	CancelNotFound  CancelOutcome = "not_found"
	CancelTooLate   CancelOutcome = "too_late"
)

// Tier identifies which store currently owns an event.
type Tier string

const (
	TierHot  Tier = "hot"
	TierCold Tier = "cold"
)

// ReleaseOutcome describes how a claimed hot-tier entry is released back
// by an execution task.
type ReleaseOutcome struct {
	Kind    ReleaseKind
	Delay   time.Duration // only meaningful for ReleaseRequeue
}

type ReleaseKind string

const (
	ReleaseSucceeded ReleaseKind = "succeeded"
	ReleaseFailed    ReleaseKind = "failed"
	ReleaseRequeue   ReleaseKind = "requeue"
)
