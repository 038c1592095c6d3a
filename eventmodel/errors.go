package eventmodel

import "fmt"

// TransientStoreError wraps a store failure the caller should retry with
// backoff — a timeout or an unreachable backend, never a logical conflict.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error during %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// ConflictError indicates an idempotency violation: the same ScheduleID
// was submitted with non-equivalent content.
type ConflictError struct {
	ScheduleID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: schedule_id %q already exists with different content", e.ScheduleID)
}

// DuplicateIDError is the same ScheduleID submitted again with equivalent
// content — treated as success by the caller, never retried.
type DuplicateIDError struct {
	ScheduleID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate schedule_id %q (equivalent content)", e.ScheduleID)
}

// LeaseLostError is raised when a loop discovers mid-pass that its lease
// expired or was fenced by a newer epoch.
type LeaseLostError struct {
	LeaseName string
}

func (e *LeaseLostError) Error() string {
	return fmt.Sprintf("lease lost: %s", e.LeaseName)
}

// PublishTransientError comes from the downstream bus and is retried up
// to MAX_RETRIES with backoff.
type PublishTransientError struct {
	Err error
}

func (e *PublishTransientError) Error() string { return fmt.Sprintf("transient publish error: %v", e.Err) }
func (e *PublishTransientError) Unwrap() error { return e.Err }

// PublishPermanentError comes from the downstream bus and marks the entry
// failed without further retries.
type PublishPermanentError struct {
	Err error
}

func (e *PublishPermanentError) Error() string { return fmt.Sprintf("permanent publish error: %v", e.Err) }
func (e *PublishPermanentError) Unwrap() error { return e.Err }

// StaleEntryError marks an entry claimed past its max_delay_seconds
// tolerance; it is recorded as skipped and never republished.
type StaleEntryError struct {
	ScheduleID   string
	DelaySeconds float64
}

func (e *StaleEntryError) Error() string {
	return fmt.Sprintf("stale entry %s: delay %.1fs exceeds max_delay_seconds", e.ScheduleID, e.DelaySeconds)
}
