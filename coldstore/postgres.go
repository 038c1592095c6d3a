// Package coldstore implements the durable, bulk-cheap tier: a Postgres
// table keyed by (status, scheduled_at), range-partitioned by day, with
// conditional status-transition updates guarding every lifecycle move.
package coldstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/itskum47/horizonq/eventmodel"
	"github.com/itskum47/horizonq/observability"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Store is the Postgres-backed ColdStore.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pool against connString and verifies connectivity.
func New(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("coldstore: parse dsn: %w", err)
	}
	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("coldstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("coldstore: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Pool exposes the underlying connection pool so analytics can share it
// instead of opening a second one against the same database.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func observe(start time.Time) {
	observability.PostgresLatency.Observe(time.Since(start).Seconds())
}

// EnsurePartitions creates the day partitions for cold_events covering
// [from, to]. A real deployment runs this from a migration job; it is
// exposed here so tests and the binary can provision a fresh database.
func (s *Store) EnsurePartitions(ctx context.Context, from, to time.Time) error {
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		partName := fmt.Sprintf("cold_events_%s", d.Format("20060102"))
		next := d.AddDate(0, 0, 1)
		_, err := s.pool.Exec(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF cold_events FOR VALUES FROM ('%s') TO ('%s')`,
			partName, d.Format("2006-01-02"), next.Format("2006-01-02"),
		))
		if err != nil {
			return fmt.Errorf("coldstore: ensure partition %s: %w", partName, err)
		}
	}
	return nil
}

// Insert adds evt with status pending, idempotent on ScheduleID: a
// duplicate insert with equivalent content reports DuplicateIDError (a
// success signal, not a failure), a duplicate with different content
// returns ConflictError.
func (s *Store) Insert(ctx context.Context, evt *eventmodel.ScheduledEvent) error {
	defer observe(time.Now())

	headers, _ := json.Marshal(evt.Headers)
	query := `
		INSERT INTO cold_events
			(schedule_id, topic, entity_type, action, body, correlation_id, headers,
			 scheduled_at, priority, status, max_delay_seconds, retry_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'pending',$10,0,NOW(),NOW())
	`
	_, err := s.pool.Exec(ctx, query,
		evt.ScheduleID, evt.Topic, evt.EntityType, evt.Action, evt.Body, evt.CorrelationID, headers,
		evt.ScheduledAt, evt.Priority, evt.MaxDelaySeconds,
	)
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		existing, getErr := s.Get(ctx, evt.ScheduleID)
		if getErr != nil {
			return &eventmodel.TransientStoreError{Op: "coldstore.insert.get_existing", Err: getErr}
		}
		if existing != nil && evt.Equivalent(existing) {
			return &eventmodel.DuplicateIDError{ScheduleID: evt.ScheduleID}
		}
		return &eventmodel.ConflictError{ScheduleID: evt.ScheduleID}
	}
	return &eventmodel.TransientStoreError{Op: "coldstore.insert", Err: err}
}

// Get fetches a single row by ScheduleID, or nil if absent.
func (s *Store) Get(ctx context.Context, scheduleID string) (*eventmodel.ScheduledEvent, error) {
	query := `
		SELECT schedule_id, topic, entity_type, action, body, correlation_id, headers,
			scheduled_at, priority, status, max_delay_seconds, retry_count,
			created_at, updated_at, processing_started_at, node_id, error
		FROM cold_events WHERE schedule_id = $1
	`
	row := s.pool.QueryRow(ctx, query, scheduleID)
	evt, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &eventmodel.TransientStoreError{Op: "coldstore.get", Err: err}
	}
	return evt, nil
}

func scanEvent(row pgx.Row) (*eventmodel.ScheduledEvent, error) {
	var evt eventmodel.ScheduledEvent
	var headers []byte
	err := row.Scan(
		&evt.ScheduleID, &evt.Topic, &evt.EntityType, &evt.Action, &evt.Body, &evt.CorrelationID, &headers,
		&evt.ScheduledAt, &evt.Priority, &evt.Status, &evt.MaxDelaySeconds, &evt.RetryCount,
		&evt.CreatedAt, &evt.UpdatedAt, &evt.ProcessingStartedAt, &evt.NodeID, &evt.Error,
	)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		_ = json.Unmarshal(headers, &evt.Headers)
	}
	return &evt, nil
}

// ScanDueForTransfer returns pending entries whose scheduled_at falls
// within horizon of now, ordered by scheduled_at ascending then priority
// descending, so the soonest-to-fire entries promote first.
func (s *Store) ScanDueForTransfer(ctx context.Context, now time.Time, horizon time.Duration, limit int) ([]*eventmodel.ScheduledEvent, error) {
	defer observe(time.Now())

	query := `
		SELECT schedule_id, topic, entity_type, action, body, correlation_id, headers,
			scheduled_at, priority, status, max_delay_seconds, retry_count,
			created_at, updated_at, processing_started_at, node_id, error
		FROM cold_events
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC, priority DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, now.Add(horizon), limit)
	if err != nil {
		return nil, &eventmodel.TransientStoreError{Op: "coldstore.scan_due_for_transfer", Err: err}
	}
	defer rows.Close()

	var out []*eventmodel.ScheduledEvent
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, &eventmodel.TransientStoreError{Op: "coldstore.scan_due_for_transfer.scan", Err: err}
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// transition runs a guarded UPDATE moving from one expected status to
// another, returning false (no error) if the row's status had already
// changed out from under the caller.
func (s *Store) transition(ctx context.Context, scheduleID string, from, to eventmodel.Status, extra string, args ...interface{}) (bool, error) {
	defer observe(time.Now())

	query := fmt.Sprintf(`
		UPDATE cold_events SET status = $1, updated_at = NOW() %s
		WHERE schedule_id = $2 AND status = $3
	`, extra)
	fullArgs := append([]interface{}{to, scheduleID, from}, args...)
	tag, err := s.pool.Exec(ctx, query, fullArgs...)
	if err != nil {
		return false, &eventmodel.TransientStoreError{Op: "coldstore.transition", Err: err}
	}
	return tag.RowsAffected() > 0, nil
}

// MarkTransferring guards pending -> transferring, stamping node_id.
func (s *Store) MarkTransferring(ctx context.Context, scheduleID, nodeID string) (bool, error) {
	query := `
		UPDATE cold_events SET status = 'transferring', node_id = $1, updated_at = NOW()
		WHERE schedule_id = $2 AND status = 'pending'
	`
	tag, err := s.pool.Exec(ctx, query, nodeID, scheduleID)
	if err != nil {
		return false, &eventmodel.TransientStoreError{Op: "coldstore.mark_transferring", Err: err}
	}
	return tag.RowsAffected() > 0, nil
}

// FinalizeTransferred guards transferring -> succeeded. The cold row is
// retained for audit but the hot copy is now canonical; a later
// execution outcome lives only in the ExecutionRecord stream, never
// re-read back into this row.
func (s *Store) FinalizeTransferred(ctx context.Context, scheduleID string) (bool, error) {
	return s.transition(ctx, scheduleID, eventmodel.StatusTransferring, eventmodel.StatusSucceeded, "")
}

// RevertTransfer guards transferring -> pending, used when the hot
// insert fails after the cold row was marked transferring.
func (s *Store) RevertTransfer(ctx context.Context, scheduleID string) (bool, error) {
	query := `
		UPDATE cold_events SET status = 'pending', node_id = '', updated_at = NOW()
		WHERE schedule_id = $1 AND status = 'transferring'
	`
	tag, err := s.pool.Exec(ctx, query, scheduleID)
	if err != nil {
		return false, &eventmodel.TransientStoreError{Op: "coldstore.revert_transfer", Err: err}
	}
	return tag.RowsAffected() > 0, nil
}

// Cancel guards pending -> cancelled. The caller distinguishes not_found
// (no row at all) from too_late (row exists but isn't pending) from the
// two return values.
func (s *Store) Cancel(ctx context.Context, scheduleID string) (eventmodel.CancelOutcome, error) {
	ok, err := s.transition(ctx, scheduleID, eventmodel.StatusPending, eventmodel.StatusCancelled, "")
	if err != nil {
		return "", err
	}
	if ok {
		return eventmodel.CancelCancelled, nil
	}
	existing, err := s.Get(ctx, scheduleID)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return eventmodel.CancelNotFound, nil
	}
	return eventmodel.CancelTooLate, nil
}

// CleanupExpired removes terminal rows whose updated_at is older than
// retention, ttl being EXECUTION_HISTORY_TTL_DAYS worth of days.
func (s *Store) CleanupExpired(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	defer observe(time.Now())

	query := `
		DELETE FROM cold_events
		WHERE status IN ('succeeded', 'failed', 'cancelled')
		  AND updated_at < $1
	`
	tag, err := s.pool.Exec(ctx, query, now.Add(-retention))
	if err != nil {
		return 0, &eventmodel.TransientStoreError{Op: "coldstore.cleanup_expired", Err: err}
	}
	return tag.RowsAffected(), nil
}

// CountPending returns the total number of pending rows.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cold_events WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, &eventmodel.TransientStoreError{Op: "coldstore.count_pending", Err: err}
	}
	return n, nil
}

// IncrementDurableEpoch atomically increments and returns the epoch for
// a named fencing resource (e.g. a lease name), backing the durable half
// of the fencing-token scheme LockManager relies on.
func (s *Store) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `
		INSERT INTO lease_epochs (resource_id, epoch) VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE SET epoch = lease_epochs.epoch + 1
		RETURNING epoch
	`
	var epoch int64
	if err := s.pool.QueryRow(ctx, query, resourceID).Scan(&epoch); err != nil {
		return 0, &eventmodel.TransientStoreError{Op: "coldstore.increment_epoch", Err: err}
	}
	return epoch, nil
}

// GetDurableEpoch returns the current epoch for a resource without
// incrementing it, defaulting to 0 if the resource has never been used.
func (s *Store) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx, `SELECT epoch FROM lease_epochs WHERE resource_id = $1`, resourceID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, &eventmodel.TransientStoreError{Op: "coldstore.get_epoch", Err: err}
	}
	return epoch, nil
}
