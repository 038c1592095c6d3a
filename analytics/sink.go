// Package analytics implements the append-only execution record sink:
// one record per firing attempt, batched and flushed best-effort so a
// slow or unavailable analytics store never blocks the execution path.
package analytics

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/itskum47/horizonq/eventmodel"
	"github.com/itskum47/horizonq/observability"
	"github.com/itskum47/horizonq/resilience"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sink buffers ExecutionRecords and flushes them to Postgres either when
// the buffer reaches batchSize or flushInterval elapses, whichever comes
// first. A flush failure is logged and the batch moved into a bounded
// overflow buffer (drop-oldest once full) that the next flush replays;
// the failure never propagates back to the caller, since analytics is
// advisory.
type Sink struct {
	pool          *pgxpool.Pool
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	buffer  []eventmodel.ExecutionRecord
	overflow *resilience.BoundedBuffer[eventmodel.ExecutionRecord]

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Sink writing to pool's execution_records table.
func New(pool *pgxpool.Pool, batchSize int, flushInterval time.Duration) *Sink {
	return &Sink{
		pool:          pool,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		overflow:      resilience.NewBoundedBuffer[eventmodel.ExecutionRecord](10_000),
	}
}

// Start launches the periodic flush loop. Call Stop to drain and halt it.
func (s *Sink) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop cancels the flush loop and waits for the final flush to complete.
func (s *Sink) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sink) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush(context.Background())
			return
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

// Record enqueues one ExecutionRecord, flushing immediately if the
// buffer has reached batchSize. Never blocks on the store.
func (s *Sink) Record(rec eventmodel.ExecutionRecord) {
	s.mu.Lock()
	s.buffer = append(s.buffer, rec)
	full := len(s.buffer) >= s.batchSize
	s.mu.Unlock()

	if full {
		go s.flush(context.Background())
	}
}

func (s *Sink) flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	// Re-attempt anything that was buffered during a prior outage first,
	// so ordering within a node's flush history stays roughly FIFO.
	if replay := s.overflow.Drain(); len(replay) > 0 {
		batch = append(replay, batch...)
	}

	if err := s.write(ctx, batch); err != nil {
		log.Printf("analytics: flush failed, buffering %d records for retry: %v", len(batch), err)
		observability.AnalyticsFlushFailures.Inc()
		for _, rec := range batch {
			s.overflow.Push(rec)
		}
	}
}

func (s *Sink) write(ctx context.Context, batch []eventmodel.ExecutionRecord) error {
	if s.pool == nil {
		return nil
	}
	rows := make([][]interface{}, len(batch))
	for i, r := range batch {
		rows[i] = []interface{}{
			r.ExecutionID, r.ScheduleID, r.CorrelationID, r.Topic, r.EntityType, r.Action,
			r.ScheduledAt, r.ExecutedAt, r.DelaySeconds, r.Status, r.ErrorMessage,
			r.RetryCount, r.ProcessingTimeMs, r.NodeID,
		}
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"execution_records"},
		[]string{
			"execution_id", "schedule_id", "correlation_id", "topic", "entity_type", "action",
			"scheduled_at", "executed_at", "delay_seconds", "status", "error_message",
			"retry_count", "processing_time_ms", "node_id",
		},
		pgx.CopyFromRows(rows),
	)
	return err
}
