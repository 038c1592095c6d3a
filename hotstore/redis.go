// Package hotstore implements the near-term tier: a Redis sorted set
// keyed by fire-time score, with the event payload in a companion hash
// and claim implemented as a single atomic Lua script.
package hotstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/itskum47/horizonq/eventmodel"
	"github.com/itskum47/horizonq/observability"
	"github.com/redis/go-redis/v9"
)

const (
	zsetKey = "horizonq:hot:index"
	// priorityWeight is small enough that the full int8 priority range
	// (255 steps) spans less than one second, so priority never reorders
	// entries scheduled on different whole seconds but breaks ties within
	// the same second.
	priorityWeight = int64(time.Second/time.Microsecond) / 256
)

func eventKey(scheduleID string) string {
	return "horizonq:hot:event:" + scheduleID
}

// Store is the Redis-backed HotStore.
type Store struct {
	client *redis.Client

	claimSHA   string
	releaseSHA string
	cancelSHA  string
}

// New connects to Redis and preloads the Lua scripts used for atomic
// claim/release/cancel, avoiding a script-text round trip per call.
func New(addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("hotstore: connect: %w", err)
	}

	s := &Store{client: client}
	if err := s.preloadScripts(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) preloadScripts(ctx context.Context) error {
	var err error
	s.claimSHA, err = s.client.ScriptLoad(ctx, claimScript).Result()
	if err != nil {
		return fmt.Errorf("hotstore: preload claim script: %w", err)
	}
	s.releaseSHA, err = s.client.ScriptLoad(ctx, releaseScript).Result()
	if err != nil {
		return fmt.Errorf("hotstore: preload release script: %w", err)
	}
	s.cancelSHA, err = s.client.ScriptLoad(ctx, cancelScript).Result()
	if err != nil {
		return fmt.Errorf("hotstore: preload cancel script: %w", err)
	}
	return nil
}

func score(scheduledAt time.Time, priority int8) float64 {
	return float64(scheduledAt.UnixMicro() - int64(priority)*priorityWeight)
}

func observe(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// Add inserts evt if absent. If an entry with the same ScheduleID already
// exists, Add is a no-op (beyond reporting DuplicateIDError) when the
// content is equivalent, and returns ConflictError otherwise.
func (s *Store) Add(ctx context.Context, evt *eventmodel.ScheduledEvent) error {
	defer observe(time.Now())

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("hotstore: marshal: %w", err)
	}

	existing, err := s.client.Get(ctx, eventKey(evt.ScheduleID)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return &eventmodel.TransientStoreError{Op: "hotstore.add.get", Err: err}
	}
	if err == nil {
		var prior eventmodel.ScheduledEvent
		if jsonErr := json.Unmarshal(existing, &prior); jsonErr == nil {
			if evt.Equivalent(&prior) {
				return &eventmodel.DuplicateIDError{ScheduleID: evt.ScheduleID}
			}
			return &eventmodel.ConflictError{ScheduleID: evt.ScheduleID}
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, eventKey(evt.ScheduleID), data, 0)
	pipe.ZAdd(ctx, zsetKey, redis.Z{Score: score(evt.ScheduledAt, evt.Priority), Member: evt.ScheduleID})
	if _, err := pipe.Exec(ctx); err != nil {
		return &eventmodel.TransientStoreError{Op: "hotstore.add", Err: err}
	}
	return nil
}

// PeekDue returns up to limit entries whose score is <= now, ordered by
// score ascending (earliest fire-time, priority-broken, first).
func (s *Store) PeekDue(ctx context.Context, now time.Time, limit int64) ([]*eventmodel.ScheduledEvent, error) {
	defer observe(time.Now())

	ids, err := s.client.ZRangeByScore(ctx, zsetKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMicro()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, &eventmodel.TransientStoreError{Op: "hotstore.peek_due", Err: err}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = eventKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, &eventmodel.TransientStoreError{Op: "hotstore.peek_due.mget", Err: err}
	}

	out := make([]*eventmodel.ScheduledEvent, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // member present in index but hash expired/missing; reaper-adjacent skew, ignore
		}
		var evt eventmodel.ScheduledEvent
		if err := json.Unmarshal([]byte(str), &evt); err != nil {
			continue
		}
		out = append(out, &evt)
	}
	return out, nil
}

// claimScript atomically transitions a pending entry to processing,
// returning the updated JSON, or nil if the entry is missing or not
// pending (already claimed by another node).
const claimScript = `
local key = KEYS[1]
local raw = redis.call("GET", key)
if not raw then
    return nil
end
local evt = cjson.decode(raw)
if evt.status ~= "pending" then
    return nil
end
evt.status = "processing"
evt.processing_started_at = ARGV[2]
evt.node_id = ARGV[1]
local updated = cjson.encode(evt)
redis.call("SET", key, updated)
return updated
`

// Claim atomically moves an entry from pending to processing. Returns
// nil, nil if another node already claimed it or it no longer exists.
func (s *Store) Claim(ctx context.Context, scheduleID, nodeID string, now time.Time) (*eventmodel.ScheduledEvent, error) {
	defer observe(time.Now())

	res, err := s.evalClaim(ctx, scheduleID, nodeID, now)
	if err != nil {
		return nil, &eventmodel.TransientStoreError{Op: "hotstore.claim", Err: err}
	}
	if res == nil {
		return nil, nil
	}
	var evt eventmodel.ScheduledEvent
	if err := json.Unmarshal([]byte(res.(string)), &evt); err != nil {
		return nil, fmt.Errorf("hotstore: claim unmarshal: %w", err)
	}
	return &evt, nil
}

func (s *Store) evalClaim(ctx context.Context, scheduleID, nodeID string, now time.Time) (interface{}, error) {
	nowStr := now.Format(time.RFC3339Nano)
	res, err := s.client.EvalSha(ctx, s.claimSHA, []string{eventKey(scheduleID)}, nodeID, nowStr).Result()
	if isNoScript(err) {
		s.claimSHA, _ = s.client.ScriptLoad(ctx, claimScript).Result()
		res, err = s.client.EvalSha(ctx, s.claimSHA, []string{eventKey(scheduleID)}, nodeID, nowStr).Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func isNoScript(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}

// releaseScript removes the entry for succeeded/failed, or rewrites its
// score and resets status to pending for requeue.
const releaseScript = `
local key = KEYS[1]
local zkey = KEYS[2]
local kind = ARGV[1]
if kind == "succeeded" or kind == "failed" then
    redis.call("DEL", key)
    redis.call("ZREM", zkey, ARGV[4])
    return 1
end
local raw = redis.call("GET", key)
if not raw then
    return 0
end
local evt = cjson.decode(raw)
evt.status = "pending"
evt.processing_started_at = cjson.null
evt.node_id = ""
evt.retry_count = tonumber(ARGV[3])
redis.call("SET", key, cjson.encode(evt))
redis.call("ZADD", zkey, ARGV[2], ARGV[4])
return 1
`

// Release applies the outcome of an execution attempt: succeeded/failed
// remove the hot-tier copy; requeue rewrites score to now+delay and
// resets status to pending with the updated retry count.
func (s *Store) Release(ctx context.Context, scheduleID string, outcome eventmodel.ReleaseOutcome, newScheduledAt time.Time, priority int8, retryCount int) error {
	defer observe(time.Now())

	newScore := score(newScheduledAt, priority)
	_, err := s.client.EvalSha(ctx, s.releaseSHA,
		[]string{eventKey(scheduleID), zsetKey},
		string(outcome.Kind), fmt.Sprintf("%f", newScore), retryCount, scheduleID,
	).Result()
	if isNoScript(err) {
		s.releaseSHA, _ = s.client.ScriptLoad(ctx, releaseScript).Result()
		_, err = s.client.EvalSha(ctx, s.releaseSHA,
			[]string{eventKey(scheduleID), zsetKey},
			string(outcome.Kind), fmt.Sprintf("%f", newScore), retryCount, scheduleID,
		).Result()
	}
	if err != nil {
		return &eventmodel.TransientStoreError{Op: "hotstore.release", Err: err}
	}
	return nil
}

// cancelScript removes the entry only if it is still pending.
const cancelScript = `
local key = KEYS[1]
local zkey = KEYS[2]
local raw = redis.call("GET", key)
if not raw then
    return 0
end
local evt = cjson.decode(raw)
if evt.status ~= "pending" then
    return -1
end
redis.call("DEL", key)
redis.call("ZREM", zkey, ARGV[1])
return 1
`

// Cancel removes the entry if present and still pending. Returns the
// outcome distinguishing not-found from too-late (already processing).
func (s *Store) Cancel(ctx context.Context, scheduleID string) (eventmodel.CancelOutcome, error) {
	defer observe(time.Now())

	res, err := s.client.EvalSha(ctx, s.cancelSHA, []string{eventKey(scheduleID), zsetKey}, scheduleID).Result()
	if isNoScript(err) {
		s.cancelSHA, _ = s.client.ScriptLoad(ctx, cancelScript).Result()
		res, err = s.client.EvalSha(ctx, s.cancelSHA, []string{eventKey(scheduleID), zsetKey}, scheduleID).Result()
	}
	if err != nil {
		return "", &eventmodel.TransientStoreError{Op: "hotstore.cancel", Err: err}
	}
	switch v := res.(int64); v {
	case 1:
		return eventmodel.CancelCancelled, nil
	case -1:
		return eventmodel.CancelTooLate, nil
	default:
		return eventmodel.CancelNotFound, nil
	}
}

// CountPending returns the total number of entries in the hot tier.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, zsetKey).Result()
	if err != nil {
		return 0, &eventmodel.TransientStoreError{Op: "hotstore.count_pending", Err: err}
	}
	return n, nil
}

// CountDue returns the number of entries due at or before now.
func (s *Store) CountDue(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.client.ZCount(ctx, zsetKey, "-inf", fmt.Sprintf("%d", now.UnixMicro())).Result()
	if err != nil {
		return 0, &eventmodel.TransientStoreError{Op: "hotstore.count_due", Err: err}
	}
	return n, nil
}

// ScanStaleProcessing returns ScheduleIDs of entries whose status is
// processing and whose processing_started_at is older than staleAfter.
// Used by the HotLoop reaper.
func (s *Store) ScanStaleProcessing(ctx context.Context, now time.Time, staleAfter time.Duration) ([]string, error) {
	ids, err := s.client.ZRange(ctx, zsetKey, 0, -1).Result()
	if err != nil {
		return nil, &eventmodel.TransientStoreError{Op: "hotstore.scan_stale.zrange", Err: err}
	}
	var stale []string
	for _, id := range ids {
		raw, err := s.client.Get(ctx, eventKey(id)).Bytes()
		if err != nil {
			continue
		}
		var evt eventmodel.ScheduledEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			continue
		}
		if evt.Status != eventmodel.StatusProcessing || evt.ProcessingStartedAt == nil {
			continue
		}
		if now.Sub(*evt.ProcessingStartedAt) > staleAfter {
			stale = append(stale, id)
		}
	}
	return stale, nil
}

// RevertStale reverts a single stale-processing entry back to pending in
// place (same score it had before claim), best-effort.
func (s *Store) RevertStale(ctx context.Context, scheduleID string) error {
	key := eventKey(scheduleID)
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return &eventmodel.TransientStoreError{Op: "hotstore.revert_stale.get", Err: err}
	}
	var evt eventmodel.ScheduledEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return fmt.Errorf("hotstore: revert_stale unmarshal: %w", err)
	}
	if evt.Status != eventmodel.StatusProcessing {
		return nil
	}
	evt.Status = eventmodel.StatusPending
	evt.ProcessingStartedAt = nil
	evt.NodeID = ""
	data, _ := json.Marshal(evt)
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return &eventmodel.TransientStoreError{Op: "hotstore.revert_stale.set", Err: err}
	}
	return nil
}

// Close releases the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client exposes the underlying Redis client so coordination can share
// the same connection for leases instead of opening a second one.
func (s *Store) Client() *redis.Client {
	return s.client
}
