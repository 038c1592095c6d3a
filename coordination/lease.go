// Package coordination implements fenced, named leases over Redis: the
// single-flight guarantee the TransferLoop and cleanup duties need so
// exactly one node runs each at a time, with a monotonic epoch (backed
// by Postgres) carried along so a node that loses its lease mid-run can
// tell its in-flight work is no longer authoritative.
package coordination

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itskum47/horizonq/observability"
	"github.com/redis/go-redis/v9"
)

const leaseKeyPrefix = "horizonq:lease:"

// EpochStore is the durable, monotonic epoch counter a LeaseManager
// fences against. coldstore.Store satisfies it.
type EpochStore interface {
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)
}

// LeaseMetadata is the JSON payload stored as the Redis value for a held
// lease, used both to identify the current holder on renew/release and
// to let the Janitor reason about fencing and staleness.
type LeaseMetadata struct {
	Name      string    `json:"name"`
	OwnerNode string    `json:"owner_node"`
	Epoch     int64     `json:"epoch"`
	LeaseID   string    `json:"lease_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LeaseManager acquires, renews and releases named leases directly
// against a Redis client, fencing every acquire through EpochStore so a
// durable epoch survives a full Redis flush.
type LeaseManager struct {
	redis  *redis.Client
	epochs EpochStore
}

// NewLeaseManager builds a LeaseManager over client, fencing against
// epochs.
func NewLeaseManager(client *redis.Client, epochs EpochStore) *LeaseManager {
	return &LeaseManager{redis: client, epochs: epochs}
}

func leaseID(name string) string {
	return leaseKeyPrefix + name
}

// Acquire attempts to take the named lease for nodeID, returning the
// fencing epoch assigned if successful. The epoch always advances even
// on a failed acquire, since it is drawn from the durable counter before
// the Redis SETNX is attempted.
func (m *LeaseManager) Acquire(ctx context.Context, name, nodeID, leaseID string, ttl time.Duration) (epoch int64, value string, ok bool, err error) {
	epoch, err = m.epochs.IncrementDurableEpoch(ctx, name)
	if err != nil {
		return 0, "", false, err
	}

	meta := LeaseMetadata{
		Name:      name,
		OwnerNode: nodeID,
		Epoch:     epoch,
		LeaseID:   leaseID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return epoch, "", false, err
	}
	value = string(encoded)

	acquired, err := m.redis.SetNX(ctx, leaseKeyPrefix+name, value, ttl).Result()
	if err != nil {
		return epoch, "", false, err
	}
	return epoch, value, acquired, nil
}

// Renew extends ttl on the named lease only if value still matches the
// current holder, so a node that already lost the lease cannot
// accidentally reacquire it by renewing a stale copy.
func (m *LeaseManager) Renew(ctx context.Context, name, value string, ttl time.Duration) (bool, error) {
	script := `
		local val = redis.call("get", KEYS[1])
		if val == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`
	res, err := m.redis.Eval(ctx, script, []string{leaseKeyPrefix + name}, value, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Release deletes the named lease only if value still matches the
// current holder.
func (m *LeaseManager) Release(ctx context.Context, name, value string) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`
	_, err := m.redis.Eval(ctx, script, []string{leaseKeyPrefix + name}, value).Result()
	return err
}

// ForceRelease deletes the named lease if its stored value is still the
// one the Janitor inspected, used by the Janitor once it has
// independently decided that holder is fenced or stale. A lease taken
// over by a new holder in the meantime is left in place.
func (m *LeaseManager) ForceRelease(ctx context.Context, name, value string) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`
	_, err := m.redis.Eval(ctx, script, []string{leaseKeyPrefix + name}, value).Result()
	return err
}

// Get returns the raw metadata value currently stored for name, or ""
// if unheld.
func (m *LeaseManager) Get(ctx context.Context, name string) (string, error) {
	val, err := m.redis.Get(ctx, leaseKeyPrefix+name).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// ScanNames returns the bare lease names (without prefix) currently
// present in Redis, for the Janitor's sweep.
func (m *LeaseManager) ScanNames(ctx context.Context) ([]string, error) {
	var names []string
	iter := m.redis.Scan(ctx, 0, leaseKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		names = append(names, iter.Val()[len(leaseKeyPrefix):])
	}
	return names, iter.Err()
}

type fencingKey string

const fencingEpochKey fencingKey = "horizonq_fencing_epoch"

// WithEpoch attaches a fencing epoch to ctx so code deep in a call chain
// running under a lease (e.g. TransferLoop's promotion or cleanup pass)
// can check whether it is still running under the epoch that authorized
// it.
func WithEpoch(ctx context.Context, epoch int64) context.Context {
	return context.WithValue(ctx, fencingEpochKey, epoch)
}

// EpochFromContext extracts the fencing epoch WithEpoch attached, if any.
func EpochFromContext(ctx context.Context) (int64, bool) {
	val := ctx.Value(fencingEpochKey)
	if val == nil {
		return 0, false
	}
	epoch, ok := val.(int64)
	return epoch, ok
}

// Elector runs the acquire/renew/release loop for a single named lease,
// invoking onElected with a fenced, cancellable context when this node
// becomes the holder and onLost when it stops being one (renew failure,
// explicit Stop, or step-down). Each duty that needs single-flight
// execution (TransferLoop, the cleanup tick) gets its own Elector over
// its own lease name so the two duties can be held by different nodes.
type Elector struct {
	manager *LeaseManager
	name    string
	nodeID  string
	ttl     time.Duration

	onElected func(context.Context)
	onLost    func()

	mu           sync.RWMutex
	isLeader     bool
	currentValue string
	currentEpoch int64
	leaderCtx    context.Context
	leaderCancel context.CancelFunc

	cancel context.CancelFunc
}

// NewElector builds an Elector contending for the named lease.
func NewElector(manager *LeaseManager, name, nodeID string, ttl time.Duration) *Elector {
	return &Elector{manager: manager, name: name, nodeID: nodeID, ttl: ttl}
}

// SetCallbacks registers the hold/lose hooks. Must be called before Start.
func (e *Elector) SetCallbacks(onElected func(context.Context), onLost func()) {
	e.onElected = onElected
	e.onLost = onLost
}

// Start launches the contend loop until ctx is cancelled or Stop is called.
func (e *Elector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.loop(ctx)
}

// Stop ends the contend loop and releases the lease if held.
func (e *Elector) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.IsLeader() {
		e.release()
		e.stepDown()
	}
}

// IsLeader reports whether this node currently holds the lease.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// Epoch returns the fencing epoch assigned at the most recent acquire.
func (e *Elector) Epoch() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentEpoch
}

func (e *Elector) loop(ctx context.Context) {
	interval := e.ttl / 3
	minInterval := interval
	maxInterval := 10 * e.ttl

	renewFailures := 0
	const maxRenewFailures = 3

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.IsLeader() {
				e.release()
			}
			return
		case <-timer.C:
			var err error
			if e.IsLeader() {
				var renewed bool
				renewed, err = e.renew(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						e.stepDown()
					}
				} else {
					renewFailures++
					if renewFailures >= maxRenewFailures {
						e.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = e.acquire(ctx)
				if err == nil && acquired {
					e.becomeLeader()
					renewFailures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (e *Elector) acquire(ctx context.Context) (bool, error) {
	epoch, value, ok, err := e.manager.Acquire(ctx, e.name, e.nodeID, uuid.NewString(), e.ttl)
	if err != nil {
		return false, err
	}
	if ok {
		e.mu.Lock()
		e.currentValue = value
		e.currentEpoch = epoch
		e.mu.Unlock()
	}
	return ok, nil
}

func (e *Elector) renew(ctx context.Context) (bool, error) {
	e.mu.RLock()
	value := e.currentValue
	e.mu.RUnlock()
	if value == "" {
		return false, nil
	}
	return e.manager.Renew(ctx, e.name, value, e.ttl)
}

func (e *Elector) release() {
	e.mu.RLock()
	value := e.currentValue
	e.mu.RUnlock()
	if value == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.manager.Release(ctx, e.name, value)
}

func (e *Elector) becomeLeader() {
	e.mu.Lock()
	e.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	e.leaderCancel = cancel
	e.leaderCtx = WithEpoch(ctx, e.currentEpoch)
	epoch := e.currentEpoch
	e.mu.Unlock()

	observability.LeaseEpoch.WithLabelValues(e.name, e.nodeID).Set(float64(epoch))
	observability.LeaseTransitions.WithLabelValues(e.name, e.nodeID, "acquired").Inc()

	if e.onElected != nil {
		go e.onElected(e.leaderCtx)
	}
}

func (e *Elector) stepDown() {
	e.mu.Lock()
	if !e.isLeader {
		e.mu.Unlock()
		return
	}
	e.isLeader = false
	if e.leaderCancel != nil {
		e.leaderCancel()
	}
	e.mu.Unlock()

	observability.LeaseTransitions.WithLabelValues(e.name, e.nodeID, "lost").Inc()

	if e.onLost != nil {
		e.onLost()
	}
}
