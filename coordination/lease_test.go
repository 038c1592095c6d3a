package coordination

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// fakeEpochStore is an in-memory EpochStore standing in for
// coldstore.Store's durable counter.
type fakeEpochStore struct {
	mu     sync.Mutex
	epochs map[string]int64
}

func newFakeEpochStore() *fakeEpochStore {
	return &fakeEpochStore{epochs: make(map[string]int64)}
}

func (f *fakeEpochStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.epochs[resourceID]++
	return f.epochs[resourceID], nil
}

func (f *fakeEpochStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epochs[resourceID], nil
}

func newTestLeaseManager(t *testing.T) *LeaseManager {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLeaseManager(client, newFakeEpochStore())
}

func TestAcquireSecondContenderFails(t *testing.T) {
	lm := newTestLeaseManager(t)
	ctx := context.Background()

	epoch1, value1, ok1, err := lm.Acquire(ctx, "transfer-lease", "node-a", "lease-1", time.Minute)
	if err != nil || !ok1 {
		t.Fatalf("first acquire should succeed: ok=%v err=%v", ok1, err)
	}
	if epoch1 != 1 {
		t.Errorf("expected epoch 1 on first acquire, got %d", epoch1)
	}

	_, _, ok2, err := lm.Acquire(ctx, "transfer-lease", "node-b", "lease-2", time.Minute)
	if err != nil {
		t.Fatalf("second acquire errored: %v", err)
	}
	if ok2 {
		t.Fatal("a second contender must not acquire an already-held lease")
	}

	if err := lm.Release(ctx, "transfer-lease", value1); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, _, ok3, err := lm.Acquire(ctx, "transfer-lease", "node-b", "lease-3", time.Minute)
	if err != nil || !ok3 {
		t.Fatalf("acquire after release should succeed: ok=%v err=%v", ok3, err)
	}
}

func TestRenewFailsForStaleValue(t *testing.T) {
	lm := newTestLeaseManager(t)
	ctx := context.Background()

	_, value, ok, err := lm.Acquire(ctx, "cleanup-lease", "node-a", "lease-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	renewed, err := lm.Renew(ctx, "cleanup-lease", value, time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !renewed {
		t.Fatal("renew with the current holder's value should succeed")
	}

	renewed, err = lm.Renew(ctx, "cleanup-lease", "stale-value", time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if renewed {
		t.Fatal("renew with a stale value must fail, never extend someone else's fence")
	}
}

func TestReleaseOnlyRemovesMatchingHolder(t *testing.T) {
	lm := newTestLeaseManager(t)
	ctx := context.Background()

	_, value, ok, _ := lm.Acquire(ctx, "transfer-lease", "node-a", "lease-1", time.Minute)
	if !ok {
		t.Fatal("acquire failed")
	}

	if err := lm.Release(ctx, "transfer-lease", "not-the-real-value"); err != nil {
		t.Fatalf("release: %v", err)
	}
	held, err := lm.Get(ctx, "transfer-lease")
	if err != nil {
		t.Fatal(err)
	}
	if held == "" {
		t.Fatal("release with a mismatched value must not delete the real lease")
	}

	if err := lm.Release(ctx, "transfer-lease", value); err != nil {
		t.Fatalf("release: %v", err)
	}
	held, err = lm.Get(ctx, "transfer-lease")
	if err != nil {
		t.Fatal(err)
	}
	if held != "" {
		t.Fatal("release with the matching value must delete the lease")
	}
}

func TestElectorBecomesLeaderAndStepsDownOnStop(t *testing.T) {
	lm := newTestLeaseManager(t)
	elector := NewElector(lm, "transfer-lease", "node-a", 100*time.Millisecond)

	elected := make(chan struct{}, 1)
	lost := make(chan struct{}, 1)
	elector.SetCallbacks(func(ctx context.Context) {
		select {
		case elected <- struct{}{}:
		default:
		}
	}, func() {
		select {
		case lost <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	elector.Start(ctx)

	select {
	case <-elected:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the sole contender to become leader")
	}
	if !elector.IsLeader() {
		t.Fatal("expected IsLeader() true after election")
	}
	if elector.Epoch() == 0 {
		t.Error("expected a nonzero fencing epoch after election")
	}

	elector.Stop()
	if elector.IsLeader() {
		t.Error("expected IsLeader() false after Stop")
	}
}

func TestOnlyOneOfTwoContendersBecomesLeader(t *testing.T) {
	lm := newTestLeaseManager(t)
	a := NewElector(lm, "transfer-lease", "node-a", 200*time.Millisecond)
	b := NewElector(lm, "transfer-lease", "node-b", 200*time.Millisecond)

	var mu sync.Mutex
	leaders := map[string]bool{}
	makeCallback := func(name string) (func(context.Context), func()) {
		return func(ctx context.Context) {
				mu.Lock()
				leaders[name] = true
				mu.Unlock()
			}, func() {
				mu.Lock()
				leaders[name] = false
				mu.Unlock()
			}
	}
	onA, offA := makeCallback("a")
	onB, offB := makeCallback("b")
	a.SetCallbacks(onA, offA)
	b.SetCallbacks(onB, offB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	b.Start(ctx)
	defer a.Stop()
	defer b.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.IsLeader() || b.IsLeader() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if a.IsLeader() && b.IsLeader() {
		t.Fatal("exactly one contender must hold the lease, never both")
	}
	if !a.IsLeader() && !b.IsLeader() {
		t.Fatal("expected exactly one contender to become leader")
	}
}
