package coordination

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// Janitor periodically sweeps every named lease for two failure modes an
// Elector's own loop cannot see from the outside: a holder fenced by a
// newer epoch (e.g. after a network partition heals) and a holder whose
// physical TTL expired without Redis reclaiming the key. Both are force
// released so the next contender can proceed immediately instead of
// waiting out Redis's own expiry.
type Janitor struct {
	manager  *LeaseManager
	epochs   EpochStore
	interval time.Duration
}

// NewJanitor builds a Janitor sweeping every interval.
func NewJanitor(manager *LeaseManager, epochs EpochStore, interval time.Duration) *Janitor {
	return &Janitor{manager: manager, epochs: epochs, interval: interval}
}

// Start launches the sweep loop until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *Janitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	names, err := j.manager.ScanNames(ctx)
	if err != nil {
		log.Printf("coordination: janitor scan failed: %v", err)
		return
	}

	for _, name := range names {
		value, err := j.manager.Get(ctx, name)
		if err != nil || value == "" {
			continue
		}

		var meta LeaseMetadata
		if err := json.Unmarshal([]byte(value), &meta); err != nil {
			log.Printf("coordination: janitor: malformed lease %s: %v", name, err)
			continue
		}

		currentEpoch, err := j.epochs.GetDurableEpoch(ctx, name)
		if err != nil {
			log.Printf("coordination: janitor: failed to read durable epoch for %s: %v", name, err)
			continue
		}

		if meta.Epoch < currentEpoch {
			log.Printf("coordination: janitor: fencing lease %s held at epoch %d, current is %d", name, meta.Epoch, currentEpoch)
			if err := j.manager.ForceRelease(ctx, name, value); err != nil {
				log.Printf("coordination: janitor: failed to release fenced lease %s: %v", name, err)
			}
			continue
		}

		if time.Now().After(meta.ExpiresAt.Add(5 * time.Second)) {
			log.Printf("coordination: janitor: reclaiming stale lease %s, expired at %s", name, meta.ExpiresAt)
			if err := j.manager.ForceRelease(ctx, name, value); err != nil {
				log.Printf("coordination: janitor: failed to release stale lease %s: %v", name, err)
			}
		}
	}
}
