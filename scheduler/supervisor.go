package scheduler

import (
	"context"
	"time"

	"github.com/itskum47/horizonq/coordination"
)

// Supervisor owns the three background duties a node runs: HotLoop
// (always on, needs no lease since Claim is the mutual-exclusion point),
// TransferLoop's promotion pass (guarded by the transfer-lease) and its
// cleanup pass (guarded by the cleanup-lease, independently so the two
// duties can live on different nodes).
type Supervisor struct {
	hotLoop      *HotLoop
	transferLoop *TransferLoop

	transferElector *coordination.Elector
	cleanupElector  *coordination.Elector

	cancel context.CancelFunc
}

// NewSupervisor wires hotLoop and transferLoop to their electors.
// transferLeaseTTL should be CLICKHOUSE_SYNC_INTERVAL x 2 per spec.md
// §4.4; cleanupLeaseTTL is independent (spec.md default ~1 minute) since
// the two duties may be held by different nodes.
func NewSupervisor(manager *coordination.LeaseManager, hotLoop *HotLoop, transferLoop *TransferLoop, nodeID string, transferLeaseTTL, cleanupLeaseTTL time.Duration) *Supervisor {
	s := &Supervisor{hotLoop: hotLoop, transferLoop: transferLoop}

	s.transferElector = coordination.NewElector(manager, "transfer-lease", nodeID, transferLeaseTTL)
	s.transferElector.SetCallbacks(
		func(ctx context.Context) { transferLoop.Run(ctx) },
		func() {},
	)

	s.cleanupElector = coordination.NewElector(manager, "cleanup-lease", nodeID, cleanupLeaseTTL)
	s.cleanupElector.SetCallbacks(
		func(ctx context.Context) { transferLoop.RunCleanup(ctx) },
		func() {},
	)

	return s
}

// Start launches HotLoop unconditionally and begins contending for both
// leases.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.hotLoop.Run(ctx)
	s.transferElector.Start(ctx)
	s.cleanupElector.Start(ctx)
}

// Stop halts HotLoop and releases any leases this node holds.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.transferElector.Stop()
	s.cleanupElector.Stop()
}

// IsTransferLeader reports whether this node currently runs TransferLoop.
func (s *Supervisor) IsTransferLeader() bool {
	return s.transferElector.IsLeader()
}

// IsCleanupLeader reports whether this node currently runs the cleanup pass.
func (s *Supervisor) IsCleanupLeader() bool {
	return s.cleanupElector.IsLeader()
}
