package scheduler

import (
	"time"

	"github.com/itskum47/horizonq/eventmodel"
)

// Route is the pure routing decision: an event whose delay until firing
// falls within horizon lands in the hot tier, everything farther out
// lands in the cold tier. An event already past due (delay <= 0) always
// routes hot; its score is already at or below now, so it is due on the
// next HotLoop tick rather than waiting for a transfer pass. No extra
// priority boost is applied to it: among due entries it is ordered by
// its own score. A delay exactly equal to horizon routes hot.
func Route(scheduledAt, now time.Time, horizon time.Duration) eventmodel.Tier {
	delay := scheduledAt.Sub(now)
	if delay <= horizon {
		return eventmodel.TierHot
	}
	return eventmodel.TierCold
}
