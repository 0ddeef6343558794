package monitor

import (
	"time"

	"github.com/canopy-network/engagex/pkg/db/models/rewards"
	"github.com/canopy-network/engagex/pkg/engagement"
)

// BonusPolicy controls tier bonus emission.
type BonusPolicy struct {
	// Window is the minimum spacing between two bonuses of one participant.
	Window time.Duration
	// OnFirst awards a bonus on the very first classification of a participant.
	OnFirst bool
}

// shouldAwardBonus decides whether a cycle that classified a participant as tier pays a bonus.
//
// A bonus inside the window blocks any further bonus, whatever the tier does. Once the window
// has elapsed the next classification pays again even when the tier is unchanged, so a
// participant that has been paid once keeps receiving one bonus per window for as long as it is
// monitored. A participant that never received a bonus is paid on a tier transition, or on first
// classification when OnFirst is set.
func shouldAwardBonus(latest *rewards.TierBonusRecord, storedTier *engagement.Tier, tier engagement.Tier, now time.Time, p BonusPolicy) bool {
	switch {
	case latest != nil:
		return now.Sub(latest.AwardedAt) >= p.Window
	case storedTier == nil:
		return p.OnFirst
	default:
		return *storedTier != tier
	}
}
