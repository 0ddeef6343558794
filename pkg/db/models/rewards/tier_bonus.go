package rewards

import (
	"time"

	"github.com/canopy-network/engagex/pkg/engagement"
	"github.com/shopspring/decimal"
)

const TierBonusesTableName = "tier_bonuses"

type TierBonusRecord struct {
	ID            int64           `json:"id"`
	ParticipantID string          `json:"participant_id"`
	TierAtAward   engagement.Tier `json:"tier_at_award"`
	BonusAmount   decimal.Decimal `json:"bonus_amount"`
	AwardedAt     time.Time       `json:"awarded_at"`
}
