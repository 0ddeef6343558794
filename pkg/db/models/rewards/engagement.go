package rewards

import (
	"time"

	"github.com/canopy-network/engagex/pkg/engagement"
	"github.com/shopspring/decimal"
)

const (
	EngagementsTableName    = "engagements"
	BalanceHistoryTableName = "balance_history"
)

// EngagementRecord is an accepted engagement. (ParticipantID, ExternalItemID, Kind) is unique.
type EngagementRecord struct {
	ID             int64           `json:"id"`
	ParticipantID  string          `json:"participant_id"`
	ExternalItemID string          `json:"external_item_id"`
	Kind           engagement.Kind `json:"kind"`
	RewardAmount   decimal.Decimal `json:"reward_amount"`
	OccurredAt     time.Time       `json:"occurred_at"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// HistoryEntry records a balance movement and the balance after it.
type HistoryEntry struct {
	ID             int64           `json:"id"`
	ParticipantID  string          `json:"participant_id"`
	EngagementID   int64           `json:"engagement_id"`
	Kind           engagement.Kind `json:"kind"`
	ExternalItemID string          `json:"external_item_id"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	CreatedAt      time.Time       `json:"created_at"`
}
