package rewards

import (
	"time"

	"github.com/canopy-network/engagex/pkg/engagement"
	"github.com/shopspring/decimal"
)

const ParticipantsTableName = "participants"

// Participant is a tracked account earning rewards for platform activity.
// TotalBalance only moves through the ledger; Rank only through the rank engine.
type Participant struct {
	ID                string           `json:"id"`
	ExternalAccountID string           `json:"external_account_id"`
	FollowerCount     int64            `json:"follower_count"`
	Verified          bool             `json:"verified"`
	TotalBalance      decimal.Decimal  `json:"total_balance"`
	CurrentTier       *engagement.Tier `json:"current_tier,omitempty"`
	Rank              *int64           `json:"rank,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// BalanceSnapshot is one row of a rank pass read.
type BalanceSnapshot struct {
	ParticipantID string
	Balance       decimal.Decimal
}

// RankAssignment is one row written back by a rank pass.
type RankAssignment struct {
	ParticipantID string          `json:"participant_id"`
	Rank          int64           `json:"rank"`
	Balance       decimal.Decimal `json:"balance"`
}
