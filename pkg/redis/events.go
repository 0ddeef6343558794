package redis

import (
	"context"
	"time"

	"github.com/canopy-network/engagex/pkg/db/models/rewards"
	"github.com/canopy-network/engagex/pkg/engagement"
	"github.com/canopy-network/engagex/pkg/rank"
	"github.com/shopspring/decimal"
)

// Pub/Sub channels and the durable balance stream.
const (
	ChannelBalance = "engagex:balance"
	ChannelTier    = "engagex:tier"
	ChannelRanks   = "engagex:ranks"

	StreamBalance = "engagex:balance:stream"
)

type BalanceEvent struct {
	ParticipantID  string          `json:"participant_id"`
	HistoryID      int64           `json:"history_id"`
	Kind           engagement.Kind `json:"kind"`
	ExternalItemID string          `json:"external_item_id"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	At             time.Time       `json:"at"`
}

type TierEvent struct {
	ParticipantID string           `json:"participant_id"`
	From          *engagement.Tier `json:"from,omitempty"`
	To            engagement.Tier  `json:"to"`
	Bonus         decimal.Decimal  `json:"bonus"`
}

// Events publishes ledger, tier and rank notifications. Every method is best effort.
type Events struct {
	c *Client
}

func NewEvents(c *Client) *Events {
	return &Events{c: c}
}

// BalanceChanged publishes an accepted engagement and appends it to the balance stream that
// settlement consumers read.
func (e *Events) BalanceChanged(ctx context.Context, entry rewards.HistoryEntry) {
	e.c.PublishJSON(ctx, ChannelBalance, BalanceEvent{
		ParticipantID:  entry.ParticipantID,
		HistoryID:      entry.ID,
		Kind:           entry.Kind,
		ExternalItemID: entry.ExternalItemID,
		Amount:         entry.Amount,
		BalanceAfter:   entry.BalanceAfter,
		At:             entry.CreatedAt,
	})
	e.c.XAdd(ctx, StreamBalance, map[string]any{
		"participant_id": entry.ParticipantID,
		"history_id":     entry.ID,
		"kind":           string(entry.Kind),
		"amount":         entry.Amount.String(),
		"balance_after":  entry.BalanceAfter.String(),
	})
}

func (e *Events) TierChanged(ctx context.Context, participantID string, from *engagement.Tier, to engagement.Tier, bonus decimal.Decimal) {
	e.c.PublishJSON(ctx, ChannelTier, TierEvent{ParticipantID: participantID, From: from, To: to, Bonus: bonus})
}

func (e *Events) RanksRecomputed(ctx context.Context, res rank.PassResult) {
	e.c.PublishJSON(ctx, ChannelRanks, res)
}
