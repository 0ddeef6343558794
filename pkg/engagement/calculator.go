package engagement

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RewardTable maps engagement kinds to base rewards and tiers to bonus amounts.
// It is immutable after construction and safe for concurrent use.
type RewardTable struct {
	rewards map[Kind]decimal.Decimal
	bonuses map[Tier]decimal.Decimal
}

// DefaultRewards is the base reward per observable kind.
func DefaultRewards() map[Kind]decimal.Decimal {
	return map[Kind]decimal.Decimal{
		KindLike:    decimal.RequireFromString("0.5"),
		KindRetweet: decimal.RequireFromString("1.0"),
		KindComment: decimal.RequireFromString("0.8"),
		KindQuote:   decimal.RequireFromString("1.2"),
		KindFollow:  decimal.RequireFromString("2.0"),
	}
}

// DefaultBonuses is the tier bonus per tier.
func DefaultBonuses() map[Tier]decimal.Decimal {
	return map[Tier]decimal.Decimal{
		TierHigh:   decimal.NewFromInt(25),
		TierMedium: decimal.NewFromInt(15),
		TierLow:    decimal.NewFromInt(5),
	}
}

// DefaultTable returns the stock reward table.
func DefaultTable() *RewardTable {
	t, _ := NewRewardTable(DefaultRewards(), DefaultBonuses())
	return t
}

// NewRewardTable validates and copies the given maps. Every observable kind and every tier must
// have a non-negative amount, and no two kinds may share a reward so kinds stay totally ordered.
func NewRewardTable(rewards map[Kind]decimal.Decimal, bonuses map[Tier]decimal.Decimal) (*RewardTable, error) {
	t := &RewardTable{
		rewards: make(map[Kind]decimal.Decimal, len(ObservableKinds)),
		bonuses: make(map[Tier]decimal.Decimal, 3),
	}

	seen := make(map[string]Kind, len(ObservableKinds))
	for _, k := range ObservableKinds {
		amount, ok := rewards[k]
		if !ok {
			return nil, fmt.Errorf("reward for %s is missing", k)
		}
		if amount.IsNegative() {
			return nil, fmt.Errorf("reward for %s is negative: %s", k, amount)
		}
		key := amount.String()
		if other, dup := seen[key]; dup {
			return nil, fmt.Errorf("rewards for %s and %s are equal (%s)", other, k, key)
		}
		seen[key] = k
		t.rewards[k] = amount
	}

	for _, tier := range []Tier{TierHigh, TierMedium, TierLow} {
		amount, ok := bonuses[tier]
		if !ok {
			return nil, fmt.Errorf("bonus for %s is missing", tier)
		}
		if amount.IsNegative() {
			return nil, fmt.Errorf("bonus for %s is negative: %s", tier, amount)
		}
		t.bonuses[tier] = amount
	}

	return t, nil
}

// RewardFor returns the base reward for an observable kind. ok is false for anything else.
func (t *RewardTable) RewardFor(k Kind) (decimal.Decimal, bool) {
	amount, ok := t.rewards[k]
	return amount, ok
}

// TierBonusFor returns the bonus paid when a participant is awarded tier.
func (t *RewardTable) TierBonusFor(tier Tier) (decimal.Decimal, bool) {
	amount, ok := t.bonuses[tier]
	return amount, ok
}
