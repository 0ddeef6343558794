// Package ledger is the only writer of engagement records and participant balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/canopy-network/engagex/pkg/db"
	"github.com/canopy-network/engagex/pkg/db/models/rewards"
	"github.com/canopy-network/engagex/pkg/engagement"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Outcome of an offer.
type Outcome int

const (
	// Accepted means the engagement was recorded and the balance incremented.
	Accepted Outcome = iota + 1
	// Duplicate means the idempotency key already existed and nothing changed.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

var (
	// ErrInvalidOffer is returned for offers that violate input constraints.
	ErrInvalidOffer = errors.New("invalid offer")
	// ErrStorage wraps a store failure for a single offer.
	ErrStorage = errors.New("storage fault")
)

// Offer is one candidate engagement with its computed reward.
type Offer struct {
	ParticipantID  string
	ExternalItemID string
	Kind           engagement.Kind
	Reward         decimal.Decimal
	OccurredAt     time.Time
}

// Notifier is told about accepted balance movements. Implementations must not block for long.
type Notifier interface {
	BalanceChanged(ctx context.Context, entry rewards.HistoryEntry)
}

type Ledger struct {
	store    db.LedgerStore
	logger   *zap.Logger
	notifier Notifier
	now      func() time.Time
}

// New returns a Ledger. notifier may be nil.
func New(store db.LedgerStore, logger *zap.Logger, notifier Notifier) *Ledger {
	return &Ledger{
		store:    store,
		logger:   logger.With(zap.String("component", "ledger")),
		notifier: notifier,
		now:      time.Now,
	}
}

// Offer records o unless its (participant, item, kind) key was already recorded.
// Duplicate is a normal outcome, not an error.
func (l *Ledger) Offer(ctx context.Context, o Offer) (Outcome, error) {
	if !o.Kind.Observable() {
		return 0, fmt.Errorf("%w: kind %q", ErrInvalidOffer, o.Kind)
	}
	return l.record(ctx, o, nil)
}

// AwardBonus credits a tier bonus as a TIER_BONUS engagement and stores the bonus record in the
// same transaction. At most one bonus per tier and UTC day can be recorded.
func (l *Ledger) AwardBonus(ctx context.Context, participantID string, tier engagement.Tier, amount decimal.Decimal, at time.Time) (Outcome, error) {
	if !tier.Valid() {
		return 0, fmt.Errorf("%w: tier %q", ErrInvalidOffer, tier)
	}
	at = at.UTC()

	o := Offer{
		ParticipantID:  participantID,
		ExternalItemID: BonusItemID(tier, at),
		Kind:           engagement.KindTierBonus,
		Reward:         amount,
		OccurredAt:     at,
	}
	bonus := &rewards.TierBonusRecord{
		ParticipantID: participantID,
		TierAtAward:   tier,
		BonusAmount:   amount,
		AwardedAt:     at,
	}
	return l.record(ctx, o, bonus)
}

// BonusItemID is the synthetic external item id of a tier bonus.
func BonusItemID(tier engagement.Tier, at time.Time) string {
	return fmt.Sprintf("tier-bonus:%s:%d", tier, at.UTC().Unix()/86400)
}

func (l *Ledger) record(ctx context.Context, o Offer, bonus *rewards.TierBonusRecord) (Outcome, error) {
	if err := validate(o); err != nil {
		return 0, err
	}
	if o.OccurredAt.IsZero() {
		o.OccurredAt = l.now()
	}

	rec := &rewards.EngagementRecord{
		ParticipantID:  o.ParticipantID,
		ExternalItemID: o.ExternalItemID,
		Kind:           o.Kind,
		RewardAmount:   o.Reward,
		OccurredAt:     o.OccurredAt.UTC(),
	}

	entry, inserted, err := l.store.RecordEngagement(ctx, rec, bonus)
	if err != nil {
		return 0, fmt.Errorf("%w: record %s/%s/%s: %w", ErrStorage, o.ParticipantID, o.ExternalItemID, o.Kind, err)
	}
	if !inserted {
		l.logger.Debug("Duplicate engagement ignored",
			zap.String("participant_id", o.ParticipantID),
			zap.String("external_item_id", o.ExternalItemID),
			zap.String("kind", o.Kind.String()))
		return Duplicate, nil
	}

	if l.notifier != nil && entry != nil {
		l.notifier.BalanceChanged(ctx, *entry)
	}
	return Accepted, nil
}

func validate(o Offer) error {
	switch {
	case strings.TrimSpace(o.ParticipantID) == "":
		return fmt.Errorf("%w: empty participant id", ErrInvalidOffer)
	case strings.TrimSpace(o.ExternalItemID) == "":
		return fmt.Errorf("%w: empty external item id", ErrInvalidOffer)
	case !o.Kind.Valid():
		return fmt.Errorf("%w: kind %q", ErrInvalidOffer, o.Kind)
	case o.Reward.IsNegative():
		return fmt.Errorf("%w: negative reward %s", ErrInvalidOffer, o.Reward)
	}
	return nil
}
