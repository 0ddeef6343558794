package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/engagex/pkg/db"
	"github.com/canopy-network/engagex/pkg/engagement"
	"github.com/canopy-network/engagex/pkg/identity"
	"github.com/canopy-network/engagex/pkg/ledger"
	"github.com/canopy-network/engagex/pkg/platform"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger is the write side of the engagement ledger.
type Ledger interface {
	Offer(ctx context.Context, o ledger.Offer) (ledger.Outcome, error)
	AwardBonus(ctx context.Context, participantID string, tier engagement.Tier, amount decimal.Decimal, at time.Time) (ledger.Outcome, error)
}

// Fetcher returns normalized candidates at or after since.
type Fetcher interface {
	Fetch(ctx context.Context, accountID string, since time.Time) (platform.Batch, error)
}

// TierNotifier hears about classification changes and bonuses.
type TierNotifier interface {
	TierChanged(ctx context.Context, participantID string, from *engagement.Tier, to engagement.Tier, bonus decimal.Decimal)
}

const persistTimeout = 10 * time.Second

// cycler runs single poll cycles. It holds no per-participant state; the supervisor guarantees
// at most one cycle per participant at a time.
type cycler struct {
	store      db.MonitorStore
	ledger     Ledger
	fetcher    Fetcher
	resolver   identity.Resolver
	table      *engagement.RewardTable
	notifier   TierNotifier
	bonus      BonusPolicy
	rateWindow time.Duration
	clock      clockwork.Clock
	logger     *zap.Logger
}

// run executes one cycle and persists its outcome. It never panics and never returns an error;
// everything is in the result.
func (c *cycler) run(ctx context.Context, participantID string) (res CycleResult) {
	res = CycleResult{
		CycleID:       uuid.NewString(),
		ParticipantID: participantID,
		StartedAt:     c.clock.Now().UTC(),
	}
	logger := c.logger.With(zap.String("participant_id", participantID), zap.String("cycle_id", res.CycleID))

	defer func() {
		if r := recover(); r != nil {
			res.InternalErr = fmt.Errorf("panic in cycle: %v", r)
			logger.Error("Cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		res.FinishedAt = c.clock.Now().UTC()
		if err := guard(func() { c.persist(ctx, &res, logger) }); err != nil {
			res.RecordErr = errors.Join(res.RecordErr, fmt.Errorf("persist cycle: %w", err))
			logger.Error("Persisting cycle panicked", zap.Error(err), zap.Stack("stack"))
		}
		if err := guard(func() { c.log(res, logger) }); err != nil {
			logger.Error("Logging cycle panicked", zap.Error(err))
		}
	}()

	cfg, err := c.store.GetMonitoringConfig(ctx, participantID)
	if err != nil {
		res.InternalErr = fmt.Errorf("load monitoring config: %w", err)
		return res
	}

	accountID, err := c.resolver.ExternalAccountID(ctx, participantID)
	if err != nil {
		res.FetchErr = fmt.Errorf("resolve external account: %w", err)
		return res
	}

	var since time.Time
	if cfg.Watermark != nil {
		since = *cfg.Watermark
	}

	batch, err := c.fetcher.Fetch(ctx, accountID, since)
	if err != nil {
		res.FetchErr = err
		return res
	}
	res.Fetched = len(batch.Candidates)
	res.Skipped = batch.Skipped
	res.Truncated = batch.Truncated

	c.offerAll(ctx, participantID, batch.Candidates, &res)
	c.classify(ctx, participantID, batch.Profile, &res)

	return res
}

// offerAll offers candidates in fetch order. A failed offer pins the watermark to the earliest
// failed timestamp so the candidate is fetched again next cycle.
func (c *cycler) offerAll(ctx context.Context, participantID string, candidates []platform.Candidate, res *CycleResult) {
	if len(candidates) == 0 {
		return
	}

	var (
		latest      time.Time
		firstFailed *time.Time
	)
	for _, cand := range candidates {
		if cand.OccurredAt.After(latest) {
			latest = cand.OccurredAt
		}

		reward, ok := c.table.RewardFor(cand.Kind)
		if !ok {
			// the fetcher only emits observable kinds
			res.OfferErrors = append(res.OfferErrors, OfferError{Candidate: cand, Err: fmt.Errorf("no reward for kind %s", cand.Kind)})
			continue
		}

		outcome, err := c.ledger.Offer(ctx, ledger.Offer{
			ParticipantID:  participantID,
			ExternalItemID: cand.ExternalItemID,
			Kind:           cand.Kind,
			Reward:         reward,
			OccurredAt:     cand.OccurredAt,
		})
		switch {
		case err != nil:
			res.OfferErrors = append(res.OfferErrors, OfferError{Candidate: cand, Err: err})
			if errors.Is(err, ledger.ErrStorage) && (firstFailed == nil || cand.OccurredAt.Before(*firstFailed)) {
				t := cand.OccurredAt
				firstFailed = &t
			}
		case outcome == ledger.Duplicate:
			res.Duplicates++
		default:
			res.Accepted++
		}
	}

	wm := latest
	if firstFailed != nil {
		wm = *firstFailed
	}
	res.Watermark = &wm
}

// classify recomputes the tier from the freshest profile and pays a bonus when due.
func (c *cycler) classify(ctx context.Context, participantID string, profile *platform.Profile, res *CycleResult) {
	p, err := c.store.GetParticipant(ctx, participantID)
	if err != nil {
		res.TierErr = fmt.Errorf("load participant: %w", err)
		return
	}

	followers, verified := p.FollowerCount, p.Verified
	if profile != nil {
		followers, verified = profile.Followers, profile.Verified
	}

	now := c.clock.Now().UTC()
	count, err := c.store.CountEngagementsSince(ctx, participantID, now.Add(-c.rateWindow))
	if err != nil {
		res.TierErr = fmt.Errorf("count engagements: %w", err)
		return
	}
	rate := float64(count) / (c.rateWindow.Hours() / 24)

	tier := engagement.Classify(followers, rate, verified)
	res.Tier = tier
	res.PreviousTier = p.CurrentTier

	latest, err := c.store.LatestTierBonus(ctx, participantID)
	if err != nil {
		res.TierErr = fmt.Errorf("load latest tier bonus: %w", err)
		return
	}

	if shouldAwardBonus(latest, p.CurrentTier, tier, now, c.bonus) {
		amount, _ := c.table.TierBonusFor(tier)
		outcome, err := c.ledger.AwardBonus(ctx, participantID, tier, amount, now)
		if err != nil {
			res.TierErr = fmt.Errorf("award %s bonus: %w", tier, err)
			return
		}
		if outcome == ledger.Accepted {
			res.BonusAwarded = true
			res.BonusAmount = amount
		}
	}

	if err := c.store.UpdateProfile(ctx, participantID, followers, verified, tier); err != nil {
		res.TierErr = fmt.Errorf("update profile: %w", err)
		return
	}

	changed := p.CurrentTier == nil || *p.CurrentTier != tier
	if c.notifier != nil && (changed || res.BonusAwarded) {
		c.notifier.TierChanged(ctx, participantID, p.CurrentTier, tier, res.BonusAmount)
	}
}

// persist writes the cycle outcome to the config and the error log. Failures end up in
// RecordErr and the log, never anywhere else.
func (c *cycler) persist(ctx context.Context, res *CycleResult, logger *zap.Logger) {
	if errors.Is(res.InternalErr, db.ErrNotFound) {
		// config vanished; nothing to update
		return
	}

	// the cycle context may already be expired by now
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := c.store.RecordCycle(ctx, res.ParticipantID, res.Watermark, res.lastError(), res.FinishedAt); err != nil {
		res.RecordErr = fmt.Errorf("record cycle: %w", err)
		logger.Error("Failed to record cycle outcome", zap.Error(err))
	}

	if rows := res.errorRows(); len(rows) > 0 {
		if err := c.store.InsertMonitorErrors(ctx, rows); err != nil {
			res.RecordErr = errors.Join(res.RecordErr, fmt.Errorf("insert monitor errors: %w", err))
			logger.Error("Failed to write monitor error log", zap.Error(err))
		}
	}
}

// guard runs fn and turns a panic into an error.
func guard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn()
	return nil
}

func (c *cycler) log(res CycleResult, logger *zap.Logger) {
	fields := []zap.Field{
		zap.Int("fetched", res.Fetched),
		zap.Int("accepted", res.Accepted),
		zap.Int("duplicates", res.Duplicates),
		zap.String("tier", string(res.Tier)),
		zap.Bool("bonus_awarded", res.BonusAwarded),
		zap.Duration("took", res.FinishedAt.Sub(res.StartedAt)),
	}
	if res.Watermark != nil {
		fields = append(fields, zap.Time("watermark", *res.Watermark))
	}

	switch err := res.Err(); {
	case err != nil && platform.IsTransient(res.FetchErr) && res.InternalErr == nil && len(res.OfferErrors) == 0 && res.TierErr == nil:
		logger.Warn("Cycle fetch failed, retrying next tick", append(fields, zap.Error(err))...)
	case err != nil:
		logger.Error("Cycle finished with errors", append(fields, zap.Error(err))...)
	case res.Accepted > 0 || res.BonusAwarded:
		logger.Info("Cycle finished", fields...)
	default:
		logger.Debug("Cycle finished", fields...)
	}
}
