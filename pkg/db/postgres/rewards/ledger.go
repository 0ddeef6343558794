package rewards

import (
	"context"
	"fmt"
	"time"

	models "github.com/canopy-network/engagex/pkg/db/models/rewards"
	"github.com/canopy-network/engagex/pkg/db/postgres"
	"github.com/canopy-network/engagex/pkg/engagement"
	"github.com/jackc/pgx/v5"
)

// RecordEngagement inserts the engagement, bumps the balance and appends history in one
// transaction. The row lock taken by the balance UPDATE serializes concurrent offers for the
// same participant; ON CONFLICT DO NOTHING turns a repeated key into inserted=false.
func (db *DB) RecordEngagement(ctx context.Context, rec *models.EngagementRecord, bonus *models.TierBonusRecord) (*models.HistoryEntry, bool, error) {
	var (
		entry    *models.HistoryEntry
		inserted bool
	)

	err := db.BeginFunc(ctx, func(tx pgx.Tx) error {
		entry, inserted = nil, false

		var (
			engagementID int64
			recordedAt   time.Time
		)
		err := tx.QueryRow(ctx, `
			INSERT INTO engagements (participant_id, external_item_id, kind, reward_amount, occurred_at)
			VALUES ($1, $2, $3, $4::text::numeric, $5)
			ON CONFLICT ON CONSTRAINT engagements_idempotency_key DO NOTHING
			RETURNING id, recorded_at
		`, rec.ParticipantID, rec.ExternalItemID, string(rec.Kind), rec.RewardAmount.String(), rec.OccurredAt.UTC(),
		).Scan(&engagementID, &recordedAt)
		if err != nil {
			if postgres.IsNoRows(err) {
				return nil
			}
			if postgres.IsForeignKeyViolation(err) {
				return fmt.Errorf("participant %s: %w", rec.ParticipantID, errNotFound)
			}
			return fmt.Errorf("insert engagement: %w", err)
		}

		var balance string
		err = tx.QueryRow(ctx, `
			UPDATE participants
			SET total_balance = total_balance + $2::text::numeric, updated_at = NOW()
			WHERE id = $1
			RETURNING total_balance::text
		`, rec.ParticipantID, rec.RewardAmount.String()).Scan(&balance)
		if err != nil {
			return fmt.Errorf("increment balance: %w", err)
		}
		balanceAfter, err := parseAmount("total_balance", balance)
		if err != nil {
			return err
		}

		h := models.HistoryEntry{
			ParticipantID:  rec.ParticipantID,
			EngagementID:   engagementID,
			Kind:           rec.Kind,
			ExternalItemID: rec.ExternalItemID,
			Amount:         rec.RewardAmount,
			BalanceAfter:   balanceAfter,
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO balance_history (participant_id, engagement_id, kind, external_item_id, amount, balance_after)
			VALUES ($1, $2, $3, $4, $5::text::numeric, $6::text::numeric)
			RETURNING id, created_at
		`, h.ParticipantID, h.EngagementID, string(h.Kind), h.ExternalItemID, h.Amount.String(), balance,
		).Scan(&h.ID, &h.CreatedAt)
		if err != nil {
			return fmt.Errorf("append history: %w", err)
		}

		if bonus != nil {
			if err := db.insertTierBonus(db.WithTx(ctx, tx), engagementID, bonus); err != nil {
				return err
			}
		}

		rec.ID = engagementID
		rec.RecordedAt = recordedAt
		entry, inserted = &h, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return entry, inserted, nil
}

// insertTierBonus runs on the transaction carried by ctx, if any.
func (db *DB) insertTierBonus(ctx context.Context, engagementID int64, bonus *models.TierBonusRecord) error {
	_, err := db.GetExecutor(ctx).Exec(ctx, `
		INSERT INTO tier_bonuses (participant_id, engagement_id, tier_at_award, bonus_amount, awarded_at)
		VALUES ($1, $2, $3, $4::text::numeric, $5)
	`, bonus.ParticipantID, engagementID, string(bonus.TierAtAward), bonus.BonusAmount.String(), bonus.AwardedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert tier bonus: %w", err)
	}
	return nil
}

// ListHistory returns balance history newest first
func (db *DB) ListHistory(ctx context.Context, participantID string, cursor int64, limit int) ([]models.HistoryEntry, error) {
	query := `
		SELECT id, participant_id, engagement_id, kind, external_item_id, amount::text, balance_after::text, created_at
		FROM balance_history
		WHERE participant_id = $1 AND ($2::bigint = 0 OR id < $2::bigint)
		ORDER BY id DESC
		LIMIT $3
	`

	rows, err := db.Query(ctx, query, participantID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history of %s: %w", participantID, err)
	}
	defer rows.Close()

	out := make([]models.HistoryEntry, 0, limit)
	for rows.Next() {
		var (
			h             models.HistoryEntry
			kind          string
			amount, after string
		)
		if err := rows.Scan(&h.ID, &h.ParticipantID, &h.EngagementID, &kind, &h.ExternalItemID, &amount, &after, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		h.Kind = engagement.Kind(kind)
		if h.Amount, err = parseAmount("amount", amount); err != nil {
			return nil, err
		}
		if h.BalanceAfter, err = parseAmount("balance_after", after); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ListEngagements returns engagement records newest first
func (db *DB) ListEngagements(ctx context.Context, participantID string, cursor int64, limit int) ([]models.EngagementRecord, error) {
	query := `
		SELECT id, participant_id, external_item_id, kind, reward_amount::text, occurred_at, recorded_at
		FROM engagements
		WHERE participant_id = $1 AND ($2::bigint = 0 OR id < $2::bigint)
		ORDER BY id DESC
		LIMIT $3
	`

	rows, err := db.Query(ctx, query, participantID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query engagements of %s: %w", participantID, err)
	}
	defer rows.Close()

	out := make([]models.EngagementRecord, 0, limit)
	for rows.Next() {
		var (
			e      models.EngagementRecord
			kind   string
			amount string
		)
		if err := rows.Scan(&e.ID, &e.ParticipantID, &e.ExternalItemID, &kind, &amount, &e.OccurredAt, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan engagement row: %w", err)
		}
		e.Kind = engagement.Kind(kind)
		if e.RewardAmount, err = parseAmount("reward_amount", amount); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEngagementsSince counts platform engagements (bonuses excluded) at or after since
func (db *DB) CountEngagementsSince(ctx context.Context, participantID string, since time.Time) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM engagements
		WHERE participant_id = $1 AND kind <> $2 AND occurred_at >= $3
	`

	var n int64
	if err := db.QueryRow(ctx, query, participantID, string(engagement.KindTierBonus), since.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count engagements of %s: %w", participantID, err)
	}
	return n, nil
}

// LatestTierBonus returns the most recent bonus or nil when none was awarded
func (db *DB) LatestTierBonus(ctx context.Context, participantID string) (*models.TierBonusRecord, error) {
	query := `
		SELECT id, participant_id, tier_at_award, bonus_amount::text, awarded_at
		FROM tier_bonuses
		WHERE participant_id = $1
		ORDER BY awarded_at DESC, id DESC
		LIMIT 1
	`

	var (
		b      models.TierBonusRecord
		tier   string
		amount string
	)
	err := db.QueryRow(ctx, query, participantID).Scan(&b.ID, &b.ParticipantID, &tier, &amount, &b.AwardedAt)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query tier bonus of %s: %w", participantID, err)
	}
	b.TierAtAward = engagement.Tier(tier)
	if b.BonusAmount, err = parseAmount("bonus_amount", amount); err != nil {
		return nil, err
	}
	return &b, nil
}
