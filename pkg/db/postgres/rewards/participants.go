package rewards

import (
	"context"
	"fmt"

	models "github.com/canopy-network/engagex/pkg/db/models/rewards"
	"github.com/canopy-network/engagex/pkg/db/postgres"
	"github.com/canopy-network/engagex/pkg/engagement"
	"github.com/jackc/pgx/v5"
)

const participantColumns = `id, external_account_id, follower_count, verified, total_balance::text,
	current_tier, rank, created_at, updated_at`

func scanParticipant(row pgx.Row) (*models.Participant, error) {
	var (
		p       models.Participant
		balance string
		tier    *string
	)
	if err := row.Scan(&p.ID, &p.ExternalAccountID, &p.FollowerCount, &p.Verified, &balance,
		&tier, &p.Rank, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}

	amount, err := parseAmount("total_balance", balance)
	if err != nil {
		return nil, err
	}
	p.TotalBalance = amount
	if tier != nil {
		t := engagement.Tier(*tier)
		p.CurrentTier = &t
	}
	return &p, nil
}

// GetParticipant returns the participant with the given id
func (db *DB) GetParticipant(ctx context.Context, id string) (*models.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE id = $1`

	p, err := scanParticipant(db.QueryRow(ctx, query, id))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, fmt.Errorf("participant %s: %w", id, errNotFound)
		}
		return nil, fmt.Errorf("failed to query participant %s: %w", id, err)
	}
	return p, nil
}

// RegisterParticipant creates the participant if missing. A non-empty externalAccountID replaces
// the stored mapping.
func (db *DB) RegisterParticipant(ctx context.Context, id, externalAccountID string) (*models.Participant, error) {
	query := `
		INSERT INTO participants (id, external_account_id)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET
			external_account_id = CASE
				WHEN EXCLUDED.external_account_id <> '' THEN EXCLUDED.external_account_id
				ELSE participants.external_account_id
			END,
			updated_at = NOW()
		RETURNING ` + participantColumns

	p, err := scanParticipant(db.QueryRow(ctx, query, id, externalAccountID))
	if err != nil {
		return nil, fmt.Errorf("failed to register participant %s: %w", id, err)
	}
	return p, nil
}

// UpdateProfile stores the latest platform profile and the computed tier
func (db *DB) UpdateProfile(ctx context.Context, id string, followers int64, verified bool, tier engagement.Tier) error {
	query := `
		UPDATE participants
		SET follower_count = $2, verified = $3, current_tier = $4, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := db.GetExecutor(ctx).Exec(ctx, query, id, followers, verified, string(tier))
	if err != nil {
		return fmt.Errorf("failed to update profile of %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("participant %s: %w", id, errNotFound)
	}
	return nil
}
