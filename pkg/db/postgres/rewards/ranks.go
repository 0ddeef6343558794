package rewards

import (
	"context"
	"fmt"

	models "github.com/canopy-network/engagex/pkg/db/models/rewards"
	"github.com/jackc/pgx/v5"
)

// SnapshotBalances reads every balance inside a repeatable-read, read-only transaction so the
// rank pass works on one consistent view while offers keep committing.
func (db *DB) SnapshotBalances(ctx context.Context) ([]models.BalanceSnapshot, error) {
	var out []models.BalanceSnapshot

	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := db.BeginTxFunc(ctx, opts, func(tx pgx.Tx) error {
		out = out[:0]

		rows, err := tx.Query(ctx, `SELECT id, total_balance::text FROM participants`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				s       models.BalanceSnapshot
				balance string
			)
			if err := rows.Scan(&s.ParticipantID, &balance); err != nil {
				return err
			}
			if s.Balance, err = parseAmount("total_balance", balance); err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot balances: %w", err)
	}
	return out, nil
}

// WriteRanks applies one batch of rank assignments in a single statement. Rows whose rank is
// already correct are left untouched to keep the write set small.
func (db *DB) WriteRanks(ctx context.Context, ranks []models.RankAssignment) error {
	if len(ranks) == 0 {
		return nil
	}

	ids := make([]string, len(ranks))
	values := make([]int64, len(ranks))
	for i, r := range ranks {
		ids[i] = r.ParticipantID
		values[i] = r.Rank
	}

	query := `
		UPDATE participants AS p
		SET rank = v.rank
		FROM (SELECT UNNEST($1::text[]) AS id, UNNEST($2::bigint[]) AS rank) AS v
		WHERE p.id = v.id AND p.rank IS DISTINCT FROM v.rank
	`

	err := db.BeginFunc(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query, ids, values)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to write %d ranks: %w", len(ranks), err)
	}
	return nil
}

// ListLeaderboard returns ranked participants ordered by rank
func (db *DB) ListLeaderboard(ctx context.Context, offset, limit int) ([]models.Participant, error) {
	query := `SELECT ` + participantColumns + `
		FROM participants
		WHERE rank IS NOT NULL
		ORDER BY rank, id
		OFFSET $1 LIMIT $2`

	rows, err := db.Query(ctx, query, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	out := make([]models.Participant, 0, limit)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard row: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
