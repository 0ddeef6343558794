package ledger

import (
	"context"
	"fmt"

	"github.com/canopy-network/engagex/pkg/db/models/rewards"
	"github.com/shopspring/decimal"
)

// Balance returns the current total balance of a participant.
func (l *Ledger) Balance(ctx context.Context, participantID string) (decimal.Decimal, error) {
	p, err := l.store.GetParticipant(ctx, participantID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance of %s: %w", participantID, err)
	}
	return p.TotalBalance, nil
}

// History pages balance movements newest first. Pass the last id of a page as the next cursor.
func (l *Ledger) History(ctx context.Context, participantID string, cursor int64, limit int) ([]rewards.HistoryEntry, error) {
	if _, err := l.store.GetParticipant(ctx, participantID); err != nil {
		return nil, fmt.Errorf("history of %s: %w", participantID, err)
	}
	return l.store.ListHistory(ctx, participantID, cursor, limit)
}

// Engagements pages the engagement audit trail newest first.
func (l *Ledger) Engagements(ctx context.Context, participantID string, cursor int64, limit int) ([]rewards.EngagementRecord, error) {
	if _, err := l.store.GetParticipant(ctx, participantID); err != nil {
		return nil, fmt.Errorf("engagements of %s: %w", participantID, err)
	}
	return l.store.ListEngagements(ctx, participantID, cursor, limit)
}
