package db

import (
	"context"
	"errors"
	"time"

	"github.com/canopy-network/engagex/pkg/db/models/rewards"
	"github.com/canopy-network/engagex/pkg/engagement"
)

// ErrNotFound is returned when a participant or config does not exist.
var ErrNotFound = errors.New("not found")

// ParticipantStore reads and registers participants.
type ParticipantStore interface {
	GetParticipant(ctx context.Context, id string) (*rewards.Participant, error)
	RegisterParticipant(ctx context.Context, id, externalAccountID string) (*rewards.Participant, error)
}

// LedgerStore persists engagements. RecordEngagement inserts rec, increments the participant
// balance and appends a history entry in one transaction. When bonus is non-nil the tier bonus
// record is written in the same transaction. inserted is false when the
// (participant, item, kind) key already exists, in which case nothing is written.
type LedgerStore interface {
	ParticipantStore
	RecordEngagement(ctx context.Context, rec *rewards.EngagementRecord, bonus *rewards.TierBonusRecord) (entry *rewards.HistoryEntry, inserted bool, err error)
	// ListHistory returns entries newest first with id < cursor (cursor 0 means from the top).
	ListHistory(ctx context.Context, participantID string, cursor int64, limit int) ([]rewards.HistoryEntry, error)
	ListEngagements(ctx context.Context, participantID string, cursor int64, limit int) ([]rewards.EngagementRecord, error)
}

// MonitorStore is what the scheduler needs between cycles.
type MonitorStore interface {
	ParticipantStore
	UpdateProfile(ctx context.Context, id string, followers int64, verified bool, tier engagement.Tier) error
	// CountEngagementsSince counts non-bonus engagements occurring at or after since.
	CountEngagementsSince(ctx context.Context, participantID string, since time.Time) (int64, error)
	// LatestTierBonus returns nil without error when no bonus was ever awarded.
	LatestTierBonus(ctx context.Context, participantID string) (*rewards.TierBonusRecord, error)

	EnableMonitoring(ctx context.Context, participantID string, interval time.Duration) (*rewards.MonitoringConfig, error)
	DisableMonitoring(ctx context.Context, participantID string) error
	GetMonitoringConfig(ctx context.Context, participantID string) (*rewards.MonitoringConfig, error)
	ListEnabledMonitoring(ctx context.Context) ([]rewards.MonitoringConfig, error)
	// RecordCycle stores the outcome of a cycle. A nil watermark leaves the stored one unchanged;
	// a nil lastError clears it.
	RecordCycle(ctx context.Context, participantID string, watermark *time.Time, lastError *string, polledAt time.Time) error
	InsertMonitorErrors(ctx context.Context, errs []rewards.MonitorError) error
	ListMonitorErrors(ctx context.Context, participantID string, limit int) ([]rewards.MonitorError, error)
}

// RankStore is used by the rank engine.
type RankStore interface {
	// SnapshotBalances reads every participant balance from one consistent snapshot.
	SnapshotBalances(ctx context.Context) ([]rewards.BalanceSnapshot, error)
	WriteRanks(ctx context.Context, ranks []rewards.RankAssignment) error
	ListLeaderboard(ctx context.Context, offset, limit int) ([]rewards.Participant, error)
}

type HousekeepingStore interface {
	DeleteMonitorErrorsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Store is implemented by every backend.
type Store interface {
	LedgerStore
	MonitorStore
	RankStore
	HousekeepingStore
	Close() error
}
