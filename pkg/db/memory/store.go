// Package memory is an in-process Store used for local development and tests.
// Uniqueness of (participant, item, kind) is enforced by a keyed map under the store mutex.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/canopy-network/engagex/pkg/db"
	"github.com/canopy-network/engagex/pkg/db/models/rewards"
	"github.com/canopy-network/engagex/pkg/engagement"
	"github.com/shopspring/decimal"
)

type engagementKey struct {
	participantID string
	itemID        string
	kind          engagement.Kind
}

// Store implements db.Store in memory.
type Store struct {
	mu sync.Mutex

	now func() time.Time

	participants map[string]*rewards.Participant
	engagements  []rewards.EngagementRecord
	keys         map[engagementKey]int64
	history      []rewards.HistoryEntry
	configs      map[string]*rewards.MonitoringConfig
	bonuses      []rewards.TierBonusRecord
	errors       []rewards.MonitorError

	nextEngagementID int64
	nextHistoryID    int64
	nextBonusID      int64
	nextErrorID      int64
}

var _ db.Store = (*Store)(nil)

// New returns an empty store. now defaults to time.Now.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:          now,
		participants: make(map[string]*rewards.Participant),
		keys:         make(map[engagementKey]int64),
		configs:      make(map[string]*rewards.MonitoringConfig),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) GetParticipant(_ context.Context, id string) (*rewards.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", id, db.ErrNotFound)
	}
	return cloneParticipant(p), nil
}

func (s *Store) RegisterParticipant(_ context.Context, id, externalAccountID string) (*rewards.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	p, ok := s.participants[id]
	if !ok {
		p = &rewards.Participant{ID: id, TotalBalance: decimal.Zero, CreatedAt: now}
		s.participants[id] = p
	}
	if externalAccountID != "" {
		p.ExternalAccountID = externalAccountID
	}
	p.UpdatedAt = now
	return cloneParticipant(p), nil
}

func (s *Store) RecordEngagement(_ context.Context, rec *rewards.EngagementRecord, bonus *rewards.TierBonusRecord) (*rewards.HistoryEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[rec.ParticipantID]
	if !ok {
		return nil, false, fmt.Errorf("participant %s: %w", rec.ParticipantID, db.ErrNotFound)
	}

	key := engagementKey{participantID: rec.ParticipantID, itemID: rec.ExternalItemID, kind: rec.Kind}
	if _, dup := s.keys[key]; dup {
		return nil, false, nil
	}

	now := s.now().UTC()
	s.nextEngagementID++
	stored := *rec
	stored.ID = s.nextEngagementID
	stored.RecordedAt = now
	s.engagements = append(s.engagements, stored)
	s.keys[key] = stored.ID

	p.TotalBalance = p.TotalBalance.Add(rec.RewardAmount)
	p.UpdatedAt = now

	s.nextHistoryID++
	entry := rewards.HistoryEntry{
		ID:             s.nextHistoryID,
		ParticipantID:  rec.ParticipantID,
		EngagementID:   stored.ID,
		Kind:           rec.Kind,
		ExternalItemID: rec.ExternalItemID,
		Amount:         rec.RewardAmount,
		BalanceAfter:   p.TotalBalance,
		CreatedAt:      now,
	}
	s.history = append(s.history, entry)

	if bonus != nil {
		s.nextBonusID++
		b := *bonus
		b.ID = s.nextBonusID
		s.bonuses = append(s.bonuses, b)
	}

	rec.ID = stored.ID
	rec.RecordedAt = now
	return &entry, true, nil
}

func (s *Store) ListHistory(_ context.Context, participantID string, cursor int64, limit int) ([]rewards.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]rewards.HistoryEntry, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		h := s.history[i]
		if h.ParticipantID != participantID || (cursor > 0 && h.ID >= cursor) {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *Store) ListEngagements(_ context.Context, participantID string, cursor int64, limit int) ([]rewards.EngagementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]rewards.EngagementRecord, 0, limit)
	for i := len(s.engagements) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.engagements[i]
		if e.ParticipantID != participantID || (cursor > 0 && e.ID >= cursor) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) UpdateProfile(_ context.Context, id string, followers int64, verified bool, tier engagement.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok {
		return fmt.Errorf("participant %s: %w", id, db.ErrNotFound)
	}
	p.FollowerCount = followers
	p.Verified = verified
	t := tier
	p.CurrentTier = &t
	p.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) CountEngagementsSince(_ context.Context, participantID string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, e := range s.engagements {
		if e.ParticipantID == participantID && e.Kind != engagement.KindTierBonus && !e.OccurredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) LatestTierBonus(_ context.Context, participantID string) (*rewards.TierBonusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *rewards.TierBonusRecord
	for i := range s.bonuses {
		b := s.bonuses[i]
		if b.ParticipantID != participantID {
			continue
		}
		if latest == nil || !b.AwardedAt.Before(latest.AwardedAt) {
			latest = &b
		}
	}
	return latest, nil
}

// TierBonuses returns every bonus awarded to a participant, oldest first.
func (s *Store) TierBonuses(participantID string) []rewards.TierBonusRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []rewards.TierBonusRecord
	for _, b := range s.bonuses {
		if b.ParticipantID == participantID {
			out = append(out, b)
		}
	}
	return out
}

func (s *Store) EnableMonitoring(_ context.Context, participantID string, interval time.Duration) (*rewards.MonitoringConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[participantID]; !ok {
		return nil, fmt.Errorf("participant %s: %w", participantID, db.ErrNotFound)
	}

	now := s.now().UTC()
	cfg, ok := s.configs[participantID]
	if !ok {
		cfg = &rewards.MonitoringConfig{ParticipantID: participantID, CreatedAt: now}
		s.configs[participantID] = cfg
	}
	cfg.Enabled = true
	cfg.PollInterval = interval
	cfg.UpdatedAt = now
	return cloneConfig(cfg), nil
}

func (s *Store) DisableMonitoring(_ context.Context, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[participantID]
	if !ok {
		return fmt.Errorf("monitoring config %s: %w", participantID, db.ErrNotFound)
	}
	cfg.Enabled = false
	cfg.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) GetMonitoringConfig(_ context.Context, participantID string) (*rewards.MonitoringConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[participantID]
	if !ok {
		return nil, fmt.Errorf("monitoring config %s: %w", participantID, db.ErrNotFound)
	}
	return cloneConfig(cfg), nil
}

func (s *Store) ListEnabledMonitoring(_ context.Context) ([]rewards.MonitoringConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]rewards.MonitoringConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		if cfg.Enabled {
			out = append(out, *cloneConfig(cfg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

func (s *Store) RecordCycle(_ context.Context, participantID string, watermark *time.Time, lastError *string, polledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[participantID]
	if !ok {
		return fmt.Errorf("monitoring config %s: %w", participantID, db.ErrNotFound)
	}
	if watermark != nil {
		w := watermark.UTC()
		cfg.Watermark = &w
	}
	if lastError != nil {
		e := *lastError
		cfg.LastError = &e
	} else {
		cfg.LastError = nil
	}
	p := polledAt.UTC()
	cfg.LastPolledAt = &p
	cfg.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) InsertMonitorErrors(_ context.Context, errs []rewards.MonitorError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range errs {
		s.nextErrorID++
		e.ID = s.nextErrorID
		s.errors = append(s.errors, e)
	}
	return nil
}

func (s *Store) ListMonitorErrors(_ context.Context, participantID string, limit int) ([]rewards.MonitorError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]rewards.MonitorError, 0, limit)
	for i := len(s.errors) - 1; i >= 0 && len(out) < limit; i-- {
		if s.errors[i].ParticipantID == participantID {
			out = append(out, s.errors[i])
		}
	}
	return out, nil
}

func (s *Store) DeleteMonitorErrorsBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.errors[:0]
	var deleted int64
	for _, e := range s.errors {
		if e.OccurredAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.errors = kept
	return deleted, nil
}

func (s *Store) SnapshotBalances(_ context.Context) ([]rewards.BalanceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]rewards.BalanceSnapshot, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, rewards.BalanceSnapshot{ParticipantID: p.ID, Balance: p.TotalBalance})
	}
	return out, nil
}

func (s *Store) WriteRanks(_ context.Context, ranks []rewards.RankAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range ranks {
		p, ok := s.participants[r.ParticipantID]
		if !ok {
			continue
		}
		rank := r.Rank
		p.Rank = &rank
	}
	return nil
}

func (s *Store) ListLeaderboard(_ context.Context, offset, limit int) ([]rewards.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ranked := make([]rewards.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		if p.Rank != nil {
			ranked = append(ranked, *cloneParticipant(p))
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if *ranked[i].Rank != *ranked[j].Rank {
			return *ranked[i].Rank < *ranked[j].Rank
		}
		return ranked[i].ID < ranked[j].ID
	})

	if offset >= len(ranked) {
		return []rewards.Participant{}, nil
	}
	end := offset + limit
	if end > len(ranked) {
		end = len(ranked)
	}
	return ranked[offset:end], nil
}

func cloneParticipant(p *rewards.Participant) *rewards.Participant {
	c := *p
	if p.CurrentTier != nil {
		t := *p.CurrentTier
		c.CurrentTier = &t
	}
	if p.Rank != nil {
		r := *p.Rank
		c.Rank = &r
	}
	return &c
}

func cloneConfig(cfg *rewards.MonitoringConfig) *rewards.MonitoringConfig {
	c := *cfg
	if cfg.Watermark != nil {
		w := *cfg.Watermark
		c.Watermark = &w
	}
	if cfg.LastError != nil {
		e := *cfg.LastError
		c.LastError = &e
	}
	if cfg.LastPolledAt != nil {
		p := *cfg.LastPolledAt
		c.LastPolledAt = &p
	}
	return &c
}
