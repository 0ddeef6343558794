package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/engagex/pkg/db/models/rewards"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	LeaderboardKey         = "engagex:leaderboard"
	LeaderboardBalancesKey = "engagex:leaderboard:balances"

	// staging keys expire on their own if a swap never happens
	stagingTTL = 10 * time.Minute
	writeChunk = 1000
)

// ErrNoLeaderboard is returned when no pass has been mirrored yet.
var ErrNoLeaderboard = errors.New("leaderboard not mirrored")

// LeaderboardEntry is one mirrored row.
type LeaderboardEntry struct {
	ParticipantID string          `json:"participant_id"`
	Rank          int64           `json:"rank"`
	Balance       decimal.Decimal `json:"balance"`
}

// Leaderboard mirrors rank passes into a sorted set scored by rank plus a hash of balances.
// A pass is staged under temporary keys and swapped in with RENAME inside MULTI, so readers
// see either the previous pass or the new one.
type Leaderboard struct {
	c *Client
}

func NewLeaderboard(c *Client) *Leaderboard {
	return &Leaderboard{c: c}
}

// ReplaceLeaderboard stages ranks and atomically swaps them in.
func (l *Leaderboard) ReplaceLeaderboard(ctx context.Context, ranks []rewards.RankAssignment) error {
	rdb := l.c.client
	if len(ranks) == 0 {
		return rdb.Del(ctx, LeaderboardKey, LeaderboardBalancesKey).Err()
	}

	suffix := uuid.NewString()
	stageSet := LeaderboardKey + ":staging:" + suffix
	stageBalances := LeaderboardBalancesKey + ":staging:" + suffix

	for start := 0; start < len(ranks); start += writeChunk {
		chunk := ranks[start:min(start+writeChunk, len(ranks))]
		members := make([]redis.Z, len(chunk))
		balances := make(map[string]any, len(chunk))
		for i, r := range chunk {
			members[i] = redis.Z{Score: float64(r.Rank), Member: r.ParticipantID}
			balances[r.ParticipantID] = r.Balance.String()
		}

		_, err := rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, stageSet, members...)
			pipe.HSet(ctx, stageBalances, balances)
			pipe.Expire(ctx, stageSet, stagingTTL)
			pipe.Expire(ctx, stageBalances, stagingTTL)
			return nil
		})
		if err != nil {
			rdb.Del(ctx, stageSet, stageBalances)
			return fmt.Errorf("stage leaderboard: %w", err)
		}
	}

	_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Rename(ctx, stageSet, LeaderboardKey)
		pipe.Rename(ctx, stageBalances, LeaderboardBalancesKey)
		// RENAME carries the staging TTL over
		pipe.Persist(ctx, LeaderboardKey)
		pipe.Persist(ctx, LeaderboardBalancesKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("swap leaderboard: %w", err)
	}
	return nil
}

// Page returns limit entries starting at offset in rank order.
func (l *Leaderboard) Page(ctx context.Context, offset, limit int) ([]LeaderboardEntry, error) {
	rdb := l.c.client

	n, err := rdb.Exists(ctx, LeaderboardKey).Result()
	if err != nil {
		return nil, fmt.Errorf("check leaderboard: %w", err)
	}
	if n == 0 {
		return nil, ErrNoLeaderboard
	}
	if limit <= 0 {
		return []LeaderboardEntry{}, nil
	}

	zs, err := rdb.ZRangeWithScores(ctx, LeaderboardKey, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read leaderboard: %w", err)
	}
	if len(zs) == 0 {
		return []LeaderboardEntry{}, nil
	}

	ids := make([]string, len(zs))
	for i, z := range zs {
		ids[i], _ = z.Member.(string)
	}
	vals, err := rdb.HMGet(ctx, LeaderboardBalancesKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("read leaderboard balances: %w", err)
	}

	out := make([]LeaderboardEntry, len(zs))
	for i, z := range zs {
		out[i] = LeaderboardEntry{ParticipantID: ids[i], Rank: int64(z.Score)}
		if s, ok := vals[i].(string); ok {
			if bal, err := decimal.NewFromString(s); err == nil {
				out[i].Balance = bal
			}
		}
	}
	return out, nil
}
