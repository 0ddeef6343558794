package controller

import (
	"errors"
	"net/http"

	"github.com/canopy-network/engagex/pkg/rank"
	"github.com/canopy-network/engagex/pkg/redis"
	"go.uber.org/zap"
)

type leaderboardResponse struct {
	Source string                   `json:"source"`
	Offset int                      `json:"offset"`
	Data   []redis.LeaderboardEntry `json:"data"`
}

// HandleLeaderboard serves the mirrored leaderboard when available and the store otherwise.
func (c *Controller) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOffset(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()

	if c.Leaderboard != nil {
		entries, err := c.Leaderboard.Page(ctx, offset, limit)
		if err == nil {
			writeJSON(w, http.StatusOK, leaderboardResponse{Source: "cache", Offset: offset, Data: entries})
			return
		}
		if !errors.Is(err, redis.ErrNoLeaderboard) {
			c.Logger.Warn("Leaderboard cache read failed, falling back to store", zap.Error(err))
		}
	}

	rows, err := c.Store.ListLeaderboard(ctx, offset, limit)
	if err != nil {
		c.storeError(w, r, err)
		return
	}
	entries := make([]redis.LeaderboardEntry, 0, len(rows))
	for _, p := range rows {
		e := redis.LeaderboardEntry{ParticipantID: p.ID, Balance: p.TotalBalance}
		if p.Rank != nil {
			e.Rank = *p.Rank
		}
		entries = append(entries, e)
	}
	writeJSON(w, http.StatusOK, leaderboardResponse{Source: "store", Offset: offset, Data: entries})
}

func (c *Controller) HandleRanksRecompute(w http.ResponseWriter, r *http.Request) {
	res, err := c.Ranks.TriggerRanks(r.Context())
	switch {
	case errors.Is(err, rank.ErrPassInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		c.Logger.Error("Rank pass failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "rank pass failed")
	case res == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
	default:
		writeJSON(w, http.StatusOK, res)
	}
}
