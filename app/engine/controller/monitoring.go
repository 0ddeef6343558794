package controller

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/canopy-network/engagex/pkg/db/models/rewards"
	"github.com/canopy-network/engagex/pkg/engagement"
	"github.com/canopy-network/engagex/pkg/monitor"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

const recentErrorRows = 20

type cycleSummary struct {
	CycleID      string           `json:"cycle_id"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
	Fetched      int              `json:"fetched"`
	Accepted     int              `json:"accepted"`
	Duplicates   int              `json:"duplicates"`
	Truncated    bool             `json:"truncated"`
	Tier         engagement.Tier  `json:"tier,omitempty"`
	BonusAwarded bool             `json:"bonus_awarded"`
	BonusAmount  *decimal.Decimal `json:"bonus_amount,omitempty"`
	Error        string           `json:"error,omitempty"`
}

func summarize(res monitor.CycleResult) *cycleSummary {
	s := &cycleSummary{
		CycleID:      res.CycleID,
		StartedAt:    res.StartedAt,
		FinishedAt:   res.FinishedAt,
		Fetched:      res.Fetched,
		Accepted:     res.Accepted,
		Duplicates:   res.Duplicates,
		Truncated:    res.Truncated,
		Tier:         res.Tier,
		BonusAwarded: res.BonusAwarded,
	}
	if res.BonusAwarded {
		amount := res.BonusAmount
		s.BonusAmount = &amount
	}
	if err := res.Err(); err != nil {
		s.Error = err.Error()
	}
	return s
}

type monitoringResponse struct {
	Config       *rewards.MonitoringConfig `json:"config"`
	Running      bool                      `json:"running"`
	LastCycle    *cycleSummary             `json:"last_cycle,omitempty"`
	RecentErrors []rewards.MonitorError    `json:"recent_errors"`
}

func (c *Controller) isRunning(id string) bool {
	for _, w := range c.Monitor.Running() {
		if w.ParticipantID == id {
			return true
		}
	}
	return false
}

func (c *Controller) HandleMonitoringStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	cfg, err := c.Store.GetMonitoringConfig(ctx, id)
	if err != nil {
		c.storeError(w, r, err)
		return
	}
	errs, err := c.Store.ListMonitorErrors(ctx, id, recentErrorRows)
	if err != nil {
		c.storeError(w, r, err)
		return
	}

	resp := monitoringResponse{Config: cfg, Running: c.isRunning(id), RecentErrors: errs}
	if res, ok := c.Monitor.LastResult(id); ok {
		resp.LastCycle = summarize(res)
	}
	if resp.RecentErrors == nil {
		resp.RecentErrors = []rewards.MonitorError{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (c *Controller) HandleMonitoringStart(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PollInterval string `json:"poll_interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}

	var interval time.Duration
	if in.PollInterval != "" {
		d, err := time.ParseDuration(in.PollInterval)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid poll_interval")
			return
		}
		interval = d
	}

	id := mux.Vars(r)["id"]
	if err := c.Monitor.Start(r.Context(), id, interval); err != nil {
		c.monitorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participant_id": id, "running": true})
}

func (c *Controller) HandleMonitoringStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := c.Monitor.Stop(r.Context(), id); err != nil {
		c.monitorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participant_id": id, "running": false})
}

func (c *Controller) HandleMonitoringList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workers": c.Monitor.Running()})
}

func (c *Controller) monitorError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, monitor.ErrInvalidInterval):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, monitor.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		c.storeError(w, r, err)
	}
}
