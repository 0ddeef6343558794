package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/canopy-network/engagex/pkg/db"
	"github.com/canopy-network/engagex/pkg/db/models/rewards"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// storeError writes 404 for unknown ids and 500 otherwise.
func (c *Controller) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	c.Logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

type balanceResponse struct {
	ParticipantID string          `json:"participant_id"`
	Balance       decimal.Decimal `json:"balance"`
}

func (c *Controller) HandleBalance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	bal, err := c.Ledger.Balance(r.Context(), id)
	if err != nil {
		c.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{ParticipantID: id, Balance: bal})
}

func (c *Controller) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cursor, err := parseCursor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := c.Ledger.History(r.Context(), mux.Vars(r)["id"], cursor, limit+1)
	if err != nil {
		c.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page(rows, limit, func(h rewards.HistoryEntry) int64 { return h.ID }))
}

func (c *Controller) HandleEngagements(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cursor, err := parseCursor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := c.Ledger.Engagements(r.Context(), mux.Vars(r)["id"], cursor, limit+1)
	if err != nil {
		c.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page(rows, limit, func(e rewards.EngagementRecord) int64 { return e.ID }))
}

// HandleParticipantAccount registers a participant or remaps its external platform account.
// Balances and ranks of an existing participant are left as they are.
func (c *Controller) HandleParticipantAccount(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ExternalAccountID string `json:"external_account_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	account := strings.TrimSpace(in.ExternalAccountID)
	if account == "" {
		writeError(w, http.StatusBadRequest, "external_account_id is required")
		return
	}

	id := mux.Vars(r)["id"]
	p, err := c.Store.RegisterParticipant(r.Context(), id, account)
	if err != nil {
		c.storeError(w, r, err)
		return
	}
	c.Logger.Info("Participant account mapped",
		zap.String("participant_id", id),
		zap.String("external_account_id", account))
	writeJSON(w, http.StatusOK, p)
}
