// Package controller serves the engine HTTP API: participant reads, the leaderboard and the
// admin operations that start and stop monitoring.
package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/canopy-network/engagex/pkg/db/models/rewards"
	"github.com/canopy-network/engagex/pkg/monitor"
	"github.com/canopy-network/engagex/pkg/rank"
	"github.com/canopy-network/engagex/pkg/redis"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger is the read side of the engagement ledger.
type Ledger interface {
	Balance(ctx context.Context, participantID string) (decimal.Decimal, error)
	History(ctx context.Context, participantID string, cursor int64, limit int) ([]rewards.HistoryEntry, error)
	Engagements(ctx context.Context, participantID string, cursor int64, limit int) ([]rewards.EngagementRecord, error)
}

// Monitor controls per-participant polling.
type Monitor interface {
	Start(ctx context.Context, participantID string, interval time.Duration) error
	Stop(ctx context.Context, participantID string) error
	Running() []monitor.WorkerStatus
	LastResult(participantID string) (monitor.CycleResult, bool)
}

// Store is what the API reads and registers directly.
type Store interface {
	GetParticipant(ctx context.Context, id string) (*rewards.Participant, error)
	RegisterParticipant(ctx context.Context, id, externalAccountID string) (*rewards.Participant, error)
	GetMonitoringConfig(ctx context.Context, participantID string) (*rewards.MonitoringConfig, error)
	ListMonitorErrors(ctx context.Context, participantID string, limit int) ([]rewards.MonitorError, error)
	ListLeaderboard(ctx context.Context, offset, limit int) ([]rewards.Participant, error)
}

// RankTrigger starts a rank pass. A nil result means the pass was handed off and runs
// asynchronously.
type RankTrigger interface {
	TriggerRanks(ctx context.Context) (*rank.PassResult, error)
}

// Leaderboard is the optional cached leaderboard.
type Leaderboard interface {
	Page(ctx context.Context, offset, limit int) ([]redis.LeaderboardEntry, error)
}

// HealthCheck reports one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Controller struct {
	Ledger      Ledger
	Monitor     Monitor
	Store       Store
	Ranks       RankTrigger
	Leaderboard Leaderboard // nil when Redis is disabled
	Checks      []HealthCheck
	Logger      *zap.Logger

	AdminToken string
	AdminUser  string
	AdminHash  []byte
	JWTSecret  []byte
	// SecureCookie marks the session cookie Secure.
	SecureCookie bool
}

// NewRouter returns the API router.
func (c *Controller) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", c.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/login", c.HandleAdminLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/logout", c.HandleAdminLogout).Methods(http.MethodPost)

	// settlement and dashboard reads
	r.HandleFunc("/api/participants/{id}/balance", c.HandleBalance).Methods(http.MethodGet)
	r.HandleFunc("/api/participants/{id}/history", c.HandleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/participants/{id}/engagements", c.HandleEngagements).Methods(http.MethodGet)
	r.HandleFunc("/api/participants/{id}/monitoring", c.HandleMonitoringStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/leaderboard", c.HandleLeaderboard).Methods(http.MethodGet)

	r.Handle("/api/participants/{id}/account", c.RequireAdmin(http.HandlerFunc(c.HandleParticipantAccount))).Methods(http.MethodPut)
	r.Handle("/api/participants/{id}/monitoring/start", c.RequireAdmin(http.HandlerFunc(c.HandleMonitoringStart))).Methods(http.MethodPost)
	r.Handle("/api/participants/{id}/monitoring/stop", c.RequireAdmin(http.HandlerFunc(c.HandleMonitoringStop))).Methods(http.MethodPost)
	r.Handle("/api/monitoring", c.RequireAdmin(http.HandlerFunc(c.HandleMonitoringList))).Methods(http.MethodGet)
	r.Handle("/api/ranks/recompute", c.RequireAdmin(http.HandlerFunc(c.HandleRanksRecompute))).Methods(http.MethodPost)

	return r
}

// WithCORS adds permissive CORS headers for the dashboards.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodPut+", "+http.MethodOptions)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
