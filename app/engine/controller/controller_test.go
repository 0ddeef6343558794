package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/canopy-network/engagex/pkg/db"
	"github.com/canopy-network/engagex/pkg/db/memory"
	"github.com/canopy-network/engagex/pkg/db/models/rewards"
	"github.com/canopy-network/engagex/pkg/engagement"
	"github.com/canopy-network/engagex/pkg/ledger"
	"github.com/canopy-network/engagex/pkg/monitor"
	"github.com/canopy-network/engagex/pkg/rank"
	"github.com/canopy-network/engagex/pkg/redis"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

const testAdminToken = "admin-token"

var testSecret = []byte("test-secret")

type startCall struct {
	id       string
	interval time.Duration
}

type fakeMonitor struct {
	mu       sync.Mutex
	starts   []startCall
	stops    []string
	startErr error
	stopErr  error
	running  []monitor.WorkerStatus
	results  map[string]monitor.CycleResult
}

func (m *fakeMonitor) Start(_ context.Context, id string, interval time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts = append(m.starts, startCall{id, interval})
	return m.startErr
}

func (m *fakeMonitor) Stop(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops = append(m.stops, id)
	return m.stopErr
}

func (m *fakeMonitor) Running() []monitor.WorkerStatus { return m.running }

func (m *fakeMonitor) LastResult(id string) (monitor.CycleResult, bool) {
	res, ok := m.results[id]
	return res, ok
}

type fakeRanks struct {
	res *rank.PassResult
	err error
}

func (f *fakeRanks) TriggerRanks(context.Context) (*rank.PassResult, error) { return f.res, f.err }

type fakeLeaderboard struct {
	entries []redis.LeaderboardEntry
	err     error
}

func (f *fakeLeaderboard) Page(_ context.Context, offset, limit int) ([]redis.LeaderboardEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	end := min(offset+limit, len(f.entries))
	if offset >= end {
		return []redis.LeaderboardEntry{}, nil
	}
	return f.entries[offset:end], nil
}

type testEnv struct {
	c       *Controller
	store   *memory.Store
	ledger  *ledger.Ledger
	monitor *fakeMonitor
	ranks   *fakeRanks
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := memory.New(time.Now)
	l := ledger.New(store, logger, nil)
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	env := &testEnv{
		store:   store,
		ledger:  l,
		monitor: &fakeMonitor{results: map[string]monitor.CycleResult{}},
		ranks:   &fakeRanks{},
	}
	env.c = &Controller{
		Ledger:     l,
		Monitor:    env.monitor,
		Store:      store,
		Ranks:      env.ranks,
		Logger:     logger,
		AdminToken: testAdminToken,
		AdminUser:  "admin",
		AdminHash:  hash,
		JWTSecret:  testSecret,
	}
	env.handler = env.c.NewRouter()
	return env
}

func (e *testEnv) register(t *testing.T, id string) {
	t.Helper()
	_, err := e.store.RegisterParticipant(context.Background(), id, "acct-"+id)
	require.NoError(t, err)
}

func (e *testEnv) like(t *testing.T, id, item string) {
	t.Helper()
	_, err := e.ledger.Offer(context.Background(), ledger.Offer{
		ParticipantID:  id,
		ExternalItemID: item,
		Kind:           engagement.KindLike,
		Reward:         decimal.RequireFromString("0.5"),
		OccurredAt:     time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
}

func (e *testEnv) do(t *testing.T, method, path string, body any, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func withBearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandleBalance(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "p1")
	env.like(t, "p1", "post-1")
	env.like(t, "p1", "post-2")

	rec := env.do(t, http.MethodGet, "/api/participants/p1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[balanceResponse](t, rec)
	assert.Equal(t, "p1", got.ParticipantID)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(1)), got.Balance.String())

	rec = env.do(t, http.MethodGet, "/api/participants/ghost/balance", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHistoryPaging(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "p1")
	for i := range 5 {
		env.like(t, "p1", fmt.Sprintf("post-%d", i))
	}

	rec := env.do(t, http.MethodGet, "/api/participants/p1/history?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[pagedResponse[rewards.HistoryEntry]](t, rec)
	require.Len(t, first.Data, 2)
	require.NotNil(t, first.NextCursor)
	assert.Equal(t, "2.5", first.Data[0].BalanceAfter.String(), "newest first")

	var seen []int64
	for _, h := range first.Data {
		seen = append(seen, h.ID)
	}
	cursor := *first.NextCursor
	for {
		rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/participants/p1/history?limit=2&cursor=%d", cursor), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		pg := decode[pagedResponse[rewards.HistoryEntry]](t, rec)
		for _, h := range pg.Data {
			seen = append(seen, h.ID)
		}
		if pg.NextCursor == nil {
			break
		}
		cursor = *pg.NextCursor
	}
	assert.Len(t, seen, 5)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i-1], seen[i])
	}
}

func TestHandleEngagementsValidatesQuery(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "p1")
	env.like(t, "p1", "post-1")

	rec := env.do(t, http.MethodGet, "/api/participants/p1/engagements?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/participants/p1/engagements?cursor=-3", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/participants/p1/engagements", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pg := decode[pagedResponse[rewards.EngagementRecord]](t, rec)
	require.Len(t, pg.Data, 1)
	assert.Nil(t, pg.NextCursor)
	assert.Equal(t, "post-1", pg.Data[0].ExternalItemID)
}

func TestMonitoringRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "p1")

	rec := env.do(t, http.MethodPost, "/api/participants/p1/monitoring/start", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/participants/p1/monitoring/start", nil, withBearer("wrong"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, env.monitor.starts)

	rec = env.do(t, http.MethodPost, "/api/participants/p1/monitoring/start", nil, withBearer(testAdminToken))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.monitor.starts, 1)
	assert.Equal(t, startCall{"p1", 0}, env.monitor.starts[0])
}

func TestMonitoringStartParsesInterval(t *testing.T) {
	env := newTestEnv(t)
	admin := withBearer(testAdminToken)

	rec := env.do(t, http.MethodPost, "/api/participants/p1/monitoring/start", map[string]string{"poll_interval": "5m"}, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5*time.Minute, env.monitor.starts[0].interval)

	rec = env.do(t, http.MethodPost, "/api/participants/p1/monitoring/start", map[string]string{"poll_interval": "soon"}, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, env.monitor.starts, 1)
}

func TestMonitoringErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid interval", fmt.Errorf("%w: too small", monitor.ErrInvalidInterval), http.StatusBadRequest},
		{"shutting down", monitor.ErrShuttingDown, http.StatusServiceUnavailable},
		{"unknown participant", fmt.Errorf("participant ghost: %w", db.ErrNotFound), http.StatusNotFound},
		{"store failure", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.monitor.startErr = tt.err
			env.monitor.stopErr = tt.err
			admin := withBearer(testAdminToken)

			rec := env.do(t, http.MethodPost, "/api/participants/p1/monitoring/start", nil, admin)
			assert.Equal(t, tt.want, rec.Code)
			rec = env.do(t, http.MethodPost, "/api/participants/p1/monitoring/stop", nil, admin)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHandleMonitoringStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "p1")
	_, err := env.store.EnableMonitoring(ctx, "p1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, env.store.InsertMonitorErrors(ctx, []rewards.MonitorError{{
		ParticipantID: "p1", CycleID: "c1", Kind: rewards.ErrorKindFetch, Message: "upstream 503", OccurredAt: time.Now(),
	}}))
	env.monitor.running = []monitor.WorkerStatus{{ParticipantID: "p1", PollInterval: time.Minute}}
	env.monitor.results["p1"] = monitor.CycleResult{
		CycleID:      "c1",
		Fetched:      3,
		Accepted:     2,
		Duplicates:   1,
		Tier:         engagement.TierMedium,
		BonusAwarded: true,
		BonusAmount:  decimal.NewFromInt(15),
	}

	rec := env.do(t, http.MethodGet, "/api/participants/p1/monitoring", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[monitoringResponse](t, rec)
	require.NotNil(t, got.Config)
	assert.True(t, got.Config.Enabled)
	assert.True(t, got.Running)
	require.NotNil(t, got.LastCycle)
	assert.Equal(t, 2, got.LastCycle.Accepted)
	require.NotNil(t, got.LastCycle.BonusAmount)
	assert.Equal(t, "15", got.LastCycle.BonusAmount.String())
	require.Len(t, got.RecentErrors, 1)
	assert.Equal(t, "upstream 503", got.RecentErrors[0].Message)

	rec = env.do(t, http.MethodGet, "/api/participants/p2/monitoring", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleLeaderboardSources(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		env.register(t, id)
	}
	env.like(t, "b", "post-1")
	require.NoError(t, env.store.WriteRanks(ctx, []rewards.RankAssignment{
		{ParticipantID: "b", Rank: 1}, {ParticipantID: "a", Rank: 2},
	}))

	rec := env.do(t, http.MethodGet, "/api/leaderboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[leaderboardResponse](t, rec)
	assert.Equal(t, "store", got.Source)
	require.Len(t, got.Data, 2)
	assert.Equal(t, "b", got.Data[0].ParticipantID)
	assert.Equal(t, int64(1), got.Data[0].Rank)

	env.c.Leaderboard = &fakeLeaderboard{entries: []redis.LeaderboardEntry{
		{ParticipantID: "b", Rank: 1, Balance: decimal.RequireFromString("0.5")},
		{ParticipantID: "a", Rank: 2},
	}}
	rec = env.do(t, http.MethodGet, "/api/leaderboard?offset=1&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[leaderboardResponse](t, rec)
	assert.Equal(t, "cache", got.Source)
	require.Len(t, got.Data, 1)
	assert.Equal(t, "a", got.Data[0].ParticipantID)

	env.c.Leaderboard = &fakeLeaderboard{err: redis.ErrNoLeaderboard}
	rec = env.do(t, http.MethodGet, "/api/leaderboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "store", decode[leaderboardResponse](t, rec).Source)
}

func TestHandleRanksRecompute(t *testing.T) {
	env := newTestEnv(t)
	admin := withBearer(testAdminToken)

	env.ranks.res = &rank.PassResult{Participants: 3, Batches: 1}
	rec := env.do(t, http.MethodPost, "/api/ranks/recompute", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[rank.PassResult](t, rec).Participants)

	env.ranks.res = nil
	rec = env.do(t, http.MethodPost, "/api/ranks/recompute", nil, admin)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	env.ranks.err = rank.ErrPassInProgress
	rec = env.do(t, http.MethodPost, "/api/ranks/recompute", nil, admin)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminLoginIssuesSessionCookie(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/auth/login", map[string]string{"username": "admin", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/auth/login", map[string]string{"username": "admin", "password": "hunter2"})
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookie, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	rec = env.do(t, http.MethodGet, "/api/monitoring", nil, func(r *http.Request) { r.AddCookie(cookies[0]) })
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminBearerJWT(t *testing.T) {
	env := newTestEnv(t)
	sign := func(role string, key []byte) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"role": role,
			"exp":  time.Now().Add(time.Hour).Unix(),
		}).SignedString(key)
		require.NoError(t, err)
		return s
	}

	rec := env.do(t, http.MethodGet, "/api/monitoring", nil, withBearer(sign(roleAdmin, testSecret)))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/monitoring", nil, withBearer(sign("viewer", testSecret)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/monitoring", nil, withBearer(sign(roleAdmin, []byte("other"))))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)
	env.c.Checks = []HealthCheck{
		{Name: "store", Check: func(context.Context) error { return nil }},
	}
	rec := env.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[healthResponse](t, rec).Status)

	env.c.Checks = append(env.c.Checks, HealthCheck{Name: "redis", Check: func(context.Context) error { return errors.New("dial tcp: refused") }})
	rec = env.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	got := decode[healthResponse](t, rec)
	assert.Equal(t, "degraded", got.Status)
	assert.Equal(t, "ok", got.Checks["store"])
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	h := WithCORS(env.handler)
	req := httptest.NewRequest(http.MethodOptions, "/api/leaderboard", nil)
	req.Header.Set("Origin", "https://dash.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestParticipantAccountRegistersAndRemaps(t *testing.T) {
	env := newTestEnv(t)
	admin := withBearer(testAdminToken)
	body := map[string]string{"external_account_id": "acct-alice"}

	rec := env.do(t, http.MethodPut, "/api/participants/alice/account", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/participants/alice/account", map[string]string{"external_account_id": "  "}, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/participants/alice/account", body, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[rewards.Participant](t, rec)
	assert.Equal(t, "alice", got.ID)
	assert.Equal(t, "acct-alice", got.ExternalAccountID)

	env.like(t, "alice", "post-1")
	rec = env.do(t, http.MethodPut, "/api/participants/alice/account", map[string]string{"external_account_id": "acct-alice-2"}, admin)
	require.Equal(t, http.StatusOK, rec.Code)

	p, err := env.store.GetParticipant(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "acct-alice-2", p.ExternalAccountID)
	assert.Equal(t, "0.5", p.TotalBalance.String(), "remapping keeps the balance")
}
