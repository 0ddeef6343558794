package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(endpoints ...string) *HTTPClient {
	return NewHTTPWithOpts(Opts{
		Endpoints:       endpoints,
		Token:           "secret",
		RPS:             1000,
		Burst:           1000,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	})
}

func TestActivitiesRequestShape(t *testing.T) {
	since := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/accounts/acct%2F1/activities", r.URL.RawPath)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, since.Format(time.RFC3339Nano), r.URL.Query().Get("since"))
		require.Equal(t, "50", r.URL.Query().Get("limit"))
		require.Equal(t, "c2", r.URL.Query().Get("cursor"))

		_ = json.NewEncoder(w).Encode(Page{
			Data:       []Activity{{ItemID: "i1", Kind: "like", Timestamp: since, CurrentFollowers: 10}},
			NextCursor: "c3",
		})
	}))
	defer srv.Close()

	page, err := newTestClient(srv.URL).Activities(context.Background(), "acct/1", since, 50, "c2")
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	require.Equal(t, "c3", page.NextCursor)
	require.EqualValues(t, 10, page.Data[0].CurrentFollowers)
}

func TestActivitiesEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.URL.Query().Get("since"))
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	page, err := newTestClient(srv.URL).Activities(context.Background(), "acct", time.Time{}, 10, "")
	require.NoError(t, err)
	require.Empty(t, page.Data)
	require.Empty(t, page.NextCursor)
}

func TestFatalStatuses(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone, http.StatusBadRequest} {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(status)
		}))

		// a second endpoint must not be tried after a fatal answer
		_, err := newTestClient(srv.URL, srv.URL+"/mirror").Activities(context.Background(), "acct", time.Time{}, 10, "")
		srv.Close()

		require.Error(t, err)
		require.True(t, IsFatal(err), "status %d", status)
		require.False(t, IsTransient(err))
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		require.Equal(t, status, fe.Status)
		require.EqualValues(t, 1, hits.Load())
	}
}

func TestServerErrorsFailOverAndOpenBreaker(t *testing.T) {
	var badHits, goodHits atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badHits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodHits.Add(1)
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer good.Close()

	c := newTestClient(bad.URL, good.URL)
	for i := 0; i < 4; i++ {
		_, err := c.Activities(context.Background(), "acct", time.Time{}, 10, "")
		require.NoError(t, err)
	}
	// breaker opens after two failures, later calls skip the bad endpoint
	require.EqualValues(t, 2, badHits.Load())
	require.EqualValues(t, 4, goodHits.Load())
}

func TestRateLimitedIsTransientAndCoolsDown(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.Activities(context.Background(), "acct", time.Time{}, 10, "")
	require.True(t, IsTransient(err))
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, http.StatusTooManyRequests, fe.Status)

	_, err = c.Activities(context.Background(), "acct", time.Time{}, 10, "")
	require.ErrorIs(t, err, ErrBreakerOpen)
	require.True(t, IsTransient(err))
	require.EqualValues(t, 1, hits.Load())

	now = now.Add(121 * time.Second)
	_, err = c.Activities(context.Background(), "acct", time.Time{}, 10, "")
	require.True(t, IsTransient(err))
	require.EqualValues(t, 2, hits.Load())
}

func TestUndecodableBodyIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Activities(context.Background(), "acct", time.Time{}, 10, "")
	require.True(t, IsTransient(err))
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).Activities(context.Background(), "acct", time.Time{}, 10, "")
	require.True(t, IsTransient(err))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	require.Equal(t, time.Duration(0), parseRetryAfter("-1", now))
	require.Equal(t, time.Duration(0), parseRetryAfter("", now))
	require.Equal(t, time.Minute, parseRetryAfter(now.Add(time.Minute).Format(http.TimeFormat), now))
	require.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
}
