package housekeeping

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/canopy-network/engagex/pkg/db/memory"
	"github.com/canopy-network/engagex/pkg/db/models/rewards"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCleanerDeletesOnlyExpiredRows(t *testing.T) {
	now := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	store := memory.New(clock.Now)
	ctx := context.Background()
	_, err := store.RegisterParticipant(ctx, "p1", "acct-1")
	require.NoError(t, err)

	row := func(age time.Duration) rewards.MonitorError {
		return rewards.MonitorError{ParticipantID: "p1", CycleID: "c", Kind: rewards.ErrorKindFetch, Message: "x", OccurredAt: now.Add(-age)}
	}
	require.NoError(t, store.InsertMonitorErrors(ctx, []rewards.MonitorError{
		row(10 * 24 * time.Hour),
		row(8 * 24 * time.Hour),
		row(time.Hour),
	}))

	c := NewCleaner(store, 0, clock, zaptest.NewLogger(t))
	n, err := c.Run(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	rows, err := store.ListMonitorErrors(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	n, err = c.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

type failingStore struct{}

func (failingStore) DeleteMonitorErrorsBefore(context.Context, time.Time) (int64, error) {
	return 0, errors.New("read-only transaction")
}

func TestCleanerWrapsStoreError(t *testing.T) {
	c := NewCleaner(failingStore{}, time.Hour, nil, zaptest.NewLogger(t))
	_, err := c.Run(context.Background())
	require.ErrorContains(t, err, "read-only transaction")
}
