package rank

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/canopy-network/engagex/pkg/db/memory"
	"github.com/canopy-network/engagex/pkg/db/models/rewards"
	"github.com/canopy-network/engagex/pkg/engagement"
	"github.com/canopy-network/engagex/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fakeRankStore struct {
	mu       sync.Mutex
	snapshot []rewards.BalanceSnapshot
	written  map[string]int64
	batches  int
	failRank int64 // a batch containing this rank fails
	block    chan struct{}
	entered  chan struct{}
}

func (f *fakeRankStore) SnapshotBalances(context.Context) ([]rewards.BalanceSnapshot, error) {
	if f.entered != nil {
		close(f.entered)
	}
	if f.block != nil {
		<-f.block
	}
	return f.snapshot, nil
}

func (f *fakeRankStore) WriteRanks(_ context.Context, ranks []rewards.RankAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range ranks {
		if r.Rank == f.failRank {
			return errors.New("lock timeout")
		}
	}
	if f.written == nil {
		f.written = map[string]int64{}
	}
	for _, r := range ranks {
		f.written[r.ParticipantID] = r.Rank
	}
	f.batches++
	return nil
}

func (f *fakeRankStore) ListLeaderboard(context.Context, int, int) ([]rewards.Participant, error) {
	return nil, nil
}

type recordingMirror struct {
	ranks []rewards.RankAssignment
	err   error
}

func (m *recordingMirror) ReplaceLeaderboard(_ context.Context, ranks []rewards.RankAssignment) error {
	m.ranks = ranks
	return m.err
}

type recordingRankNotifier struct{ passes []PassResult }

func (n *recordingRankNotifier) RanksRecomputed(_ context.Context, res PassResult) {
	n.passes = append(n.passes, res)
}

func TestRecomputeWritesEveryBatch(t *testing.T) {
	store := &fakeRankStore{}
	for i := 0; i < 1050; i++ {
		store.snapshot = append(store.snapshot, snap(fmt.Sprintf("p%04d", i), fmt.Sprintf("%d", i)))
	}
	mirror := &recordingMirror{}
	notifier := &recordingRankNotifier{}
	e := NewEngine(Options{Store: store, Logger: zaptest.NewLogger(t), BatchSize: 100, Writers: 3, Mirror: mirror, Notifier: notifier})

	res, err := e.Recompute(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1050, res.Participants)
	require.Equal(t, 11, res.Batches)
	require.Equal(t, 11, store.batches)
	require.Len(t, store.written, 1050)
	require.EqualValues(t, 1, store.written["p1049"])
	require.EqualValues(t, 1050, store.written["p0000"])

	require.Len(t, mirror.ranks, 1050)
	require.Len(t, notifier.passes, 1)
	last, ok := e.LastPass()
	require.True(t, ok)
	require.Equal(t, res, last)
}

func TestRecomputeReportsBatchFailure(t *testing.T) {
	store := &fakeRankStore{failRank: 150}
	for i := 0; i < 300; i++ {
		store.snapshot = append(store.snapshot, snap(fmt.Sprintf("p%03d", i), "1"))
	}
	mirror := &recordingMirror{}
	e := NewEngine(Options{Store: store, Logger: zaptest.NewLogger(t), BatchSize: 100, Mirror: mirror})

	_, err := e.Recompute(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "lock timeout")
	// the other batches are still written; the mirror is left alone
	require.Equal(t, 2, store.batches)
	require.Nil(t, mirror.ranks)
	_, ok := e.LastPass()
	require.False(t, ok)
}

func TestRecomputeMirrorFailureIsNotFatal(t *testing.T) {
	store := &fakeRankStore{snapshot: []rewards.BalanceSnapshot{snap("a", "1")}}
	e := NewEngine(Options{Store: store, Logger: zaptest.NewLogger(t), Mirror: &recordingMirror{err: errors.New("redis down")}})

	_, err := e.Recompute(context.Background())
	require.NoError(t, err)
}

func TestRecomputeSkipsWhenPassInProgress(t *testing.T) {
	store := &fakeRankStore{
		snapshot: []rewards.BalanceSnapshot{snap("a", "1")},
		block:    make(chan struct{}),
		entered:  make(chan struct{}),
	}
	e := NewEngine(Options{Store: store, Logger: zaptest.NewLogger(t)})

	done := make(chan error, 1)
	go func() {
		_, err := e.Recompute(context.Background())
		done <- err
	}()
	<-store.entered
	require.True(t, e.Running())

	_, err := e.Recompute(context.Background())
	require.ErrorIs(t, err, ErrPassInProgress)

	close(store.block)
	require.NoError(t, <-done)
	require.False(t, e.Running())
}

func TestRecomputeAgainstStoreIsTotal(t *testing.T) {
	store := memory.New(nil)
	l := ledger.New(store, zaptest.NewLogger(t), nil)
	ctx := context.Background()
	table := engagement.DefaultTable()
	follow, _ := table.RewardFor(engagement.KindFollow)

	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("p%02d", i)
		_, err := store.RegisterParticipant(ctx, id, "acct-"+id)
		require.NoError(t, err)
		for j := 0; j < i%4; j++ {
			_, err := l.Offer(ctx, ledger.Offer{ParticipantID: id, ExternalItemID: fmt.Sprintf("item-%d", j), Kind: engagement.KindFollow, Reward: follow})
			require.NoError(t, err)
		}
	}

	e := NewEngine(Options{Store: store, Logger: zaptest.NewLogger(t), BatchSize: 7})
	_, err := e.Recompute(ctx)
	require.NoError(t, err)

	board, err := store.ListLeaderboard(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, board, 30)
	for i, p := range board {
		require.EqualValues(t, i+1, *p.Rank)
		if i > 0 {
			prev := board[i-1]
			assert.True(t, prev.TotalBalance.GreaterThan(p.TotalBalance) ||
				(prev.TotalBalance.Equal(p.TotalBalance) && prev.ID < p.ID))
		}
	}
	// highest balance, lowest id among ties
	require.Equal(t, "p03", board[0].ID)
}

func TestRecomputeConcurrentWithOffers(t *testing.T) {
	const (
		participants = 50
		writers      = 8
		offersEach   = 200
		passes       = 20
	)
	store := memory.New(nil)
	l := ledger.New(store, zaptest.NewLogger(t), nil)
	ctx := context.Background()
	like, _ := engagement.DefaultTable().RewardFor(engagement.KindLike)

	for i := 0; i < participants; i++ {
		id := fmt.Sprintf("p%02d", i)
		_, err := store.RegisterParticipant(ctx, id, "acct-"+id)
		require.NoError(t, err)
	}

	e := NewEngine(Options{Store: store, Logger: zaptest.NewLogger(t), BatchSize: 9, Writers: 3})

	var wg sync.WaitGroup
	errs := make(chan error, writers+1)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for n := 0; n < offersEach; n++ {
				id := fmt.Sprintf("p%02d", (w*offersEach+n)%participants)
				_, err := l.Offer(ctx, ledger.Offer{
					ParticipantID:  id,
					ExternalItemID: fmt.Sprintf("w%d-item-%d", w, n),
					Kind:           engagement.KindLike,
					Reward:         like,
				})
				if err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < passes; i++ {
			if _, err := e.Recompute(ctx); err != nil && !errors.Is(err, ErrPassInProgress) {
				errs <- err
				return
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	_, err := e.Recompute(ctx)
	require.NoError(t, err)

	board, err := store.ListLeaderboard(ctx, 0, participants*2)
	require.NoError(t, err)
	require.Len(t, board, participants)
	seen := make(map[int64]bool, participants)
	for i, p := range board {
		require.NotNil(t, p.Rank)
		require.EqualValues(t, i+1, *p.Rank)
		require.False(t, seen[*p.Rank], "rank %d assigned twice", *p.Rank)
		seen[*p.Rank] = true
		if i > 0 {
			prev := board[i-1]
			assert.True(t, prev.TotalBalance.GreaterThan(p.TotalBalance) ||
				(prev.TotalBalance.Equal(p.TotalBalance) && prev.ID < p.ID))
		}
	}
}

func testLogger(t *testing.T) *zap.Logger { return zaptest.NewLogger(t) }
