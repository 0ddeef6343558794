package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/canopy-network/engagex/pkg/db/memory"
	"github.com/canopy-network/engagex/pkg/engagement"
	"github.com/canopy-network/engagex/pkg/identity"
	"github.com/canopy-network/engagex/pkg/ledger"
	"github.com/canopy-network/engagex/pkg/platform"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fetchCall struct {
	accountID string
	since     time.Time
}

// fakeFetcher serves scripted batches per account; the last script entry repeats.
type fakeFetcher struct {
	mu      sync.Mutex
	scripts map[string][]func() (platform.Batch, error)
	calls   []fetchCall
	// block, when set, is waited on before answering
	block chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{scripts: map[string][]func() (platform.Batch, error){}}
}

func (f *fakeFetcher) script(accountID string, steps ...func() (platform.Batch, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[accountID] = append(f.scripts[accountID], steps...)
}

func (f *fakeFetcher) Fetch(ctx context.Context, accountID string, since time.Time) (platform.Batch, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{accountID: accountID, since: since})
	block := f.block
	var step func() (platform.Batch, error)
	if steps := f.scripts[accountID]; len(steps) > 0 {
		step = steps[0]
		if len(steps) > 1 {
			f.scripts[accountID] = steps[1:]
		}
	}
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if step == nil {
		return platform.Batch{}, nil
	}
	return step()
}

func (f *fakeFetcher) callsFor(accountID string) []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fetchCall
	for _, c := range f.calls {
		if c.accountID == accountID {
			out = append(out, c)
		}
	}
	return out
}

func batchOf(profile *platform.Profile, candidates ...platform.Candidate) func() (platform.Batch, error) {
	return func() (platform.Batch, error) {
		return platform.Batch{Candidates: candidates, Profile: profile}, nil
	}
}

func failWith(err error) func() (platform.Batch, error) {
	return func() (platform.Batch, error) { return platform.Batch{}, err }
}

func cand(item string, kind engagement.Kind, at time.Time) platform.Candidate {
	return platform.Candidate{ExternalItemID: item, Kind: kind, OccurredAt: at}
}

type tierEvent struct {
	participantID string
	from          *engagement.Tier
	to            engagement.Tier
	bonus         decimal.Decimal
}

type recordingTierNotifier struct {
	mu     sync.Mutex
	events []tierEvent
}

func (n *recordingTierNotifier) TierChanged(_ context.Context, participantID string, from *engagement.Tier, to engagement.Tier, bonus decimal.Decimal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, tierEvent{participantID, from, to, bonus})
}

// faultyLedger fails offers of the listed items with a storage fault.
type faultyLedger struct {
	*ledger.Ledger
	failItems map[string]bool
}

func (f *faultyLedger) Offer(ctx context.Context, o ledger.Offer) (ledger.Outcome, error) {
	if f.failItems[o.ExternalItemID] {
		return 0, errors.Join(ledger.ErrStorage, errors.New("deadlock detected"))
	}
	return f.Ledger.Offer(ctx, o)
}

// panickingStore panics when a cycle outcome is recorded.
type panickingStore struct {
	*memory.Store
}

func (panickingStore) RecordCycle(context.Context, string, *time.Time, *string, time.Time) error {
	panic("record cycle exploded")
}

type fixture struct {
	store    *memory.Store
	ledger   *ledger.Ledger
	fetcher  *fakeFetcher
	resolver *identity.StoreResolver
	clock    *clockwork.FakeClock
	notifier *recordingTierNotifier
	opts     Options
}

func newFixture(t *testing.T, participants ...string) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	store := memory.New(clock.Now)
	for _, id := range participants {
		_, err := store.RegisterParticipant(context.Background(), id, "acct-"+id)
		require.NoError(t, err)
	}

	resolver := identity.NewStoreResolver(store)

	logger := zaptest.NewLogger(t)
	l := ledger.New(store, logger, nil)
	f := &fixture{
		store:    store,
		ledger:   l,
		fetcher:  newFakeFetcher(),
		resolver: resolver,
		clock:    clock,
		notifier: &recordingTierNotifier{},
	}
	f.opts = Options{
		Store:           store,
		Ledger:          l,
		Fetcher:         f.fetcher,
		Resolver:        resolver,
		Notifier:        f.notifier,
		Logger:          logger,
		Clock:           clock,
		DefaultInterval: time.Minute,
		CycleTimeout:    5 * time.Second,
		ShutdownGrace:   5 * time.Second,
	}
	return f
}

func (f *fixture) cycler() *cycler {
	opts := f.opts
	opts.setDefaults()
	return &cycler{
		store:      opts.Store,
		ledger:     opts.Ledger,
		fetcher:    opts.Fetcher,
		resolver:   opts.Resolver,
		table:      opts.Table,
		notifier:   opts.Notifier,
		bonus:      opts.Bonus,
		rateWindow: opts.RateWindow,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}
}

func (f *fixture) enable(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.store.EnableMonitoring(context.Background(), id, time.Minute)
		require.NoError(t, err)
	}
}
