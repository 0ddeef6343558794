// Package rank recomputes the global participant ordering by balance.
package rank

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/engagex/pkg/db"
	"github.com/canopy-network/engagex/pkg/db/models/rewards"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize = 100
	MaxBatchSize     = 1000
	DefaultWriters   = 4
)

// ErrPassInProgress is returned when a recompute is requested while another pass is running.
var ErrPassInProgress = errors.New("rank pass already in progress")

// Mirror receives the full ordering after a successful pass, e.g. a cache used by read paths.
type Mirror interface {
	ReplaceLeaderboard(ctx context.Context, ranks []rewards.RankAssignment) error
}

// Notifier hears about finished passes.
type Notifier interface {
	RanksRecomputed(ctx context.Context, res PassResult)
}

// PassResult summarizes one rank pass.
type PassResult struct {
	Participants int           `json:"participants"`
	Batches      int           `json:"batches"`
	StartedAt    time.Time     `json:"started_at"`
	Took         time.Duration `json:"took"`
}

type Options struct {
	Store     db.RankStore
	Logger    *zap.Logger
	BatchSize int
	Writers   int
	Mirror    Mirror   // optional
	Notifier  Notifier // optional
	Clock     clockwork.Clock
}

// Engine runs rank passes. At most one pass runs at a time per Engine.
type Engine struct {
	store     db.RankStore
	logger    *zap.Logger
	batchSize int
	writers   int
	mirror    Mirror
	notifier  Notifier
	clock     clockwork.Clock

	running atomic.Bool
	mu      sync.RWMutex
	last    *PassResult
}

func NewEngine(opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchSize > MaxBatchSize {
		opts.BatchSize = MaxBatchSize
	}
	if opts.Writers <= 0 {
		opts.Writers = DefaultWriters
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Engine{
		store:     opts.Store,
		logger:    opts.Logger.With(zap.String("component", "rank")),
		batchSize: opts.BatchSize,
		writers:   opts.Writers,
		mirror:    opts.Mirror,
		notifier:  opts.Notifier,
		clock:     opts.Clock,
	}
}

// Recompute reads a consistent balance snapshot, orders it and writes the ranks back in
// batches, each batch in its own transaction. Balances that change during the pass are picked
// up by the next one. A failed pass leaves already written batches in place; the next pass
// rewrites every rank.
func (e *Engine) Recompute(ctx context.Context) (PassResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return PassResult{}, ErrPassInProgress
	}
	defer e.running.Store(false)

	res := PassResult{StartedAt: e.clock.Now().UTC()}

	snapshot, err := e.store.SnapshotBalances(ctx)
	if err != nil {
		return res, fmt.Errorf("snapshot balances: %w", err)
	}

	ranks := ComputeRanks(snapshot)
	batches := Batches(ranks, e.batchSize)
	res.Participants = len(ranks)
	res.Batches = len(batches)

	if err := e.writeBatches(ctx, batches); err != nil {
		return res, err
	}
	res.Took = e.clock.Since(res.StartedAt)

	if e.mirror != nil {
		if err := e.mirror.ReplaceLeaderboard(ctx, ranks); err != nil {
			e.logger.Warn("Failed to refresh leaderboard mirror", zap.Error(err))
		}
	}

	e.mu.Lock()
	e.last = &res
	e.mu.Unlock()

	if e.notifier != nil {
		e.notifier.RanksRecomputed(ctx, res)
	}

	e.logger.Info("Rank pass finished",
		zap.Int("participants", res.Participants),
		zap.Int("batches", res.Batches),
		zap.Duration("took", res.Took))
	return res, nil
}

func (e *Engine) writeBatches(ctx context.Context, batches [][]rewards.RankAssignment) error {
	if len(batches) == 0 {
		return nil
	}

	pool := pond.NewPool(e.writers, pond.WithQueueSize(len(batches)))
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	var (
		mu   sync.Mutex
		errs []error
	)
	for i, batch := range batches {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			if err := e.store.WriteRanks(groupCtx, batch); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("write batch %d: %w", i, err))
				mu.Unlock()
			}
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		e.logger.Warn("Rank writer group encountered error", zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LastPass returns the most recent successful pass of this process.
func (e *Engine) LastPass() (PassResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return PassResult{}, false
	}
	return *e.last, true
}

// Running reports whether a pass is in progress.
func (e *Engine) Running() bool { return e.running.Load() }
