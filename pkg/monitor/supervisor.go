// Package monitor polls the platform for every monitored participant.
//
// Each participant gets one worker goroutine owned by a Supervisor. Workers run their cycles
// sequentially, so a participant never has two cycles in flight. A cycle's failures are kept
// in its CycleResult and written to the participant's config; they never reach the supervisor.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/engagex/pkg/db"
	"github.com/canopy-network/engagex/pkg/engagement"
	"github.com/canopy-network/engagex/pkg/identity"
	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

var (
	ErrShuttingDown    = errors.New("supervisor is shutting down")
	ErrShutdownTimeout = errors.New("workers did not stop within the grace period")
	ErrInvalidInterval = errors.New("poll interval must be positive")
)

// Options configures a Supervisor.
type Options struct {
	Store    db.MonitorStore
	Ledger   Ledger
	Fetcher  Fetcher
	Resolver identity.Resolver
	Table    *engagement.RewardTable
	Notifier TierNotifier // optional
	Logger   *zap.Logger
	Clock    clockwork.Clock // defaults to the real clock

	DefaultInterval   time.Duration
	MinInterval       time.Duration
	CycleTimeout      time.Duration
	ShutdownGrace     time.Duration
	RateWindow        time.Duration
	Bonus             BonusPolicy
	ResumeConcurrency int
}

func (o *Options) setDefaults() {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Table == nil {
		o.Table = engagement.DefaultTable()
	}
	if o.DefaultInterval <= 0 {
		o.DefaultInterval = 5 * time.Minute
	}
	if o.MinInterval <= 0 {
		o.MinInterval = 10 * time.Second
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = 2 * time.Minute
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 10 * time.Second
	}
	if o.RateWindow <= 0 {
		o.RateWindow = 7 * 24 * time.Hour
	}
	if o.Bonus.Window <= 0 {
		o.Bonus.Window = 7 * 24 * time.Hour
	}
	if o.ResumeConcurrency <= 0 {
		o.ResumeConcurrency = 8
	}
}

// WorkerStatus describes a running worker.
type WorkerStatus struct {
	ParticipantID string        `json:"participant_id"`
	PollInterval  time.Duration `json:"poll_interval"`
	StartedAt     time.Time     `json:"started_at"`
	Cycles        int64         `json:"cycles"`
}

type worker struct {
	participantID string
	interval      time.Duration
	startedAt     time.Time
	cycles        atomic.Int64

	cancel    context.CancelFunc
	done      chan struct{}
	firstDone chan struct{}
}

// Supervisor owns the per-participant workers.
type Supervisor struct {
	opts   Options
	cycler *cycler
	store  db.MonitorStore
	clock  clockwork.Clock
	logger *zap.Logger

	workers *xsync.Map[string, *worker]
	results *xsync.Map[string, CycleResult]
	// locks serializes Start and Stop of one participant
	locks *xsync.Map[string, *sync.Mutex]

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	// lifecycle orders closed against wg.Add so no worker launches after Shutdown waits
	lifecycle sync.Mutex
	closed    atomic.Bool
}

func NewSupervisor(opts Options) *Supervisor {
	opts.setDefaults()
	logger := opts.Logger.With(zap.String("component", "monitor"))
	runCtx, runCancel := context.WithCancel(context.Background())

	return &Supervisor{
		opts:  opts,
		store: opts.Store,
		clock: opts.Clock,
		cycler: &cycler{
			store:      opts.Store,
			ledger:     opts.Ledger,
			fetcher:    opts.Fetcher,
			resolver:   opts.Resolver,
			table:      opts.Table,
			notifier:   opts.Notifier,
			bonus:      opts.Bonus,
			rateWindow: opts.RateWindow,
			clock:      opts.Clock,
			logger:     logger,
		},
		logger:    logger,
		workers:   xsync.NewMap[string, *worker](),
		results:   xsync.NewMap[string, CycleResult](),
		locks:     xsync.NewMap[string, *sync.Mutex](),
		runCtx:    runCtx,
		runCancel: runCancel,
	}
}

func (s *Supervisor) lock(participantID string) func() {
	mu, _ := s.locks.LoadOrStore(participantID, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// Start enables monitoring of a participant and launches its worker, which runs a first cycle
// right away. Starting a running participant with the same interval is a no-op; a different
// interval restarts the worker. interval <= 0 selects the default.
func (s *Supervisor) Start(ctx context.Context, participantID string, interval time.Duration) error {
	if s.closed.Load() {
		return ErrShuttingDown
	}
	if interval <= 0 {
		interval = s.opts.DefaultInterval
	}
	if interval < s.opts.MinInterval {
		return fmt.Errorf("%w: %s is below the minimum of %s", ErrInvalidInterval, interval, s.opts.MinInterval)
	}

	unlock := s.lock(participantID)
	defer unlock()

	existing, running := s.workers.Load(participantID)
	if running && existing.interval == interval {
		return nil
	}

	if _, err := s.store.EnableMonitoring(ctx, participantID, interval); err != nil {
		return fmt.Errorf("enable monitoring of %s: %w", participantID, err)
	}

	if running {
		s.halt(existing)
	}
	if _, ok := s.launch(participantID, interval); !ok {
		return ErrShuttingDown
	}
	s.logger.Info("Monitoring started",
		zap.String("participant_id", participantID),
		zap.Duration("poll_interval", interval))
	return nil
}

// Stop cancels future cycles of a participant and disables its config; the watermark is kept.
// It returns after the in-flight cycle, if any, has finished.
func (s *Supervisor) Stop(ctx context.Context, participantID string) error {
	unlock := s.lock(participantID)
	defer unlock()

	if w, ok := s.workers.Load(participantID); ok {
		s.halt(w)
	}

	if err := s.store.DisableMonitoring(ctx, participantID); err != nil {
		return fmt.Errorf("disable monitoring of %s: %w", participantID, err)
	}

	s.logger.Info("Monitoring stopped", zap.String("participant_id", participantID))
	return nil
}

// halt cancels a worker, waits for it and removes it. Caller holds the participant lock.
func (s *Supervisor) halt(w *worker) {
	w.cancel()
	<-w.done
	s.workers.Compute(w.participantID, func(old *worker, loaded bool) (*worker, xsync.ComputeOp) {
		if loaded && old == w {
			return nil, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
}

// launch starts a worker unless the supervisor is shutting down.
func (s *Supervisor) launch(participantID string, interval time.Duration) (*worker, bool) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.closed.Load() {
		return nil, false
	}

	ctx, cancel := context.WithCancel(s.runCtx)
	w := &worker{
		participantID: participantID,
		interval:      interval,
		startedAt:     s.clock.Now().UTC(),
		cancel:        cancel,
		done:          make(chan struct{}),
		firstDone:     make(chan struct{}),
	}
	s.workers.Store(participantID, w)

	s.wg.Add(1)
	go s.loop(ctx, w)
	return w, true
}

func (s *Supervisor) loop(ctx context.Context, w *worker) {
	defer s.wg.Done()
	defer close(w.done)

	ticker := s.clock.NewTicker(w.interval)
	defer ticker.Stop()

	s.runOnce(w)
	close(w.firstDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			// a stop that raced the tick wins
			if ctx.Err() != nil {
				return
			}
			s.runOnce(w)
		}
	}
}

// runOnce runs a cycle under its own timeout. The cycle context derives from the supervisor
// run context, not the worker context, so Stop lets an in-flight cycle finish while Shutdown
// aborts it.
func (s *Supervisor) runOnce(w *worker) {
	ctx, cancel := context.WithTimeout(s.runCtx, s.opts.CycleTimeout)
	defer cancel()

	res := s.cycler.run(ctx, w.participantID)
	w.cycles.Add(1)
	s.results.Store(w.participantID, res)
}

// ResumeAll starts a worker for every enabled config. First cycles run at most
// ResumeConcurrency at a time so a restart does not burst the platform API.
func (s *Supervisor) ResumeAll(ctx context.Context) (int, error) {
	cfgs, err := s.store.ListEnabledMonitoring(ctx)
	if err != nil {
		return 0, fmt.Errorf("list enabled monitoring: %w", err)
	}
	if len(cfgs) == 0 {
		return 0, nil
	}

	pool := pond.NewPool(s.opts.ResumeConcurrency, pond.WithQueueSize(len(cfgs)))
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	var resumed atomic.Int32
	for _, cfg := range cfgs {
		cfg := cfg
		group.Submit(func() {
			if groupCtx.Err() != nil || s.closed.Load() {
				return
			}

			unlock := s.lock(cfg.ParticipantID)
			w, running := s.workers.Load(cfg.ParticipantID)
			if !running {
				var ok bool
				if w, ok = s.launch(cfg.ParticipantID, cfg.PollInterval); !ok {
					unlock()
					return
				}
				resumed.Add(1)
			}
			unlock()

			select {
			case <-w.firstDone:
			case <-w.done:
			case <-groupCtx.Done():
			}
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		s.logger.Warn("Resume group encountered error", zap.Error(err))
	}

	s.logger.Info("Monitoring resumed", zap.Int32("workers", resumed.Load()), zap.Int("enabled_configs", len(cfgs)))
	return int(resumed.Load()), nil
}

// Shutdown cancels every worker and in-flight cycle and waits up to the grace period.
// Configs stay enabled so the next boot resumes them.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.lifecycle.Lock()
	if s.closed.Load() {
		s.lifecycle.Unlock()
		return nil
	}
	s.closed.Store(true)
	s.lifecycle.Unlock()
	s.runCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := s.clock.NewTimer(s.opts.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
		s.logger.Info("All monitoring workers stopped")
		return nil
	case <-grace.Chan():
		return ErrShutdownTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running lists live workers ordered by participant.
func (s *Supervisor) Running() []WorkerStatus {
	out := make([]WorkerStatus, 0, s.workers.Size())
	s.workers.Range(func(id string, w *worker) bool {
		out = append(out, WorkerStatus{
			ParticipantID: id,
			PollInterval:  w.interval,
			StartedAt:     w.startedAt,
			Cycles:        w.cycles.Load(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// IsRunning reports whether a worker exists for the participant.
func (s *Supervisor) IsRunning(participantID string) bool {
	_, ok := s.workers.Load(participantID)
	return ok
}

// LastResult returns the most recent cycle result seen in this process.
func (s *Supervisor) LastResult(participantID string) (CycleResult, bool) {
	return s.results.Load(participantID)
}
