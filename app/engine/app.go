// Package engine wires the engagement ledger, the monitoring supervisor, the rank engine and the
// HTTP API into one process.
package engine

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/canopy-network/engagex/app/engine/controller"
	"github.com/canopy-network/engagex/pkg/db"
	"github.com/canopy-network/engagex/pkg/db/memory"
	"github.com/canopy-network/engagex/pkg/db/postgres"
	pgrewards "github.com/canopy-network/engagex/pkg/db/postgres/rewards"
	"github.com/canopy-network/engagex/pkg/housekeeping"
	"github.com/canopy-network/engagex/pkg/identity"
	"github.com/canopy-network/engagex/pkg/ledger"
	"github.com/canopy-network/engagex/pkg/logging"
	"github.com/canopy-network/engagex/pkg/monitor"
	"github.com/canopy-network/engagex/pkg/platform"
	"github.com/canopy-network/engagex/pkg/rank"
	"github.com/canopy-network/engagex/pkg/redis"
	"github.com/canopy-network/engagex/pkg/temporal"
	"github.com/canopy-network/engagex/pkg/utils"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/worker"
	temporalworkflow "go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
)

type App struct {
	Config Config
	Logger *zap.Logger

	Store      db.Store
	Ledger     *ledger.Ledger
	Supervisor *monitor.Supervisor
	Ranks      *rank.Engine
	Cleaner    *housekeeping.Cleaner

	RedisClient    *redis.Client
	TemporalClient *temporal.Client
	Worker         worker.Worker
	Cron           *cron.Cron

	Server *http.Server
}

// Initialize builds the App from the environment and exits the process on failure.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		logger.Fatal("Unable to load configuration", zap.Error(err))
	}

	app, err := New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Unable to initialize engine", zap.Error(err))
	}
	return app
}

// New wires every component described by cfg.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}
	clock := clockwork.NewRealClock()

	var checks []controller.HealthCheck
	switch cfg.StoreDriver {
	case StoreDriverMemory:
		logger.Warn("Using the in-memory store, balances are lost on restart")
		app.Store = memory.New(clock.Now)
	default:
		pg, err := pgrewards.New(ctx, logger, cfg.PostgresURL, postgres.GetPoolConfigForComponent("engine"))
		if err != nil {
			return nil, err
		}
		app.Store = pg
		checks = append(checks, controller.HealthCheck{Name: "postgres", Check: pg.Ping})
	}

	// notifiers stay untyped nil when Redis is off
	var (
		balanceNotifier ledger.Notifier
		tierNotifier    monitor.TierNotifier
		rankNotifier    rank.Notifier
		mirror          rank.Mirror
		board           controller.Leaderboard
	)
	if cfg.RedisEnabled {
		rc, err := redis.NewClient(ctx, logger, cfg.Redis)
		if err != nil {
			logger.Warn("Failed to initialize Redis client, events and the cached leaderboard are disabled", zap.Error(err))
		} else {
			app.RedisClient = rc
			events := redis.NewEvents(rc)
			lb := redis.NewLeaderboard(rc)
			balanceNotifier, tierNotifier, rankNotifier = events, events, events
			mirror, board = lb, lb
			checks = append(checks, controller.HealthCheck{Name: "redis", Check: rc.Health})
		}
	} else {
		logger.Info("Redis disabled, events and the cached leaderboard will not be available")
	}

	app.Ledger = ledger.New(app.Store, logger, balanceNotifier)

	httpClient := platform.NewHTTPWithOpts(platform.Opts{
		Endpoints:       cfg.Platform.Endpoints,
		Token:           cfg.Platform.Token,
		Timeout:         cfg.Platform.Timeout,
		RPS:             cfg.Platform.RPS,
		Burst:           cfg.Platform.Burst,
		BreakerFailures: cfg.Platform.BreakerFailures,
		BreakerCooldown: cfg.Platform.BreakerCooldown,
	})
	fetcher := platform.NewFetcher(httpClient, logger, platform.FetcherOpts{
		PageSize: cfg.Platform.PageSize,
		MaxPages: cfg.Platform.MaxPages,
	})

	app.Supervisor = monitor.NewSupervisor(monitor.Options{
		Store:             app.Store,
		Ledger:            app.Ledger,
		Fetcher:           fetcher,
		Resolver:          identity.NewStoreResolver(app.Store),
		Table:             cfg.Rewards,
		Notifier:          tierNotifier,
		Logger:            logger,
		Clock:             clock,
		DefaultInterval:   cfg.Monitor.DefaultInterval,
		MinInterval:       cfg.Monitor.MinInterval,
		CycleTimeout:      cfg.Monitor.CycleTimeout,
		ShutdownGrace:     cfg.Monitor.ShutdownGrace,
		RateWindow:        cfg.Monitor.RateWindow,
		Bonus:             monitor.BonusPolicy{Window: cfg.Monitor.BonusWindow, OnFirst: cfg.Monitor.BonusOnFirst},
		ResumeConcurrency: cfg.Monitor.ResumeConcurrency,
	})

	app.Ranks = rank.NewEngine(rank.Options{
		Store:     app.Store,
		Logger:    logger,
		BatchSize: cfg.Rank.BatchSize,
		Writers:   cfg.Rank.Writers,
		Mirror:    mirror,
		Notifier:  rankNotifier,
		Clock:     clock,
	})
	app.Cleaner = housekeeping.NewCleaner(app.Store, cfg.ErrorLogRetention, clock, logger)

	if err := app.setupCron(ctx); err != nil {
		return nil, err
	}

	var trigger controller.RankTrigger = localTrigger{engine: app.Ranks}
	if cfg.Rank.Driver == RankDriverTemporal {
		if err := app.setupTemporal(ctx); err != nil {
			return nil, err
		}
		trigger = scheduleTrigger{client: app.TemporalClient}
		checks = append(checks, controller.HealthCheck{Name: "temporal", Check: func(ctx context.Context) error {
			_, err := app.TemporalClient.Health(ctx)
			return err
		}})
	}

	adminHash, err := adminPasswordHash(cfg.AdminPassword)
	if err != nil {
		return nil, err
	}
	ctl := &controller.Controller{
		Ledger:       app.Ledger,
		Monitor:      app.Supervisor,
		Store:        app.Store,
		Ranks:        trigger,
		Leaderboard:  board,
		Checks:       checks,
		Logger:       logger.With(zap.String("component", "api")),
		AdminToken:   cfg.AdminToken,
		AdminUser:    cfg.AdminUser,
		AdminHash:    adminHash,
		JWTSecret:    []byte(cfg.SessionSecret),
		SecureCookie: cfg.SecureCookie,
	}
	app.Server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           controller.WithCORS(ctl.NewRouter()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return app, nil
}

func adminPasswordHash(password string) ([]byte, error) {
	if password == "" {
		return nil, nil
	}
	return utils.HashOrRead(password)
}

// setupCron schedules housekeeping and, with the cron driver, the rank pass.
func (a *App) setupCron(ctx context.Context) error {
	logger := logging.NewCronLogger(a.Logger)
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)))

	if a.Config.Rank.Driver == RankDriverCron {
		_, err := a.Cron.AddFunc(a.Config.Rank.Cron, func() {
			_, err := a.Ranks.Recompute(ctx)
			if err != nil && !errors.Is(err, rank.ErrPassInProgress) {
				a.Logger.Error("Scheduled rank pass failed", zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
	}

	_, err := a.Cron.AddFunc(a.Config.HousekeepingCron, func() {
		rctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if _, err := a.Cleaner.Run(rctx); err != nil {
			a.Logger.Warn("Housekeeping failed", zap.Error(err))
		}
	})
	return err
}

// setupTemporal connects, registers the rank worker and reconciles the rank schedule.
func (a *App) setupTemporal(ctx context.Context) error {
	tc, err := temporal.NewClient(ctx, a.Logger, temporal.Options{
		HostPort:  a.Config.TemporalHost,
		Namespace: a.Config.TemporalNS,
		Retention: a.Config.TemporalRetain,
	})
	if err != nil {
		return err
	}
	a.TemporalClient = tc

	a.Worker = worker.New(tc.TClient, tc.RankQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: 1,
		WorkerStopTimeout:                  time.Minute,
	})
	a.Worker.RegisterWorkflowWithOptions(
		rank.RecomputeRanksWorkflow,
		temporalworkflow.RegisterOptions{Name: rank.RecomputeRanksWorkflowName},
	)
	activities := &rank.Activities{Engine: a.Ranks}
	a.Worker.RegisterActivityWithOptions(
		activities.RecomputeRanks,
		activity.RegisterOptions{Name: rank.RecomputeRanksActivityName},
	)

	return tc.EnsureRankSchedule(ctx, rank.RecomputeRanksWorkflowName, a.Config.Rank.Interval)
}

// Start resumes monitoring, starts the schedulers and serves HTTP until ctx is done.
func (a *App) Start(ctx context.Context) {
	resumed, err := a.Supervisor.ResumeAll(ctx)
	if err != nil {
		a.Logger.Error("Unable to resume monitoring", zap.Error(err))
	}
	a.Logger.Info("Monitoring resumed", zap.Int("participants", resumed))

	if a.Worker != nil {
		if err := a.Worker.Start(); err != nil {
			a.Logger.Fatal("Unable to start rank worker", zap.Error(err))
		}
	}
	a.Cron.Start()

	go func() {
		a.Logger.Info("Starting server", zap.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("Server stopped", zap.Error(err))
		}
	}()
	<-ctx.Done()

	a.Stop()
}

// Stop shuts every component down in dependency order.
func (a *App) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second+a.Config.Monitor.ShutdownGrace)
	defer cancel()

	a.Logger.Info("shutting down server")
	_ = a.Server.Shutdown(shutdownCtx)

	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	if err := a.Supervisor.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("Monitoring did not stop cleanly", zap.Error(err))
	}
	if a.Worker != nil {
		a.Worker.Stop()
	}
	if a.TemporalClient != nil {
		a.TemporalClient.Close()
	}
	if a.RedisClient != nil {
		_ = a.RedisClient.Close()
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("Failed to close store", zap.Error(err))
	}
	a.Logger.Info("さようなら!")
}
