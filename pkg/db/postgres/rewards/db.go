package rewards

import (
	"context"
	"fmt"

	"github.com/canopy-network/engagex/pkg/db"
	"github.com/canopy-network/engagex/pkg/db/postgres"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DB is the PostgreSQL implementation of db.Store.
type DB struct {
	postgres.Client
}

var _ db.Store = (*DB)(nil)

// errNotFound is aliased here because method receivers named db shadow the package.
var errNotFound = db.ErrNotFound

// New connects to dbURL and ensures the schema exists.
func New(ctx context.Context, logger *zap.Logger, dbURL string, poolConfig postgres.PoolConfig) (*DB, error) {
	client, err := postgres.New(ctx, logger.With(
		zap.String("db", "rewards"),
		zap.String("component", poolConfig.Component),
	), dbURL, poolConfig)
	if err != nil {
		return nil, err
	}

	rewardsDB := &DB{Client: client}
	if err := rewardsDB.InitializeDB(ctx); err != nil {
		rewardsDB.Close()
		return nil, err
	}

	return rewardsDB, nil
}

// Close terminates the underlying PostgreSQL connection
func (db *DB) Close() error {
	db.Pool.Close()
	return nil
}

// InitializeDB ensures the required tables exist
func (db *DB) InitializeDB(ctx context.Context) error {
	steps := []struct {
		table string
		fn    func(context.Context) error
	}{
		{"participants", db.initParticipants},
		{"engagements", db.initEngagements},
		{"balance_history", db.initBalanceHistory},
		{"monitoring_configs", db.initMonitoringConfigs},
		{"tier_bonuses", db.initTierBonuses},
		{"monitor_errors", db.initMonitorErrors},
	}

	for _, step := range steps {
		db.Logger.Debug("Initialize table", zap.String("table", step.table))
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("initialize %s: %w", step.table, err)
		}
	}

	db.Logger.Info("Rewards database initialized")
	return nil
}

func parseAmount(column, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %q: %w", column, raw, err)
	}
	return d, nil
}
