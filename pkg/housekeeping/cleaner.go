// Package housekeeping trims the monitor error log.
package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/engagex/pkg/db"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const DefaultRetention = 7 * 24 * time.Hour

type Cleaner struct {
	store     db.HousekeepingStore
	retention time.Duration
	clock     clockwork.Clock
	logger    *zap.Logger
}

func NewCleaner(store db.HousekeepingStore, retention time.Duration, clock clockwork.Clock, logger *zap.Logger) *Cleaner {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cleaner{
		store:     store,
		retention: retention,
		clock:     clock,
		logger:    logger.With(zap.String("component", "housekeeping")),
	}
}

// Run deletes monitor error rows older than the retention and returns how many went.
func (c *Cleaner) Run(ctx context.Context) (int64, error) {
	cutoff := c.clock.Now().UTC().Add(-c.retention)
	n, err := c.store.DeleteMonitorErrorsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete monitor errors before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if n > 0 {
		c.logger.Info("Pruned monitor error log", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
