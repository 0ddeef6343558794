package rewards

import "context"

func (db *DB) initParticipants(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS participants (
			id TEXT PRIMARY KEY,
			external_account_id TEXT NOT NULL DEFAULT '',
			follower_count BIGINT NOT NULL DEFAULT 0,
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			total_balance NUMERIC(30,8) NOT NULL DEFAULT 0 CHECK (total_balance >= 0),
			current_tier TEXT,
			rank BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS participants_rank_idx ON participants (rank) WHERE rank IS NOT NULL;
	`
	return db.Exec(ctx, query)
}

// initEngagements creates the append-only engagement table. The named unique constraint is the
// idempotency key for offers.
func (db *DB) initEngagements(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS engagements (
			id BIGSERIAL PRIMARY KEY,
			participant_id TEXT NOT NULL REFERENCES participants(id),
			external_item_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			reward_amount NUMERIC(30,8) NOT NULL CHECK (reward_amount >= 0),
			occurred_at TIMESTAMPTZ NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT engagements_idempotency_key UNIQUE (participant_id, external_item_id, kind)
		);
		CREATE INDEX IF NOT EXISTS engagements_participant_occurred_idx ON engagements (participant_id, occurred_at);
	`
	return db.Exec(ctx, query)
}

func (db *DB) initBalanceHistory(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS balance_history (
			id BIGSERIAL PRIMARY KEY,
			participant_id TEXT NOT NULL REFERENCES participants(id),
			engagement_id BIGINT NOT NULL REFERENCES engagements(id),
			kind TEXT NOT NULL,
			external_item_id TEXT NOT NULL,
			amount NUMERIC(30,8) NOT NULL,
			balance_after NUMERIC(30,8) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS balance_history_participant_idx ON balance_history (participant_id, id DESC);
	`
	return db.Exec(ctx, query)
}

func (db *DB) initMonitoringConfigs(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS monitoring_configs (
			participant_id TEXT PRIMARY KEY REFERENCES participants(id),
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			poll_interval_ms BIGINT NOT NULL CHECK (poll_interval_ms > 0),
			watermark TIMESTAMPTZ,
			last_error TEXT,
			last_polled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS monitoring_configs_enabled_idx ON monitoring_configs (participant_id) WHERE enabled;
	`
	return db.Exec(ctx, query)
}

func (db *DB) initTierBonuses(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS tier_bonuses (
			id BIGSERIAL PRIMARY KEY,
			participant_id TEXT NOT NULL REFERENCES participants(id),
			engagement_id BIGINT NOT NULL REFERENCES engagements(id),
			tier_at_award TEXT NOT NULL,
			bonus_amount NUMERIC(30,8) NOT NULL,
			awarded_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS tier_bonuses_participant_idx ON tier_bonuses (participant_id, awarded_at DESC);
	`
	return db.Exec(ctx, query)
}

func (db *DB) initMonitorErrors(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS monitor_errors (
			id BIGSERIAL PRIMARY KEY,
			participant_id TEXT NOT NULL,
			cycle_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS monitor_errors_participant_idx ON monitor_errors (participant_id, id DESC);
		CREATE INDEX IF NOT EXISTS monitor_errors_occurred_idx ON monitor_errors (occurred_at);
	`
	return db.Exec(ctx, query)
}
