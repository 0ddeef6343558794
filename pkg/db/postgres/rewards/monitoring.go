package rewards

import (
	"context"
	"fmt"
	"time"

	models "github.com/canopy-network/engagex/pkg/db/models/rewards"
	"github.com/canopy-network/engagex/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
)

const monitoringColumns = `participant_id, enabled, poll_interval_ms, watermark, last_error, last_polled_at, created_at, updated_at`

func scanMonitoringConfig(row pgx.Row) (*models.MonitoringConfig, error) {
	var (
		cfg        models.MonitoringConfig
		intervalMs int64
	)
	if err := row.Scan(&cfg.ParticipantID, &cfg.Enabled, &intervalMs, &cfg.Watermark, &cfg.LastError,
		&cfg.LastPolledAt, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return nil, err
	}
	cfg.PollInterval = time.Duration(intervalMs) * time.Millisecond
	return &cfg, nil
}

// EnableMonitoring creates or re-enables the config. The watermark survives re-enabling.
func (db *DB) EnableMonitoring(ctx context.Context, participantID string, interval time.Duration) (*models.MonitoringConfig, error) {
	query := `
		INSERT INTO monitoring_configs (participant_id, enabled, poll_interval_ms)
		VALUES ($1, TRUE, $2)
		ON CONFLICT (participant_id) DO UPDATE SET
			enabled = TRUE,
			poll_interval_ms = EXCLUDED.poll_interval_ms,
			updated_at = NOW()
		RETURNING ` + monitoringColumns

	cfg, err := scanMonitoringConfig(db.QueryRow(ctx, query, participantID, interval.Milliseconds()))
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return nil, fmt.Errorf("participant %s: %w", participantID, errNotFound)
		}
		return nil, fmt.Errorf("failed to enable monitoring for %s: %w", participantID, err)
	}
	return cfg, nil
}

// DisableMonitoring flips enabled off and keeps everything else
func (db *DB) DisableMonitoring(ctx context.Context, participantID string) error {
	query := `UPDATE monitoring_configs SET enabled = FALSE, updated_at = NOW() WHERE participant_id = $1`

	tag, err := db.GetExecutor(ctx).Exec(ctx, query, participantID)
	if err != nil {
		return fmt.Errorf("failed to disable monitoring for %s: %w", participantID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("monitoring config %s: %w", participantID, errNotFound)
	}
	return nil
}

func (db *DB) GetMonitoringConfig(ctx context.Context, participantID string) (*models.MonitoringConfig, error) {
	query := `SELECT ` + monitoringColumns + ` FROM monitoring_configs WHERE participant_id = $1`

	cfg, err := scanMonitoringConfig(db.QueryRow(ctx, query, participantID))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, fmt.Errorf("monitoring config %s: %w", participantID, errNotFound)
		}
		return nil, fmt.Errorf("failed to query monitoring config %s: %w", participantID, err)
	}
	return cfg, nil
}

// ListEnabledMonitoring returns all enabled configs ordered by participant
func (db *DB) ListEnabledMonitoring(ctx context.Context) ([]models.MonitoringConfig, error) {
	query := `SELECT ` + monitoringColumns + ` FROM monitoring_configs WHERE enabled ORDER BY participant_id`

	rows, err := db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitoring configs: %w", err)
	}
	defer rows.Close()

	var out []models.MonitoringConfig
	for rows.Next() {
		cfg, err := scanMonitoringConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan monitoring config: %w", err)
		}
		out = append(out, *cfg)
	}
	return out, rows.Err()
}

// RecordCycle stores a cycle outcome. COALESCE keeps the old watermark when none is given.
func (db *DB) RecordCycle(ctx context.Context, participantID string, watermark *time.Time, lastError *string, polledAt time.Time) error {
	query := `
		UPDATE monitoring_configs
		SET watermark = COALESCE($2::timestamptz, watermark),
			last_error = $3,
			last_polled_at = $4,
			updated_at = NOW()
		WHERE participant_id = $1
	`

	tag, err := db.GetExecutor(ctx).Exec(ctx, query, participantID, watermark, lastError, polledAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record cycle for %s: %w", participantID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("monitoring config %s: %w", participantID, errNotFound)
	}
	return nil
}

// InsertMonitorErrors appends error log rows in one batch
func (db *DB) InsertMonitorErrors(ctx context.Context, errs []models.MonitorError) error {
	if len(errs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range errs {
		batch.Queue(`
			INSERT INTO monitor_errors (participant_id, cycle_id, kind, message, occurred_at)
			VALUES ($1, $2, $3, $4, $5)
		`, e.ParticipantID, e.CycleID, e.Kind, e.Message, e.OccurredAt.UTC())
	}

	if err := db.GetExecutor(ctx).SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert monitor errors: %w", err)
	}
	return nil
}

func (db *DB) ListMonitorErrors(ctx context.Context, participantID string, limit int) ([]models.MonitorError, error) {
	query := `
		SELECT id, participant_id, cycle_id, kind, message, occurred_at
		FROM monitor_errors
		WHERE participant_id = $1
		ORDER BY id DESC
		LIMIT $2
	`

	rows, err := db.Query(ctx, query, participantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query monitor errors of %s: %w", participantID, err)
	}
	defer rows.Close()

	out := make([]models.MonitorError, 0, limit)
	for rows.Next() {
		var e models.MonitorError
		if err := rows.Scan(&e.ID, &e.ParticipantID, &e.CycleID, &e.Kind, &e.Message, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan monitor error: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteMonitorErrorsBefore prunes the error log
func (db *DB) DeleteMonitorErrorsBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.GetExecutor(ctx).Exec(ctx, `DELETE FROM monitor_errors WHERE occurred_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete monitor errors: %w", err)
	}
	return tag.RowsAffected(), nil
}
