package rewards

import "time"

const (
	MonitoringConfigsTableName = "monitoring_configs"
	MonitorErrorsTableName     = "monitor_errors"
)

// MonitoringConfig is the scheduler-owned polling state of one participant.
// Stopping monitoring flips Enabled and keeps Watermark.
type MonitoringConfig struct {
	ParticipantID string        `json:"participant_id"`
	Enabled       bool          `json:"enabled"`
	PollInterval  time.Duration `json:"poll_interval"`
	Watermark     *time.Time    `json:"watermark,omitempty"`
	LastError     *string       `json:"last_error,omitempty"`
	LastPolledAt  *time.Time    `json:"last_polled_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Monitor error kinds.
const (
	ErrorKindFetch    = "fetch"
	ErrorKindOffer    = "offer"
	ErrorKindTier     = "tier"
	ErrorKindInternal = "internal"
)

// MonitorError is a diagnosable failure captured from a cycle.
type MonitorError struct {
	ID            int64     `json:"id"`
	ParticipantID string    `json:"participant_id"`
	CycleID       string    `json:"cycle_id"`
	Kind          string    `json:"kind"`
	Message       string    `json:"message"`
	OccurredAt    time.Time `json:"occurred_at"`
}
