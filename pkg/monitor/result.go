package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/engagex/pkg/db/models/rewards"
	"github.com/canopy-network/engagex/pkg/engagement"
	"github.com/canopy-network/engagex/pkg/platform"
	"github.com/shopspring/decimal"
)

const (
	maxLastErrorLen     = 1024
	maxOfferErrorsSaved = 20
)

// OfferError is a failed offer of one candidate.
type OfferError struct {
	Candidate platform.Candidate
	Err       error
}

// CycleResult is everything one poll cycle did. Errors are carried here instead of being
// returned so that one participant never fails the supervisor.
type CycleResult struct {
	CycleID       string
	ParticipantID string
	StartedAt     time.Time
	FinishedAt    time.Time

	Fetched    int
	Skipped    int
	Truncated  bool
	Accepted   int
	Duplicates int

	Tier         engagement.Tier // empty when classification did not run
	PreviousTier *engagement.Tier
	BonusAwarded bool
	BonusAmount  decimal.Decimal

	// Watermark is the new watermark, nil when it did not move.
	Watermark *time.Time

	FetchErr    error
	OfferErrors []OfferError
	TierErr     error
	InternalErr error
	// RecordErr is a failure to persist this result; it is logged only.
	RecordErr error
}

// Err joins every failure that should surface as the config last_error.
func (r CycleResult) Err() error {
	var errs []error
	if r.InternalErr != nil {
		errs = append(errs, r.InternalErr)
	}
	if r.FetchErr != nil {
		errs = append(errs, r.FetchErr)
	}
	if n := len(r.OfferErrors); n > 0 {
		errs = append(errs, fmt.Errorf("%d offer(s) failed, first: %w", n, r.OfferErrors[0].Err))
	}
	if r.TierErr != nil {
		errs = append(errs, r.TierErr)
	}
	return errors.Join(errs...)
}

// OK reports whether the cycle finished without any failure.
func (r CycleResult) OK() bool { return r.Err() == nil }

func (r CycleResult) lastError() *string {
	err := r.Err()
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > maxLastErrorLen {
		msg = msg[:maxLastErrorLen]
	}
	return &msg
}

// errorRows converts failures into monitor error log rows.
func (r CycleResult) errorRows() []rewards.MonitorError {
	var rows []rewards.MonitorError
	add := func(kind string, err error) {
		rows = append(rows, rewards.MonitorError{
			ParticipantID: r.ParticipantID,
			CycleID:       r.CycleID,
			Kind:          kind,
			Message:       err.Error(),
			OccurredAt:    r.FinishedAt,
		})
	}

	if r.InternalErr != nil {
		add(rewards.ErrorKindInternal, r.InternalErr)
	}
	if r.FetchErr != nil {
		add(rewards.ErrorKindFetch, r.FetchErr)
	}
	for i, oe := range r.OfferErrors {
		if i == maxOfferErrorsSaved {
			break
		}
		add(rewards.ErrorKindOffer, fmt.Errorf("%s %s: %w", oe.Candidate.Kind, oe.Candidate.ExternalItemID, oe.Err))
	}
	if r.TierErr != nil {
		add(rewards.ErrorKindTier, r.TierErr)
	}
	return rows
}
