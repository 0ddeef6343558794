// Package identity maps participant ids to external platform account ids.
// The mapping is owned by the surrounding application; this package only reads it.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/canopy-network/engagex/pkg/db"
)

// ErrUnmapped is returned when a participant has no external account.
var ErrUnmapped = errors.New("participant has no external account")

type Resolver interface {
	ExternalAccountID(ctx context.Context, participantID string) (string, error)
}

// StoreResolver reads the mapping stored on the participant row.
type StoreResolver struct {
	store db.ParticipantStore
}

func NewStoreResolver(store db.ParticipantStore) *StoreResolver {
	return &StoreResolver{store: store}
}

func (r *StoreResolver) ExternalAccountID(ctx context.Context, participantID string) (string, error) {
	p, err := r.store.GetParticipant(ctx, participantID)
	if err != nil {
		return "", err
	}
	if p.ExternalAccountID == "" {
		return "", fmt.Errorf("%s: %w", participantID, ErrUnmapped)
	}
	return p.ExternalAccountID, nil
}
