package engagement

import (
	"fmt"
	"strings"
)

// Tier is the engagement class of a participant.
type Tier string

const (
	TierHigh   Tier = "HIGH"
	TierMedium Tier = "MEDIUM"
	TierLow    Tier = "LOW"
)

func (t Tier) Valid() bool {
	return t == TierHigh || t == TierMedium || t == TierLow
}

func (t Tier) String() string { return string(t) }

func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}
