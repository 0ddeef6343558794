package engagement

import (
	"fmt"
	"strings"
)

// Kind is the type of action observed on the external platform.
type Kind string

const (
	KindLike    Kind = "LIKE"
	KindRetweet Kind = "RETWEET"
	KindComment Kind = "COMMENT"
	KindQuote   Kind = "QUOTE"
	KindFollow  Kind = "FOLLOW"

	// KindTierBonus is reserved for bonuses awarded by the scheduler. The platform never reports it.
	KindTierBonus Kind = "TIER_BONUS"
)

// ObservableKinds lists the kinds the platform can report, in reward table order.
var ObservableKinds = []Kind{KindLike, KindRetweet, KindComment, KindQuote, KindFollow}

// Valid reports whether k is an observable kind or the bonus kind.
func (k Kind) Valid() bool {
	switch k {
	case KindLike, KindRetweet, KindComment, KindQuote, KindFollow, KindTierBonus:
		return true
	}
	return false
}

// Observable reports whether k may arrive from the platform.
func (k Kind) Observable() bool {
	return k.Valid() && k != KindTierBonus
}

func (k Kind) String() string { return string(k) }

// ParseKind normalizes a platform kind label. It accepts any casing and the "reply" alias.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LIKE", "FAVORITE":
		return KindLike, nil
	case "RETWEET", "REPOST":
		return KindRetweet, nil
	case "COMMENT", "REPLY":
		return KindComment, nil
	case "QUOTE":
		return KindQuote, nil
	case "FOLLOW":
		return KindFollow, nil
	}
	return "", fmt.Errorf("unknown engagement kind %q", s)
}
