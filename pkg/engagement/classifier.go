package engagement

// Score thresholds.
const (
	HighScore   = 60
	MediumScore = 30
)

func followerPoints(followers int64) int {
	switch {
	case followers >= 10000:
		return 40
	case followers >= 5000:
		return 30
	case followers >= 1000:
		return 20
	case followers >= 500:
		return 10
	}
	return 0
}

func ratePoints(ratePerDay float64) int {
	switch {
	case ratePerDay >= 3:
		return 30
	case ratePerDay >= 2:
		return 20
	case ratePerDay >= 1:
		return 10
	}
	return 0
}

// Score returns the additive point score. Negative or NaN inputs count as zero.
func Score(followers int64, ratePerDay float64, verified bool) int {
	if followers < 0 {
		followers = 0
	}
	// NaN fails every comparison and therefore scores zero as well
	if ratePerDay < 0 {
		ratePerDay = 0
	}

	score := followerPoints(followers) + ratePoints(ratePerDay)
	if verified {
		score += 15
	}
	return score
}

// Classify maps participant metrics to a tier.
func Classify(followers int64, ratePerDay float64, verified bool) Tier {
	score := Score(followers, ratePerDay, verified)
	switch {
	case score >= HighScore:
		return TierHigh
	case score >= MediumScore:
		return TierMedium
	}
	return TierLow
}
