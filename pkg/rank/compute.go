package rank

import (
	"sort"

	"github.com/canopy-network/engagex/pkg/db/models/rewards"
)

// ComputeRanks orders a balance snapshot by balance descending, participant id ascending, and
// assigns dense ranks 1..N. Equal balances still get distinct ranks; the id breaks the tie so
// repeated passes over the same data produce the same order.
func ComputeRanks(snapshot []rewards.BalanceSnapshot) []rewards.RankAssignment {
	sorted := make([]rewards.BalanceSnapshot, len(snapshot))
	copy(sorted, snapshot)
	sort.Slice(sorted, func(i, j int) bool {
		if c := sorted[i].Balance.Cmp(sorted[j].Balance); c != 0 {
			return c > 0
		}
		return sorted[i].ParticipantID < sorted[j].ParticipantID
	})

	out := make([]rewards.RankAssignment, len(sorted))
	for i, s := range sorted {
		out[i] = rewards.RankAssignment{
			ParticipantID: s.ParticipantID,
			Rank:          int64(i + 1),
			Balance:       s.Balance,
		}
	}
	return out
}

// Batches splits ranks into consecutive chunks of at most size entries.
func Batches(ranks []rewards.RankAssignment, size int) [][]rewards.RankAssignment {
	if size <= 0 {
		size = DefaultBatchSize
	}
	out := make([][]rewards.RankAssignment, 0, (len(ranks)+size-1)/size)
	for start := 0; start < len(ranks); start += size {
		end := min(start+size, len(ranks))
		out = append(out, ranks[start:end])
	}
	return out
}
