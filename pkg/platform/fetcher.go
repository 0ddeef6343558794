package platform

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/canopy-network/engagex/pkg/engagement"
	"go.uber.org/zap"
)

// Candidate is a normalized engagement ready to be priced and offered to the ledger.
type Candidate struct {
	ExternalItemID string
	Kind           engagement.Kind
	OccurredAt     time.Time
}

// Profile is the newest follower/verification state seen in a fetch.
type Profile struct {
	Followers  int64
	Verified   bool
	ObservedAt time.Time
}

// Batch is the result of one fetch.
type Batch struct {
	// Candidates are ordered by OccurredAt ascending; ties keep platform order.
	Candidates []Candidate
	// Profile is nil when the platform returned no activities.
	Profile *Profile
	// Skipped counts activities with unknown kinds, missing ids or timestamps before since.
	Skipped int
	// Truncated is set when MaxPages was hit before the platform ran out of pages.
	Truncated bool
}

// FetcherOpts bounds a single fetch.
type FetcherOpts struct {
	PageSize int
	MaxPages int
}

type Fetcher struct {
	client   Client
	logger   *zap.Logger
	pageSize int
	maxPages int
}

func NewFetcher(client Client, logger *zap.Logger, opts FetcherOpts) *Fetcher {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.PageSize > 1000 {
		opts.PageSize = 1000
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 10
	}
	return &Fetcher{
		client:   client,
		logger:   logger.With(zap.String("component", "fetcher")),
		pageSize: opts.PageSize,
		maxPages: opts.MaxPages,
	}
}

// Fetch reads every activity at or after since (inclusive) up to the page limit.
// Any page error fails the whole fetch so the watermark never skips a page.
func (f *Fetcher) Fetch(ctx context.Context, accountID string, since time.Time) (Batch, error) {
	var (
		batch  Batch
		cursor string
		seen   = make(map[string]struct{})
	)

	for page := 0; ; page++ {
		if page == f.maxPages {
			batch.Truncated = true
			break
		}

		p, err := f.client.Activities(ctx, accountID, since, f.pageSize, cursor)
		if err != nil {
			return Batch{}, fmt.Errorf("fetch activities of %s (page %d): %w", accountID, page+1, err)
		}

		for _, a := range p.Data {
			f.observe(&batch, a)

			c, ok := normalize(a, since)
			if !ok {
				batch.Skipped++
				continue
			}
			key := string(c.Kind) + "\x00" + c.ExternalItemID
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			batch.Candidates = append(batch.Candidates, c)
		}

		if p.NextCursor == "" || len(p.Data) == 0 {
			break
		}
		cursor = p.NextCursor
	}

	sort.SliceStable(batch.Candidates, func(i, j int) bool {
		return batch.Candidates[i].OccurredAt.Before(batch.Candidates[j].OccurredAt)
	})

	if batch.Skipped > 0 || batch.Truncated {
		f.logger.Debug("Fetch finished with skipped or truncated data",
			zap.String("account_id", accountID),
			zap.Int("candidates", len(batch.Candidates)),
			zap.Int("skipped", batch.Skipped),
			zap.Bool("truncated", batch.Truncated))
	}

	return batch, nil
}

// observe keeps the profile carried by the newest activity.
func (f *Fetcher) observe(b *Batch, a Activity) {
	if a.Timestamp.IsZero() {
		return
	}
	if b.Profile == nil || a.Timestamp.After(b.Profile.ObservedAt) {
		b.Profile = &Profile{Followers: a.CurrentFollowers, Verified: a.Verified, ObservedAt: a.Timestamp.UTC()}
	}
}

func normalize(a Activity, since time.Time) (Candidate, bool) {
	if a.ItemID == "" || a.Timestamp.IsZero() {
		return Candidate{}, false
	}
	kind, err := engagement.ParseKind(a.Kind)
	if err != nil {
		return Candidate{}, false
	}
	if !since.IsZero() && a.Timestamp.Before(since) {
		return Candidate{}, false
	}
	return Candidate{ExternalItemID: a.ItemID, Kind: kind, OccurredAt: a.Timestamp.UTC()}, true
}
