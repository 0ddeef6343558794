package platform

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const activitiesPath = "/v1/accounts/%s/activities"

// Activity is one action as reported by the platform.
type Activity struct {
	ItemID           string    `json:"item_id"`
	Kind             string    `json:"kind"`
	Timestamp        time.Time `json:"timestamp"`
	CurrentFollowers int64     `json:"current_followers"`
	Verified         bool      `json:"verified"`
}

// Page is one page of activities. An empty Data with no cursor means no new data.
type Page struct {
	Data       []Activity `json:"data"`
	NextCursor string     `json:"next_cursor"`
}

// Client is the platform API surface used by the fetcher.
type Client interface {
	Activities(ctx context.Context, accountID string, since time.Time, limit int, cursor string) (Page, error)
}

// Activities fetches one page of actions at or after since, oldest first.
func (c *HTTPClient) Activities(ctx context.Context, accountID string, since time.Time, limit int, cursor string) (Page, error) {
	if strings.TrimSpace(accountID) == "" {
		return Page{}, fatal("", 0, errors.New("empty external account id"))
	}

	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var page Page
	path := fmt.Sprintf(activitiesPath, url.PathEscape(accountID))
	if err := c.doJSON(ctx, path, q, &page); err != nil {
		return Page{}, err
	}
	return page, nil
}
