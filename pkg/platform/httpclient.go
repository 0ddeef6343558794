package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/canopy-network/engagex/pkg/utils"
	"golang.org/x/time/rate"
)

// HTTPClient talks to the platform API through a shared token bucket and a per-endpoint
// circuit breaker. A 429 opens the breaker of that endpoint for the Retry-After period.
type HTTPClient struct {
	endpoints []string
	client    *http.Client
	token     string
	limiter   *rate.Limiter
	now       func() time.Time

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
	maxRetryAfter    time.Duration
}

// Opts is the set of options for a new HTTPClient.
type Opts struct {
	Endpoints       []string
	Token           string
	Timeout         time.Duration
	RPS             float64
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	MaxRetryAfter   time.Duration
	HTTPClient      *http.Client
}

// NewHTTPWithOpts creates a new HTTPClient with the given options.
func NewHTTPWithOpts(o Opts) *HTTPClient {
	if o.RPS <= 0 {
		o.RPS = 5
	}
	if o.Burst <= 0 {
		o.Burst = 10
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
	if o.MaxRetryAfter <= 0 {
		o.MaxRetryAfter = 15 * time.Minute
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	return &HTTPClient{
		endpoints:        utils.Dedup(o.Endpoints),
		client:           client,
		token:            o.Token,
		limiter:          rate.NewLimiter(rate.Limit(o.RPS), o.Burst),
		now:              time.Now,
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
		maxRetryAfter:    o.MaxRetryAfter,
	}
}

// isOpen returns true while the endpoint breaker is OPEN.
func (c *HTTPClient) isOpen(ep string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.opened[ep]
	if !ok {
		return false
	}
	if c.now().After(until) {
		delete(c.opened, ep)
		c.failures[ep] = 0
		return false
	}
	return true
}

// noteFailure counts a failure and opens the breaker once the threshold is reached.
func (c *HTTPClient) noteFailure(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep]++
	if c.failures[ep] >= c.breakerThreshold {
		c.opened[ep] = c.now().Add(c.breakerCooldown)
	}
}

func (c *HTTPClient) noteSuccess(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep] = 0
}

// coolDown opens the breaker of ep for d regardless of the failure count.
func (c *HTTPClient) coolDown(ep string, d time.Duration) {
	if d <= 0 {
		d = c.breakerCooldown
	}
	if d > c.maxRetryAfter {
		d = c.maxRetryAfter
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened[ep] = c.now().Add(d)
}

// doJSON issues a GET against the first usable endpoint and decodes the body into out.
// Transient failures move on to the next endpoint; fatal ones return at once.
// Nothing is retried beyond one pass over the endpoint list.
func (c *HTTPClient) doJSON(ctx context.Context, path string, query url.Values, out any) error {
	if len(c.endpoints) == 0 {
		return fatal("", 0, errors.New("no endpoints configured"))
	}

	var lastErr error
	for _, ep := range c.endpoints {
		if c.isOpen(ep) {
			continue
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return transient(ep, 0, fmt.Errorf("rate limiter: %w", err))
		}

		target := ep + path
		if len(query) > 0 {
			target += "?" + query.Encode()
		}
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if reqErr != nil {
			return fatal(ep, 0, reqErr)
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return transient(ep, 0, ctx.Err())
			}
			lastErr = transient(ep, 0, err)
			c.noteFailure(ep)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			c.coolDown(ep, parseRetryAfter(resp.Header.Get("Retry-After"), c.now()))
			lastErr = transient(ep, resp.StatusCode, errors.New("rate limited"))
			_ = utils.DrainAndClose(resp.Body)
			continue
		}
		if resp.StatusCode >= 300 {
			kind := classifyStatus(resp.StatusCode)
			_ = utils.DrainAndClose(resp.Body)
			if kind == ErrFatal {
				return fatal(ep, resp.StatusCode, fmt.Errorf("http %d", resp.StatusCode))
			}
			lastErr = transient(ep, resp.StatusCode, fmt.Errorf("server %d", resp.StatusCode))
			c.noteFailure(ep)
			continue
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				_ = utils.DrainAndClose(resp.Body)
				lastErr = transient(ep, resp.StatusCode, fmt.Errorf("decode body: %w", err))
				c.noteFailure(ep)
				continue
			}
		}
		_ = utils.DrainAndClose(resp.Body)
		c.noteSuccess(ep)
		return nil
	}

	if lastErr == nil {
		return transient("", 0, ErrBreakerOpen)
	}
	return lastErr
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Zero means the header was unusable.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
