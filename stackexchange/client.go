// Package stackexchange fetches posts and questions from the Stack Exchange API
// in batches of at most MaxBatchSize identifiers.
package stackexchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://api.stackexchange.com/2.2"

	// MaxBatchSize is the upstream limit of ids per request.
	MaxBatchSize = 100

	// Response-shaping filters for the two endpoints.
	DefaultPostsFilter  = "!3tz1WbZYQxC_Iv6kJ"
	DefaultRecentFilter = "!9Z(-wwYGT"

	DefaultTimeout = 20 * time.Second

	// at most this much of a failed response body is kept in UpstreamError
	maxErrorBody = 4 << 10

	PostIDField     = "post_id"
	QuestionIDField = "question_id"
)

// UpstreamError is returned for any non-success upstream response.
type UpstreamError struct {
	Method     string
	URL        string // without the api key
	StatusCode int
	Status     string
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s: %s: %s", e.Method, e.URL, e.Status, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *UpstreamError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

type Client struct {
	http    *http.Client
	baseURL *url.URL
	log     zerolog.Logger

	postsFilter  string
	recentFilter string
	retries      int
	backoff      time.Duration
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}
func WithBaseURL(raw string) Option {
	return func(c *Client) {
		if u, err := url.Parse(raw); err == nil {
			c.baseURL = u
		}
	}
}

// WithTimeout bounds each upstream request, including reading the body.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		h := *c.http
		h.Timeout = d
		c.http = &h
	}
}

// WithRetries sets how many times a transient failure is retried.
func WithRetries(n int, initialBackoff time.Duration) Option {
	return func(c *Client) { c.retries, c.backoff = n, initialBackoff }
}

func WithFilters(posts, recent string) Option {
	return func(c *Client) {
		if posts != "" {
			c.postsFilter = posts
		}
		if recent != "" {
			c.recentFilter = recent
		}
	}
}
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func New(opts ...Option) *Client {
	u, _ := url.Parse(DefaultBaseURL)
	c := &Client{
		http:         &http.Client{Timeout: DefaultTimeout},
		baseURL:      u,
		log:          zerolog.Nop(),
		postsFilter:  DefaultPostsFilter,
		recentFilter: DefaultRecentFilter,
		retries:      1,
		backoff:      250 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Chunk splits ids into consecutive groups of at most size, following list
// order rather than id value.
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = MaxBatchSize
	}
	var groups [][]string
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		groups = append(groups, ids[start:end])
	}
	return groups
}

// FetchByIDs returns the posts with the given ids, one request per group of
// MaxBatchSize. Upstream may omit deleted or inaccessible posts. The first
// failing group aborts the whole call.
func (c *Client) FetchByIDs(ctx context.Context, ids []string, apiKey, site string) ([]Item, error) {
	var items []Item
	for _, group := range Chunk(ids, MaxBatchSize) {
		raws, err := c.doJSON(ctx, "/posts/"+strings.Join(group, ";"), map[string]string{
			"key":      apiKey,
			"site":     site,
			"filter":   c.postsFilter,
			"pagesize": fmt.Sprint(MaxBatchSize),
		})
		if err != nil {
			return nil, err
		}
		items = append(items, c.withIDs(raws, PostIDField)...)
	}
	return items, nil
}

// FetchRecent returns the newest questions on site, newest first.
func (c *Client) FetchRecent(ctx context.Context, apiKey, site string) ([]Item, error) {
	raws, err := c.doJSON(ctx, "/questions", map[string]string{
		"key":      apiKey,
		"site":     site,
		"filter":   c.recentFilter,
		"pagesize": fmt.Sprint(MaxBatchSize),
		"order":    "desc",
		"sort":     "creation",
	})
	if err != nil {
		return nil, err
	}
	return c.withIDs(raws, QuestionIDField), nil
}

func (c *Client) withIDs(raws []json.RawMessage, field string) []Item {
	items := make([]Item, 0, len(raws))
	for _, raw := range raws {
		id, ok := itemID(raw, field)
		if !ok {
			c.log.Warn().Str("field", field).Msg("upstream item without id, skipping")
			continue
		}
		items = append(items, Item{ID: id, Raw: raw})
	}
	return items
}

func (c *Client) newReq(ctx context.Context, p string, q map[string]string) (*http.Request, string, error) {
	u := *c.baseURL
	u.Path = path.Join(u.Path, p)
	qq := u.Query()
	for k, v := range q {
		if v != "" {
			qq.Set(k, v)
		}
	}
	u.RawQuery = qq.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "application/json")

	// loggable form, no credential
	qq.Del("key")
	u.RawQuery = qq.Encode()
	return req, u.String(), nil
}

func (c *Client) doJSON(ctx context.Context, p string, q map[string]string) ([]json.RawMessage, error) {
	attempt := 0
	op := func() ([]json.RawMessage, error) {
		attempt++
		raws, err := c.get(ctx, p, q)
		if err == nil {
			return raws, nil
		}
		var ue *UpstreamError
		if errors.As(err, &ue) && !ue.Temporary() {
			return nil, backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		c.log.Debug().Err(err).Str("path", p).Int("attempt", attempt).Msg("upstream request failed")
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoff
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.retries+1)),
	)
}

func (c *Client) get(ctx context.Context, p string, q map[string]string) ([]json.RawMessage, error) {
	req, logURL, err := c.newReq(ctx, p, q)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		// *url.Error repeats the request URL, key included
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = logURL
		}
		return nil, fmt.Errorf("GET %s: %w", logURL, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("url", logURL).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("upstream request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UpstreamError{
			Method:     http.MethodGet,
			URL:        logURL,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: read body: %w", logURL, err)
	}

	var w wrapper
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("GET %s: decode: %w", logURL, err)
	}
	if w.Backoff > 0 {
		c.log.Warn().Int("backoff", w.Backoff).Str("url", logURL).Msg("upstream asked to back off")
	}
	return w.Items, nil
}
