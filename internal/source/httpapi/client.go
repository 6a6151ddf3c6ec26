// Package httpapi fetches ledger pages from a JSON HTTP API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"ledger/internal/core"
	"ledger/internal/source"
)

const (
	DefaultIdentityPath = "/users/authenticated"
	DefaultPagePath     = "/users/{user}/transactions?transactionType={task}"
	DefaultTimeout      = 30 * time.Second
)

var _ source.Fetcher = (*Client)(nil)

// Options configures a Client. Zero values fall back to the defaults above.
type Options struct {
	BaseURL      string
	Token        string
	IdentityPath string
	PagePath     string
	Timeout      time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client resolves the acting user once, then pages through that user's
// transactions.
type Client struct {
	base         *url.URL
	token        string
	identityPath string
	pagePath     string
	http         *http.Client
	logger       *slog.Logger

	mu     sync.Mutex
	userID string
}

func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("missing base URL")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	c := &Client{
		base:         base,
		token:        opts.Token,
		identityPath: opts.IdentityPath,
		pagePath:     opts.PagePath,
		http:         opts.HTTPClient,
		logger:       opts.Logger,
	}
	if c.identityPath == "" {
		c.identityPath = DefaultIdentityPath
	}
	if c.pagePath == "" {
		c.pagePath = DefaultPagePath
	}
	if c.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

type identityResponse struct {
	ID any `json:"id"`
}

func (r identityResponse) userID() string {
	switch v := r.ID.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

type pageResponse struct {
	Data           []core.Record `json:"data"`
	NextPageCursor string        `json:"nextPageCursor"`
}

func (c *Client) FetchPage(ctx context.Context, taskType, cursor string) (core.Page, error) {
	user, err := c.identity(ctx)
	if err != nil {
		return core.Page{}, err
	}

	target, err := c.pageURL(user, taskType, cursor)
	if err != nil {
		return core.Page{}, source.Fatal(err)
	}

	var resp pageResponse
	if err := c.getJSON(ctx, target, &resp); err != nil {
		return core.Page{}, fmt.Errorf("fetch %s page: %w", taskType, err)
	}
	c.logger.DebugContext(ctx, "Fetched ledger page",
		"task", taskType,
		"records", len(resp.Data),
		"has_next", resp.NextPageCursor != "")
	return core.Page{Records: resp.Data, NextCursor: resp.NextPageCursor}, nil
}

// identity returns the cached user ID, resolving it on first use. A failed
// lookup is fatal: without a user there is nothing to page through.
func (c *Client) identity(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != "" {
		return c.userID, nil
	}

	var resp identityResponse
	if err := c.getJSON(ctx, c.resolve(c.identityPath), &resp); err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", source.Fatal(fmt.Errorf("resolve identity: %w", err))
	}
	id := resp.userID()
	if id == "" {
		return "", source.Fatal(errors.New("resolve identity: empty user id"))
	}
	c.userID = id
	c.logger.InfoContext(ctx, "Resolved ledger identity", "user_id", c.userID)
	return c.userID, nil
}

func (c *Client) pageURL(user, taskType, cursor string) (string, error) {
	p := strings.NewReplacer(
		"{user}", url.PathEscape(user),
		"{task}", url.QueryEscape(taskType),
	).Replace(c.pagePath)

	u, err := url.Parse(c.resolve(p))
	if err != nil {
		return "", fmt.Errorf("build page URL: %w", err)
	}
	if cursor != "" {
		q := u.Query()
		q.Set("cursor", cursor)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) resolve(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.base.String() + path
}

func (c *Client) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return source.Fatal(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if err := classify(res); err != nil {
		return err
	}
	dec := json.NewDecoder(res.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classify maps a non-2xx response onto the source error taxonomy.
// Server errors and timeouts stay transient.
func classify(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	err := fmt.Errorf("unexpected status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return source.RateLimited(parseRetryAfter(res.Header.Get("Retry-After"), time.Now()), err)
	case res.StatusCode == http.StatusRequestTimeout:
		return err
	case res.StatusCode >= 400 && res.StatusCode < 500:
		return source.Fatal(err)
	default:
		return err
	}
}

// maxRetryAfter caps the delay a server can ask for.
const maxRetryAfter = 24 * time.Hour

// parseRetryAfter accepts delay-seconds or an HTTP date. The result is
// clamped to [0, maxRetryAfter].
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	// ParseInt saturates on overflow and reports ErrRange.
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil || errors.Is(err, strconv.ErrRange) {
		switch {
		case secs < 0:
			return 0
		case secs > int64(maxRetryAfter/time.Second):
			return maxRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return min(d, maxRetryAfter)
		}
	}
	return 0
}
