// Package upstream talks to the Hostaway PMS REST API: paginated fetches with
// token self-healing and bounded concurrency, conversation fan-out and
// webhook registration.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pysugar/hostaway-sync/internal/metrics"
	"github.com/pysugar/hostaway-sync/internal/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultBaseURL = "https://api.hostaway.com/v1/"

	// MaxConcurrentRequests bounds in-flight requests per client.
	MaxConcurrentRequests = 4
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries = 2
	// DefaultRequestDelay keeps a worker under 1.5 requests per second.
	DefaultRequestDelay = time.Second * 2 / 3
	// DefaultPageLimit is the page size asked of the API.
	DefaultPageLimit = 100

	requestTimeout = 5 * time.Second
	errorBodyLimit = 512
	// maxPrealloc caps how many records are preallocated from a page count.
	maxPrealloc = 10000
)

// TokenSource yields bearer tokens. prev is the token that was just
// rejected, or empty for the first request.
type TokenSource interface {
	GetOrRefresh(ctx context.Context, accountID int64, prev string) (string, error)
}

// PageRequest identifies one page of an endpoint. AccountID 0 means the
// request is not tied to an account and a 403 cannot be healed.
type PageRequest struct {
	Endpoint   string
	Token      string
	PageNumber int
	Offset     *int
	Limit      int
	AccountID  int64
}

// Page is the list envelope returned by the API.
type Page struct {
	Result []json.RawMessage `json:"result"`
	Count  *int              `json:"count"`
	Limit  *int              `json:"limit"`

	// Token is the bearer token that finally succeeded.
	Token string `json:"-"`
}

// Client is safe for concurrent use. All page and conversation fan-out of a
// client shares one pool of MaxConcurrentRequests slots.
type Client struct {
	baseURL      *url.URL
	httpClient   *http.Client
	tokens       TokenSource
	pool         *semaphore.Weighted
	requestDelay time.Duration
	maxRetries   int
	sleep        func(ctx context.Context, d time.Duration) error
	now          func() time.Time
	log          *zap.Logger
	metrics      *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option    { return func(c *Client) { c.httpClient = h } }
func WithLogger(l *zap.Logger) Option         { return func(c *Client) { c.log = l } }
func WithMetrics(m *metrics.Metrics) Option   { return func(c *Client) { c.metrics = m } }
func WithRequestDelay(d time.Duration) Option { return func(c *Client) { c.requestDelay = d } }
func WithConcurrency(n int64) Option          { return func(c *Client) { c.pool = semaphore.NewWeighted(n) } }
func withSleep(fn func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// NewClient creates a client for baseURL (DefaultBaseURL when empty).
func NewClient(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	c := &Client{
		baseURL:      u,
		httpClient:   &http.Client{Timeout: requestTimeout},
		tokens:       tokens,
		pool:         semaphore.NewWeighted(MaxConcurrentRequests),
		requestDelay: DefaultRequestDelay,
		maxRetries:   MaxRetries,
		sleep:        sleepCtx,
		now:          time.Now,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL resolves an endpoint against the base URL.
func (c *Client) URL(endpoint string) string {
	return c.baseURL.ResolveReference(&url.URL{Path: strings.TrimPrefix(endpoint, "/")}).String()
}

// FetchPage fetches one page, healing expired tokens and retrying transient
// failures. The returned int is the status of the last response.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (Page, int, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	offset := req.PageNumber * limit
	if req.Offset != nil {
		offset = *req.Offset
	}

	log := c.log.With(
		zap.String("endpoint", req.Endpoint),
		zap.Int("offset", offset),
	)
	if req.AccountID != 0 {
		log = log.With(zap.Int64("account_id", req.AccountID))
	}

	token := req.Token
	var (
		lastErr     error
		lastStatus  int
		lastOutcome outcome
	)
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		page, status, header, err := c.get(ctx, req.Endpoint, token, limit, offset)
		lastErr, lastStatus = err, status

		oc := classify(ctx, status, err, req.AccountID != 0)
		lastOutcome = oc
		if oc == outcomeOK {
			page.Token = token
			return page, status, nil
		}
		if oc == outcomeFatal {
			return Page{}, status, err
		}
		if attempt == c.maxRetries {
			break
		}

		alog := log.With(zap.Stringer("outcome", oc), zap.Int("attempt", attempt+1))
		switch oc {
		case outcomeReauth:
			alog.Warn("token rejected, refreshing")
			fresh, rerr := c.tokens.GetOrRefresh(ctx, req.AccountID, token)
			if rerr != nil {
				return Page{}, status, fmt.Errorf("refresh token after %d: %w", status, rerr)
			}
			token = fresh
		case outcomeRateLimited:
			wait := 2 * c.requestDelay
			if ra := parseRetryAfter(header, c.now()); ra > wait && ra <= maxRetryAfter {
				wait = ra
			}
			alog.Warn("rate limited, backing off", zap.Duration("sleep", wait))
			if serr := c.sleep(ctx, wait); serr != nil {
				return Page{}, status, serr
			}
		case outcomeRetryable:
			wait := c.requestDelay * time.Duration(attempt+1)
			alog.Warn("request failed, retrying",
				zap.Int("status", status),
				zap.Bool("timeout", isTimeout(err)),
				zap.Error(err),
				zap.Duration("sleep", wait))
			if serr := c.sleep(ctx, wait); serr != nil {
				return Page{}, status, serr
			}
		}
	}

	log.Error("giving up after retries",
		zap.Int("status", lastStatus),
		zap.Stringer("outcome", lastOutcome),
		zap.Error(lastErr))
	return Page{}, lastStatus, lastErr
}

// get performs one attempt. A non-2xx answer is returned as *HTTPError.
func (c *Client) get(ctx context.Context, endpoint, token string, limit, offset int) (Page, int, http.Header, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(endpoint)+"?"+q.Encode(), nil)
	if err != nil {
		return Page{}, 0, nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Cache-Control", "no-cache")

	body, status, header, err := c.do(httpReq, endpoint)
	if err != nil {
		return Page{}, status, header, err
	}

	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return Page{}, status, header, fmt.Errorf("%w from %s: %v", errDecode, endpoint, err)
	}
	return page, status, header, nil
}

// do sends req and reads the whole body. Non-2xx statuses become *HTTPError.
func (c *Client) do(req *http.Request, endpoint string) ([]byte, int, http.Header, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveRequest(metricEndpoint(endpoint), "error", time.Since(start))
		return nil, 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	c.metrics.ObserveRequest(metricEndpoint(endpoint), strconv.Itoa(resp.StatusCode), time.Since(start))
	if err != nil {
		return nil, resp.StatusCode, resp.Header, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, resp.Header, &HTTPError{
			StatusCode: resp.StatusCode,
			Endpoint:   endpoint,
			Body:       util.TruncateBytes(body, errorBodyLimit),
		}
	}
	return body, resp.StatusCode, resp.Header, nil
}

// FetchPaginated returns every record of endpoint for the account. Page 0
// is fetched first to learn the total; the remaining pages are fetched
// concurrently and appended in completion order. The first failing page
// cancels the others.
func (c *Client) FetchPaginated(ctx context.Context, endpoint string, accountID int64, limit int) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	token, err := c.tokens.GetOrRefresh(ctx, accountID, "")
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}

	if err := c.pool.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	first, _, err := c.FetchPage(ctx, PageRequest{Endpoint: endpoint, Token: token, Limit: limit, AccountID: accountID})
	c.pool.Release(1)
	if err != nil {
		return nil, err
	}

	limit = effectiveLimit(first, limit)
	total := totalCount(first)
	pages := (total + limit - 1) / limit

	results := make([]json.RawMessage, 0, resultCapacity(total, len(first.Result)))
	results = append(results, first.Result...)
	if pages <= 1 {
		return results, nil
	}

	c.log.Debug("fetching remaining pages",
		zap.String("endpoint", endpoint),
		zap.Int64("account_id", accountID),
		zap.Int("pages", pages),
		zap.Int("count", total))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for p := 1; p < pages; p++ {
		if err := c.pool.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer c.pool.Release(1)
			page, _, err := c.FetchPage(gctx, PageRequest{
				Endpoint:   endpoint,
				Token:      first.Token,
				PageNumber: p,
				Limit:      limit,
				AccountID:  accountID,
			})
			if err != nil {
				return fmt.Errorf("page %d: %w", p, err)
			}
			mu.Lock()
			results = append(results, page.Result...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// resultCapacity sizes the result buffer from the reported total. The total
// comes from the API and is only trusted up to maxPrealloc.
func resultCapacity(total, received int) int {
	return max(min(total, maxPrealloc), received)
}

// fetchSequential pages through endpoint one request at a time. It never
// touches the pool: callers already hold a slot.
func (c *Client) fetchSequential(ctx context.Context, endpoint string, accountID int64, token string, limit int) ([]json.RawMessage, error) {
	var results []json.RawMessage
	for p := 0; ; p++ {
		page, _, err := c.FetchPage(ctx, PageRequest{
			Endpoint:   endpoint,
			Token:      token,
			PageNumber: p,
			Limit:      limit,
			AccountID:  accountID,
		})
		if err != nil {
			return nil, err
		}
		token = page.Token
		results = append(results, page.Result...)

		if p == 0 {
			limit = effectiveLimit(page, limit)
		}
		if len(page.Result) == 0 || len(results) >= totalCount(page) {
			return results, nil
		}
	}
}

func effectiveLimit(p Page, requested int) int {
	if p.Limit != nil && *p.Limit > 0 {
		return *p.Limit
	}
	return requested
}

// totalCount falls back to the size of the page when the API omits count.
func totalCount(p Page) int {
	if p.Count != nil {
		return *p.Count
	}
	return len(p.Result)
}

// metricEndpoint collapses numeric path segments so per-conversation
// endpoints share one label.
func metricEndpoint(endpoint string) string {
	parts := strings.Split(strings.Trim(endpoint, "/"), "/")
	for i, part := range parts {
		if _, err := strconv.ParseInt(part, 10, 64); err == nil {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

var errNoID = errors.New("record has no id")
