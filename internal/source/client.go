// Package source implements the authenticated client for the upstream
// content API: container listing pagination and leaf item retrieval with
// rate-limit aware backoff.
package source

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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bmorrisey/threadfall/internal/crawl"
	"github.com/bmorrisey/threadfall/internal/discovery"
	"github.com/bmorrisey/threadfall/internal/metrics"
)

const (
	defaultPageSize        = 100
	defaultRateLimitFloor  = 10 * time.Second
	defaultErrorBackoff    = 30 * time.Second
	defaultMaxPageAttempts = 3
	defaultRequestTimeout  = 30 * time.Second
	tokenRefreshSlack      = time.Minute
)

// Config controls the source API client.
type Config struct {
	BaseURL      string
	AuthURL      string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	UserAgent    string
	PageSize     int
	// PostLimit bounds how many listing entries one container sweep
	// collects; zero means unbounded.
	PostLimit         int
	RateLimitFloor    time.Duration
	ErrorBackoff      time.Duration
	MaxPageAttempts   int
	RequestsPerSecond float64
	RequestTimeout    time.Duration
}

// AuthError reports a failed token exchange.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed with status %d: %s", e.Status, e.Body)
}

// Client talks to the source API. Fetched records flow straight into the
// injected sink so a partially failed sweep still keeps what it got.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	sink       crawl.RecordStore
	ledger     crawl.RetryLedger
	scorer     crawl.Scorer
	clock      crawl.Clock
	logger     *zap.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time

	// injectable for tests
	sleep func(ctx context.Context, d time.Duration)
}

// NewClient creates a Client. The ledger receives per-node persistence
// failures so the redrive loop can recover them; it may be nil.
func NewClient(cfg Config, sink crawl.RecordStore, ledger crawl.RetryLedger, scorer crawl.Scorer, clock crawl.Clock, logger *zap.Logger) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.RateLimitFloor <= 0 {
		cfg.RateLimitFloor = defaultRateLimitFloor
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = defaultErrorBackoff
	}
	if cfg.MaxPageAttempts <= 0 {
		cfg.MaxPageAttempts = defaultMaxPageAttempts
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(limit, 1),
		sink:       sink,
		ledger:     ledger,
		scorer:     scorer,
		clock:      clock,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Authenticate exchanges the configured credentials for a bearer token.
func (c *Client) Authenticate(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build auth request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &AuthError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	var parsed tokenResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	if parsed.AccessToken == "" {
		return fmt.Errorf("auth response carried no token")
	}

	c.mu.Lock()
	c.token = parsed.AccessToken
	c.tokenExpiry = c.clock.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	c.mu.Unlock()

	c.logger.Debug("authenticated against source api",
		zap.Int("expires_in_seconds", parsed.ExpiresIn),
	)
	return nil
}

// ensureToken re-authenticates when the token is absent or within a minute
// of expiring, so a long sweep never runs into a mid-page 401.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	expiry := c.tokenExpiry
	c.mu.Unlock()

	if token != "" && c.clock.Now().Before(expiry.Add(-tokenRefreshSlack)) {
		return token, nil
	}
	if err := c.Authenticate(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	token = c.token
	c.mu.Unlock()
	return token, nil
}

// Page is one slice of a container listing.
type Page struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
}

// FetchPage retrieves one listing page for a unit. A 429 waits out the
// Retry-After hint (floored at the configured minimum) before retrying;
// other failures back off a fixed interval. The attempt budget bounds how
// long a bad page can stall the sweep.
func (c *Client) FetchPage(ctx context.Context, unit, cursor string) (*Page, error) {
	return c.fetchPage(ctx, unit, cursor, c.cfg.PageSize)
}

func (c *Client) fetchPage(ctx context.Context, unit, cursor string, size int) (*Page, error) {
	endpoint := fmt.Sprintf("%s/units/%s/items", c.cfg.BaseURL, url.PathEscape(unit))
	query := url.Values{}
	query.Set("limit", strconv.Itoa(size))
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	var page Page
	if err := c.getJSON(ctx, endpoint+"?"+query.Encode(), &page); err != nil {
		return nil, fmt.Errorf("fetch page for %s: %w", unit, err)
	}
	return &page, nil
}

// FetchContainer walks the listing for a unit up to the configured post
// limit, persisting every listing entry and returning the snapshot of
// observed item IDs.
func (c *Client) FetchContainer(ctx context.Context, unit string) (discovery.Snapshot, error) {
	started := c.clock.Now()
	limit := c.cfg.PostLimit
	var ids []string
	cursor := ""
	for {
		size := c.cfg.PageSize
		if limit > 0 && limit-len(ids) < size {
			size = limit - len(ids)
		}
		page, err := c.fetchPage(ctx, unit, cursor, size)
		if err != nil {
			return nil, err
		}
		records := make([]crawl.Record, 0, len(page.Items))
		for _, raw := range page.Items {
			if limit > 0 && len(ids) >= limit {
				break
			}
			id, err := extractID(raw)
			if err != nil {
				c.logger.Warn("skipping listing entry without id",
					zap.String("unit", unit),
					zap.Error(err),
				)
				continue
			}
			ids = append(ids, id)
			records = append(records, crawl.Record{
				ID:          id,
				Unit:        unit,
				ParentID:    unit,
				Payload:     raw,
				CollectedAt: c.clock.Now(),
			})
		}
		if err := c.sink.UpsertBatch(ctx, records); err != nil {
			return nil, fmt.Errorf("persist listing for %s: %w", unit, err)
		}
		metrics.AddItemsStored(unit, len(records))
		if page.NextCursor == "" || (limit > 0 && len(ids) >= limit) {
			break
		}
		cursor = page.NextCursor
	}
	metrics.ObservePageFetch(c.clock.Now().Sub(started))
	c.logger.Info("container sweep complete",
		zap.String("unit", unit),
		zap.Int("items", len(ids)),
	)
	return discovery.NewSnapshot(ids), nil
}

type leafResponse struct {
	Item    json.RawMessage   `json:"item"`
	Replies []json.RawMessage `json:"replies"`
}

type leafNode struct {
	ID      string            `json:"id"`
	Text    string            `json:"text"`
	Replies []json.RawMessage `json:"replies"`
}

// FetchLeaf retrieves a leaf item and its full reply tree, scoring a sample
// of the text and persisting every node. It returns the number of records
// stored; a malformed node is logged and skipped rather than failing the
// whole item.
func (c *Client) FetchLeaf(ctx context.Context, unit, itemID string) (int, error) {
	endpoint := fmt.Sprintf("%s/units/%s/items/%s",
		c.cfg.BaseURL, url.PathEscape(unit), url.PathEscape(itemID))

	started := c.clock.Now()
	var leaf leafResponse
	if err := c.getJSON(ctx, endpoint, &leaf); err != nil {
		return 0, fmt.Errorf("fetch leaf %s/%s: %w", unit, itemID, err)
	}
	metrics.ObservePageFetch(c.clock.Now().Sub(started))

	stored := 0
	if len(leaf.Item) > 0 {
		if err := c.storeNode(ctx, unit, "", leaf.Item); err != nil {
			c.logger.Warn("failed to store leaf root",
				zap.String("unit", unit),
				zap.String("item_id", itemID),
				zap.Error(err),
			)
			c.recordNodeFailure(ctx, unit, "", itemID, err)
		} else {
			stored++
		}
	}

	// Explicit worklist instead of recursion; reply trees can get deep.
	type pending struct {
		raw      json.RawMessage
		parentID string
	}
	work := make([]pending, 0, len(leaf.Replies))
	for _, raw := range leaf.Replies {
		work = append(work, pending{raw: raw, parentID: itemID})
	}
	for len(work) > 0 {
		next := work[len(work)-1]
		work = work[:len(work)-1]

		var node leafNode
		if err := json.Unmarshal(next.raw, &node); err != nil || node.ID == "" {
			c.logger.Warn("skipping malformed reply node",
				zap.String("unit", unit),
				zap.String("item_id", itemID),
				zap.Error(err),
			)
			continue
		}
		if err := c.storeNode(ctx, unit, next.parentID, next.raw); err != nil {
			c.logger.Warn("failed to store reply node",
				zap.String("unit", unit),
				zap.String("node_id", node.ID),
				zap.Error(err),
			)
			c.recordNodeFailure(ctx, unit, next.parentID, node.ID, err)
		} else {
			stored++
		}
		for _, raw := range node.Replies {
			work = append(work, pending{raw: raw, parentID: node.ID})
		}
	}

	metrics.AddItemsStored(unit, stored)
	return stored, nil
}

// storeNode normalizes one API node into a record, scoring its text through
// the sampler, and upserts it.
func (c *Client) storeNode(ctx context.Context, unit, parentID string, raw json.RawMessage) error {
	var node leafNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return fmt.Errorf("decode node: %w", err)
	}
	if node.ID == "" {
		return fmt.Errorf("node has no id")
	}
	payload, err := stripReplies(raw)
	if err != nil {
		return fmt.Errorf("normalize node %s: %w", node.ID, err)
	}
	record := crawl.Record{
		ID:          node.ID,
		Unit:        unit,
		ParentID:    parentID,
		Payload:     payload,
		CollectedAt: c.clock.Now(),
	}
	if enrichment, attempted := c.scorer.MaybeScore(ctx, node.Text); attempted {
		record.Enrichment = enrichment
	}
	return c.sink.Upsert(ctx, record)
}

// recordNodeFailure puts a node whose persistence failed into the retry
// ledger so the redrive loop can fetch it again later.
func (c *Client) recordNodeFailure(ctx context.Context, unit, parentID, itemID string, cause error) {
	if c.ledger == nil {
		return
	}
	entry := crawl.RetryEntry{
		ItemID:    itemID,
		Unit:      unit,
		ParentID:  parentID,
		LastError: cause.Error(),
	}
	if err := c.ledger.RecordFailure(ctx, entry); err != nil {
		c.logger.Error("failed to ledger node failure",
			zap.String("unit", unit),
			zap.String("item_id", itemID),
			zap.Error(err),
		)
	}
}

// errRateLimited marks a 429 response. Rate limiting is a blocking backoff,
// not a failure: it never consumes the page attempt budget.
var errRateLimited = errors.New("rate limited")

// getJSON performs a rate-limited authenticated GET with the page retry
// policy applied. Failures back off and retry up to the attempt budget;
// 429s wait out the server's hint and retry without counting.
func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	attempt := 0
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		token, err := c.ensureToken(ctx)
		if err != nil {
			return err
		}

		retryIn, err := c.getJSONOnce(ctx, rawURL, token, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if errors.Is(err, errRateLimited) {
			c.logger.Info("source rate limited",
				zap.String("url", rawURL),
				zap.Duration("wait", retryIn),
			)
			metrics.ObserveRateLimitDelay(retryIn)
			c.sleep(ctx, retryIn)
			continue
		}
		attempt++
		c.logger.Warn("source request failed",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt >= c.cfg.MaxPageAttempts {
			return fmt.Errorf("abandoned after %d attempts: %w", attempt, err)
		}
		c.sleep(ctx, c.cfg.ErrorBackoff)
	}
}

func (c *Client) getJSONOnce(ctx context.Context, rawURL, token string, out any) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("source request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryIn := retryAfter(resp.Header)
		if retryIn < c.cfg.RateLimitFloor {
			retryIn = c.cfg.RateLimitFloor
		}
		return retryIn, errRateLimited
	case resp.StatusCode == http.StatusUnauthorized:
		// Drop the cached token so the next attempt re-authenticates.
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return 0, fmt.Errorf("unauthorized")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return 0, fmt.Errorf("source status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return 0, nil
}

// extractID pulls the id field out of a raw listing entry.
func extractID(raw json.RawMessage) (string, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("decode listing entry: %w", err)
	}
	if probe.ID == "" {
		return "", fmt.Errorf("listing entry has no id")
	}
	return probe.ID, nil
}

// stripReplies removes the nested reply array from a node before it is
// stored as a record payload; replies become records of their own.
func stripReplies(raw json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	delete(fields, "replies")
	return json.Marshal(fields)
}

func retryAfter(h http.Header) time.Duration {
	seconds, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
