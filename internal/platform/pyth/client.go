// Package pyth is a REST client for the Pyth Network Hermes price service.
package pyth

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
	"time"
)

// ErrFeedNotFound is returned when Hermes has no update for a requested feed.
var ErrFeedNotFound = errors.New("pyth: feed not found")

// StatusError is a non-2xx Hermes response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pyth: HTTP %d: %s", e.Code, e.Body)
}

// Client talks to a Hermes endpoint such as https://hermes.pyth.network.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Hermes client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Latest returns the newest price of each feed.
func (c *Client) Latest(ctx context.Context, feedIDs ...string) ([]PriceUpdate, error) {
	body, err := c.doGet(ctx, "/v2/updates/price/latest", feedQuery(feedIDs))
	if err != nil {
		return nil, fmt.Errorf("pyth: latest: %w", err)
	}
	return decodeUpdates(body)
}

// At returns, for each feed, the first price published at or after t.
func (c *Client) At(ctx context.Context, t time.Time, feedIDs ...string) ([]PriceUpdate, error) {
	path := "/v2/updates/price/" + strconv.FormatInt(t.Unix(), 10)
	body, err := c.doGet(ctx, path, feedQuery(feedIDs))
	if err != nil {
		return nil, fmt.Errorf("pyth: price at %d: %w", t.Unix(), err)
	}
	return decodeUpdates(body)
}

// LatestOne returns the newest price of a single feed.
func (c *Client) LatestOne(ctx context.Context, feedID string) (PriceUpdate, error) {
	ups, err := c.Latest(ctx, feedID)
	if err != nil {
		return PriceUpdate{}, err
	}
	return pick(ups, feedID)
}

// AtOne returns the price of a single feed at t.
func (c *Client) AtOne(ctx context.Context, t time.Time, feedID string) (PriceUpdate, error) {
	ups, err := c.At(ctx, t, feedID)
	if err != nil {
		return PriceUpdate{}, err
	}
	return pick(ups, feedID)
}

// Feeds lists the price feeds whose symbol matches query, e.g. "eth".
func (c *Client) Feeds(ctx context.Context, query, assetType string) ([]Feed, error) {
	params := url.Values{}
	if query != "" {
		params.Set("query", query)
	}
	if assetType != "" {
		params.Set("asset_type", assetType)
	}
	body, err := c.doGet(ctx, "/v2/price_feeds", params)
	if err != nil {
		return nil, fmt.Errorf("pyth: feeds: %w", err)
	}
	var raw []apiFeed
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("pyth: decode feeds: %w", err)
	}
	feeds := make([]Feed, 0, len(raw))
	for _, f := range raw {
		feeds = append(feeds, Feed{
			ID:     NormalizeID(f.ID),
			Symbol: f.Attributes["symbol"],
			Base:   f.Attributes["base"],
			Quote:  f.Attributes["quote_currency"],
		})
	}
	return feeds, nil
}

func feedQuery(ids []string) url.Values {
	params := url.Values{}
	for _, id := range ids {
		params.Add("ids[]", id)
	}
	params.Set("parsed", "true")
	params.Set("encoding", "hex")
	return params
}

func decodeUpdates(body []byte) ([]PriceUpdate, error) {
	var resp apiUpdatesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("pyth: decode updates: %w", err)
	}
	out := make([]PriceUpdate, 0, len(resp.Parsed))
	for _, p := range resp.Parsed {
		u, err := p.toUpdate()
		if err != nil {
			return nil, fmt.Errorf("pyth: %w", err)
		}
		out = append(out, u)
	}
	return out, nil
}

func pick(ups []PriceUpdate, feedID string) (PriceUpdate, error) {
	want := NormalizeID(feedID)
	for _, u := range ups {
		if u.FeedID == want {
			return u, nil
		}
	}
	return PriceUpdate{}, fmt.Errorf("%w: %s", ErrFeedNotFound, feedID)
}

func (c *Client) doGet(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrFeedNotFound, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
