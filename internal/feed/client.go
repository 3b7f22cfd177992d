// Package feed polls a betting-exchange trade feed over HTTP and converts
// raw trades into bets for the detection engine.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flowsentry/flowsentry/internal/logger"
	"github.com/flowsentry/flowsentry/internal/models"
)

// Client provides access to the trade feed API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
	retryBase  time.Duration
}

// trade is the wire representation of one executed trade. Numeric fields
// arrive as strings on several exchange APIs, so they are decoded leniently.
type trade struct {
	MarketID  string `json:"market"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"` // unix seconds
}

// NewClient creates a feed client for baseURL.
func NewClient(baseURL string, timeout time.Duration, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: uint64(maxRetries),
		retryBase:  retryDelayBase,
	}
}

// FetchBets retrieves trades executed after since, oldest first, capped at
// limit. Malformed rows are dropped at this boundary with a log line; they
// must never reach the rolling statistics.
func (c *Client) FetchBets(ctx context.Context, since time.Time, limit int) ([]models.Bet, error) {
	u, err := url.Parse(c.baseURL + "/trades")
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("after", strconv.FormatInt(since.Unix(), 10))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order", "asc")
	u.RawQuery = q.Encode()

	resp, err := c.doRequest(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch trades: %w", err)
	}
	defer resp.Body.Close()

	var trades []trade
	if err := json.NewDecoder(resp.Body).Decode(&trades); err != nil {
		return nil, fmt.Errorf("failed to decode trades: %w", err)
	}

	bets := make([]models.Bet, 0, len(trades))
	dropped := 0
	for _, t := range trades {
		bet, err := convertTrade(t)
		if err != nil {
			dropped++
			logger.Debug("Dropping malformed trade for market %q: %v", t.MarketID, err)
			continue
		}
		bets = append(bets, bet)
	}
	if dropped > 0 {
		logger.Warn("Dropped %d of %d trades at the feed boundary", dropped, len(trades))
	}
	return bets, nil
}

func convertTrade(t trade) (models.Bet, error) {
	size, err := strconv.ParseFloat(t.Size, 64)
	if err != nil {
		return models.Bet{}, fmt.Errorf("invalid size %q: %w", t.Size, err)
	}
	var price float64
	if t.Price != "" {
		price, err = strconv.ParseFloat(t.Price, 64)
		if err != nil {
			return models.Bet{}, fmt.Errorf("invalid price %q: %w", t.Price, err)
		}
	}
	bet := models.Bet{
		MarketID:  t.MarketID,
		Timestamp: time.Unix(t.Timestamp, 0),
		Size:      size,
		Side:      models.Side(t.Side),
		Price:     price,
	}
	if err := bet.Validate(); err != nil {
		return models.Bet{}, err
	}
	return bet, nil
}

// doRequest performs a GET with exponential-backoff retry. Client errors
// (4xx) are permanent; network failures and 5xx responses are retried.
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var resp *http.Response

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err = c.httpClient.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return fmt.Errorf("server error: %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return backoff.Permanent(fmt.Errorf("request rejected: %d", resp.StatusCode))
		}
		return nil
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = c.retryBase
	policy := backoff.WithContext(backoff.WithMaxRetries(strategy, c.maxRetries), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return resp, nil
}
