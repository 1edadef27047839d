// Package api provides the read-only markets client used for discount and
// liquidity checks.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"whalewatch/models"
)

// DefaultBaseURL is the public CLOB REST endpoint.
const DefaultBaseURL = "https://clob.polymarket.com"

// OrderBook represents the order book for a token
type OrderBook struct {
	Market    string           `json:"market"`
	AssetID   string           `json:"asset_id"`
	Timestamp string           `json:"timestamp"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
}

// OrderBookLevel represents a single price level. The API sends prices and
// sizes as strings.
type OrderBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// MarketsClient is the unauthenticated read-only CLOB client.
type MarketsClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewMarketsClient creates a client for the given base URL (empty means
// the public endpoint).
func NewMarketsClient(baseURL string) *MarketsClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &MarketsClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetOrderBook fetches the order book for a token
func (c *MarketsClient) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	values := url.Values{}
	values.Set("token_id", tokenID)

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/book?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get order book failed: %d %s", resp.StatusCode, string(body))
	}

	var book OrderBook
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		return nil, fmt.Errorf("failed to decode order book: %w", err)
	}

	return &book, nil
}

// Midpoint returns the mid price between best bid and best ask. Falls back
// to the single populated side when the book is one-sided.
func (c *MarketsClient) Midpoint(ctx context.Context, market string) (float64, error) {
	book, err := c.GetOrderBook(ctx, market)
	if err != nil {
		return 0, err
	}

	bestBid, bidOK := bestPrice(book.Bids, true)
	bestAsk, askOK := bestPrice(book.Asks, false)
	switch {
	case bidOK && askOK:
		return (bestBid + bestAsk) / 2, nil
	case bidOK:
		return bestBid, nil
	case askOK:
		return bestAsk, nil
	default:
		return 0, fmt.Errorf("empty order book for %s", market)
	}
}

// DepthUSD sums the notional liquidity a copied order would consume: the
// ask side for a BUY, the bid side for a SELL.
func (c *MarketsClient) DepthUSD(ctx context.Context, market, side string) (float64, error) {
	book, err := c.GetOrderBook(ctx, market)
	if err != nil {
		return 0, err
	}

	levels := book.Asks
	if side == models.SideSell {
		levels = book.Bids
	}

	var depth float64
	for _, level := range levels {
		price, err1 := strconv.ParseFloat(level.Price, 64)
		size, err2 := strconv.ParseFloat(level.Size, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		depth += price * size
	}
	return depth, nil
}

// bestPrice scans levels for the highest (bids) or lowest (asks) price.
// The API does not guarantee level ordering.
func bestPrice(levels []OrderBookLevel, highest bool) (float64, bool) {
	var best float64
	found := false
	for _, level := range levels {
		price, err := strconv.ParseFloat(level.Price, 64)
		if err != nil || price <= 0 {
			continue
		}
		if !found || (highest && price > best) || (!highest && price < best) {
			best = price
			found = true
		}
	}
	return best, found
}
