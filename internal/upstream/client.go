// Package upstream fetches klines and depth snapshots from the
// exchange's public REST API, per spec.md §4.B. Retry/backoff here is
// grounded on the teacher's internal/adapters/exchange.go
// ExchangeAdapter.Connect loop, retargeted from a raw TCP dial onto
// net/http — no third-party HTTP client library appears anywhere in
// the retrieved corpus, so the teacher's own stdlib-net idiom is the
// faithful way to build this.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/decimalx"
	"marketpulse/internal/domain"
)

const defaultBatchLimit = 1000

// Client fetches klines and order-book depth from the configured base
// URL, retrying transient failures with exponential backoff.
type Client struct {
	httpClient       *http.Client
	baseURL          string
	retryDelay       time.Duration
	maxRetriesKlines int
	maxRetriesDepth  int
}

// NewClient builds a Client against baseURL (e.g.
// "https://api.binance.com") with the given base retry delay and
// per-endpoint retry ceilings, both configurable per spec.md §6.
func NewClient(baseURL string, retryDelay time.Duration, maxRetriesKlines, maxRetriesDepth int) *Client {
	return &Client{
		httpClient:       &http.Client{Timeout: 30 * time.Second},
		baseURL:          baseURL,
		retryDelay:       retryDelay,
		maxRetriesKlines: maxRetriesKlines,
		maxRetriesDepth:  maxRetriesDepth,
	}
}

// FetchKlines fetches at most 1000 1-minute klines in [startMs, endMs].
func (c *Client) FetchKlines(ctx context.Context, symbol string, startMs, endMs int64) ([]domain.Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", "1m")
	q.Set("startTime", strconv.FormatInt(startMs, 10))
	q.Set("endTime", strconv.FormatInt(endMs, 10))
	q.Set("limit", strconv.Itoa(defaultBatchLimit))

	body, err := c.doWithRetry(ctx, "/api/v3/klines", q, c.maxRetriesKlines)
	if err != nil {
		return nil, err
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines response: %w", err)
	}

	candles := make([]domain.Candle, 0, len(raw))
	for _, row := range raw {
		candle, err := parseKline(symbol, row)
		if err != nil {
			slog.Warn("dropping malformed kline row", "symbol", symbol, "error", err)
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// FetchDepth fetches a single depth snapshot truncated to levels.
func (c *Client) FetchDepth(ctx context.Context, symbol string, levels int) (domain.OrderBookSnapshot, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("limit", strconv.Itoa(levels))

	body, err := c.doWithRetry(ctx, "/api/v3/depth", q, c.maxRetriesDepth)
	if err != nil {
		return domain.OrderBookSnapshot{}, err
	}

	var resp depthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderBookSnapshot{}, fmt.Errorf("decode depth response: %w", err)
	}

	snapshot := domain.OrderBookSnapshot{
		Symbol:       symbol,
		Timestamp:    time.Now().UTC(),
		LastUpdateID: resp.LastUpdateID,
		Bids:         parseLevels(resp.Bids),
		Asks:         parseLevels(resp.Asks),
	}
	return snapshot, nil
}

// doWithRetry implements spec.md §4.B's retry policy: up to maxRetries
// attempts with delay retryDelay * 2^attempt. HTTP 429 is retried on
// the same schedule as 5xx/network errors; other 4xx responses are
// fatal for the call. Exhaustion returns domain.ErrUpstreamUnavailable.
func (c *Client) doWithRetry(ctx context.Context, path string, query url.Values, maxRetries int) ([]byte, error) {
	endpoint := c.baseURL + path + "?" + query.Encode()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		body, retryable, err := c.doOnce(ctx, endpoint)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}

		delay := c.retryDelay * time.Duration(1<<attempt)
		slog.Warn("upstream request failed, retrying", "path", path, "attempt", attempt+1, "max_retries", maxRetries, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w: %s exhausted %d retries: %v", domain.ErrUpstreamUnavailable, path, maxRetries, lastErr)
}

func (c *Client) doOnce(ctx context.Context, endpoint string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return buf, false, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, fmt.Errorf("rate limited (429): %s", string(buf))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, false, fmt.Errorf("%w: status %d: %s", domain.ErrBadRequest, resp.StatusCode, string(buf))
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("status %d: %s", resp.StatusCode, string(buf))
	default:
		return nil, true, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

func parseKline(symbol string, row []interface{}) (domain.Candle, error) {
	if len(row) < 11 {
		return domain.Candle{}, fmt.Errorf("expected 12 fields, got %d", len(row))
	}

	openMs, err := toInt64(row[0])
	if err != nil {
		return domain.Candle{}, fmt.Errorf("openTime: %w", err)
	}
	closeMs, err := toInt64(row[6])
	if err != nil {
		return domain.Candle{}, fmt.Errorf("closeTime: %w", err)
	}
	trades, err := toInt64(row[8])
	if err != nil {
		return domain.Candle{}, fmt.Errorf("trades: %w", err)
	}

	num := func(field string, idx int) decimal.Decimal {
		v, err := toString(row[idx])
		if err != nil {
			slog.Warn("invalid numeric field, substituting zero", "symbol", symbol, "field", field, "error", err)
			return decimal.Zero
		}
		d, ok := decimalx.MustZeroOnError(v)
		if !ok {
			slog.Warn("invalid numeric field, substituting zero", "symbol", symbol, "field", field, "value", v)
		}
		return d
	}

	return domain.Candle{
		Symbol:              symbol,
		OpenTime:            msToTime(openMs),
		CloseTime:           msToTime(closeMs),
		Open:                num("open", 1),
		High:                num("high", 2),
		Low:                 num("low", 3),
		Close:               num("close", 4),
		Volume:              num("volume", 5),
		QuoteVolume:         num("quote_volume", 7),
		Trades:              trades,
		TakerBuyVolume:      num("taker_buy_volume", 9),
		TakerBuyQuoteVolume: num("taker_buy_quote_volume", 10),
	}, nil
}

func parseLevels(raw [][]string) []domain.PriceLevel {
	levels := make([]domain.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, priceOK := decimalx.MustZeroOnError(pair[0])
		qty, qtyOK := decimalx.MustZeroOnError(pair[1])
		if !priceOK || !qtyOK {
			slog.Warn("invalid depth level, substituting zero", "raw", pair)
		}
		levels = append(levels, domain.PriceLevel{Price: price, Quantity: qty})
	}
	return levels
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func toString(v interface{}) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unexpected type %T", v)
	}
}
