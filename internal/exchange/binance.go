package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantfeeds/ohlcv-feed/internal/models"
)

const (
	// DefaultBinanceBaseURL is the Binance USD-M futures REST endpoint.
	DefaultBinanceBaseURL = "https://fapi.binance.com"

	// binanceMaxLimit is the maximum klines per request on /fapi/v1/klines.
	binanceMaxLimit = 1500

	// Public market data weight limits allow far more, but 10 req/s keeps a
	// single feed well clear of IP bans shared with other consumers.
	binanceRequestsPerSecond = 10
	binanceBurstSize         = 5

	defaultRequestTimeout = 30 * time.Second
)

// BinanceClient fetches klines from the Binance USD-M futures API. Market
// data endpoints are unauthenticated. The client performs no retries; a
// failed window surfaces as an UpstreamError and the caller's next scheduled
// run tries again.
type BinanceClient struct {
	httpClient  *http.Client
	baseURL     string
	rateLimiter *rate.Limiter
}

// BinanceOption configures a BinanceClient.
type BinanceOption func(*BinanceClient)

// WithBaseURL overrides the API base URL, used by tests against httptest
// servers.
func WithBaseURL(baseURL string) BinanceOption {
	return func(c *BinanceClient) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(client *http.Client) BinanceOption {
	return func(c *BinanceClient) {
		c.httpClient = client
	}
}

// WithRateLimit overrides the client-side request rate limit.
func WithRateLimit(requestsPerSecond float64, burst int) BinanceOption {
	return func(c *BinanceClient) {
		c.rateLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
}

// NewBinanceClient creates a Binance futures klines client.
func NewBinanceClient(opts ...BinanceOption) *BinanceClient {
	c := &BinanceClient{
		httpClient:  &http.Client{Timeout: defaultRequestTimeout},
		baseURL:     DefaultBinanceBaseURL,
		rateLimiter: rate.NewLimiter(rate.Limit(binanceRequestsPerSecond), binanceBurstSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements WindowFetcher.
func (c *BinanceClient) Name() string {
	return "binance-futures"
}

// FetchWindow implements WindowFetcher. Windows wider than one request's
// limit are paginated by advancing startTime past the last received bar;
// results stay in ascending order across pages.
func (c *BinanceClient) FetchWindow(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Candle, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("invalid window: end %s is not after start %s", end, start)
	}
	if _, err := models.ParseInterval(interval); err != nil {
		return nil, err
	}

	var candles []models.Candle
	cursor := start

	for cursor.Before(end) {
		page, err := c.fetchPage(ctx, symbol, interval, cursor, end)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		candles = append(candles, page...)

		last := page[len(page)-1].Timestamp
		if last.Before(cursor) {
			return nil, NewMalformedResponseError(c.Name(),
				fmt.Sprintf("pagination went backwards: last bar %s before cursor %s", last, cursor), nil)
		}
		cursor = last.Add(time.Millisecond)

		if len(page) < binanceMaxLimit {
			break
		}
	}

	if !models.SortedByTimestamp(candles) {
		return nil, NewMalformedResponseError(c.Name(), "klines not in ascending timestamp order", nil)
	}
	return candles, nil
}

func (c *BinanceClient) fetchPage(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Candle, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	endpoint := c.baseURL + "/fapi/v1/klines"
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(end.UnixMilli()-1, 10))
	params.Set("limit", strconv.Itoa(binanceMaxLimit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewUpstreamError(c.Name(), endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, NewUpstreamStatusError(c.Name(), endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewUpstreamError(c.Name(), endpoint, err)
	}

	return c.parseKlines(body, symbol, interval)
}

// parseKlines decodes the raw kline payload. Each kline is a 12-element
// array: open time, open, high, low, close, volume, close time, quote
// volume, trade count, taker buy base, taker buy quote, and an unused field.
// Prices arrive as strings and are kept as strings.
func (c *BinanceClient) parseKlines(body []byte, symbol, interval string) ([]models.Candle, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, NewMalformedResponseError(c.Name(), "response is not an array of klines", err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 7 {
			return nil, NewMalformedResponseError(c.Name(),
				fmt.Sprintf("kline %d has %d elements, expected at least 7", i, len(row)), nil)
		}

		openTime, err := parseMillis(row[0])
		if err != nil {
			return nil, NewMalformedResponseError(c.Name(), fmt.Sprintf("kline %d open time", i), err)
		}
		closeTime, err := parseMillis(row[6])
		if err != nil {
			return nil, NewMalformedResponseError(c.Name(), fmt.Sprintf("kline %d close time", i), err)
		}

		var open, high, low, close, volume string
		for j, dst := range []*string{&open, &high, &low, &close, &volume} {
			if err := json.Unmarshal(row[j+1], dst); err != nil {
				return nil, NewMalformedResponseError(c.Name(),
					fmt.Sprintf("kline %d field %d is not a string", i, j+1), err)
			}
		}

		candle := models.Candle{
			Timestamp: time.UnixMilli(openTime).UTC(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    volume,
			CloseTime: time.UnixMilli(closeTime).UTC(),
			Symbol:    symbol,
			Interval:  interval,
		}
		if err := candle.Validate(); err != nil {
			return nil, NewMalformedResponseError(c.Name(), fmt.Sprintf("kline %d failed validation", i), err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func parseMillis(raw json.RawMessage) (int64, error) {
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return 0, err
	}
	return ms, nil
}

// Compile-time check that BinanceClient implements WindowFetcher.
var _ WindowFetcher = (*BinanceClient)(nil)
