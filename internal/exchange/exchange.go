// Package exchange defines the window fetcher contract and its error
// taxonomy, plus the Binance USD-M futures adapter that implements it.
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/quantfeeds/ohlcv-feed/internal/models"
)

// WindowFetcher retrieves a contiguous window of candles from an upstream
// market data source. Implementations return candles in ascending timestamp
// order and never silently drop rows inside the requested window.
type WindowFetcher interface {
	// FetchWindow returns all candles for symbol/interval whose period start
	// is in [start, end). The in-progress bar may be included; callers filter
	// it with the closure predicate.
	FetchWindow(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Candle, error)

	// Name identifies the upstream source for logging and snapshots.
	Name() string
}

// UpstreamError indicates the upstream source could not serve the request:
// transport failures, timeouts, and non-2xx status codes. The reconciliation
// cycle treats it as fatal for the run; the next scheduled run retries.
type UpstreamError struct {
	Source     string
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s unavailable: %s returned status %d", e.Source, e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s unavailable: %s: %v", e.Source, e.Endpoint, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// NewUpstreamError creates an UpstreamError for a transport-level failure.
func NewUpstreamError(source, endpoint string, err error) *UpstreamError {
	return &UpstreamError{Source: source, Endpoint: endpoint, Err: err}
}

// NewUpstreamStatusError creates an UpstreamError for a non-2xx response.
func NewUpstreamStatusError(source, endpoint string, statusCode int) *UpstreamError {
	return &UpstreamError{Source: source, Endpoint: endpoint, StatusCode: statusCode}
}

// MalformedResponseError indicates the upstream answered but the payload did
// not match the documented shape. The offending detail is preserved so the
// row can be located in the raw response.
type MalformedResponseError struct {
	Source string
	Detail string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed response from %s: %s: %v", e.Source, e.Detail, e.Err)
	}
	return fmt.Sprintf("malformed response from %s: %s", e.Source, e.Detail)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// NewMalformedResponseError creates a MalformedResponseError.
func NewMalformedResponseError(source, detail string, err error) *MalformedResponseError {
	return &MalformedResponseError{Source: source, Detail: detail, Err: err}
}
