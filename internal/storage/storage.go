// Package storage defines the persistence contract for candle series and
// provides the DuckDB-backed implementation plus an in-memory store for
// tests.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/quantfeeds/ohlcv-feed/internal/models"
)

// SeriesWriter persists candles. Writes are idempotent at the row level: a
// timestamp already present in the store is left untouched, never updated.
type SeriesWriter interface {
	// InsertIfAbsent inserts each candle whose timestamp is not yet stored
	// for its symbol/interval and reports how many rows were actually
	// written. Each row is atomic; a failure part way through leaves the
	// earlier rows committed.
	InsertIfAbsent(ctx context.Context, candles []models.Candle) (int, error)
}

// SeriesReader reads persisted candle series.
type SeriesReader interface {
	// ReadTail returns the most recent n candles for symbol/interval in
	// ascending timestamp order. Fewer rows are returned when the series is
	// shorter than n.
	ReadTail(ctx context.Context, symbol, interval string, n int) ([]models.Candle, error)

	// ReadRange returns candles with period start in [start, end) in
	// ascending timestamp order.
	ReadRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Candle, error)

	// MaxTimestamp returns the latest stored period start. ok is false when
	// the series is empty.
	MaxTimestamp(ctx context.Context, symbol, interval string) (ts time.Time, ok bool, err error)

	// Coverage summarizes the stored series.
	Coverage(ctx context.Context, symbol, interval string) (*CoverageStats, error)
}

// SeriesManager handles store lifecycle.
type SeriesManager interface {
	// Init creates the schema if it does not exist.
	Init(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// SeriesStore combines write, read and lifecycle operations.
type SeriesStore interface {
	SeriesWriter
	SeriesReader
	SeriesManager
}

// CoverageStats summarizes a stored series: row count and the timestamp
// bounds. First and Last are zero when the series is empty.
type CoverageStats struct {
	Symbol   string    `json:"symbol"`
	Interval string    `json:"interval"`
	Rows     int64     `json:"rows"`
	First    time.Time `json:"first"`
	Last     time.Time `json:"last"`
}

// StorageError wraps store failures with the operation that produced them.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err with the failing operation name.
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}
