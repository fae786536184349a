package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/quantfeeds/ohlcv-feed/internal/models"
)

// DuckDBStore is a SeriesStore backed by an embedded DuckDB database. A
// single connection is used; DuckDB is an in-process engine and the feed is
// the only writer.
type DuckDBStore struct {
	db   *sql.DB
	path string
}

// NewDuckDBStore opens (or creates) the database at path. Use ":memory:" or
// the empty string for an in-memory database.
func NewDuckDBStore(path string) (*DuckDBStore, error) {
	dsn := path
	if dsn == ":memory:" {
		dsn = ""
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, NewStorageError("open", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStore{db: db, path: path}, nil
}

// Init implements SeriesManager. It creates the ohlcv table and its unique
// series key index if they do not exist.
func (s *DuckDBStore) Init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return NewStorageError("ping", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS ohlcv (
			symbol     VARCHAR NOT NULL,
			interval   VARCHAR NOT NULL,
			timestamp  TIMESTAMP NOT NULL,
			open       DOUBLE NOT NULL,
			high       DOUBLE NOT NULL,
			low        DOUBLE NOT NULL,
			close      DOUBLE NOT NULL,
			volume     DOUBLE NOT NULL,
			close_time TIMESTAMP NOT NULL
		)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return NewStorageError("create table", err)
	}

	index := `CREATE UNIQUE INDEX IF NOT EXISTS idx_ohlcv_series_key
		ON ohlcv (symbol, interval, timestamp)`
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return NewStorageError("create index", err)
	}

	return nil
}

// Close implements SeriesManager.
func (s *DuckDBStore) Close() error {
	if err := s.db.Close(); err != nil {
		return NewStorageError("close", err)
	}
	return nil
}

// InsertIfAbsent implements SeriesWriter. Each row is a single INSERT OR
// IGNORE against the unique series key index, so a repeated write of the
// same timestamp cannot duplicate or overwrite a row.
func (s *DuckDBStore) InsertIfAbsent(ctx context.Context, candles []models.Candle) (int, error) {
	const stmt = `
		INSERT OR IGNORE INTO ohlcv (symbol, interval, timestamp, open, high, low, close, volume, close_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	inserted := 0
	for _, c := range candles {
		open, high, low, close, volume, err := candleFloats(&c)
		if err != nil {
			return inserted, NewStorageError("insert", err)
		}

		res, err := s.db.ExecContext(ctx, stmt,
			c.Symbol, c.Interval, c.Timestamp.UTC(),
			open, high, low, close, volume, c.CloseTime.UTC(),
		)
		if err != nil {
			return inserted, NewStorageError("insert", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return inserted, NewStorageError("insert", err)
		}
		inserted += int(n)
	}

	return inserted, nil
}

// ReadTail implements SeriesReader.
func (s *DuckDBStore) ReadTail(ctx context.Context, symbol, interval string, n int) ([]models.Candle, error) {
	if n <= 0 {
		return nil, NewStorageError("read tail", fmt.Errorf("n must be positive, got %d", n))
	}

	const query = `
		SELECT symbol, interval, timestamp, open, high, low, close, volume, close_time
		FROM (
			SELECT * FROM ohlcv
			WHERE symbol = ? AND interval = ?
			ORDER BY timestamp DESC
			LIMIT ?
		)
		ORDER BY timestamp ASC`

	rows, err := s.db.QueryContext(ctx, query, symbol, interval, n)
	if err != nil {
		return nil, NewStorageError("read tail", err)
	}
	defer rows.Close()

	return scanCandles(rows, "read tail")
}

// ReadRange implements SeriesReader.
func (s *DuckDBStore) ReadRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Candle, error) {
	const query = `
		SELECT symbol, interval, timestamp, open, high, low, close, volume, close_time
		FROM ohlcv
		WHERE symbol = ? AND interval = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC`

	rows, err := s.db.QueryContext(ctx, query, symbol, interval, start.UTC(), end.UTC())
	if err != nil {
		return nil, NewStorageError("read range", err)
	}
	defer rows.Close()

	return scanCandles(rows, "read range")
}

// MaxTimestamp implements SeriesReader.
func (s *DuckDBStore) MaxTimestamp(ctx context.Context, symbol, interval string) (time.Time, bool, error) {
	const query = `SELECT max(timestamp) FROM ohlcv WHERE symbol = ? AND interval = ?`

	var ts sql.NullTime
	if err := s.db.QueryRowContext(ctx, query, symbol, interval).Scan(&ts); err != nil {
		return time.Time{}, false, NewStorageError("max timestamp", err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return ts.Time.UTC(), true, nil
}

// Coverage implements SeriesReader.
func (s *DuckDBStore) Coverage(ctx context.Context, symbol, interval string) (*CoverageStats, error) {
	const query = `
		SELECT count(*), min(timestamp), max(timestamp)
		FROM ohlcv WHERE symbol = ? AND interval = ?`

	var (
		count       int64
		first, last sql.NullTime
	)
	if err := s.db.QueryRowContext(ctx, query, symbol, interval).Scan(&count, &first, &last); err != nil {
		return nil, NewStorageError("coverage", err)
	}

	stats := &CoverageStats{Symbol: symbol, Interval: interval, Rows: count}
	if first.Valid {
		stats.First = first.Time.UTC()
	}
	if last.Valid {
		stats.Last = last.Time.UTC()
	}
	return stats, nil
}

func candleFloats(c *models.Candle) (open, high, low, close, volume float64, err error) {
	fields := []struct {
		name  string
		value string
		dst   *float64
	}{
		{"open", c.Open, &open},
		{"high", c.High, &high},
		{"low", c.Low, &low},
		{"close", c.Close, &close},
		{"volume", c.Volume, &volume},
	}
	for _, f := range fields {
		v, perr := strconv.ParseFloat(f.value, 64)
		if perr != nil {
			return 0, 0, 0, 0, 0, fmt.Errorf("candle %s at %s: %w", f.name, c.Timestamp, perr)
		}
		*f.dst = v
	}
	return open, high, low, close, volume, nil
}

func scanCandles(rows *sql.Rows, op string) ([]models.Candle, error) {
	var candles []models.Candle
	for rows.Next() {
		var (
			c                              models.Candle
			ts, closeTime                  time.Time
			open, high, low, close, volume float64
		)
		if err := rows.Scan(&c.Symbol, &c.Interval, &ts, &open, &high, &low, &close, &volume, &closeTime); err != nil {
			return nil, NewStorageError(op, err)
		}
		c.Timestamp = ts.UTC()
		c.CloseTime = closeTime.UTC()
		c.Open = strconv.FormatFloat(open, 'f', -1, 64)
		c.High = strconv.FormatFloat(high, 'f', -1, 64)
		c.Low = strconv.FormatFloat(low, 'f', -1, 64)
		c.Close = strconv.FormatFloat(close, 'f', -1, 64)
		c.Volume = strconv.FormatFloat(volume, 'f', -1, 64)
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError(op, err)
	}
	return candles, nil
}

// Compile-time check that DuckDBStore implements SeriesStore.
var _ SeriesStore = (*DuckDBStore)(nil)
