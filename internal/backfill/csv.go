// Package backfill loads historical candles from CSV exports and writes
// them into the store with the same insert-if-absent semantics as the live
// feed. Files may overlap each other and the stored series; duplicates are
// dropped, existing rows are never touched.
package backfill

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/quantfeeds/ohlcv-feed/internal/models"
)

// Binance exports carry open time, OHLCV and close time in the first seven
// columns; anything after that (quote volume, trade count) is ignored.
const minColumns = 7

// FileInfo summarizes a CSV file without loading it into the store.
type FileInfo struct {
	Path       string    `json:"path"`
	HasHeader  bool      `json:"has_header"`
	Rows       int       `json:"rows"`
	First      time.Time `json:"first,omitempty"`
	Last       time.Time `json:"last,omitempty"`
	Sorted     bool      `json:"sorted"`
	Duplicates int       `json:"duplicates"`
}

// ReadFile parses one CSV export into candles for the given series. A
// header row is detected by a non-numeric first field and skipped.
// Timestamps are epoch milliseconds; microsecond exports are detected by
// magnitude and converted.
func ReadFile(path, symbol, interval string) ([]models.Candle, error) {
	period, err := models.ParseInterval(interval)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var candles []models.Candle
	line := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line+1, err)
		}
		line++

		if line == 1 && isHeader(record) {
			continue
		}
		if len(record) < minColumns {
			return nil, fmt.Errorf("%s line %d: %d columns, expected at least %d", path, line, len(record), minColumns)
		}

		openMs, err := parseEpoch(record[0])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: open time: %w", path, line, err)
		}
		closeMs, err := parseEpoch(record[6])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: close time: %w", path, line, err)
		}

		candle := models.Candle{
			Timestamp: time.UnixMilli(openMs).UTC(),
			Open:      record[1],
			High:      record[2],
			Low:       record[3],
			Close:     record[4],
			Volume:    record[5],
			CloseTime: time.UnixMilli(closeMs).UTC(),
			Symbol:    symbol,
			Interval:  interval,
		}
		// Some exports stamp close_time as the next open instead of the
		// last millisecond of the period.
		if candle.CloseTime.Equal(candle.Timestamp.Add(period)) {
			candle.CloseTime = candle.CloseTime.Add(-time.Millisecond)
		}
		if err := candle.Validate(); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// Inspect reads a CSV file and reports its shape without storing anything.
func Inspect(path string) (*FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	info := &FileInfo{Path: path, Sorted: true}
	seen := make(map[int64]struct{})
	var prev int64
	line := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line+1, err)
		}
		line++

		if line == 1 && isHeader(record) {
			info.HasHeader = true
			continue
		}
		if len(record) == 0 {
			continue
		}

		ms, err := parseEpoch(record[0])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: open time: %w", path, line, err)
		}

		info.Rows++
		ts := time.UnixMilli(ms).UTC()
		if info.Rows == 1 || ts.Before(info.First) {
			info.First = ts
		}
		if ts.After(info.Last) {
			info.Last = ts
		}
		if info.Rows > 1 && ms <= prev {
			info.Sorted = false
		}
		if _, dup := seen[ms]; dup {
			info.Duplicates++
		}
		seen[ms] = struct{}{}
		prev = ms
	}
	return info, nil
}

// Clean sorts candles by timestamp and drops duplicate timestamps, keeping
// the first occurrence. The input is not modified.
func Clean(candles []models.Candle) []models.Candle {
	out := make([]models.Candle, len(candles))
	copy(out, candles)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	deduped := out[:0]
	for _, c := range out {
		if len(deduped) > 0 && c.Timestamp.Equal(deduped[len(deduped)-1].Timestamp) {
			continue
		}
		deduped = append(deduped, c)
	}
	return deduped
}

// FilterRange keeps candles with period start in [start, end). Zero bounds
// are open.
func FilterRange(candles []models.Candle, start, end time.Time) []models.Candle {
	var out []models.Candle
	for _, c := range candles {
		if !start.IsZero() && c.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && !c.Timestamp.Before(end) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// isHeader reports whether the record looks like a header row: first field
// not parseable as an epoch timestamp.
func isHeader(record []string) bool {
	if len(record) == 0 {
		return false
	}
	_, err := strconv.ParseInt(record[0], 10, 64)
	return err != nil
}

// parseEpoch parses an epoch timestamp field, converting microsecond
// exports (16 digits) down to milliseconds.
func parseEpoch(field string) (int64, error) {
	v, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return 0, err
	}
	if v > 1e14 {
		v /= 1000
	}
	return v, nil
}
