// Package snapshot persists every fetched API window to disk as CSV. The
// snapshot is written whether or not the run's validation succeeds, so a
// failed run leaves the exact upstream payload available for inspection.
package snapshot

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/quantfeeds/ohlcv-feed/internal/models"
)

// header is the snapshot CSV column order, matching the persisted table.
var header = []string{"timestamp", "open", "high", "low", "close", "volume", "close_time"}

// NewRunID returns a run identifier of the form 20240301_100000Z_a1b2c3d4:
// a sortable UTC timestamp plus a short random suffix so concurrent runs
// never collide.
func NewRunID(now time.Time) string {
	return fmt.Sprintf("%s_%s", now.UTC().Format("20060102_150405Z"), uuid.NewString()[:8])
}

// Writer writes API pull snapshots under a base directory, one subdirectory
// per dataset.
type Writer struct {
	baseDir string
}

// NewWriter creates a Writer rooted at baseDir.
func NewWriter(baseDir string) *Writer {
	return &Writer{baseDir: baseDir}
}

// Dataset builds the snapshot subdirectory name for a series.
func Dataset(symbol, interval string) string {
	return fmt.Sprintf("%s_%s", symbol, interval)
}

// WriteAPIPull writes the fetched window for runID to
// <base>/<dataset>/<runID>_api_pull.csv and returns the file path. An empty
// window still produces a file with only the header row.
func (w *Writer) WriteAPIPull(dataset, runID string, candles []models.Candle) (string, error) {
	dir := filepath.Join(w.baseDir, dataset)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	path := filepath.Join(dir, runID+"_api_pull.csv")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		return "", fmt.Errorf("failed to write snapshot header: %w", err)
	}
	for _, c := range candles {
		record := []string{
			strconv.FormatInt(c.Timestamp.UTC().UnixMilli(), 10),
			c.Open,
			c.High,
			c.Low,
			c.Close,
			c.Volume,
			strconv.FormatInt(c.CloseTime.UTC().UnixMilli(), 10),
		}
		if err := cw.Write(record); err != nil {
			return "", fmt.Errorf("failed to write snapshot row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", fmt.Errorf("failed to flush snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close snapshot: %w", err)
	}
	return path, nil
}
