package snapshot

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeeds/ohlcv-feed/internal/models"
)

func TestNewRunID(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	id := NewRunID(now)
	assert.True(t, strings.HasPrefix(id, "20240301_100000Z_"), id)
	assert.Len(t, id, len("20240301_100000Z_")+8)

	other := NewRunID(now)
	assert.NotEqual(t, id, other, "same instant yields distinct run ids")
}

func TestWriteAPIPull(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	candles := []models.Candle{
		{
			Timestamp: base,
			Open:      "100",
			High:      "110",
			Low:       "95",
			Close:     "105",
			Volume:    "12.5",
			CloseTime: base.Add(time.Hour - time.Millisecond),
			Symbol:    "BTCUSDT",
			Interval:  "1h",
		},
	}

	w := NewWriter(t.TempDir())
	path, err := w.WriteAPIPull(Dataset("BTCUSDT", "1h"), "20240301_100000Z_deadbeef", candles)
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT_1h", filepath.Base(filepath.Dir(path)))
	assert.Equal(t, "20240301_100000Z_deadbeef_api_pull.csv", filepath.Base(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"timestamp", "open", "high", "low", "close", "volume", "close_time"}, records[0])
	assert.Equal(t, "1709283600000", records[1][0])
	assert.Equal(t, "100", records[1][1])
	assert.Equal(t, "12.5", records[1][5])
}

func TestWriteAPIPullEmptyWindow(t *testing.T) {
	w := NewWriter(t.TempDir())
	path, err := w.WriteAPIPull("BTCUSDT_1h", "20240301_100000Z_deadbeef", nil)
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1, "header only")
}
