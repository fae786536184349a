package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func klineJSON(openTime time.Time, open, high, low, close, volume string) string {
	ot := openTime.UnixMilli()
	ct := openTime.Add(time.Hour - time.Millisecond).UnixMilli()
	return fmt.Sprintf(`[%d,"%s","%s","%s","%s","%s",%d,"1000.0",42,"0.5","500.0","0"]`,
		ot, open, high, low, close, volume, ct)
}

func testClient(t *testing.T, handler http.HandlerFunc) *BinanceClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewBinanceClient(
		WithBaseURL(server.URL),
		WithHTTPClient(server.Client()),
		WithRateLimit(1000, 1000),
	)
}

func TestFetchWindow(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))

		rows := []string{
			klineJSON(base, "100", "110", "95", "105", "12.5"),
			klineJSON(base.Add(time.Hour), "105", "115", "100", "110", "8.25"),
		}
		fmt.Fprintf(w, "[%s]", strings.Join(rows, ","))
	})

	candles, err := client.FetchWindow(context.Background(), "BTCUSDT", "1h", base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, candles, 2)

	assert.Equal(t, base, candles[0].Timestamp)
	assert.Equal(t, "100", candles[0].Open)
	assert.Equal(t, "12.5", candles[0].Volume)
	assert.Equal(t, base.Add(time.Hour-time.Millisecond), candles[0].CloseTime)
	assert.Equal(t, "BTCUSDT", candles[0].Symbol)
	assert.Equal(t, "1h", candles[0].Interval)
	assert.Equal(t, base.Add(time.Hour), candles[1].Timestamp)
}

func TestFetchWindowPagination(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	total := binanceMaxLimit + 10

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		start, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		// Bars sit on the interval grid; a startTime inside a period maps
		// to the next grid point, as the real endpoint does.
		cursor := time.UnixMilli(start).UTC()
		if aligned := cursor.Truncate(time.Hour); !aligned.Equal(cursor) {
			cursor = aligned.Add(time.Hour)
		}

		var rows []string
		for len(rows) < binanceMaxLimit && cursor.Before(base.Add(time.Duration(total)*time.Hour)) {
			rows = append(rows, klineJSON(cursor, "100", "110", "95", "105", "1.0"))
			cursor = cursor.Add(time.Hour)
		}
		fmt.Fprintf(w, "[%s]", strings.Join(rows, ","))
	})

	candles, err := client.FetchWindow(context.Background(), "BTCUSDT", "1h",
		base, base.Add(time.Duration(total)*time.Hour))
	require.NoError(t, err)
	assert.Len(t, candles, total)
	assert.Equal(t, base, candles[0].Timestamp)
	assert.Equal(t, base.Add(time.Duration(total-1)*time.Hour), candles[len(candles)-1].Timestamp)
}

func TestFetchWindowUpstreamStatusError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := client.FetchWindow(context.Background(), "BTCUSDT", "1h", base, base.Add(time.Hour))
	require.Error(t, err)

	var uerr *UpstreamError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, http.StatusServiceUnavailable, uerr.StatusCode)
	assert.Equal(t, "binance-futures", uerr.Source)
}

func TestFetchWindowMalformedResponse(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("not an array", func(t *testing.T) {
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
		})
		_, err := client.FetchWindow(context.Background(), "BTCUSDT", "1h", base, base.Add(time.Hour))
		var merr *MalformedResponseError
		require.ErrorAs(t, err, &merr)
	})

	t.Run("short kline row", func(t *testing.T) {
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `[[1709251200000,"100","110"]]`)
		})
		_, err := client.FetchWindow(context.Background(), "BTCUSDT", "1h", base, base.Add(time.Hour))
		var merr *MalformedResponseError
		require.ErrorAs(t, err, &merr)
		assert.Contains(t, merr.Detail, "expected at least 7")
	})

	t.Run("numeric price instead of string", func(t *testing.T) {
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `[[1709251200000,100,"110","95","105","1.0",1709254799999]]`)
		})
		_, err := client.FetchWindow(context.Background(), "BTCUSDT", "1h", base, base.Add(time.Hour))
		var merr *MalformedResponseError
		require.ErrorAs(t, err, &merr)
	})
}

func TestFetchWindowInvalidArgs(t *testing.T) {
	client := NewBinanceClient()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := client.FetchWindow(context.Background(), "BTCUSDT", "1h", base, base)
	assert.Error(t, err)

	_, err = client.FetchWindow(context.Background(), "BTCUSDT", "9m", base, base.Add(time.Hour))
	assert.Error(t, err)
}

func TestFetchWindowEmpty(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	candles, err := client.FetchWindow(context.Background(), "BTCUSDT", "1h", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, candles)
}
