package vision

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDownloader(t *testing.T, handler http.Handler, opts ...DownloaderOption) *Downloader {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	base := []DownloaderOption{
		WithVisionBaseURL(server.URL),
		WithVisionHTTPClient(server.Client()),
		WithRetryBudget(2 * time.Second),
	}
	return NewDownloader(append(base, opts...)...)
}

func TestArchiveURL(t *testing.T) {
	d := NewDownloader()
	march := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	assert.Equal(t,
		"https://data.binance.vision/data/futures/um/monthly/klines/BTCUSDT/1h/BTCUSDT-1h-2024-03.zip",
		d.ArchiveURL(Monthly, "BTCUSDT", "1h", march))
	assert.Equal(t,
		"https://data.binance.vision/data/futures/um/daily/klines/BTCUSDT/1h/BTCUSDT-1h-2024-03-15.zip",
		d.ArchiveURL(Daily, "BTCUSDT", "1h", march))
}

func TestPeriodStarts(t *testing.T) {
	from := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)

	months := periodStarts(Monthly, from, to)
	require.Len(t, months, 3)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), months[0])
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), months[2])

	days := periodStarts(Daily, from, from.AddDate(0, 0, 2))
	require.Len(t, days, 3)
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), days[0])
	assert.Equal(t, time.Date(2024, 1, 17, 0, 0, 0, 0, time.UTC), days[2])
}

func TestDownloadRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	d := testDownloader(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("zip-bytes"))
	}))

	dir := t.TempDir()
	path, err := d.Download(context.Background(), Monthly, "BTCUSDT", "1h",
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), dir)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "zip-bytes", string(data))
	assert.Equal(t, "BTCUSDT-1h-2024-03.zip", filepath.Base(path))
}

func TestDownloadUnpublishedIsPermanent(t *testing.T) {
	var calls atomic.Int32
	d := testDownloader(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := d.Download(context.Background(), Monthly, "BTCUSDT", "1h",
		time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), t.TempDir())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "404 is not retried")
}

func TestDownloadReusesLocalFile(t *testing.T) {
	var calls atomic.Int32
	d := testDownloader(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("zip-bytes"))
	}))

	dir := t.TempDir()
	month := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := d.Download(context.Background(), Monthly, "BTCUSDT", "1h", month, dir)
	require.NoError(t, err)
	_, err = d.Download(context.Background(), Monthly, "BTCUSDT", "1h", month, dir)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDownloadRangeSkipsUnpublished(t *testing.T) {
	d := testDownloader(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only January is published.
		published := filepath.Base(r.URL.Path) == "BTCUSDT-1h-2024-01.zip"
		if !published {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.Method == http.MethodHead {
			return
		}
		w.Write([]byte("zip-bytes"))
	}))

	paths, err := d.DownloadRange(context.Background(), Monthly, "BTCUSDT", "1h",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		t.TempDir(), false)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, "BTCUSDT-1h-2024-01.zip", filepath.Base(paths[0]))
}

func TestDownloadRangeDryRun(t *testing.T) {
	d := NewDownloader(WithVisionBaseURL("https://example.test"))

	urls, err := d.DownloadRange(context.Background(), Monthly, "BTCUSDT", "1h",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		"", true)
	require.NoError(t, err)
	require.Len(t, urls, 3)
	assert.Contains(t, urls[0], "BTCUSDT-1h-2024-01.zip")
	assert.Contains(t, urls[2], "BTCUSDT-1h-2024-03.zip")
}

func writeZip(t *testing.T, dir, name, csvName, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	entry, err := zw.Create(csvName)
	require.NoError(t, err)
	_, err = entry.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return path
}

func TestMerge(t *testing.T) {
	dir := t.TempDir()

	header := "open_time,open,high,low,close,volume,close_time\n"
	zipA := writeZip(t, dir, "a.zip", "a.csv",
		header+"1709251200000,100,110,95,105,1.5,1709254799999\n")
	zipB := writeZip(t, dir, "b.zip", "b.csv",
		header+"1709254800000,105,115,100,110,2.5,1709258399999\n1709258400000,110,120,105,115,3.5,1709261999999\n")

	outPath := filepath.Join(dir, "merged.csv")
	rows, err := Merge([]string{zipA, zipB}, outPath)
	require.NoError(t, err)
	assert.Equal(t, 3, rows)

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3, "headers dropped")
	assert.Equal(t, "1709251200000", records[0][0])
	assert.Equal(t, "1709258400000", records[2][0])
}

func TestMergeEmptyInput(t *testing.T) {
	_, err := Merge(nil, filepath.Join(t.TempDir(), "out.csv"))
	assert.Error(t, err)
}

func TestMergeBadArchive(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.zip")
	require.NoError(t, os.WriteFile(bad, []byte("not a zip"), 0o644))

	_, err := Merge([]string{bad}, filepath.Join(dir, "out.csv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.zip")
}
