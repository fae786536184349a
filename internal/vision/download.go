// Package vision downloads historical kline archives from the Binance
// Vision public dataset and merges them into a single CSV suitable for the
// backfill loader.
package vision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

const (
	// DefaultVisionBaseURL serves the public Binance archive dataset.
	DefaultVisionBaseURL = "https://data.binance.vision"

	// Archive downloads are bulk transfers; one request per second is
	// plenty and keeps the mirror happy.
	visionRequestsPerSecond = 1
	visionBurstSize         = 2

	downloadTimeout = 5 * time.Minute
)

// Granularity selects the archive layout.
type Granularity string

const (
	Monthly Granularity = "monthly"
	Daily   Granularity = "daily"
)

// Downloader fetches kline ZIP archives. Unlike the live fetcher it retries
// transient failures with exponential backoff; archives are static files
// and a retry cannot produce inconsistent data.
type Downloader struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	logger     *slog.Logger

	maxElapsed time.Duration
}

// DownloaderOption configures a Downloader.
type DownloaderOption func(*Downloader)

// WithVisionBaseURL overrides the archive base URL, used by tests.
func WithVisionBaseURL(baseURL string) DownloaderOption {
	return func(d *Downloader) {
		d.baseURL = baseURL
	}
}

// WithVisionHTTPClient overrides the HTTP client.
func WithVisionHTTPClient(client *http.Client) DownloaderOption {
	return func(d *Downloader) {
		d.httpClient = client
	}
}

// WithVisionLogger overrides the logger.
func WithVisionLogger(logger *slog.Logger) DownloaderOption {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// WithRetryBudget bounds the total retry time per archive.
func WithRetryBudget(maxElapsed time.Duration) DownloaderOption {
	return func(d *Downloader) {
		d.maxElapsed = maxElapsed
	}
}

// NewDownloader creates a Downloader.
func NewDownloader(opts ...DownloaderOption) *Downloader {
	d := &Downloader{
		httpClient: &http.Client{Timeout: downloadTimeout},
		baseURL:    DefaultVisionBaseURL,
		limiter:    rate.NewLimiter(rate.Limit(visionRequestsPerSecond), visionBurstSize),
		logger:     slog.Default(),
		maxElapsed: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ArchiveURL builds the dataset path for one archive. Monthly archives are
// keyed by YYYY-MM, daily by YYYY-MM-DD.
func (d *Downloader) ArchiveURL(gran Granularity, symbol, interval string, day time.Time) string {
	var stamp string
	switch gran {
	case Daily:
		stamp = day.UTC().Format("2006-01-02")
	default:
		stamp = day.UTC().Format("2006-01")
	}
	return fmt.Sprintf("%s/data/futures/um/%s/klines/%s/%s/%s-%s-%s.zip",
		d.baseURL, gran, symbol, interval, symbol, interval, stamp)
}

// Exists checks whether an archive is published, via a HEAD request. Recent
// periods lag publication by a day or two.
func (d *Downloader) Exists(ctx context.Context, gran Granularity, symbol, interval string, day time.Time) (bool, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return false, err
	}

	url := d.ArchiveURL(gran, symbol, interval, day)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("HEAD %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound, http.StatusForbidden:
		// The mirror answers 403 for unpublished keys.
		return false, nil
	default:
		return false, fmt.Errorf("HEAD %s: unexpected status %d", url, resp.StatusCode)
	}
}

// Download fetches one archive into destDir and returns the local path. An
// already present local file is reused without touching the network.
// Transient failures are retried with exponential backoff up to the retry
// budget.
func (d *Downloader) Download(ctx context.Context, gran Granularity, symbol, interval string, day time.Time, destDir string) (string, error) {
	url := d.ArchiveURL(gran, symbol, interval, day)
	local := filepath.Join(destDir, filepath.Base(url))

	if _, err := os.Stat(local); err == nil {
		d.logger.Debug("archive already present", "path", local)
		return local, nil
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", destDir, err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = d.maxElapsed

	operation := func() error {
		if err := d.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		return d.fetchToFile(ctx, url, local)
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}

	d.logger.Info("archive downloaded", "url", url, "path", local)
	return local, nil
}

func (d *Downloader) fetchToFile(ctx context.Context, url, local string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return backoff.Permanent(fmt.Errorf("archive not published: %s returned %d", url, resp.StatusCode))
	case resp.StatusCode >= 500:
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("GET %s: status %d", url, resp.StatusCode))
	}

	tmp := local + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return backoff.Permanent(err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return backoff.Permanent(err)
	}
	if err := os.Rename(tmp, local); err != nil {
		return backoff.Permanent(err)
	}
	return nil
}

// DownloadRange fetches every archive covering [from, to] at the given
// granularity, skipping unpublished periods. With dryRun set it only lists
// the URLs that would be fetched.
func (d *Downloader) DownloadRange(ctx context.Context, gran Granularity, symbol, interval string, from, to time.Time, destDir string, dryRun bool) ([]string, error) {
	var paths []string

	for _, day := range periodStarts(gran, from, to) {
		if dryRun {
			paths = append(paths, d.ArchiveURL(gran, symbol, interval, day))
			continue
		}

		ok, err := d.Exists(ctx, gran, symbol, interval, day)
		if err != nil {
			return paths, err
		}
		if !ok {
			d.logger.Warn("archive not published, skipping",
				"symbol", symbol, "interval", interval, "period", day.Format("2006-01-02"))
			continue
		}

		path, err := d.Download(ctx, gran, symbol, interval, day, destDir)
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// periodStarts enumerates the archive periods covering [from, to].
func periodStarts(gran Granularity, from, to time.Time) []time.Time {
	var out []time.Time
	if gran == Daily {
		day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
		end := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
		for !day.After(end) {
			out = append(out, day)
			day = day.AddDate(0, 0, 1)
		}
		return out
	}

	month := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(to.Year(), to.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !month.After(end) {
		out = append(out, month)
		month = month.AddDate(0, 1, 0)
	}
	return out
}
