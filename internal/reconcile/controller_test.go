package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeeds/ohlcv-feed/internal/exchange"
	"github.com/quantfeeds/ohlcv-feed/internal/models"
	"github.com/quantfeeds/ohlcv-feed/internal/snapshot"
	"github.com/quantfeeds/ohlcv-feed/internal/storage"
	"github.com/quantfeeds/ohlcv-feed/internal/validate"
)

// fakeFetcher serves a canned window and counts calls.
type fakeFetcher struct {
	candles []models.Candle
	err     error
	calls   int
}

func (f *fakeFetcher) FetchWindow(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Candle, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Candle
	for _, c := range f.candles {
		if c.Timestamp.Before(start) || !c.Timestamp.Before(end) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeFetcher) Name() string { return "fake" }

var _ exchange.WindowFetcher = (*fakeFetcher)(nil)

func newTestController(t *testing.T, fetcher *fakeFetcher, store storage.SeriesStore, now time.Time, opts AppendOptions) *Controller {
	t.Helper()
	ctrl, err := NewController(fetcher, store, snapshot.NewWriter(t.TempDir()), ControllerConfig{
		Symbol:     "BTCUSDT",
		Interval:   "1h",
		WindowBars: 12,
		Append:     opts,
	}, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return ctrl
}

func TestRunCycleHappyPath(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(10 * time.Hour)
	ctx := context.Background()

	// Upstream has bars 00:00 through 09:00 plus the in-progress 10:00 bar.
	upstream := hourSeries(base, 11)
	fetcher := &fakeFetcher{candles: upstream}

	store := seedStore(t, base, 5)
	ctrl := newTestController(t, fetcher, store, now, AppendOptions{Mode: ModeCatchUp})

	result, err := ctrl.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, now, result.TargetBoundary)
	assert.Equal(t, 11, result.Fetched)
	assert.Equal(t, 10, result.Closed, "in-progress bar dropped")
	require.NotNil(t, result.Report)
	assert.Equal(t, 5, result.Report.Inserted)

	stats, err := store.Coverage(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.Rows)

	require.NotEmpty(t, result.SnapshotPath)
	data, err := os.ReadFile(result.SnapshotPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "timestamp,open,high,low,close,volume,close_time")
	assert.Equal(t, "BTCUSDT_1h", filepath.Base(filepath.Dir(result.SnapshotPath)))
}

func TestRunCycleFetchFailure(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(10 * time.Hour)

	fetchErr := exchange.NewUpstreamStatusError("fake", "/klines", 503)
	fetcher := &fakeFetcher{err: fetchErr}
	store := seedStore(t, base, 5)
	ctrl := newTestController(t, fetcher, store, now, AppendOptions{Mode: ModeCatchUp})

	result, err := ctrl.RunCycle(context.Background())
	require.Error(t, err)

	var uerr *exchange.UpstreamError
	assert.ErrorAs(t, err, &uerr)
	assert.Equal(t, StateFailed, result.State)
	assert.Empty(t, result.SnapshotPath, "no snapshot without a payload")
	assert.Equal(t, 1, fetcher.calls, "a failed cycle is not retried")

	stats, err := store.Coverage(context.Background(), "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Rows)
}

func TestRunCycleValidationFailureStillSnapshots(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(6 * time.Hour)
	ctx := context.Background()

	store := seedStore(t, base, 5)

	// Upstream disagrees with the stored 03:00 close.
	upstream := hourSeries(base, 6)
	upstream[3].Close = "107"
	fetcher := &fakeFetcher{candles: upstream}

	ctrl := newTestController(t, fetcher, store, now, AppendOptions{Mode: ModeCatchUp})

	result, err := ctrl.RunCycle(ctx)
	require.Error(t, err)

	var oerr *validate.OverlapError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, base.Add(3*time.Hour), oerr.Timestamp)
	assert.Equal(t, "close", oerr.Field)

	assert.Equal(t, StateFailed, result.State)
	assert.NotEmpty(t, result.SnapshotPath, "snapshot written before validation")
	_, statErr := os.Stat(result.SnapshotPath)
	assert.NoError(t, statErr)

	stats, err := store.Coverage(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Rows, "nothing appended on a failed validation")
}

func TestRunCycleBootstrap(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(10 * time.Hour)
	ctx := context.Background()

	fetcher := &fakeFetcher{candles: hourSeries(base, 10)}
	store := storage.NewMemoryStore()
	ctrl := newTestController(t, fetcher, store, now, AppendOptions{Mode: ModeCatchUp})

	result, err := ctrl.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateDone, result.State)

	stats, err := store.Coverage(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.Rows, "empty store bootstraps from the window")
}

func TestRunCycleIdempotent(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(10 * time.Hour)
	ctx := context.Background()

	fetcher := &fakeFetcher{candles: hourSeries(base, 10)}
	store := storage.NewMemoryStore()
	ctrl := newTestController(t, fetcher, store, now, AppendOptions{Mode: ModeCatchUp})

	first, err := ctrl.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, first.Report.Inserted)

	second, err := ctrl.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Report.Inserted)
	assert.NotEqual(t, first.RunID, second.RunID)

	stats, err := store.Coverage(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.Rows)
}

func TestNewControllerValidation(t *testing.T) {
	store := storage.NewMemoryStore()
	writer := snapshot.NewWriter(t.TempDir())

	_, err := NewController(&fakeFetcher{}, store, writer, ControllerConfig{Interval: "1h"})
	assert.Error(t, err, "missing symbol")

	_, err = NewController(&fakeFetcher{}, store, writer, ControllerConfig{Symbol: "BTCUSDT", Interval: "7m"})
	assert.Error(t, err, "unsupported interval")
}

func TestRunCycleDryRun(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(10 * time.Hour)
	ctx := context.Background()

	fetcher := &fakeFetcher{candles: hourSeries(base, 10)}
	store := seedStore(t, base, 4)
	ctrl := newTestController(t, fetcher, store, now, AppendOptions{Mode: ModeCatchUp, DryRun: true})

	result, err := ctrl.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, result.Report.Candidates)
	assert.Equal(t, 0, result.Report.Inserted)

	stats, err := store.Coverage(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Rows)
}

func TestRunCycleNoRetryOnGap(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(10 * time.Hour)
	ctx := context.Background()

	// Upstream serves the stored 02:00 bar plus 07:00 onward; the overlap
	// checks out but 03:00 through 06:00 are missing.
	upstream := append([]models.Candle{hourBar(base.Add(2 * time.Hour))},
		hourSeries(base.Add(7*time.Hour), 3)...)
	fetcher := &fakeFetcher{candles: upstream}
	store := seedStore(t, base, 3)
	ctrl := newTestController(t, fetcher, store, now, AppendOptions{Mode: ModeCatchUp, StopOnGap: true})

	result, err := ctrl.RunCycle(ctx)
	require.Error(t, err)

	var gerr *GapError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, 4, gerr.Missing)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, 1, fetcher.calls)
	assert.NotEmpty(t, result.SnapshotPath)
}

func TestRunCycleNoOverlapFails(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(10 * time.Hour)
	ctx := context.Background()

	// After long downtime the window no longer reaches back to the stored
	// tail. Nothing can be cross-checked, so nothing may be appended, even
	// with the soft gap policy.
	fetcher := &fakeFetcher{candles: hourSeries(base.Add(7*time.Hour), 3)}
	store := seedStore(t, base, 3)
	ctrl := newTestController(t, fetcher, store, now, AppendOptions{Mode: ModeCatchUp, StopOnGap: false})

	result, err := ctrl.RunCycle(ctx)
	require.Error(t, err)

	var nerr *validate.NoOverlapError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, base.Add(2*time.Hour), nerr.StoreEnd)
	assert.Equal(t, base.Add(7*time.Hour), nerr.APIStart)
	assert.Equal(t, StateFailed, result.State)
	assert.NotEmpty(t, result.SnapshotPath)

	stats, err := store.Coverage(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Rows, "unvalidated bars never land")
}

func TestRunCycleSingleModeStaleWindow(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	now := base.Add(10 * time.Hour)
	ctx := context.Background()

	// Exchange and store both end at 04:00; the 09:00 target bar never
	// arrives and the miss must be visible to the scheduler.
	fetcher := &fakeFetcher{candles: hourSeries(base, 5)}
	store := seedStore(t, base, 5)
	ctrl := newTestController(t, fetcher, store, now, AppendOptions{Mode: ModeSingle})

	result, err := ctrl.RunCycle(ctx)
	require.Error(t, err)

	var serr *StaleWindowError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, base.Add(4*time.Hour), serr.LastClosed)
	assert.Equal(t, base.Add(9*time.Hour), serr.Want)
	assert.Equal(t, StateFailed, result.State)
	assert.NotEmpty(t, result.SnapshotPath)
}
