// Package reconcile contains the append engine and the cycle controller
// that together keep the persisted series in lockstep with the upstream
// feed: fetch, filter to closed bars, validate the overlap, append what is
// missing.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantfeeds/ohlcv-feed/internal/models"
	"github.com/quantfeeds/ohlcv-feed/internal/storage"
)

// Mode selects which missing candles a cycle appends.
type Mode int

const (
	// ModeCatchUp appends every closed candle newer than the stored maximum.
	ModeCatchUp Mode = iota

	// ModeSingle appends only the most recently closed candle, the bar for
	// the period immediately before the current boundary.
	ModeSingle
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeCatchUp:
		return "catch-up"
	case ModeSingle:
		return "single"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// AppendOptions configures one append pass.
type AppendOptions struct {
	// Mode selects single-bar or catch-up appending.
	Mode Mode

	// StopOnGap makes a detected gap fatal for the run. When false the gap
	// is logged and the available candles are appended anyway, leaving the
	// hole for a later backfill.
	StopOnGap bool

	// DryRun computes the full report without writing to the store.
	DryRun bool
}

// GapError reports missing periods between the stored maximum and the
// candles about to be appended, or inside the candidate run itself.
type GapError struct {
	Symbol   string
	Interval string
	// After is the last bar before the hole; Before is the first bar after
	// it. Missing counts the absent periods in between.
	After   time.Time
	Before  time.Time
	Missing int
}

func (e *GapError) Error() string {
	return fmt.Sprintf("gap detected in %s/%s: %d missing bar(s) between %s and %s",
		e.Symbol, e.Interval, e.Missing,
		e.After.Format(time.RFC3339), e.Before.Format(time.RFC3339))
}

// StaleWindowError reports a single-mode window whose last closed bar is
// not the bar for the period immediately before the current boundary: the
// upstream served stale data and the freshest bar cannot be appended.
type StaleWindowError struct {
	Symbol   string
	Interval string
	// LastClosed is the newest bar the window carried; zero when the window
	// was empty. Want is the period start the bar should have had.
	LastClosed time.Time
	Want       time.Time
}

func (e *StaleWindowError) Error() string {
	if e.LastClosed.IsZero() {
		return fmt.Sprintf("stale window for %s/%s: no closed bars, expected last closed bar at %s",
			e.Symbol, e.Interval, e.Want.Format(time.RFC3339))
	}
	return fmt.Sprintf("stale window for %s/%s: last closed bar %s does not equal %s",
		e.Symbol, e.Interval, e.LastClosed.Format(time.RFC3339), e.Want.Format(time.RFC3339))
}

// AppendReport summarizes one append pass.
type AppendReport struct {
	Mode       Mode       `json:"mode"`
	DryRun     bool       `json:"dry_run"`
	Candidates int        `json:"candidates"`
	Inserted   int        `json:"inserted"`
	Skipped    int        `json:"skipped"`
	Gaps       []GapError `json:"gaps,omitempty"`
	// FirstAppended and LastAppended bound the candidate run; zero when
	// there were no candidates.
	FirstAppended time.Time `json:"first_appended,omitempty"`
	LastAppended  time.Time `json:"last_appended,omitempty"`
}

// Engine appends validated closed candles to the store. It never updates an
// existing row; idempotence comes from the store's insert-if-absent write.
type Engine struct {
	store  storage.SeriesStore
	logger *slog.Logger
}

// NewEngine creates an append engine.
func NewEngine(store storage.SeriesStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger}
}

// AppendMissing appends the window's missing candles according to opts. The
// window must already be filtered to closed bars and validated against the
// stored tail; candles at or before the stored maximum are never candidates.
// A gap makes the pass fail when opts.StopOnGap is set; otherwise the gap is
// recorded in the report and the candidates are appended around it.
func (e *Engine) AppendMissing(ctx context.Context, window []models.Candle, symbol, interval string, now time.Time, opts AppendOptions) (*AppendReport, error) {
	period, err := models.ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	if !models.SortedByTimestamp(window) {
		return nil, fmt.Errorf("append window not in strictly ascending timestamp order")
	}

	report := &AppendReport{Mode: opts.Mode, DryRun: opts.DryRun}

	maxTS, hasData, err := e.store.MaxTimestamp(ctx, symbol, interval)
	if err != nil {
		return nil, err
	}

	target := models.TargetBoundary(now, period)

	// In single mode the window must actually carry the freshest closed
	// bar; a stale upstream is a failure the scheduler has to see, not a
	// quiet zero-candidate pass.
	if opts.Mode == ModeSingle {
		want := target.Add(-period)
		if len(window) == 0 || !window[len(window)-1].Timestamp.Equal(want) {
			serr := &StaleWindowError{Symbol: symbol, Interval: interval, Want: want}
			if len(window) > 0 {
				serr.LastClosed = window[len(window)-1].Timestamp
			}
			return report, serr
		}
	}

	candidates := e.selectCandidates(window, opts.Mode, target, period, maxTS, hasData)
	report.Candidates = len(candidates)
	if len(candidates) == 0 {
		e.logger.Debug("nothing to append",
			"symbol", symbol, "interval", interval, "mode", opts.Mode.String())
		return report, nil
	}
	report.FirstAppended = candidates[0].Timestamp
	report.LastAppended = candidates[len(candidates)-1].Timestamp

	report.Gaps = findGaps(candidates, symbol, interval, period, maxTS, hasData)
	for i := range report.Gaps {
		e.logger.Warn("gap detected", "symbol", symbol, "interval", interval,
			"after", report.Gaps[i].After, "before", report.Gaps[i].Before,
			"missing", report.Gaps[i].Missing)
	}
	if len(report.Gaps) > 0 && opts.StopOnGap {
		return report, &report.Gaps[0]
	}

	if opts.DryRun {
		e.logger.Info("dry run, skipping writes",
			"symbol", symbol, "interval", interval, "candidates", report.Candidates)
		return report, nil
	}

	inserted, err := e.store.InsertIfAbsent(ctx, candidates)
	report.Inserted = inserted
	report.Skipped = report.Candidates - inserted
	if err != nil {
		// Rows written before the failure stay committed; the next run
		// resumes from the new stored maximum.
		return report, err
	}

	e.logger.Info("append complete",
		"symbol", symbol, "interval", interval, "mode", opts.Mode.String(),
		"candidates", report.Candidates, "inserted", report.Inserted, "skipped", report.Skipped)
	return report, nil
}

// selectCandidates picks the window candles eligible for appending. In
// single mode that is exactly the bar for target minus one period; in
// catch-up mode it is every bar after the stored maximum, or the whole
// window when the store is empty.
func (e *Engine) selectCandidates(window []models.Candle, mode Mode, target time.Time, period time.Duration, maxTS time.Time, hasData bool) []models.Candle {
	if mode == ModeSingle {
		want := target.Add(-period)
		if hasData && !want.After(maxTS) {
			return nil
		}
		for _, c := range window {
			if c.Timestamp.Equal(want) {
				return []models.Candle{c}
			}
		}
		return nil
	}

	if !hasData {
		out := make([]models.Candle, len(window))
		copy(out, window)
		return out
	}

	var out []models.Candle
	for _, c := range window {
		if c.Timestamp.After(maxTS) {
			out = append(out, c)
		}
	}
	return out
}

// findGaps reports missing periods between the stored maximum and the first
// candidate, and between successive candidates.
func findGaps(candidates []models.Candle, symbol, interval string, period time.Duration, maxTS time.Time, hasData bool) []GapError {
	var gaps []GapError
	if hasData {
		if g := gapBetween(maxTS, candidates[0].Timestamp, symbol, interval, period); g != nil {
			gaps = append(gaps, *g)
		}
	}
	return append(gaps, ScanGaps(candidates, symbol, interval, period)...)
}

// ScanGaps reports missing periods between successive candles of an
// ascending run. Both the live append path and bulk backfill use it, so gap
// arithmetic cannot drift between the two.
func ScanGaps(candles []models.Candle, symbol, interval string, period time.Duration) []GapError {
	var gaps []GapError
	for i := 1; i < len(candles); i++ {
		if g := gapBetween(candles[i-1].Timestamp, candles[i].Timestamp, symbol, interval, period); g != nil {
			gaps = append(gaps, *g)
		}
	}
	return gaps
}

func gapBetween(after, before time.Time, symbol, interval string, period time.Duration) *GapError {
	missing := int(before.Sub(after)/period) - 1
	if missing <= 0 {
		return nil
	}
	return &GapError{
		Symbol:   symbol,
		Interval: interval,
		After:    after,
		Before:   before,
		Missing:  missing,
	}
}
