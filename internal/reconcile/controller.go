package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantfeeds/ohlcv-feed/internal/exchange"
	"github.com/quantfeeds/ohlcv-feed/internal/models"
	"github.com/quantfeeds/ohlcv-feed/internal/snapshot"
	"github.com/quantfeeds/ohlcv-feed/internal/storage"
	"github.com/quantfeeds/ohlcv-feed/internal/validate"
)

// State is the phase a reconciliation cycle is in. Transitions run strictly
// forward: Idle, Fetching, Filtering, Validating, Appending, Done. Any phase
// can fall to Failed, which is terminal for the run.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateFiltering
	StateValidating
	StateAppending
	StateDone
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateFiltering:
		return "filtering"
	case StateValidating:
		return "validating"
	case StateAppending:
		return "appending"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ControllerConfig configures a reconciliation controller for one series.
type ControllerConfig struct {
	// Symbol and Interval identify the series.
	Symbol   string
	Interval string

	// WindowBars is how many of the most recent periods the fetch window
	// spans.
	WindowBars int

	// TailBars is how many stored bars the overlap validation reads back.
	TailBars int

	// Append configures the append pass.
	Append AppendOptions
}

// CycleResult records the outcome of one reconciliation cycle. It is
// populated as far as the cycle got; a Failed result still carries the
// snapshot path when the fetch succeeded.
type CycleResult struct {
	RunID     string `json:"run_id"`
	Symbol    string `json:"symbol"`
	Interval  string `json:"interval"`
	State     State  `json:"-"`
	StateName string `json:"state"`
	// TargetBoundary is the start of the period the cycle judged closure
	// against.
	TargetBoundary time.Time     `json:"target_boundary"`
	Fetched        int           `json:"fetched"`
	Closed         int           `json:"closed"`
	SnapshotPath   string        `json:"snapshot_path,omitempty"`
	Report         *AppendReport `json:"report,omitempty"`
	Started        time.Time     `json:"started"`
	Finished       time.Time     `json:"finished"`
	Err            error         `json:"-"`
}

// Controller drives one series through the reconciliation cycle. It never
// retries a failed cycle itself; retry cadence belongs to the scheduler that
// invokes it.
type Controller struct {
	fetcher   exchange.WindowFetcher
	store     storage.SeriesStore
	engine    *Engine
	snapshots *snapshot.Writer
	logger    *slog.Logger
	cfg       ControllerConfig

	// now is injected so the closure boundary is test-controllable.
	now func() time.Time
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithClock overrides the controller's clock.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		c.now = now
	}
}

// WithLogger overrides the controller's logger.
func WithLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController creates a controller for one series.
func NewController(fetcher exchange.WindowFetcher, store storage.SeriesStore, snapshots *snapshot.Writer, cfg ControllerConfig, opts ...ControllerOption) (*Controller, error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("controller requires a symbol")
	}
	if _, err := models.ParseInterval(cfg.Interval); err != nil {
		return nil, err
	}
	if cfg.WindowBars <= 0 {
		cfg.WindowBars = 60
	}
	if cfg.TailBars <= 0 {
		cfg.TailBars = cfg.WindowBars
	}

	c := &Controller{
		fetcher:   fetcher,
		store:     store,
		snapshots: snapshots,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.engine = NewEngine(store, c.logger)
	return c, nil
}

// RunCycle executes one reconciliation cycle: fetch the recent window, write
// the snapshot, drop the in-progress bar, validate the overlap against the
// stored tail, append what is missing. The snapshot is written as soon as
// the fetch succeeds, before any validation, so failed runs can be audited.
// The returned result is non-nil even on error.
func (c *Controller) RunCycle(ctx context.Context) (*CycleResult, error) {
	now := c.now().UTC()
	result := &CycleResult{
		RunID:    snapshot.NewRunID(now),
		Symbol:   c.cfg.Symbol,
		Interval: c.cfg.Interval,
		Started:  now,
	}
	logger := c.logger.With("run_id", result.RunID, "symbol", c.cfg.Symbol, "interval", c.cfg.Interval)

	period, err := models.ParseInterval(c.cfg.Interval)
	if err != nil {
		return c.fail(result, logger, err)
	}

	target := models.TargetBoundary(now, period)
	result.TargetBoundary = target
	start := target.Add(-time.Duration(c.cfg.WindowBars) * period)
	end := target.Add(period)

	c.transition(result, logger, StateFetching)
	window, err := c.fetcher.FetchWindow(ctx, c.cfg.Symbol, c.cfg.Interval, start, end)
	if err != nil {
		return c.fail(result, logger, err)
	}
	result.Fetched = len(window)

	path, err := c.snapshots.WriteAPIPull(snapshot.Dataset(c.cfg.Symbol, c.cfg.Interval), result.RunID, window)
	if err != nil {
		return c.fail(result, logger, storage.NewStorageError("snapshot", err))
	}
	result.SnapshotPath = path
	logger.Info("snapshot written", "path", path, "rows", len(window))

	c.transition(result, logger, StateFiltering)
	closed := models.FilterClosed(window, now, period)
	result.Closed = len(closed)
	if dropped := len(window) - len(closed); dropped > 0 {
		logger.Debug("dropped in-progress bars", "count", dropped)
	}

	c.transition(result, logger, StateValidating)
	tail, err := c.store.ReadTail(ctx, c.cfg.Symbol, c.cfg.Interval, c.cfg.TailBars)
	if err != nil {
		return c.fail(result, logger, err)
	}
	if err := validate.Window(closed, tail); err != nil {
		return c.fail(result, logger, err)
	}

	c.transition(result, logger, StateAppending)
	report, err := c.engine.AppendMissing(ctx, closed, c.cfg.Symbol, c.cfg.Interval, now, c.cfg.Append)
	result.Report = report
	if err != nil {
		return c.fail(result, logger, err)
	}

	c.transition(result, logger, StateDone)
	result.Finished = c.now().UTC()
	logger.Info("cycle complete",
		"fetched", result.Fetched, "closed", result.Closed,
		"inserted", report.Inserted, "skipped", report.Skipped)
	return result, nil
}

func (c *Controller) transition(result *CycleResult, logger *slog.Logger, next State) {
	logger.Debug("state transition", "from", result.State.String(), "to", next.String())
	result.State = next
	result.StateName = next.String()
}

func (c *Controller) fail(result *CycleResult, logger *slog.Logger, err error) (*CycleResult, error) {
	logger.Error("cycle failed", "state", result.State.String(), "error", err)
	result.State = StateFailed
	result.StateName = StateFailed.String()
	result.Err = err
	result.Finished = c.now().UTC()
	return result, err
}
