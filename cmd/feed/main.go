// Command feed maintains closed-candle OHLCV series in DuckDB: it pulls
// recent windows from the exchange, reconciles them against what is stored,
// and bulk-loads historical archives.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/quantfeeds/ohlcv-feed/internal/backfill"
	"github.com/quantfeeds/ohlcv-feed/internal/config"
	"github.com/quantfeeds/ohlcv-feed/internal/exchange"
	"github.com/quantfeeds/ohlcv-feed/internal/logger"
	"github.com/quantfeeds/ohlcv-feed/internal/models"
	"github.com/quantfeeds/ohlcv-feed/internal/reconcile"
	"github.com/quantfeeds/ohlcv-feed/internal/snapshot"
	"github.com/quantfeeds/ohlcv-feed/internal/storage"
	"github.com/quantfeeds/ohlcv-feed/internal/validate"
	"github.com/quantfeeds/ohlcv-feed/internal/vision"
)

// Exit codes, stable for cron and shell wrappers.
const (
	ExitSuccess         = 0
	ExitUsageError      = 1
	ExitConfigError     = 2
	ExitConnectionError = 3
	ExitDataError       = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitUsageError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "pull":
		return cmdPull(ctx, args[1:])
	case "backfill":
		return cmdBackfill(ctx, args[1:])
	case "inspect":
		return cmdInspect(args[1:])
	case "download":
		return cmdDownload(ctx, args[1:])
	case "merge":
		return cmdMerge(args[1:])
	case "export":
		return cmdExport(ctx, args[1:])
	case "coverage":
		return cmdCoverage(ctx, args[1:])
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return ExitUsageError
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: feed <command> [flags]

Commands:
  pull       run one reconciliation cycle against the exchange
  backfill   load historical candles from CSV files
  inspect    summarize a CSV file without loading it
  download   fetch kline archives from the public dataset
  merge      merge downloaded ZIP archives into one CSV
  export     export a stored range to CSV
  coverage   print stored series coverage

Run 'feed <command> -h' for command flags.
`)
}

// loadEnv loads configuration and builds the logger.
func loadEnv(configPath string) (*config.AppConfig, *slog.Logger, int) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return nil, nil, ExitConfigError
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return nil, nil, ExitConfigError
	}
	slog.SetDefault(log)
	return cfg, log, ExitSuccess
}

// setup loads configuration, builds the logger and opens the store.
func setup(ctx context.Context, configPath string) (*config.AppConfig, *slog.Logger, *storage.DuckDBStore, int) {
	cfg, log, code := loadEnv(configPath)
	if code != ExitSuccess {
		return nil, nil, nil, code
	}

	store, err := storage.NewDuckDBStore(cfg.Storage.Path)
	if err != nil {
		log.Error("failed to open store", "path", cfg.Storage.Path, "error", err)
		return nil, nil, nil, ExitConnectionError
	}
	if err := store.Init(ctx); err != nil {
		log.Error("failed to initialize store", "path", cfg.Storage.Path, "error", err)
		store.Close()
		return nil, nil, nil, ExitConnectionError
	}
	return cfg, log, store, ExitSuccess
}

func cmdPull(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	configPath := fs.String("config", "", "path to JSON config file")
	symbol := fs.String("symbol", "", "override configured symbol")
	interval := fs.String("interval", "", "override configured interval")
	mode := fs.String("mode", "", "append mode: catch-up or single")
	dryRun := fs.Bool("dry-run", false, "report without writing")
	stopOnGap := fs.Bool("stop-on-gap", false, "treat gaps as fatal")
	fs.Parse(args)

	cfg, log, store, code := setup(ctx, *configPath)
	if code != ExitSuccess {
		return code
	}
	defer store.Close()

	if *symbol != "" {
		cfg.Reconcile.Symbol = *symbol
	}
	if *interval != "" {
		cfg.Reconcile.Interval = *interval
	}
	if *mode != "" {
		cfg.Reconcile.Mode = *mode
	}

	appendMode := reconcile.ModeCatchUp
	if cfg.Reconcile.Mode == "single" {
		appendMode = reconcile.ModeSingle
	}

	var fetcherOpts []exchange.BinanceOption
	if cfg.Exchange.BaseURL != "" {
		fetcherOpts = append(fetcherOpts, exchange.WithBaseURL(cfg.Exchange.BaseURL))
	}
	if cfg.Exchange.RequestsPerSecond > 0 {
		fetcherOpts = append(fetcherOpts, exchange.WithRateLimit(cfg.Exchange.RequestsPerSecond, cfg.Exchange.Burst))
	}
	fetcher := exchange.NewBinanceClient(fetcherOpts...)

	ctrl, err := reconcile.NewController(fetcher, store, snapshot.NewWriter(cfg.Snapshot.Dir),
		reconcile.ControllerConfig{
			Symbol:     cfg.Reconcile.Symbol,
			Interval:   cfg.Reconcile.Interval,
			WindowBars: cfg.Reconcile.WindowBars,
			TailBars:   cfg.Reconcile.TailBars,
			Append: reconcile.AppendOptions{
				Mode:      appendMode,
				StopOnGap: *stopOnGap || cfg.Reconcile.StopOnGap,
				DryRun:    *dryRun,
			},
		}, reconcile.WithLogger(log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return ExitConfigError
	}

	result, err := ctrl.RunCycle(ctx)
	printJSON(result)
	if err != nil {
		return exitCodeFor(err)
	}
	return ExitSuccess
}

func cmdBackfill(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	configPath := fs.String("config", "", "path to JSON config file")
	symbol := fs.String("symbol", "", "override configured symbol")
	interval := fs.String("interval", "", "override configured interval")
	start := fs.String("start", "", "range start (YYYY-MM-DD or RFC3339)")
	end := fs.String("end", "", "range end, exclusive")
	dryRun := fs.Bool("dry-run", false, "report without writing")
	stopOnGap := fs.Bool("stop-on-gap", false, "treat gaps as fatal")
	fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "backfill requires at least one CSV file")
		return ExitUsageError
	}

	opts := backfill.Options{StopOnGap: *stopOnGap, DryRun: *dryRun}
	var err error
	if opts.Start, err = parseTimeFlag(*start); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -start: %v\n", err)
		return ExitUsageError
	}
	if opts.End, err = parseTimeFlag(*end); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -end: %v\n", err)
		return ExitUsageError
	}

	cfg, log, store, code := setup(ctx, *configPath)
	if code != ExitSuccess {
		return code
	}
	defer store.Close()

	if *symbol != "" {
		cfg.Reconcile.Symbol = *symbol
	}
	if *interval != "" {
		cfg.Reconcile.Interval = *interval
	}

	report, err := backfill.NewBackfiller(store, log).Run(ctx, fs.Args(), cfg.Reconcile.Symbol, cfg.Reconcile.Interval, opts)
	printJSON(report)
	if err != nil {
		return exitCodeFor(err)
	}
	return ExitSuccess
}

func cmdInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "inspect requires at least one CSV file")
		return ExitUsageError
	}

	for _, path := range fs.Args() {
		info, err := backfill.Inspect(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "inspect %s: %v\n", path, err)
			return ExitDataError
		}
		printJSON(info)
	}
	return ExitSuccess
}

func cmdDownload(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	configPath := fs.String("config", "", "path to JSON config file")
	symbol := fs.String("symbol", "", "override configured symbol")
	interval := fs.String("interval", "", "override configured interval")
	from := fs.String("from", "", "first period (YYYY-MM-DD)")
	to := fs.String("to", "", "last period (YYYY-MM-DD)")
	granularity := fs.String("granularity", "monthly", "archive granularity: monthly or daily")
	dest := fs.String("dest", "", "destination directory (default from config)")
	dryRun := fs.Bool("dry-run", false, "list archive URLs without downloading")
	fs.Parse(args)

	fromTime, err := parseTimeFlag(*from)
	if err != nil || fromTime.IsZero() {
		fmt.Fprintln(os.Stderr, "download requires a valid -from")
		return ExitUsageError
	}
	toTime, err := parseTimeFlag(*to)
	if err != nil || toTime.IsZero() {
		fmt.Fprintln(os.Stderr, "download requires a valid -to")
		return ExitUsageError
	}

	var gran vision.Granularity
	switch *granularity {
	case "monthly":
		gran = vision.Monthly
	case "daily":
		gran = vision.Daily
	default:
		fmt.Fprintf(os.Stderr, "invalid -granularity %q\n", *granularity)
		return ExitUsageError
	}

	cfg, log, code := loadEnv(*configPath)
	if code != ExitSuccess {
		return code
	}

	if *symbol != "" {
		cfg.Reconcile.Symbol = *symbol
	}
	if *interval != "" {
		cfg.Reconcile.Interval = *interval
	}
	if *dest == "" {
		*dest = cfg.Vision.Dir
	}

	var dlOpts []vision.DownloaderOption
	if cfg.Vision.BaseURL != "" {
		dlOpts = append(dlOpts, vision.WithVisionBaseURL(cfg.Vision.BaseURL))
	}
	dlOpts = append(dlOpts, vision.WithVisionLogger(log))

	paths, err := vision.NewDownloader(dlOpts...).DownloadRange(ctx, gran,
		cfg.Reconcile.Symbol, cfg.Reconcile.Interval, fromTime, toTime, *dest, *dryRun)
	for _, p := range paths {
		fmt.Println(p)
	}
	if err != nil {
		log.Error("download failed", "error", err)
		return ExitConnectionError
	}
	return ExitSuccess
}

func cmdMerge(args []string) int {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	out := fs.String("out", "merged.csv", "output CSV path")
	fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "merge requires at least one ZIP archive")
		return ExitUsageError
	}

	rows, err := vision.Merge(fs.Args(), *out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "merge failed: %v\n", err)
		return ExitDataError
	}
	fmt.Printf("wrote %d rows to %s\n", rows, *out)
	return ExitSuccess
}

func cmdExport(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "", "path to JSON config file")
	symbol := fs.String("symbol", "", "override configured symbol")
	interval := fs.String("interval", "", "override configured interval")
	start := fs.String("start", "", "range start (YYYY-MM-DD or RFC3339)")
	end := fs.String("end", "", "range end, exclusive")
	out := fs.String("out", "", "output CSV path (default stdout)")
	fs.Parse(args)

	startTime, err := parseTimeFlag(*start)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -start: %v\n", err)
		return ExitUsageError
	}
	endTime, err := parseTimeFlag(*end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -end: %v\n", err)
		return ExitUsageError
	}
	if startTime.IsZero() {
		startTime = time.Unix(0, 0).UTC()
	}
	if endTime.IsZero() {
		endTime = time.Now().UTC().Add(24 * time.Hour)
	}

	cfg, log, store, code := setup(ctx, *configPath)
	if code != ExitSuccess {
		return code
	}
	defer store.Close()

	if *symbol != "" {
		cfg.Reconcile.Symbol = *symbol
	}
	if *interval != "" {
		cfg.Reconcile.Interval = *interval
	}

	candles, err := store.ReadRange(ctx, cfg.Reconcile.Symbol, cfg.Reconcile.Interval, startTime, endTime)
	if err != nil {
		log.Error("export read failed", "error", err)
		return ExitConnectionError
	}

	dest := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			log.Error("export create failed", "path", *out, "error", err)
			return ExitConnectionError
		}
		defer f.Close()
		dest = f
	}

	if err := writeCSV(dest, candles); err != nil {
		log.Error("export write failed", "error", err)
		return ExitConnectionError
	}
	log.Info("export complete", "rows", len(candles))
	return ExitSuccess
}

func cmdCoverage(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("coverage", flag.ExitOnError)
	configPath := fs.String("config", "", "path to JSON config file")
	symbol := fs.String("symbol", "", "override configured symbol")
	interval := fs.String("interval", "", "override configured interval")
	fs.Parse(args)

	cfg, log, store, code := setup(ctx, *configPath)
	if code != ExitSuccess {
		return code
	}
	defer store.Close()

	if *symbol != "" {
		cfg.Reconcile.Symbol = *symbol
	}
	if *interval != "" {
		cfg.Reconcile.Interval = *interval
	}

	stats, err := store.Coverage(ctx, cfg.Reconcile.Symbol, cfg.Reconcile.Interval)
	if err != nil {
		log.Error("coverage read failed", "error", err)
		return ExitConnectionError
	}
	printJSON(stats)
	return ExitSuccess
}

func writeCSV(dest *os.File, candles []models.Candle) error {
	w := csv.NewWriter(dest)
	if err := w.Write([]string{"timestamp", "open", "high", "low", "close", "volume", "close_time"}); err != nil {
		return err
	}
	for _, c := range candles {
		record := []string{
			strconv.FormatInt(c.Timestamp.UnixMilli(), 10),
			c.Open, c.High, c.Low, c.Close, c.Volume,
			strconv.FormatInt(c.CloseTime.UnixMilli(), 10),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// parseTimeFlag accepts YYYY-MM-DD or RFC3339; empty input yields the zero
// time.
func parseTimeFlag(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD or RFC3339, got %q", value)
	}
	return t.UTC(), nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode result: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

// exitCodeFor maps error categories to exit codes: upstream and store
// failures are connection errors, everything the data itself caused is a
// data error.
func exitCodeFor(err error) int {
	var (
		upstream  *exchange.UpstreamError
		storeErr  *storage.StorageError
		malformed *exchange.MalformedResponseError
		overlap   *validate.OverlapError
		noOverlap *validate.NoOverlapError
		window    *validate.WindowError
		gap       *reconcile.GapError
		stale     *reconcile.StaleWindowError
	)
	switch {
	case errors.As(err, &upstream), errors.As(err, &storeErr):
		return ExitConnectionError
	case errors.As(err, &malformed), errors.As(err, &overlap),
		errors.As(err, &noOverlap), errors.As(err, &window),
		errors.As(err, &gap), errors.As(err, &stale):
		return ExitDataError
	default:
		return ExitDataError
	}
}
