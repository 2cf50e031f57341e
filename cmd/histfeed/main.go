// Historical price feed CLI
// This application ingests daily OHLCV history from public sources into a
// local DuckDB file, manages the symbol registry, exports the stored bars,
// and ranks symbols by volatility.
//
// Usage:
//
//	histfeed init --symbols BTCBUSD,ETHBUSD
//	histfeed ingest --symbols AAPL --start 2022-01-01 --end 2022-03-31
//	histfeed export --format parquet --out data/bars.parquet
//	histfeed volatility --start 2022-01-01 --end 2022-03-31
//	histfeed sma --symbol BTCBUSD --start 2022-01-01 --end 2022-03-31 --period 20
//
// For detailed help on any command, use: histfeed <command> --help
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tastp/histfeed/internal/config"
	"github.com/tastp/histfeed/internal/logger"
	"github.com/tastp/histfeed/internal/pipeline"
	"github.com/tastp/histfeed/internal/source"
	"github.com/tastp/histfeed/internal/stats"
	"github.com/tastp/histfeed/internal/store"
)

const (
	Version    = "1.0.0"
	AppName    = "histfeed"
	ConfigFile = "histfeed.yaml"
)

// Exit codes following standard conventions
const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitDataError   = 4
	ExitInterrupt   = 130
)

const dateLayout = "2006-01-02"

// CLI holds the wired application components.
type CLI struct {
	config   *config.Config
	logger   *slog.Logger
	logs     *logger.Manager
	store    *store.DuckDBStore
	registry *store.DuckDBRegistry
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "help", "--help", "-h":
		printUsage()
		os.Exit(ExitSuccess)
	case "version", "--version":
		fmt.Printf("%s version %s\n", AppName, Version)
		os.Exit(ExitSuccess)
	}

	cli := &CLI{}
	if err := cli.initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitConfigError)
	}
	defer cli.shutdown()

	var err error
	switch command {
	case "init":
		err = cli.handleInit(ctx, args)
	case "ingest":
		err = cli.handleIngest(ctx, args)
	case "export":
		err = cli.handleExport(ctx, args)
	case "volatility":
		err = cli.handleVolatility(ctx, args)
	case "sma":
		err = cli.handleSMA(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Interrupted")
			os.Exit(ExitInterrupt)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitDataError)
	}
}

// initialize loads configuration, builds the logger, and opens the store.
func (cli *CLI) initialize(ctx context.Context) error {
	configPath := os.Getenv("HISTFEED_CONFIG")
	if configPath == "" {
		configPath = ConfigFile
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cli.config = cfg

	logs, err := logger.NewManager(cfg.Logging)
	if err != nil {
		return err
	}
	cli.logs = logs
	cli.logger = logs.Logger()
	slog.SetDefault(cli.logger)

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	barStore, err := store.NewDuckDBStore(cfg.Database.Path, logs.Component("store"))
	if err != nil {
		return err
	}
	if err := barStore.Initialize(ctx); err != nil {
		barStore.Close()
		return err
	}
	cli.store = barStore
	cli.registry = store.NewDuckDBRegistry(barStore)

	return nil
}

func (cli *CLI) shutdown() {
	if cli.store != nil {
		cli.store.Close()
	}
	if cli.logs != nil {
		cli.logs.Close()
	}
}

// handleInit creates the schema (already done during initialize) and
// registers the given symbols.
func (cli *CLI) handleInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	symbols := fs.String("symbols", "", "Comma-separated symbols to register")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *symbols != "" {
		list := splitSymbols(*symbols)
		if err := cli.registry.Register(ctx, list...); err != nil {
			return err
		}
		fmt.Printf("Registered %d symbol(s)\n", len(list))
	}

	registered, err := cli.registry.ListSymbols(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Database ready at %s with %d registered symbol(s)\n",
		cli.config.Database.Path, len(registered))
	return nil
}

// handleIngest runs the ingestion pipeline over the requested symbols and
// date range.
func (cli *CLI) handleIngest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	symbols := fs.String("symbols", "", "Comma-separated symbols to ingest (required)")
	startStr := fs.String("start", "", "Start date, YYYY-MM-DD (required)")
	endStr := fs.String("end", "", "End date, YYYY-MM-DD (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *symbols == "" || *startStr == "" || *endStr == "" {
		return fmt.Errorf("ingest requires --symbols, --start, and --end")
	}
	start, err := time.ParseInLocation(dateLayout, *startStr, time.UTC)
	if err != nil {
		return fmt.Errorf("invalid --start: %w", err)
	}
	end, err := time.ParseInLocation(dateLayout, *endStr, time.UTC)
	if err != nil {
		return fmt.Errorf("invalid --end: %w", err)
	}

	adapter, err := cli.buildAdapter()
	if err != nil {
		return err
	}

	pipeCfg, err := cli.pipelineConfig()
	if err != nil {
		return err
	}
	pipe, err := pipeline.New(adapter, cli.store, cli.registry, pipeCfg)
	if err != nil {
		return err
	}

	report, err := pipe.Ingest(ctx, pipeline.Request{
		Symbols: splitSymbols(*symbols),
		Start:   start,
		End:     end,
	})
	if report != nil {
		printReport(report)
	}
	if err != nil {
		return err
	}
	if !report.Complete() {
		return fmt.Errorf("%d of %d unit(s) failed", len(report.Failures), report.UnitsPlanned)
	}
	return nil
}

// handleExport writes all stored bars to a CSV or Parquet file.
func (cli *CLI) handleExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	format := fs.String("format", "csv", "Export format: csv or parquet")
	out := fs.String("out", "", "Output file path (default <output.dir>/bars.<format>)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := *out
	if path == "" {
		path = filepath.Join(cli.config.Output.Dir, "bars."+*format)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	switch *format {
	case "csv":
		err := cli.store.ExportCSV(ctx, path)
		if err != nil {
			return err
		}
	case "parquet":
		err := cli.store.ExportParquet(ctx, path)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown export format %q (use csv or parquet)", *format)
	}

	fmt.Printf("Exported stored bars to %s\n", path)
	return nil
}

// handleVolatility ranks symbols by close-price volatility over a date
// range, persists the report table, and writes the ranked CSV.
func (cli *CLI) handleVolatility(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("volatility", flag.ContinueOnError)
	symbols := fs.String("symbols", "", "Comma-separated symbols (default: all stored)")
	startStr := fs.String("start", "", "Start date, YYYY-MM-DD (required)")
	endStr := fs.String("end", "", "End date, YYYY-MM-DD (required)")
	out := fs.String("out", "", "Report file path (default <output.dir>/volatility.csv)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *startStr == "" || *endStr == "" {
		return fmt.Errorf("volatility requires --start and --end")
	}
	start, err := time.ParseInLocation(dateLayout, *startStr, time.UTC)
	if err != nil {
		return fmt.Errorf("invalid --start: %w", err)
	}
	end, err := time.ParseInLocation(dateLayout, *endStr, time.UTC)
	if err != nil {
		return fmt.Errorf("invalid --end: %w", err)
	}

	ranker := stats.NewRanker(cli.store, cli.logs.Component("stats"))
	rows, err := ranker.Rank(ctx, splitSymbols(*symbols), start, end)
	if err != nil {
		return err
	}

	persisted := make([]store.VolatilityRow, 0, len(rows))
	for _, row := range rows {
		persisted = append(persisted, store.VolatilityRow{
			Symbol:     row.Symbol,
			Volatility: row.Volatility,
		})
	}
	if err := cli.store.ReplaceVolatility(ctx, persisted); err != nil {
		return err
	}

	path := *out
	if path == "" {
		path = filepath.Join(cli.config.Output.Dir, "volatility.csv")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := stats.WriteCSV(path, rows); err != nil {
		return err
	}

	fmt.Printf("Ranked %d symbol(s), report written to %s\n", len(rows), path)
	return nil
}

// handleSMA computes the rolling moving average of one symbol's stored
// closes and writes the aligned series.
func (cli *CLI) handleSMA(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sma", flag.ContinueOnError)
	symbol := fs.String("symbol", "", "Symbol to average (required)")
	startStr := fs.String("start", "", "Start date, YYYY-MM-DD (required)")
	endStr := fs.String("end", "", "End date, YYYY-MM-DD (required)")
	period := fs.Int("period", 20, "Moving average window in days")
	out := fs.String("out", "", "Report file path (default <output.dir>/sma.csv)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *symbol == "" || *startStr == "" || *endStr == "" {
		return fmt.Errorf("sma requires --symbol, --start, and --end")
	}
	start, err := time.ParseInLocation(dateLayout, *startStr, time.UTC)
	if err != nil {
		return fmt.Errorf("invalid --start: %w", err)
	}
	end, err := time.ParseInLocation(dateLayout, *endStr, time.UTC)
	if err != nil {
		return fmt.Errorf("invalid --end: %w", err)
	}

	ranker := stats.NewRanker(cli.store, cli.logs.Component("stats"))
	points, err := ranker.SMASeries(ctx, strings.ToUpper(strings.TrimSpace(*symbol)), start, end, *period)
	if err != nil {
		return err
	}

	path := *out
	if path == "" {
		path = filepath.Join(cli.config.Output.Dir, "sma.csv")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := stats.WriteSMACSV(path, points); err != nil {
		return err
	}

	fmt.Printf("Computed %d-day moving average over %d bar(s), written to %s\n",
		*period, len(points), path)
	return nil
}

// buildAdapter constructs the configured source adapter.
func (cli *CLI) buildAdapter() (source.Adapter, error) {
	srcLogger := cli.logs.Component("source")

	switch cli.config.Source.Kind {
	case config.SourceBinanceArchive:
		return source.NewBinanceAdapter(source.BinanceConfig{
			Domain:      cli.config.Source.Domain,
			SymbolPair:  cli.config.Source.SymbolPair,
			BarInterval: cli.config.Source.BarInterval,
		}, srcLogger)
	case config.SourceAlphaVantage:
		cooldown, err := cli.config.RateLimitInterval()
		if err != nil {
			return nil, err
		}
		return source.NewAlphaVantageAdapter(source.AlphaVantageConfig{
			BaseURL:  cli.config.Source.Domain,
			APIKey:   cli.config.Source.Credential,
			Cooldown: cooldown,
		}, srcLogger)
	default:
		return nil, fmt.Errorf("unknown source kind %q", cli.config.Source.Kind)
	}
}

func (cli *CLI) pipelineConfig() (*pipeline.Config, error) {
	initial, err := cli.config.Ingest.InitialBackoffDuration()
	if err != nil {
		return nil, err
	}
	max, err := cli.config.Ingest.MaxBackoffDuration()
	if err != nil {
		return nil, err
	}
	return &pipeline.Config{
		MaxAttempts:    cli.config.Ingest.MaxAttempts,
		InitialBackoff: initial,
		MaxBackoff:     max,
		Logger:         cli.logs.Component("pipeline"),
	}, nil
}

func printReport(report *pipeline.Report) {
	fmt.Printf("Run %s: %d/%d unit(s) stored, %d bar(s) inserted, %d row(s) rejected\n",
		report.RunID, report.UnitsOK, report.UnitsPlanned,
		report.BarsInserted, report.RowsRejected)
	for _, failure := range report.Failures {
		fmt.Printf("  FAILED %s %s after %d attempt(s): %v\n",
			failure.Symbol, failure.Date, failure.Attempts, failure.Err)
	}
}

func splitSymbols(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	symbols := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			symbols = append(symbols, strings.ToUpper(trimmed))
		}
	}
	return symbols
}

func printUsage() {
	fmt.Printf(`%s - historical OHLCV price ingestion

Usage:
  %s <command> [flags]

Commands:
  init        Create the database schema and register symbols
  ingest      Fetch and store bars for symbols over a date range
  export      Export all stored bars to CSV or Parquet
  volatility  Rank symbols by close-price volatility
  sma         Compute a rolling moving average of stored closes
  version     Print version information
  help        Show this help

Configuration is read from %s (override with HISTFEED_CONFIG),
then from HISTFEED_* environment variables.

Examples:
  %s init --symbols BTCBUSD
  %s ingest --symbols BTCBUSD --start 2022-05-01 --end 2022-05-31
  %s export --format parquet
  %s volatility --start 2022-01-01 --end 2022-12-31
  %s sma --symbol BTCBUSD --start 2022-01-01 --end 2022-12-31 --period 20
`, AppName, AppName, ConfigFile, AppName, AppName, AppName, AppName, AppName)
}
