// Package pipeline orchestrates historical price ingestion: validate the
// request, plan fetch units, fetch and normalize each unit, and replace the
// covered window in the store.
//
// Execution is sequential by design: units are processed one at a time in
// planner order because the API source enforces a minimum inter-request
// interval. Source failures are per-unit — a failed unit is retried with
// bounded exponential backoff, then recorded and skipped. Store failures
// are fatal for the whole request.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/tastp/histfeed/internal/models"
	"github.com/tastp/histfeed/internal/normalize"
	"github.com/tastp/histfeed/internal/plan"
	"github.com/tastp/histfeed/internal/source"
	"github.com/tastp/histfeed/internal/store"
)

const (
	// DefaultMaxAttempts bounds retries for one failed unit.
	DefaultMaxAttempts = 3

	// DefaultInitialBackoff is the first retry delay.
	DefaultInitialBackoff = 2 * time.Second

	// DefaultMaxBackoff caps the retry delay growth.
	DefaultMaxBackoff = 2 * time.Minute
)

// UnknownSymbolError reports requested symbols absent from the symbol
// registry. Raised before any network fetch.
type UnknownSymbolError struct {
	Symbols []string
}

// Error implements the error interface for UnknownSymbolError.
func (e *UnknownSymbolError) Error() string {
	return fmt.Sprintf("unknown symbols: %s", strings.Join(e.Symbols, ", "))
}

// Request is the user-level ingestion intent: which symbols, over which
// inclusive date range. Symbols are canonicalized to upper case before any
// registry check or fetch, so stored rows always share one casing.
type Request struct {
	Symbols []string
	Start   time.Time
	End     time.Time
}

// Validate checks the request shape before any I/O happens. Range order is
// checked by the planner; this covers everything else.
func (r *Request) Validate() error {
	if len(r.Symbols) == 0 {
		return fmt.Errorf("symbol set cannot be empty")
	}
	for _, symbol := range r.Symbols {
		if strings.TrimSpace(symbol) == "" {
			return fmt.Errorf("symbol cannot be blank")
		}
	}
	if r.Start.IsZero() {
		return fmt.Errorf("start date cannot be zero")
	}
	if r.End.IsZero() {
		return fmt.Errorf("end date cannot be zero")
	}
	return nil
}

// UnitFailure records one fetch unit that exhausted its retries. It keeps
// enough context to reproduce the failing fetch.
type UnitFailure struct {
	Symbol   string
	Date     string
	Locator  string
	Attempts int
	Err      error
}

// Report summarizes one ingestion run. Partial success is reported, never
// silently discarded.
type Report struct {
	RunID        string
	Symbols      []string
	StartedAt    time.Time
	FinishedAt   time.Time
	UnitsPlanned int
	UnitsOK      int
	BarsInserted int
	RowsRejected int
	Failures     []UnitFailure
}

// Complete reports whether every planned unit was fetched and stored.
func (r *Report) Complete() bool {
	return len(r.Failures) == 0
}

// Config tunes the pipeline's retry policy.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

// DefaultConfig returns the retry policy used when none is supplied.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Logger:         slog.Default(),
	}
}

// Pipeline wires one source adapter to one store.
type Pipeline struct {
	adapter  source.Adapter
	bars     store.BarStore
	registry store.SymbolRegistry
	config   *Config
	logger   *slog.Logger
}

// New creates a pipeline from its collaborators. A nil config selects
// DefaultConfig.
func New(adapter source.Adapter, bars store.BarStore, registry store.SymbolRegistry, config *Config) (*Pipeline, error) {
	if adapter == nil {
		return nil, fmt.Errorf("pipeline: source adapter is required")
	}
	if bars == nil {
		return nil, fmt.Errorf("pipeline: bar store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("pipeline: symbol registry is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	// Zero-valued retry settings fall back to the defaults so a partial
	// config can never produce an unbounded retry loop.
	if config.MaxAttempts < 1 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultInitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}

	return &Pipeline{
		adapter:  adapter,
		bars:     bars,
		registry: registry,
		config:   config,
		logger:   config.Logger,
	}, nil
}

// Ingest runs the request end to end and returns a report. Validation
// errors and store errors abort the run; per-unit source errors are
// recorded in the report and processing continues. Bars committed for
// earlier symbols stay committed when a later symbol aborts the run.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		Symbols:   req.Symbols,
		StartedAt: time.Now().UTC(),
	}
	defer func() { report.FinishedAt = time.Now().UTC() }()

	if err := req.Validate(); err != nil {
		return report, err
	}

	req.Symbols = canonicalSymbols(req.Symbols)
	report.Symbols = req.Symbols

	// Fail fast on unregistered symbols, before any fetch.
	if err := p.checkSymbols(ctx, req.Symbols); err != nil {
		return report, err
	}

	for _, symbol := range req.Symbols {
		units, err := plan.Plan(symbol, req.Start, req.End, p.adapter.Granularity())
		if err != nil {
			return report, err
		}
		report.UnitsPlanned += len(units)

		p.logger.Info("ingesting symbol",
			"run_id", report.RunID,
			"symbol", symbol,
			"units", len(units),
			"start", req.Start.Format("2006-01-02"),
			"end", req.End.Format("2006-01-02"))

		for _, unit := range units {
			if err := p.ingestUnit(ctx, req, unit, report); err != nil {
				return report, err
			}
		}
	}

	p.logger.Info("ingestion finished",
		"run_id", report.RunID,
		"units_planned", report.UnitsPlanned,
		"units_ok", report.UnitsOK,
		"bars_inserted", report.BarsInserted,
		"rows_rejected", report.RowsRejected,
		"failures", len(report.Failures))

	return report, nil
}

// ingestUnit fetches, normalizes, and stores one unit. Source failures are
// recorded on the report and return nil; store failures propagate.
func (p *Pipeline) ingestUnit(ctx context.Context, req Request, unit plan.FetchUnit, report *Report) error {
	unit.Locator = p.adapter.Locate(unit)

	raw, attempts, err := p.fetchWithRetry(ctx, unit)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		p.logger.Warn("unit failed after retries",
			"run_id", report.RunID,
			"symbol", unit.Symbol,
			"date", unit.Date(),
			"attempts", attempts,
			"error", err)
		report.Failures = append(report.Failures, UnitFailure{
			Symbol:   unit.Symbol,
			Date:     unit.Date(),
			Locator:  unit.Locator,
			Attempts: attempts,
			Err:      err,
		})
		return nil
	}

	result, err := normalize.Normalize(raw, unit.Symbol, p.adapter.Kind())
	if err != nil {
		report.Failures = append(report.Failures, UnitFailure{
			Symbol:   unit.Symbol,
			Date:     unit.Date(),
			Locator:  unit.Locator,
			Attempts: attempts,
			Err:      err,
		})
		return nil
	}
	report.RowsRejected += result.RejectCount()

	bars := result.Bars
	windowStart, windowEnd := unit.PeriodStart, unit.PeriodEnd.AddDate(0, 0, -1)
	if p.adapter.Granularity() == plan.GranularityFullHistory {
		// The full-history source returns everything it has; keep only
		// the requested window.
		bars = filterRange(bars, unit.PeriodStart, unit.PeriodEnd)
		windowStart, windowEnd = req.Start, req.End
	}

	inserted, err := p.bars.UpsertRange(ctx, unit.Symbol, windowStart, windowEnd, bars)
	if err != nil {
		// Store failures are fatal for the whole request.
		return err
	}

	report.UnitsOK++
	report.BarsInserted += inserted

	p.logger.Debug("unit stored",
		"run_id", report.RunID,
		"symbol", unit.Symbol,
		"date", unit.Date(),
		"bars", inserted,
		"rejected", result.RejectCount())

	return nil
}

// fetchWithRetry applies the rate limit and retries retryable source
// errors with exponential backoff, bounded by MaxAttempts.
func (p *Pipeline) fetchWithRetry(ctx context.Context, unit plan.FetchUnit) (*source.RawTable, int, error) {
	var (
		raw      *source.RawTable
		attempts int
	)

	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = p.config.InitialBackoff
	strategy.MaxInterval = p.config.MaxBackoff
	strategy.MaxElapsedTime = 0

	operation := func() error {
		attempts++

		// Enforced before every attempt, success or failure, to respect
		// the source's rate policy.
		if err := p.adapter.WaitForLimit(ctx); err != nil {
			return backoff.Permanent(err)
		}

		fetched, err := p.adapter.Fetch(ctx, unit)
		if err != nil {
			if !retryable(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		raw = fetched
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(strategy, uint64(p.config.MaxAttempts-1)), ctx))
	if err != nil {
		return nil, attempts, err
	}

	return raw, attempts, nil
}

// retryable classifies source errors: transport failures and throttling
// may succeed on retry, anything else will not.
func retryable(err error) bool {
	var unavailable *source.UnavailableError
	var rateLimited *source.RateLimitError
	return errors.As(err, &unavailable) || errors.As(err, &rateLimited)
}

func (p *Pipeline) checkSymbols(ctx context.Context, symbols []string) error {
	var unknown []string
	for _, symbol := range symbols {
		ok, err := p.registry.Contains(ctx, symbol)
		if err != nil {
			return err
		}
		if !ok {
			unknown = append(unknown, symbol)
		}
	}
	if len(unknown) > 0 {
		return &UnknownSymbolError{Symbols: unknown}
	}
	return nil
}

// canonicalSymbols upper-cases and trims each symbol. The registry matches
// case-insensitively but the bars table keys rows by exact symbol, so one
// casing must win before anything is persisted.
func canonicalSymbols(symbols []string) []string {
	out := make([]string, len(symbols))
	for i, symbol := range symbols {
		out[i] = strings.ToUpper(strings.TrimSpace(symbol))
	}
	return out
}

func filterRange(bars []models.PriceBar, start, end time.Time) []models.PriceBar {
	filtered := make([]models.PriceBar, 0, len(bars))
	for _, bar := range bars {
		if !bar.OpenTime.Before(start) && bar.OpenTime.Before(end) {
			filtered = append(filtered, bar)
		}
	}
	return filtered
}
