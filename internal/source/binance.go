// Binance daily klines archive adapter.
//
// The archive distributes one ZIP file per (pair, interval, day), each
// containing exactly one headerless CSV with ten fixed columns. The archive
// has no documented rate limit; a polite limiter is applied anyway.
package source

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tastp/histfeed/internal/plan"
	"golang.org/x/time/rate"
)

const (
	// DefaultArchiveDomain is the public daily klines distribution root.
	DefaultArchiveDomain = "https://data.binance.vision/data/spot/daily/klines/"

	// DefaultBarInterval selects 1-minute bars from the archive.
	DefaultBarInterval = "1m"

	archiveRequestTimeout = 60 * time.Second
	archiveRequestsPerSec = 2
)

// binanceColumns is the fixed column set of the archive CSV, in file order.
// The files carry no header row.
var binanceColumns = []string{
	"time_open", "price_open", "price_high", "price_low", "price_close",
	"volume", "time_close", "quote_asset_volume", "base_asset_volume", "ignore",
}

// BinanceConfig configures the archive adapter.
type BinanceConfig struct {
	// Domain is the archive root; DefaultArchiveDomain when empty.
	Domain string

	// SymbolPair is the exchange-native pair name used in locators
	// (e.g. "BTCBUSD"). Required.
	SymbolPair string

	// BarInterval is the archive granularity directory ("1m", "1d", ...).
	// DefaultBarInterval when empty.
	BarInterval string
}

// BinanceAdapter fetches daily archive files and parses them in memory.
// The compressed entry is never written to disk.
type BinanceAdapter struct {
	config     BinanceConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewBinanceAdapter creates an archive adapter for the configured pair.
func NewBinanceAdapter(cfg BinanceConfig, logger *slog.Logger) (*BinanceAdapter, error) {
	if cfg.SymbolPair == "" {
		return nil, fmt.Errorf("binance adapter: symbol pair is required")
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultArchiveDomain
	}
	if cfg.BarInterval == "" {
		cfg.BarInterval = DefaultBarInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &BinanceAdapter{
		config: cfg,
		httpClient: &http.Client{
			Timeout: archiveRequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(archiveRequestsPerSec), 1),
		logger:  logger,
	}, nil
}

// Kind implements the Adapter interface.
func (a *BinanceAdapter) Kind() Kind { return KindBinanceArchive }

// Granularity implements the Adapter interface. The archive serves one
// file per calendar day.
func (a *BinanceAdapter) Granularity() plan.Granularity { return plan.GranularityDailyArchive }

// Locate implements the Adapter interface. The locator format is
// {domain}{pair}/{interval}/{pair}-{interval}-{YYYY-MM-DD}.zip.
func (a *BinanceAdapter) Locate(unit plan.FetchUnit) string {
	return fmt.Sprintf("%s%s/%s/%s-%s-%s.zip",
		a.config.Domain, a.config.SymbolPair, a.config.BarInterval,
		a.config.SymbolPair, a.config.BarInterval, unit.Date())
}

// WaitForLimit implements the Adapter interface.
func (a *BinanceAdapter) WaitForLimit(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// Fetch implements the Adapter interface. It downloads the day's ZIP,
// decompresses the sole contained entry in memory, and parses it as
// headerless delimited text against the fixed ten-column set.
func (a *BinanceAdapter) Fetch(ctx context.Context, unit plan.FetchUnit) (*RawTable, error) {
	locator := a.Locate(unit)

	a.logger.Debug("fetching archive file",
		"symbol", unit.Symbol,
		"date", unit.Date(),
		"locator", locator)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, NewUnavailableError(a.Kind(), unit, locator, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", "histfeed/1.0")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, NewUnavailableError(a.Kind(), unit, locator, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, NewUnavailableError(a.Kind(), unit, locator,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewUnavailableError(a.Kind(), unit, locator, fmt.Errorf("failed to read response body: %w", err))
	}

	rows, err := a.parseArchive(body)
	if err != nil {
		return nil, NewUnavailableError(a.Kind(), unit, locator, err)
	}

	a.logger.Debug("parsed archive file", "date", unit.Date(), "rows", len(rows))

	return &RawTable{Columns: binanceColumns, Rows: rows}, nil
}

// parseArchive decompresses the archive and parses its sole entry. An
// archive with zero entries, or an entry whose rows do not match the
// expected column count, is malformed.
func (a *BinanceAdapter) parseArchive(body []byte) ([][]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("malformed archive: %w", err)
	}

	if len(zr.File) == 0 {
		return nil, fmt.Errorf("malformed archive: zero entries")
	}

	entry, err := zr.File[0].Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open archive entry %s: %w", zr.File[0].Name, err)
	}
	defer entry.Close()

	reader := csv.NewReader(entry)
	reader.FieldsPerRecord = len(binanceColumns)

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse archive entry %s: %w", zr.File[0].Name, err)
	}

	return rows, nil
}
