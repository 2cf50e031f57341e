// Alpha Vantage daily time-series adapter.
//
// One call returns the full daily history for a symbol as CSV with a header
// row. The free tier enforces a strict per-minute quota; throttled calls
// answer 200 with a JSON note instead of CSV, so both the status code and
// the payload shape are checked.
package source

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tastp/histfeed/internal/plan"
	"golang.org/x/time/rate"
)

const (
	// DefaultAPIBaseURL is the query endpoint of the data API.
	DefaultAPIBaseURL = "https://www.alphavantage.co/query"

	// DefaultCooldown is the fixed inter-request interval honored between
	// calls. The free tier rejects anything faster.
	DefaultCooldown = 60 * time.Second

	apiRequestTimeout = 30 * time.Second
)

// AlphaVantageConfig configures the API adapter.
type AlphaVantageConfig struct {
	// BaseURL is the query endpoint; DefaultAPIBaseURL when empty.
	BaseURL string

	// APIKey is the credential embedded in every query string. Required.
	APIKey string

	// Cooldown is the minimum interval between requests;
	// DefaultCooldown when zero.
	Cooldown time.Duration
}

// AlphaVantageAdapter fetches full daily histories over HTTP.
type AlphaVantageAdapter struct {
	config     AlphaVantageConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewAlphaVantageAdapter creates an API adapter with the given credential.
func NewAlphaVantageAdapter(cfg AlphaVantageConfig, logger *slog.Logger) (*AlphaVantageAdapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("alphavantage adapter: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAPIBaseURL
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &AlphaVantageAdapter{
		config: cfg,
		httpClient: &http.Client{
			Timeout: apiRequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Every(cfg.Cooldown), 1),
		logger:  logger,
	}, nil
}

// Kind implements the Adapter interface.
func (a *AlphaVantageAdapter) Kind() Kind { return KindAlphaVantage }

// Granularity implements the Adapter interface. The endpoint returns a
// full history per call, so one unit covers any requested range.
func (a *AlphaVantageAdapter) Granularity() plan.Granularity { return plan.GranularityFullHistory }

// Locate implements the Adapter interface. The credential is redacted;
// use the adapter itself to issue the real request.
func (a *AlphaVantageAdapter) Locate(unit plan.FetchUnit) string {
	return a.queryURL(unit.Symbol, "REDACTED")
}

// WaitForLimit implements the Adapter interface. It enforces the fixed
// inter-request cooldown regardless of the previous call's outcome.
func (a *AlphaVantageAdapter) WaitForLimit(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// Fetch implements the Adapter interface. It issues one query for the
// unit's symbol and parses the delimited response, taking the header row
// from the response itself.
func (a *AlphaVantageAdapter) Fetch(ctx context.Context, unit plan.FetchUnit) (*RawTable, error) {
	locator := a.Locate(unit)

	a.logger.Debug("fetching daily time series",
		"symbol", unit.Symbol,
		"locator", locator)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.queryURL(unit.Symbol, a.config.APIKey), nil)
	if err != nil {
		return nil, NewUnavailableError(a.Kind(), unit, locator, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", "histfeed/1.0")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, NewUnavailableError(a.Kind(), unit, locator, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		return nil, &RateLimitError{
			Source:     a.Kind(),
			Symbol:     unit.Symbol,
			Locator:    locator,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("status %d", resp.StatusCode),
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, NewUnavailableError(a.Kind(), unit, locator,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewUnavailableError(a.Kind(), unit, locator, fmt.Errorf("failed to read response body: %w", err))
	}

	// Throttled calls answer 200 with a JSON note instead of CSV.
	if isThrottlePayload(body) {
		return nil, &RateLimitError{
			Source:  a.Kind(),
			Symbol:  unit.Symbol,
			Locator: locator,
			Err:     fmt.Errorf("throttle payload in response body"),
		}
	}

	table, err := a.parseCSV(body)
	if err != nil {
		return nil, NewUnavailableError(a.Kind(), unit, locator, err)
	}

	a.logger.Debug("parsed daily time series", "symbol", unit.Symbol, "rows", len(table.Rows))

	return table, nil
}

func (a *AlphaVantageAdapter) queryURL(symbol, apiKey string) string {
	params := url.Values{}
	params.Set("function", "TIME_SERIES_DAILY")
	params.Set("symbol", symbol)
	params.Set("outputsize", "full")
	params.Set("datatype", "csv")
	params.Set("apikey", apiKey)
	return a.config.BaseURL + "?" + params.Encode()
}

// parseCSV splits the response into a header row and data rows. A response
// without a header row is malformed; a header with no data rows is not.
func (a *AlphaVantageAdapter) parseCSV(body []byte) (*RawTable, error) {
	reader := csv.NewReader(bytes.NewReader(body))
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("malformed response: no header row")
	}

	return &RawTable{Columns: records[0], Rows: records[1:]}, nil
}

// isThrottlePayload recognizes the JSON error body the API serves in place
// of CSV when the call quota is exhausted.
func isThrottlePayload(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	for _, marker := range [][]byte{
		[]byte(`"Note"`),
		[]byte(`"Information"`),
		[]byte("call frequency"),
	} {
		if bytes.Contains(trimmed, marker) {
			return true
		}
	}
	return false
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}

	return 0
}
