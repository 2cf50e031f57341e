// Package source defines the adapters that retrieve raw price records from
// remote historical-data distributions.
//
// Two variants exist: an archive adapter that downloads one compressed file
// per calendar day, and an API adapter that returns a full daily history per
// call. Both produce an in-memory RawTable of source-native columns; mapping
// into the canonical schema happens downstream in the normalizer.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/tastp/histfeed/internal/plan"
)

// Kind identifies which source produced a raw table. The normalizer keys
// its column mapping off this value.
type Kind string

const (
	// KindBinanceArchive marks data from the daily klines archive
	// (headerless CSV inside a ZIP, 1-minute bars).
	KindBinanceArchive Kind = "binance-archive"

	// KindAlphaVantage marks data from the TIME_SERIES_DAILY endpoint
	// (CSV with a header row, daily bars).
	KindAlphaVantage Kind = "alphavantage"
)

// RawTable holds source-native rows exactly as parsed from the response.
// Columns names the fields in positional order; every row has one string
// value per column.
type RawTable struct {
	Columns []string
	Rows    [][]string
}

// Adapter retrieves the raw price records for one fetch unit.
//
// Implementations perform exactly one outbound network request per Fetch
// call and do not retry internally; retry policy belongs to the caller.
// Callers must invoke WaitForLimit before Fetch to honor the source's rate
// policy.
type Adapter interface {
	// Fetch downloads and parses the raw records for the unit.
	// Returns an UnavailableError on transport or parse failure and a
	// RateLimitError when the source indicates throttling. A response
	// that parses to zero data rows is not an error.
	Fetch(ctx context.Context, unit plan.FetchUnit) (*RawTable, error)

	// Locate builds the deterministic download locator for the unit.
	// Credentials embedded in the locator are redacted.
	Locate(unit plan.FetchUnit) string

	// Kind reports which source this adapter serves.
	Kind() Kind

	// Granularity reports how date ranges must be planned for this source.
	Granularity() plan.Granularity

	// WaitForLimit blocks until the source's rate policy allows another
	// request, or the context is canceled.
	WaitForLimit(ctx context.Context) error
}

// UnavailableError reports that a source could not serve a fetch unit:
// transport failure, non-success status, or a malformed response. It
// carries enough context to reproduce the failing fetch.
type UnavailableError struct {
	Source  Kind
	Symbol  string
	Date    string
	Locator string
	Err     error
}

// Error implements the error interface for UnavailableError.
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable for %s on %s (%s): %v",
		e.Source, e.Symbol, e.Date, e.Locator, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// RateLimitError reports that the source is throttling requests. The caller
// must back off before retrying; RetryAfter is the source's own hint when
// one was provided, zero otherwise.
type RateLimitError struct {
	Source     Kind
	Symbol     string
	Locator    string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface for RateLimitError.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("source %s rate limited for %s (retry after %s): %v",
			e.Source, e.Symbol, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("source %s rate limited for %s: %v", e.Source, e.Symbol, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// NewUnavailableError builds an UnavailableError for the given unit.
func NewUnavailableError(kind Kind, unit plan.FetchUnit, locator string, err error) *UnavailableError {
	return &UnavailableError{
		Source:  kind,
		Symbol:  unit.Symbol,
		Date:    unit.Date(),
		Locator: locator,
		Err:     err,
	}
}
