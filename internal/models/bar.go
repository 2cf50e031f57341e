// Package models provides the canonical data structures for historical
// price ingestion: the PriceBar observation and its validation rules.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PriceBar represents one OHLCV observation for one symbol at one time
// bucket. Prices are kept as decimal strings so no precision is lost
// between the source representation and fixed-point storage.
type PriceBar struct {
	Symbol    string    `json:"symbol" db:"symbol"`
	OpenTime  time.Time `json:"open_time" db:"open_time"`
	CloseTime time.Time `json:"close_time" db:"close_time"`
	Open      string    `json:"open" db:"open"`
	High      string    `json:"high" db:"high"`
	Low       string    `json:"low" db:"low"`
	Close     string    `json:"close" db:"close"`
	Volume    string    `json:"volume" db:"volume"`
}

// ValidationError reports which PriceBar field failed validation and why.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks the PriceBar invariants: a non-empty symbol, well-formed
// instants with close_time >= open_time, positive decimal prices with
// low <= open,close <= high, and non-negative volume.
// Returns a ValidationError describing the first violation found.
func (b *PriceBar) Validate() error {
	if b.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}

	if b.OpenTime.IsZero() {
		return &ValidationError{Field: "open_time", Message: "open time cannot be zero"}
	}

	if b.CloseTime.Before(b.OpenTime) {
		return &ValidationError{Field: "close_time", Message: "close time cannot precede open time"}
	}

	open, err := decimal.NewFromString(b.Open)
	if err != nil {
		return &ValidationError{Field: "open", Message: fmt.Sprintf("invalid open price format: %v", err)}
	}

	high, err := decimal.NewFromString(b.High)
	if err != nil {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("invalid high price format: %v", err)}
	}

	low, err := decimal.NewFromString(b.Low)
	if err != nil {
		return &ValidationError{Field: "low", Message: fmt.Sprintf("invalid low price format: %v", err)}
	}

	close, err := decimal.NewFromString(b.Close)
	if err != nil {
		return &ValidationError{Field: "close", Message: fmt.Sprintf("invalid close price format: %v", err)}
	}

	volume, err := decimal.NewFromString(b.Volume)
	if err != nil {
		return &ValidationError{Field: "volume", Message: fmt.Sprintf("invalid volume format: %v", err)}
	}

	zero := decimal.Zero
	if open.LessThanOrEqual(zero) {
		return &ValidationError{Field: "open", Message: "open price must be greater than 0"}
	}
	if high.LessThanOrEqual(zero) {
		return &ValidationError{Field: "high", Message: "high price must be greater than 0"}
	}
	if low.LessThanOrEqual(zero) {
		return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
	}
	if close.LessThanOrEqual(zero) {
		return &ValidationError{Field: "close", Message: "close price must be greater than 0"}
	}

	if volume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(open, close)
	if high.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", high, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(open, close)
	if low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", low, minOpenClose),
		}
	}

	return nil
}

// GetOpenDecimal returns the open price as a decimal.Decimal.
func (b *PriceBar) GetOpenDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(b.Open)
}

// GetHighDecimal returns the high price as a decimal.Decimal.
func (b *PriceBar) GetHighDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(b.High)
}

// GetLowDecimal returns the low price as a decimal.Decimal.
func (b *PriceBar) GetLowDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(b.Low)
}

// GetCloseDecimal returns the close price as a decimal.Decimal.
func (b *PriceBar) GetCloseDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(b.Close)
}

// GetVolumeDecimal returns the volume as a decimal.Decimal.
func (b *PriceBar) GetVolumeDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(b.Volume)
}

// String returns a human-readable representation of the bar.
// This method implements the fmt.Stringer interface.
func (b *PriceBar) String() string {
	return fmt.Sprintf("PriceBar{Symbol: %s, OpenTime: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		b.Symbol, b.OpenTime.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Volume)
}

// NewPriceBar creates a validated PriceBar. All price and volume values
// should be provided as decimal strings. Returns a ValidationError wrapped
// with context if any invariant fails.
func NewPriceBar(symbol string, openTime, closeTime time.Time, open, high, low, close, volume string) (*PriceBar, error) {
	bar := &PriceBar{
		Symbol:    symbol,
		OpenTime:  openTime,
		CloseTime: closeTime,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
	}

	if err := bar.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create price bar: %w", err)
	}

	return bar, nil
}
