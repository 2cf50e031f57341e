// Package normalize reshapes source-native raw tables into canonical
// PriceBar sequences.
//
// Rows that violate the PriceBar invariants are rejected by omission and
// counted rather than aborting the whole batch; a fully empty result after
// rejection is not an error by itself. Normalization is deterministic and
// stateless: the same raw input and symbol always yield the same output.
package normalize

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/tastp/histfeed/internal/models"
	"github.com/tastp/histfeed/internal/source"
)

// RejectedRow records one raw row excluded from the normalized output.
type RejectedRow struct {
	Index  int
	Reason string
}

// Result is the outcome of normalizing one raw table: the bars that passed
// validation in ascending open-time order, plus a reject report.
type Result struct {
	Bars     []models.PriceBar
	Rejected []RejectedRow
}

// RejectCount returns the number of rows excluded from the output.
func (r *Result) RejectCount() int {
	return len(r.Rejected)
}

// Normalize maps a raw table into canonical PriceBars for the given symbol.
// Every row is tagged with the requested symbol since the raw data does not
// carry it. Returns an error only when the table itself is unusable (e.g.
// a required column is missing); individual bad rows are rejected, not
// fatal.
func Normalize(raw *source.RawTable, symbol string, kind source.Kind) (*Result, error) {
	if raw == nil {
		return nil, fmt.Errorf("raw table is nil")
	}

	var (
		result *Result
		err    error
	)

	switch kind {
	case source.KindBinanceArchive:
		result, err = normalizeBinance(raw, symbol)
	case source.KindAlphaVantage:
		result, err = normalizeAlphaVantage(raw, symbol)
	default:
		return nil, fmt.Errorf("unsupported source kind: %s", kind)
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(result.Bars, func(i, j int) bool {
		return result.Bars[i].OpenTime.Before(result.Bars[j].OpenTime)
	})

	return result, nil
}

// Archive column positions within the fixed ten-column set.
const (
	binanceTimeOpen = iota
	binancePriceOpen
	binancePriceHigh
	binancePriceLow
	binancePriceClose
	binanceVolume
	binanceTimeClose
)

func normalizeBinance(raw *source.RawTable, symbol string) (*Result, error) {
	result := &Result{Bars: make([]models.PriceBar, 0, len(raw.Rows))}

	for i, row := range raw.Rows {
		if len(row) <= binanceTimeClose {
			result.Rejected = append(result.Rejected, RejectedRow{Index: i, Reason: "short row"})
			continue
		}

		openTime, err := parseEpochMillis(row[binanceTimeOpen])
		if err != nil {
			result.Rejected = append(result.Rejected, RejectedRow{Index: i, Reason: fmt.Sprintf("time_open: %v", err)})
			continue
		}

		closeTime, err := parseEpochMillis(row[binanceTimeClose])
		if err != nil {
			result.Rejected = append(result.Rejected, RejectedRow{Index: i, Reason: fmt.Sprintf("time_close: %v", err)})
			continue
		}

		bar, err := models.NewPriceBar(symbol, openTime, closeTime,
			row[binancePriceOpen], row[binancePriceHigh], row[binancePriceLow],
			row[binancePriceClose], row[binanceVolume])
		if err != nil {
			result.Rejected = append(result.Rejected, RejectedRow{Index: i, Reason: err.Error()})
			continue
		}

		result.Bars = append(result.Bars, *bar)
	}

	return result, nil
}

func normalizeAlphaVantage(raw *source.RawTable, symbol string) (*Result, error) {
	idx, err := columnIndex(raw.Columns, "timestamp", "open", "high", "low", "close", "volume")
	if err != nil {
		return nil, err
	}

	result := &Result{Bars: make([]models.PriceBar, 0, len(raw.Rows))}

	for i, row := range raw.Rows {
		if len(row) < len(raw.Columns) {
			result.Rejected = append(result.Rejected, RejectedRow{Index: i, Reason: "short row"})
			continue
		}

		openTime, err := time.ParseInLocation("2006-01-02", row[idx["timestamp"]], time.UTC)
		if err != nil {
			result.Rejected = append(result.Rejected, RejectedRow{Index: i, Reason: fmt.Sprintf("timestamp: %v", err)})
			continue
		}

		// Daily granularity: the bar spans its whole calendar day.
		closeTime := openTime.Add(24*time.Hour - time.Second)

		bar, err := models.NewPriceBar(symbol, openTime, closeTime,
			row[idx["open"]], row[idx["high"]], row[idx["low"]],
			row[idx["close"]], row[idx["volume"]])
		if err != nil {
			result.Rejected = append(result.Rejected, RejectedRow{Index: i, Reason: err.Error()})
			continue
		}

		result.Bars = append(result.Bars, *bar)
	}

	return result, nil
}

// parseEpochMillis converts a 13-digit millisecond epoch value into a UTC
// instant truncated to whole seconds.
func parseEpochMillis(value string) (time.Time, error) {
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid millisecond epoch %q: %w", value, err)
	}
	if millis <= 0 {
		return time.Time{}, fmt.Errorf("non-positive millisecond epoch %d", millis)
	}
	return time.UnixMilli(millis).UTC().Truncate(time.Second), nil
}

// columnIndex resolves the position of each required column in the header,
// failing if any is absent.
func columnIndex(columns []string, required ...string) (map[string]int, error) {
	idx := make(map[string]int, len(columns))
	for i, name := range columns {
		idx[name] = i
	}
	for _, name := range required {
		if _, ok := idx[name]; !ok {
			return nil, fmt.Errorf("required column %q missing from header %v", name, columns)
		}
	}
	return idx, nil
}
