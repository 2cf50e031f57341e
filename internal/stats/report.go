package stats

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/tastp/histfeed/internal/store"
)

// SymbolVolatility is one ranked row of the volatility report. Volatility
// is NaN for symbols without enough stored data.
type SymbolVolatility struct {
	Symbol     string
	Volatility float64
}

// Ranker computes volatility for stored symbols and produces the ranked
// report.
type Ranker struct {
	bars   store.BarStore
	logger *slog.Logger
}

// NewRanker creates a Ranker reading close prices from the given store.
func NewRanker(bars store.BarStore, logger *slog.Logger) *Ranker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ranker{bars: bars, logger: logger}
}

// Rank computes volatility over [start, end] for each symbol and returns
// rows sorted by volatility, highest first, NaN rows last. An empty symbol
// slice ranks every symbol with stored bars.
func (r *Ranker) Rank(ctx context.Context, symbols []string, start, end time.Time) ([]SymbolVolatility, error) {
	if len(symbols) == 0 {
		stored, err := r.bars.Symbols(ctx)
		if err != nil {
			return nil, err
		}
		symbols = stored
	}

	rows := make([]SymbolVolatility, 0, len(symbols))
	for _, symbol := range symbols {
		closes, err := r.bars.Closes(ctx, symbol, start, end)
		if err != nil {
			return nil, err
		}

		vol, err := Volatility(closes)
		if err != nil {
			r.logger.Warn("volatility unavailable", "symbol", symbol, "reason", err)
			vol = math.NaN()
		}
		rows = append(rows, SymbolVolatility{Symbol: symbol, Volatility: vol})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		vi, vj := rows[i].Volatility, rows[j].Volatility
		if math.IsNaN(vi) {
			return false
		}
		if math.IsNaN(vj) {
			return true
		}
		return vi > vj
	})

	return rows, nil
}

// SMAPoint pairs one stored bar with its rolling moving average. SMA is
// NaN while the window is still warming up.
type SMAPoint struct {
	Date  string
	Close float64
	SMA   float64
}

// SMASeries computes the rolling moving average of the symbol's stored
// closes over [start, end], aligned with the bars in ascending order.
func (r *Ranker) SMASeries(ctx context.Context, symbol string, start, end time.Time, period int) ([]SMAPoint, error) {
	bars, err := r.bars.Query(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}

	closes := make([]float64, 0, len(bars))
	for _, bar := range bars {
		value, err := strconv.ParseFloat(bar.Close, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid close on %s: %w", bar.String(), err)
		}
		closes = append(closes, value)
	}

	averages, err := RollingSMA(closes, period)
	if err != nil {
		return nil, err
	}

	points := make([]SMAPoint, 0, len(bars))
	for i, bar := range bars {
		points = append(points, SMAPoint{
			Date:  bar.OpenTime.Format("2006-01-02"),
			Close: closes[i],
			SMA:   averages[i],
		})
	}
	return points, nil
}

// WriteCSV writes the ranked report as delimited text with a header row.
func WriteCSV(path string, rows []SymbolVolatility) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"symbol", "volatility"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, row := range rows {
		value := ""
		if !math.IsNaN(row.Volatility) {
			value = strconv.FormatFloat(row.Volatility, 'f', -1, 64)
		}
		if err := w.Write([]string{row.Symbol, value}); err != nil {
			return fmt.Errorf("failed to write row for %s: %w", row.Symbol, err)
		}
	}
	w.Flush()
	return w.Error()
}

// WriteSMACSV writes the moving average series as delimited text with a
// header row. Warmup positions render an empty sma cell.
func WriteSMACSV(path string, points []SMAPoint) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"date", "close", "sma"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, point := range points {
		value := ""
		if !math.IsNaN(point.SMA) {
			value = strconv.FormatFloat(point.SMA, 'f', -1, 64)
		}
		row := []string{point.Date, strconv.FormatFloat(point.Close, 'f', -1, 64), value}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row for %s: %w", point.Date, err)
		}
	}
	w.Flush()
	return w.Error()
}
