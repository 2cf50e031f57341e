package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tastp/histfeed/internal/models"
)

// MemoryStore is an in-memory BarStore and SymbolRegistry used by tests
// and dry runs. It mirrors the replace-by-range semantics of the DuckDB
// store without touching disk.
type MemoryStore struct {
	mu      sync.RWMutex
	bars    map[string][]models.PriceBar
	symbols map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bars:    make(map[string][]models.PriceBar),
		symbols: make(map[string]bool),
	}
}

// Initialize implements Manager.Initialize. No schema to create.
func (m *MemoryStore) Initialize(ctx context.Context) error { return nil }

// Close implements Manager.Close.
func (m *MemoryStore) Close() error { return nil }

// HealthCheck implements Manager.HealthCheck.
func (m *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

// UpsertRange implements BarStore.UpsertRange with the same transactional
// outcome as the durable store: the window is fully replaced or untouched.
func (m *MemoryStore) UpsertRange(ctx context.Context, symbol string, start, end time.Time, bars []models.PriceBar) (int, error) {
	for i, bar := range bars {
		if err := bar.Validate(); err != nil {
			return 0, NewInsertError(barsTable, fmt.Errorf("invalid bar at index %d: %w", i, err))
		}
	}

	windowStart, windowEnd := windowBounds(start, end)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := make([]models.PriceBar, 0, len(m.bars[symbol])+len(bars))
	for _, existing := range m.bars[symbol] {
		if existing.OpenTime.Before(windowStart) || !existing.OpenTime.Before(windowEnd) {
			kept = append(kept, existing)
		}
	}
	kept = append(kept, bars...)
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].OpenTime.Before(kept[j].OpenTime)
	})
	m.bars[symbol] = kept

	return len(bars), nil
}

// Query implements BarStore.Query.
func (m *MemoryStore) Query(ctx context.Context, symbol string, start, end time.Time) ([]models.PriceBar, error) {
	windowStart, windowEnd := windowBounds(start, end)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.PriceBar
	for _, bar := range m.bars[symbol] {
		if !bar.OpenTime.Before(windowStart) && bar.OpenTime.Before(windowEnd) {
			out = append(out, bar)
		}
	}
	return out, nil
}

// Closes implements BarStore.Closes.
func (m *MemoryStore) Closes(ctx context.Context, symbol string, start, end time.Time) ([]float64, error) {
	bars, err := m.Query(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}

	closes := make([]float64, 0, len(bars))
	for _, bar := range bars {
		value, err := strconv.ParseFloat(bar.Close, 64)
		if err != nil {
			return nil, NewQueryError(barsTable, fmt.Errorf("invalid close on %s: %w", bar.String(), err))
		}
		closes = append(closes, value)
	}
	return closes, nil
}

// Symbols implements BarStore.Symbols.
func (m *MemoryStore) Symbols(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	symbols := make([]string, 0, len(m.bars))
	for symbol, bars := range m.bars {
		if len(bars) > 0 {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ListSymbols implements SymbolRegistry.ListSymbols.
func (m *MemoryStore) ListSymbols(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	symbols := make([]string, 0, len(m.symbols))
	for symbol := range m.symbols {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// Contains implements SymbolRegistry.Contains.
func (m *MemoryStore) Contains(ctx context.Context, symbol string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.symbols[symbol], nil
}

// Register adds symbols to the in-memory registry.
func (m *MemoryStore) Register(ctx context.Context, symbols ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, symbol := range symbols {
		m.symbols[symbol] = true
	}
	return nil
}
