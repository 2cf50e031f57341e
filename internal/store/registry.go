package store

import (
	"context"
	"fmt"
	"strings"
)

// DuckDBRegistry implements SymbolRegistry on the company_list reference
// table. The table is maintained at setup time; ingestion only reads it.
type DuckDBRegistry struct {
	store *DuckDBStore
}

// NewDuckDBRegistry creates a registry backed by the given store's
// reference table.
func NewDuckDBRegistry(store *DuckDBStore) *DuckDBRegistry {
	return &DuckDBRegistry{store: store}
}

// ListSymbols implements SymbolRegistry.ListSymbols.
func (r *DuckDBRegistry) ListSymbols(ctx context.Context) ([]string, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	if r.store.db == nil {
		return nil, NewUnavailableError(r.store.dbPath, fmt.Errorf("database connection is closed"))
	}

	if err := r.store.checkSchema(ctx, registryTable); err != nil {
		return nil, err
	}

	rows, err := r.store.db.QueryContext(ctx,
		fmt.Sprintf("SELECT symbol FROM %s ORDER BY symbol", registryTable))
	if err != nil {
		return nil, NewQueryError(registryTable, err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, NewQueryError(registryTable, fmt.Errorf("failed to scan row: %w", err))
		}
		symbols = append(symbols, symbol)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(registryTable, err)
	}

	return symbols, nil
}

// Contains implements SymbolRegistry.Contains. Matching is
// case-insensitive; registered symbols are stored upper-cased.
func (r *DuckDBRegistry) Contains(ctx context.Context, symbol string) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	if r.store.db == nil {
		return false, NewUnavailableError(r.store.dbPath, fmt.Errorf("database connection is closed"))
	}

	if err := r.store.checkSchema(ctx, registryTable); err != nil {
		return false, err
	}

	var count int
	err := r.store.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT count(*) FROM %s WHERE symbol = ?", registryTable),
		strings.ToUpper(symbol)).Scan(&count)
	if err != nil {
		return false, NewQueryError(registryTable, err)
	}

	return count > 0, nil
}

// Register adds symbols to the reference table, ignoring ones already
// present. Intended for setup, not for the ingestion path.
func (r *DuckDBRegistry) Register(ctx context.Context, symbols ...string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if r.store.db == nil {
		return NewUnavailableError(r.store.dbPath, fmt.Errorf("database connection is closed"))
	}

	if err := r.store.checkSchema(ctx, registryTable); err != nil {
		return err
	}

	stmt, err := r.store.db.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (symbol) VALUES (?) ON CONFLICT DO NOTHING", registryTable))
	if err != nil {
		return NewInsertError(registryTable, err)
	}
	defer stmt.Close()

	for _, symbol := range symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, symbol); err != nil {
			return NewInsertError(registryTable, fmt.Errorf("failed to register %s: %w", symbol, err))
		}
	}

	return nil
}
