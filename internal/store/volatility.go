package store

import (
	"context"
	"fmt"
	"math"
)

const volatilityTable = "volatility"

// VolatilityRow is one row of the persisted volatility report.
type VolatilityRow struct {
	Symbol     string
	Volatility float64
}

// ReplaceVolatility replaces the volatility report table with the given
// rows. The table is dropped and recreated so the report always reflects
// exactly one run. NaN values are stored as NULL.
func (d *DuckDBStore) ReplaceVolatility(ctx context.Context, rows []VolatilityRow) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return NewUnavailableError(d.dbPath, fmt.Errorf("database connection is closed"))
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return NewUnavailableError(d.dbPath, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	drop := fmt.Sprintf("DROP TABLE IF EXISTS %s", volatilityTable)
	if _, err := tx.ExecContext(ctx, drop); err != nil {
		return NewDeleteError(volatilityTable, err)
	}

	create := fmt.Sprintf(`
	CREATE TABLE %s (
		symbol VARCHAR PRIMARY KEY,
		volatility DOUBLE,
		computed_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`, volatilityTable)
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return &StoreError{Operation: "create", Table: volatilityTable, Err: err}
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (symbol, volatility) VALUES (?, ?)", volatilityTable))
	if err != nil {
		return NewInsertError(volatilityTable, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		var value interface{}
		if !math.IsNaN(row.Volatility) {
			value = row.Volatility
		}
		if _, err := stmt.ExecContext(ctx, row.Symbol, value); err != nil {
			return NewInsertError(volatilityTable, fmt.Errorf("failed to insert %s: %w", row.Symbol, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return NewInsertError(volatilityTable, fmt.Errorf("failed to commit report: %w", err))
	}

	d.logger.Info("replaced volatility report", "rows", len(rows))
	return nil
}
