// Bulk export of the canonical table.
//
// CSV serves human inspection and spreadsheet import; Parquet is the
// preferred interchange for repeated analysis workloads. Both go through
// DuckDB's COPY, which streams directly from the table without
// materializing rows in Go.
package store

import (
	"context"
	"fmt"
	"strings"
)

// ExportCSV writes every stored bar to path as delimited text with a
// header row, keyed by the canonical schema.
func (d *DuckDBStore) ExportCSV(ctx context.Context, path string) error {
	return d.export(ctx, path, "FORMAT CSV, HEADER")
}

// ExportParquet writes every stored bar to path as a Parquet file keyed by
// the canonical schema.
func (d *DuckDBStore) ExportParquet(ctx context.Context, path string) error {
	return d.export(ctx, path, "FORMAT PARQUET")
}

func (d *DuckDBStore) export(ctx context.Context, path, options string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return NewUnavailableError(d.dbPath, fmt.Errorf("database connection is closed"))
	}

	if err := d.checkSchema(ctx, barsTable); err != nil {
		return err
	}

	// COPY targets cannot be bound as parameters; the path is quoted
	// SQL-style instead.
	stmt := fmt.Sprintf(`
		COPY (
			SELECT symbol, open_time, close_time, open, high, low, close, volume
			FROM %s
			ORDER BY symbol, open_time
		) TO '%s' (%s)`, barsTable, escapeSQLString(path), options)

	if _, err := d.db.ExecContext(ctx, stmt); err != nil {
		return &StoreError{Operation: "export", Table: barsTable, Err: err}
	}

	d.logger.Info("exported bars", "path", path, "options", options)
	return nil
}

func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
