// DuckDB-backed store implementation.
//
// DuckDB keeps the whole database in one file and reads Parquet/CSV
// natively, which makes it the durable backend and the export engine at
// once. The connection pool is capped at a single connection following the
// single-writer pattern the driver recommends.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/tastp/histfeed/internal/models"
)

const (
	barsTable     = "price_bars"
	registryTable = "company_list"
)

// DuckDBStore implements BarStore and Manager on a single-file DuckDB
// database.
type DuckDBStore struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewDuckDBStore opens (or creates) the database file at dbPath. The path
// ":memory:" yields an in-memory database for tests. Returns an
// UnavailableError if the file cannot be opened or reached.
func NewDuckDBStore(dbPath string, logger *slog.Logger) (*DuckDBStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewUnavailableError(dbPath, fmt.Errorf("failed to open database: %w", err))
	}

	// Single writer pattern as recommended for DuckDB.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewUnavailableError(dbPath, fmt.Errorf("failed to reach database: %w", err))
	}

	return &DuckDBStore{
		db:     db,
		dbPath: dbPath,
		logger: logger,
	}, nil
}

// Initialize implements Manager.Initialize. It creates the canonical bars
// table, the symbol reference table, and supporting indexes, and loads the
// parquet extension used by exports.
func (d *DuckDBStore) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Info("initializing store", "db_path", d.dbPath)

	d.enableExtensions(ctx)

	createBars := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		symbol VARCHAR NOT NULL,
		open_time TIMESTAMPTZ NOT NULL,
		close_time TIMESTAMPTZ NOT NULL,
		open DECIMAL(18,8) NOT NULL,
		high DECIMAL(18,8) NOT NULL,
		low DECIMAL(18,8) NOT NULL,
		close DECIMAL(18,8) NOT NULL,
		volume DOUBLE NOT NULL,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT price_bars_pk PRIMARY KEY (symbol, open_time),
		CONSTRAINT price_bars_ohlc_valid CHECK (high >= open AND high >= close AND low <= open AND low <= close),
		CONSTRAINT price_bars_time_order CHECK (close_time >= open_time),
		CONSTRAINT price_bars_volume_non_negative CHECK (volume >= 0)
	)`, barsTable)

	if _, err := d.db.ExecContext(ctx, createBars); err != nil {
		return &StoreError{Operation: "initialize", Table: barsTable, Err: err}
	}

	createRegistry := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		symbol VARCHAR PRIMARY KEY,
		name VARCHAR,
		added_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`, registryTable)

	if _, err := d.db.ExecContext(ctx, createRegistry); err != nil {
		return &StoreError{Operation: "initialize", Table: registryTable, Err: err}
	}

	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_symbol ON %s (symbol)", barsTable, barsTable),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_open_time ON %s (open_time)", barsTable, barsTable),
	}
	for _, indexQuery := range indexes {
		if _, err := d.db.ExecContext(ctx, indexQuery); err != nil {
			return &StoreError{Operation: "initialize", Table: barsTable, Err: fmt.Errorf("failed to create index: %w", err)}
		}
	}

	d.logger.Info("store initialized")
	return nil
}

// enableExtensions loads the parquet extension. Extensions are optional;
// exports report their own failures.
func (d *DuckDBStore) enableExtensions(ctx context.Context) {
	for _, stmt := range []string{"INSTALL parquet", "LOAD parquet"} {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			d.logger.Warn("failed to enable extension", "statement", stmt, "error", err)
		}
	}
}

// Close implements Manager.Close.
func (d *DuckDBStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// HealthCheck implements Manager.HealthCheck.
func (d *DuckDBStore) HealthCheck(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return NewUnavailableError(d.dbPath, fmt.Errorf("database connection is closed"))
	}
	if err := d.db.PingContext(ctx); err != nil {
		return NewUnavailableError(d.dbPath, err)
	}
	return nil
}

// checkSchema verifies the expected table exists, returning a
// SchemaMismatchError when it is absent.
func (d *DuckDBStore) checkSchema(ctx context.Context, table string) error {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT count(*) FROM information_schema.tables WHERE table_name = ?", table).Scan(&count)
	if err != nil {
		return NewUnavailableError(d.dbPath, fmt.Errorf("failed to inspect schema: %w", err))
	}
	if count == 0 {
		return NewSchemaMismatchError(table, "table does not exist; run setup first")
	}
	return nil
}

// UpsertRange implements BarStore.UpsertRange. The delete and the inserts
// run in one transaction: either the whole window is replaced or nothing
// changes.
func (d *DuckDBStore) UpsertRange(ctx context.Context, symbol string, start, end time.Time, bars []models.PriceBar) (int, error) {
	began := time.Now()

	// Validate before touching the database; a bad bar must not leave
	// the window half-replaced.
	for i, bar := range bars {
		if err := bar.Validate(); err != nil {
			return 0, NewInsertError(barsTable, fmt.Errorf("invalid bar at index %d: %w", i, err))
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return 0, NewUnavailableError(d.dbPath, fmt.Errorf("database connection is closed"))
	}

	if err := d.checkSchema(ctx, barsTable); err != nil {
		return 0, err
	}

	windowStart, windowEnd := windowBounds(start, end)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewUnavailableError(d.dbPath, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	deleteStmt := fmt.Sprintf(
		"DELETE FROM %s WHERE symbol = ? AND open_time >= ? AND open_time < ?", barsTable)
	if _, err := tx.ExecContext(ctx, deleteStmt, symbol, windowStart, windowEnd); err != nil {
		return 0, NewDeleteError(barsTable, err)
	}

	insertStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (symbol, open_time, close_time, open, high, low, close, volume) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		barsTable))
	if err != nil {
		return 0, NewInsertError(barsTable, err)
	}
	defer insertStmt.Close()

	for _, bar := range bars {
		volume, err := bar.GetVolumeDecimal()
		if err != nil {
			return 0, NewInsertError(barsTable, fmt.Errorf("invalid volume on %s: %w", bar.String(), err))
		}
		volumeFloat, _ := volume.Float64()

		if _, err := insertStmt.ExecContext(ctx,
			bar.Symbol, bar.OpenTime.UTC(), bar.CloseTime.UTC(),
			bar.Open, bar.High, bar.Low, bar.Close, volumeFloat,
		); err != nil {
			return 0, NewInsertError(barsTable, fmt.Errorf("failed to insert %s: %w", bar.String(), err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, NewInsertError(barsTable, fmt.Errorf("failed to commit window replace: %w", err))
	}

	d.logger.Debug("replaced bar window",
		"symbol", symbol,
		"window_start", windowStart,
		"window_end", windowEnd,
		"inserted", len(bars),
		"duration", time.Since(began))

	return len(bars), nil
}

// Query implements BarStore.Query.
func (d *DuckDBStore) Query(ctx context.Context, symbol string, start, end time.Time) ([]models.PriceBar, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, NewUnavailableError(d.dbPath, fmt.Errorf("database connection is closed"))
	}

	windowStart, windowEnd := windowBounds(start, end)

	query := fmt.Sprintf(`
		SELECT symbol, open_time, close_time,
		       CAST(open AS VARCHAR), CAST(high AS VARCHAR), CAST(low AS VARCHAR), CAST(close AS VARCHAR),
		       CAST(volume AS VARCHAR)
		FROM %s
		WHERE symbol = ? AND open_time >= ? AND open_time < ?
		ORDER BY open_time ASC`, barsTable)

	rows, err := d.db.QueryContext(ctx, query, symbol, windowStart, windowEnd)
	if err != nil {
		return nil, NewQueryError(barsTable, err)
	}
	defer rows.Close()

	var bars []models.PriceBar
	for rows.Next() {
		var bar models.PriceBar
		if err := rows.Scan(&bar.Symbol, &bar.OpenTime, &bar.CloseTime,
			&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			return nil, NewQueryError(barsTable, fmt.Errorf("failed to scan row: %w", err))
		}
		bar.OpenTime = bar.OpenTime.UTC()
		bar.CloseTime = bar.CloseTime.UTC()
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(barsTable, err)
	}

	return bars, nil
}

// Closes implements BarStore.Closes.
func (d *DuckDBStore) Closes(ctx context.Context, symbol string, start, end time.Time) ([]float64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, NewUnavailableError(d.dbPath, fmt.Errorf("database connection is closed"))
	}

	windowStart, windowEnd := windowBounds(start, end)

	query := fmt.Sprintf(`
		SELECT CAST(close AS DOUBLE)
		FROM %s
		WHERE symbol = ? AND open_time >= ? AND open_time < ?
		ORDER BY open_time ASC`, barsTable)

	rows, err := d.db.QueryContext(ctx, query, symbol, windowStart, windowEnd)
	if err != nil {
		return nil, NewQueryError(barsTable, err)
	}
	defer rows.Close()

	var closes []float64
	for rows.Next() {
		var close float64
		if err := rows.Scan(&close); err != nil {
			return nil, NewQueryError(barsTable, fmt.Errorf("failed to scan row: %w", err))
		}
		closes = append(closes, close)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(barsTable, err)
	}

	return closes, nil
}

// Symbols implements BarStore.Symbols.
func (d *DuckDBStore) Symbols(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, NewUnavailableError(d.dbPath, fmt.Errorf("database connection is closed"))
	}

	rows, err := d.db.QueryContext(ctx,
		fmt.Sprintf("SELECT DISTINCT symbol FROM %s ORDER BY symbol", barsTable))
	if err != nil {
		return nil, NewQueryError(barsTable, err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, NewQueryError(barsTable, fmt.Errorf("failed to scan row: %w", err))
		}
		symbols = append(symbols, symbol)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(barsTable, err)
	}

	return symbols, nil
}

// windowBounds converts an inclusive calendar-date window into half-open
// UTC instants: [start 00:00, day-after-end 00:00).
func windowBounds(start, end time.Time) (time.Time, time.Time) {
	s := start.UTC()
	e := end.UTC()
	windowStart := time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, time.UTC)
	windowEnd := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return windowStart, windowEnd
}
