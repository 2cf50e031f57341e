// Package store persists canonical price bars in a single-file analytical
// database and owns the durable schema.
//
// The store enforces idempotent replace-by-range semantics: re-ingesting a
// window deletes the prior rows for that symbol and window before inserting,
// inside one transaction, so repeated runs never duplicate data and no
// reader observes a half-replaced window. The pipeline never assumes
// exclusive ownership of the underlying file; concurrent readers running
// other queries are tolerated.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/tastp/histfeed/internal/models"
)

// BarStore handles canonical price bar persistence and retrieval.
type BarStore interface {
	// UpsertRange replaces all bars for the symbol whose open_time falls
	// within the inclusive [start, end] date window, then inserts the
	// given bars, all within one transaction. An empty bars slice still
	// clears the window. Returns the number of bars inserted.
	UpsertRange(ctx context.Context, symbol string, start, end time.Time, bars []models.PriceBar) (int, error)

	// Query retrieves the stored bars for the symbol within the inclusive
	// [start, end] date window, ordered by open_time ascending.
	Query(ctx context.Context, symbol string, start, end time.Time) ([]models.PriceBar, error)

	// Closes retrieves the close prices for the symbol within the
	// inclusive [start, end] date window, ordered by open_time ascending.
	Closes(ctx context.Context, symbol string, start, end time.Time) ([]float64, error)

	// Symbols lists the distinct symbols that currently have stored bars.
	Symbols(ctx context.Context) ([]string, error)
}

// Manager handles store lifecycle concerns.
type Manager interface {
	// Initialize creates the durable schema: tables, constraints, and
	// indexes. Idempotent and safe to call multiple times. Schema
	// creation is a setup-time concern, not part of ingestion.
	Initialize(ctx context.Context) error

	// Close releases the underlying database handle.
	Close() error

	// HealthCheck verifies the database file can be reached with a
	// lightweight query.
	HealthCheck(ctx context.Context) error
}

// SymbolRegistry exposes the reference list of known symbols. Ingestion
// validates every requested symbol against the registry before issuing any
// network fetch.
type SymbolRegistry interface {
	// ListSymbols returns every registered symbol.
	ListSymbols(ctx context.Context) ([]string, error)

	// Contains reports whether the symbol is registered.
	Contains(ctx context.Context, symbol string) (bool, error)
}

// Error types for store operations

// UnavailableError reports that the underlying database file could not be
// opened, locked, or reached. It is fatal for a whole ingestion request.
type UnavailableError struct {
	Path string
	Err  error
}

// Error implements the error interface for UnavailableError.
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store unavailable at %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// SchemaMismatchError reports that an expected table is absent or has the
// wrong shape. Creation is a setup-time responsibility; ingestion fails
// fast instead of creating schema on the fly.
type SchemaMismatchError struct {
	Table   string
	Message string
}

// Error implements the error interface for SchemaMismatchError.
func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch on table %s: %s", e.Table, e.Message)
}

// StoreError represents a failure of an individual store operation.
type StoreError struct {
	Operation string
	Table     string
	Err       error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("store operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("store operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewUnavailableError creates an UnavailableError for the given path.
func NewUnavailableError(path string, err error) *UnavailableError {
	return &UnavailableError{Path: path, Err: err}
}

// NewSchemaMismatchError creates a SchemaMismatchError for the given table.
func NewSchemaMismatchError(table, message string) *SchemaMismatchError {
	return &SchemaMismatchError{Table: table, Message: message}
}

// NewInsertError creates a StoreError for insert operations.
func NewInsertError(table string, err error) *StoreError {
	return &StoreError{Operation: "insert", Table: table, Err: err}
}

// NewQueryError creates a StoreError for query operations.
func NewQueryError(table string, err error) *StoreError {
	return &StoreError{Operation: "query", Table: table, Err: err}
}

// NewDeleteError creates a StoreError for delete operations.
func NewDeleteError(table string, err error) *StoreError {
	return &StoreError{Operation: "delete", Table: table, Err: err}
}
