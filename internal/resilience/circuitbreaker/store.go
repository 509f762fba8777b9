// This file implements a guarded database handle used by the recall store.
// It prevents a misbehaving Postgres instance from slowing down dispatches:
// once the guard opens, recall lookups fail fast and the mesh proceeds
// straight to the backends.
package circuitbreaker

import (
	"context"
	"database/sql"

	"github.com/sony/gobreaker"
)

// GuardedDB wraps a database connection with guard protection.
type GuardedDB struct {
	guard *Guard
	db    *sql.DB
}

// NewGuardedDB creates a new guarded database handle with the recall store
// default configuration.
func NewGuardedDB(db *sql.DB) *GuardedDB {
	return &GuardedDB{
		guard: NewGuard(RecallStoreConfig()),
		db:    db,
	}
}

// NewGuardedDBWithConfig creates a new guarded database handle with custom
// configuration.
func NewGuardedDBWithConfig(db *sql.DB, cfg GuardConfig) *GuardedDB {
	return &GuardedDB{
		guard: NewGuard(cfg),
		db:    db,
	}
}

// QueryContext executes a query with guard protection.
// If the circuit is open, it returns gobreaker.ErrOpenState immediately
// without hitting the database.
func (g *GuardedDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	result, err := g.guard.Execute(func() (interface{}, error) {
		return g.db.QueryContext(ctx, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return result.(*sql.Rows), nil
}

// ExecContext executes a statement with guard protection.
func (g *GuardedDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	result, err := g.guard.Execute(func() (interface{}, error) {
		return g.db.ExecContext(ctx, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return result.(sql.Result), nil
}

// QueryRowContext executes a query that returns at most one row.
// sql.Row defers its error to Scan, so the guard cannot observe the outcome
// here; callers that need protection should prefer QueryContext.
func (g *GuardedDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return g.db.QueryRowContext(ctx, query, args...)
}

// State returns the current state of the underlying guard.
func (g *GuardedDB) State() gobreaker.State {
	return g.guard.State()
}

// IsOpen returns true if the guard is in the open state.
func (g *GuardedDB) IsOpen() bool {
	return g.guard.IsOpen()
}

// DB returns the underlying database connection.
// This should only be used for operations that don't need guard protection.
func (g *GuardedDB) DB() *sql.DB {
	return g.db
}
