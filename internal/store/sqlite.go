// ABOUTME: SQLite-backed Store using modernc.org/sqlite with WAL and immediate transactions
// ABOUTME: Owns the connection, the initialization guard and the transaction helper

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the relational state engine. All consistency guarantees come from
// the store's transaction mechanism: every check-then-act sequence runs inside
// a transaction that takes its write lock before the read (BEGIN IMMEDIATE via
// the _txlock DSN option), so no in-process lock spans a logical operation.
type Store struct {
	db     *sql.DB
	hasher PasswordHasher
	logger *slog.Logger

	ready  atomic.Bool
	initMu sync.Mutex
}

// Open creates a Store at the given path. Parent directories are created if
// needed. The schema is initialized before Open returns; an initialization
// failure is fatal to startup, there is no partial-readiness state.
func Open(path string, hasher PasswordHasher) (*Store, error) {
	logger := slog.Default().With("component", "store")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// _txlock=immediate makes every transaction acquire its write lock up
	// front, which is what serializes the check-then-act sequences below.
	// busy_timeout makes a contended writer retry instead of failing.
	dsn := "file:" + path + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(10000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{
		db:     db,
		hasher: hasher,
		logger: logger,
	}

	if err := s.EnsureReady(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("store initialized", "path", path)
	return s, nil
}

// EnsureReady makes the schema current. It is idempotent and safe to call
// from any number of concurrent callers: a fast path checks the ready flag,
// the slow path re-checks it under the init lock before running DDL, so
// concurrent first-callers perform initialization exactly once.
func (s *Store) EnsureReady(ctx context.Context) error {
	if s.ready.Load() {
		return nil
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.ready.Load() {
		return nil
	}

	if err := s.createSchema(ctx); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	if err := s.addMissingColumns(ctx); err != nil {
		return fmt.Errorf("adding columns: %w", err)
	}
	if err := s.seedDefaultSettings(ctx); err != nil {
		return fmt.Errorf("seeding settings: %w", err)
	}
	if err := s.runDataMigrations(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.ready.Store(true)
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.logger.Info("closing store")
	return s.db.Close()
}

// withTx runs fn inside a transaction and commits it if fn returns nil.
// With _txlock=immediate the write lock is held from BeginTx on, before any
// read fn performs.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := s.EnsureReady(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx so read helpers can run
// inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// isConstraintViolation checks for a SQLite UNIQUE/constraint failure.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

// Timestamps are stored as integer Unix milliseconds so keyset pagination
// over "sent before" stays exact under rapid inserts.

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
