// Package sqlite keeps the history of monitoring sessions and the
// final per-port counters of each in SQLite.
//
// Methods run against s.conn, which is the *sql.DB in autocommit mode
// or a *sql.Tx inside RunInTransaction. All SQL lives in prepared
// statements built once at open time; RunInTransaction binds them to
// the transaction with tx.StmtContext.
//
// The default build uses the pure Go modernc.org/sqlite driver. Build
// with -tags cgo_sqlite to use github.com/mattn/go-sqlite3 instead.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

//go:embed schema.sql
var schemaSQL string

type pragma struct {
	key, value string
}

// dbConn is satisfied by *sql.DB and *sql.Tx.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the session history database.
type Store struct {
	db     *sql.DB
	conn   dbConn
	logger *slog.Logger
	keep   int

	stmtInsertSession   *sql.Stmt
	stmtStopSession     *sql.Stmt
	stmtGetSession      *sql.Stmt
	stmtListSessions    *sql.Stmt
	stmtInsertPortStats *sql.Stmt
	stmtListPortStats   *sql.Stmt
	stmtPruneSessions   *sql.Stmt
}

// New opens, creating if needed, the database at dbPath.
func New(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open(driverName, dsn(dbPath,
		pragma{"journal_mode", "WAL"},
		pragma{"foreign_keys", "1"},
		pragma{"busy_timeout", "5000"}))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := open(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("opened database")
	return s, nil
}

// NewInMemory returns a private in-memory store for tests.
func NewInMemory(ctx context.Context, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", ":memory:")

	db, err := sql.Open(driverName, dsn(":memory:", pragma{"foreign_keys", "1"}))
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	// Every connection to :memory: is a new database.
	db.SetMaxOpenConns(1)
	return open(ctx, db, logger)
}

func open(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{db: db, conn: db, logger: logger}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := s.prepareStatements(ctx); err != nil {
		s.closeStatements()
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return s, nil
}

// SetKeepSessions makes SessionStopped prune the history down to the n
// most recent stopped sessions. Zero disables pruning.
func (s *Store) SetKeepSessions(n int) {
	s.keep = n
}

// Close releases the prepared statements and the database.
func (s *Store) Close() error {
	s.closeStatements()
	return s.db.Close()
}

func (s *Store) statements() []*sql.Stmt {
	return []*sql.Stmt{
		s.stmtInsertSession,
		s.stmtStopSession,
		s.stmtGetSession,
		s.stmtListSessions,
		s.stmtInsertPortStats,
		s.stmtListPortStats,
		s.stmtPruneSessions,
	}
}

func (s *Store) closeStatements() {
	for _, stmt := range s.statements() {
		if stmt != nil {
			stmt.Close()
		}
	}
}

// RunInTransaction calls fn with a store bound to a new transaction.
// The transaction commits if fn returns nil and rolls back otherwise.
func (s *Store) RunInTransaction(ctx context.Context, fn func(*Store) error) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	txStore := &Store{
		db:                  s.db,
		conn:                tx,
		logger:              s.logger,
		keep:                s.keep,
		stmtInsertSession:   tx.StmtContext(ctx, s.stmtInsertSession),
		stmtStopSession:     tx.StmtContext(ctx, s.stmtStopSession),
		stmtGetSession:      tx.StmtContext(ctx, s.stmtGetSession),
		stmtListSessions:    tx.StmtContext(ctx, s.stmtListSessions),
		stmtInsertPortStats: tx.StmtContext(ctx, s.stmtInsertPortStats),
		stmtListPortStats:   tx.StmtContext(ctx, s.stmtListPortStats),
		stmtPruneSessions:   tx.StmtContext(ctx, s.stmtPruneSessions),
	}

	if err := fn(txStore); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	s.logger.Debug("transaction committed", "duration_ms", msec(time.Since(start)))
	return nil
}

// msec formats d as milliseconds with microsecond precision.
func msec(d time.Duration) string {
	return fmt.Sprintf("%.3f", float64(d.Microseconds())/1000)
}
