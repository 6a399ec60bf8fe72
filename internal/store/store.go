// Package store is the embedded relational substrate shared by every huddle
// manager: one sqlite database, serialized write transactions, a clock, and
// the typed error taxonomy.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted in Config.Driver.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverCgo     = "sqlite3" // github.com/mattn/go-sqlite3
)

// Config holds substrate settings.
type Config struct {
	Path         string   `json:"path" split_words:"true"`
	Driver       string   `json:"driver" split_words:"true"`
	MaxOpenConns int      `json:"maxOpenConns" split_words:"true"`
	BusyTimeout  Duration `json:"busyTimeout" split_words:"true"`
}

// DefaultConfig returns substrate defaults rooted at ~/.huddle.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Path:         filepath.Join(home, ".huddle", "huddle.db"),
		Driver:       DriverModernc,
		MaxOpenConns: 1,
		BusyTimeout:  Duration(5 * time.Second),
	}
}

// Clock returns the current time. Tests substitute a controllable clock.
type Clock func() time.Time

// Option customizes Open.
type Option func(*DB)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(d *DB) { d.clock = c }
}

// DB is the shared store handle.
type DB struct {
	db    *sql.DB
	clock Clock
}

// Open opens (creating if needed) the database at cfg.Path and applies any
// pending migrations.
func Open(cfg Config, opts ...Option) (*DB, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverModernc
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 1
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = Duration(5 * time.Second)
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	d := &DB{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(d)
	}

	applied, err := d.migrate(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	for _, m := range applied {
		slog.Info("Store migration applied", "version", m.version, "description", m.description)
	}
	return d, nil
}

// Every transaction takes the write lock at BEGIN (_txlock=immediate), so a
// read followed by a dependent write inside one Tx cannot interleave with
// another writer, in this process or any other.
func buildDSN(cfg Config) (string, error) {
	ms := cfg.BusyTimeout.Std().Milliseconds()
	switch cfg.Driver {
	case DriverModernc:
		return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_txlock=immediate", cfg.Path, ms), nil
	case DriverCgo:
		return fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", cfg.Path, ms), nil
	default:
		return "", fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// SQL returns the underlying *sql.DB for read-only helpers.
func (d *DB) SQL() *sql.DB { return d.db }

// Close releases the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Now returns the store clock in UTC.
func (d *DB) Now() time.Time {
	return d.clock().UTC()
}

// Tx runs fn inside one transaction. fn's error aborts the transaction and is
// returned as-is when typed, otherwise wrapped as ErrStorage under op.
func (d *DB) Tx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return Storage(op+": begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return Storage(op, err)
	}
	if err := tx.Commit(); err != nil {
		return Storage(op+": commit", err)
	}
	return nil
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NullString maps "" to SQL NULL.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// NullInt64 maps nil to SQL NULL.
func NullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
