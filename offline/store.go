// Package offline implements the durable offline store: patient records, the
// pending-write queue and the settings singleton, backed by one SQLite file.
//
// The store is the single source of truth for the agent. Anything that must
// survive a restart of the agent lives here.
package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/huykn/triage-edge/internal/sqlitemigrate"
	"github.com/huykn/triage-edge/offline/migrations"
	"github.com/huykn/triage-edge/types"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements the offline store over SQLite.
type Store struct {
	sqlDB   *sql.DB
	version int
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens the store at path and applies bundled migrations.
//
// Any failure to open, read or migrate the file is reported as
// types.ErrStorageUnavailable.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: storage path is required", types.ErrStorageUnavailable)
	}

	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite db: %v", types.ErrStorageUnavailable, err)
	}
	// One connection serialises writers; SQLite allows a single writer anyway.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: ping sqlite db: %v", types.ErrStorageUnavailable, err)
	}

	version, err := sqlitemigrate.Apply(ctx, sqlDB, migrations.FS, ".")
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: run migrations: %v", types.ErrStorageUnavailable, err)
	}

	s := &Store{
		sqlDB:   sqlDB,
		version: version,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SchemaVersion returns the schema version recorded when the store was opened.
func (s *Store) SchemaVersion() int {
	return s.version
}

// KnownSchemaVersion returns the schema version this binary migrates to.
func KnownSchemaVersion() int {
	files, err := sqlitemigrate.Files(migrations.FS, ".")
	if err != nil {
		return 0
	}
	return len(files)
}

// Migrate re-applies bundled migrations. It is a no-op on an up-to-date file.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	version, err := sqlitemigrate.Apply(ctx, s.sqlDB, migrations.FS, ".")
	if err != nil {
		return 0, classify(err)
	}
	s.version = version
	return version, nil
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("%w: storage is not configured", types.ErrStorageUnavailable)
	}
	return nil
}

// withTx runs fn in a transaction, committing only if fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// classify maps SQLite conditions that make the medium unusable onto
// types.ErrStorageUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrStorageUnavailable) {
		return err
	}
	if errors.Is(err, sqlitemigrate.ErrSchemaTooNew) {
		return fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_FULL,
			sqlite3.SQLITE_CORRUPT,
			sqlite3.SQLITE_NOTADB,
			sqlite3.SQLITE_CANTOPEN,
			sqlite3.SQLITE_IOERR,
			sqlite3.SQLITE_READONLY:
			return fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
		}
	}
	return err
}
