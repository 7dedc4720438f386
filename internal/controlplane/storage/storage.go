// Package storage provides shared database/sql plumbing for the control
// plane stores: driver selection, placeholder rebinding, and scan helpers.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	// Database drivers — register with database/sql
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
	DriverMySQL    = "mysql"
)

// Querier is satisfied by both *sql.DB and *sql.Tx so audit appends can
// join the caller's transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps a sql.DB with its driver name so stores can rebind placeholders.
type DB struct {
	*sql.DB
	driver string
}

// Open opens a database by driver name. SQLite databases get WAL mode,
// a busy timeout, and foreign keys enabled.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres, DriverMySQL:
	case "":
		driver = DriverSQLite
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
		} {
			if _, err := db.Exec(pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	return &DB{DB: db, driver: driver}, nil
}

// Driver returns the driver name the database was opened with.
func (d *DB) Driver() string {
	if d == nil {
		return DriverSQLite
	}
	return d.driver
}

// Rebind converts ?-style placeholders to the dialect of the driver.
// Queries in the stores are written with ?; postgres needs $1, $2, ...
func (d *DB) Rebind(query string) string {
	if d == nil || d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// WithTx runs fn inside a transaction, rolling back on error.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Scanner is the shared row-scanning interface of sql.Row and sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// FormatTime renders a timestamp as the canonical stored representation.
func FormatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a stored timestamp. Zero time on empty input.
func ParseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

// NullableTime converts an optional timestamp for binding.
func NullableTime(ts *time.Time) sql.NullString {
	if ts == nil || ts.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*ts), Valid: true}
}

// TimePtr converts a scanned nullable column back to *time.Time.
func TimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	ts, err := ParseTime(v.String)
	if err != nil {
		return nil
	}
	return &ts
}

// NullableString converts an optional string for binding.
func NullableString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

// StringPtr converts a scanned nullable column back to *string.
func StringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// NullableInt converts an optional int for binding.
func NullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// IntPtr converts a scanned nullable column back to *int.
func IntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
