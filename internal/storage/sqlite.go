package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL flavour behind a DB.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// TimeLayout is the fixed-width UTC layout used for every timestamp column so
// that string comparison matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// DB wraps *sql.DB and rewrites '?' placeholders for the active dialect.
// Queries are written once in sqlite syntax.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open opens the database for driver ("sqlite" or "pgx") and bootstraps the schema.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	switch driver {
	case "", "sqlite":
		return OpenSQLite(ctx, dsn)
	case "pgx", "postgres":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		sqlDB.SetMaxOpenConns(1)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	db := &DB{DB: sqlDB, Dialect: SQLite}
	if err := Bootstrap(ctx, db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// sqliteDSN applies pragmas through the DSN so every pooled connection gets
// them, and starts write transactions with BEGIN IMMEDIATE.
func sqliteDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?_pragma=foreign_keys(1)"
	}
	return "file:" + path +
		"?_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_txlock=immediate"
}

// OpenPostgres opens a postgres database through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := &DB{DB: sqlDB, Dialect: Postgres}
	if err := Bootstrap(ctx, db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Rebind converts '?' placeholders to '$n' for postgres. Quoted literals are
// left untouched.
func (db *DB) Rebind(query string) string {
	return rebind(db.Dialect, query)
}

func rebind(d Dialect, query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// ExecContext rebinds and executes query.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.DB.ExecContext(ctx, db.Rebind(query), args...)
}

// QueryContext rebinds and runs query.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.DB.QueryContext(ctx, db.Rebind(query), args...)
}

// QueryRowContext rebinds and runs a single-row query.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.DB.QueryRowContext(ctx, db.Rebind(query), args...)
}

// Tx is a transaction that rebinds like its parent DB.
type Tx struct {
	*sql.Tx
	dialect Dialect
}

// BeginTx starts a transaction.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx, dialect: db.Dialect}, nil
}

// ExecContext rebinds and executes query inside the transaction.
func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.Tx.ExecContext(ctx, rebind(tx.dialect, query), args...)
}

// QueryRowContext rebinds and runs a single-row query inside the transaction.
func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.Tx.QueryRowContext(ctx, rebind(tx.dialect, query), args...)
}

// Bootstrap creates tables/indexes if missing. The DDL is portable between
// sqlite and postgres: timestamps are TimeLayout strings, payloads are TEXT.
func Bootstrap(ctx context.Context, db *DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS webhooks_outbox (
  id              TEXT PRIMARY KEY,
  event_id        TEXT NOT NULL,
  event_type      TEXT NOT NULL,
  target_url      TEXT NOT NULL,
  payload         TEXT NOT NULL,
  status          TEXT NOT NULL,
  attempts        INTEGER NOT NULL DEFAULT 0,
  next_attempt_at TEXT,
  last_error      TEXT,
  created_at      TEXT NOT NULL,
  updated_at      TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS webhooks_dlq (
  id          TEXT PRIMARY KEY,
  outbox_id   TEXT NOT NULL,
  event_id    TEXT NOT NULL,
  event_type  TEXT NOT NULL,
  target_url  TEXT NOT NULL,
  payload     TEXT NOT NULL,
  error       TEXT,
  attempts    INTEGER NOT NULL,
  created_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS api_keys (
  id          TEXT PRIMARY KEY,
  project_id  TEXT NOT NULL,
  prefix      TEXT NOT NULL UNIQUE,
  key_hash    TEXT NOT NULL,
  salt        TEXT NOT NULL,
  alias       TEXT,
  status      TEXT NOT NULL,
  created_at  TEXT NOT NULL,
  expires_at  TEXT
);`,
		`CREATE TABLE IF NOT EXISTS idempotency_records (
  scope_key    TEXT PRIMARY KEY,
  status       INTEGER NOT NULL,
  body         TEXT NOT NULL,
  headers      TEXT NOT NULL,
  fingerprint  TEXT,
  stored_at    TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS project_quotas (
  id             TEXT PRIMARY KEY,
  project_id     TEXT NOT NULL,
  period         TEXT NOT NULL,
  request_limit  INTEGER NOT NULL,
  burst          INTEGER NOT NULL,
  updated_at     TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS webhooks_outbox_status_next_idx ON webhooks_outbox(status, next_attempt_at);`,
		`CREATE INDEX IF NOT EXISTS webhooks_outbox_updated_at_idx ON webhooks_outbox(updated_at);`,
		`CREATE INDEX IF NOT EXISTS webhooks_dlq_outbox_id_idx ON webhooks_dlq(outbox_id);`,
		`CREATE INDEX IF NOT EXISTS api_keys_project_idx ON api_keys(project_id);`,
		`CREATE INDEX IF NOT EXISTS idempotency_records_stored_at_idx ON idempotency_records(stored_at);`,
		`CREATE INDEX IF NOT EXISTS project_quotas_project_idx ON project_quotas(project_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}
