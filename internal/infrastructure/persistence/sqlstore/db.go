package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"outreach/internal/infrastructure/secret"
	"outreach/internal/metrics"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Sealer protects tokens at rest.
type Sealer interface {
	Seal(plain string) (string, error)
	Open(value string) (string, error)
}

// DB is the shared handle behind the grant, binding and status stores.
type DB struct {
	db     *sql.DB
	driver string
	sealer Sealer
	logger *slog.Logger
}

type Option func(*DB)

func WithSealer(s Sealer) Option {
	return func(d *DB) {
		if s != nil {
			d.sealer = s
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *DB) {
		if l != nil {
			d.logger = l
		}
	}
}

// Open connects to sqlite (a file path or ":memory:") or postgres (a pgx DSN)
// and makes sure the schema exists.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		db, err = openSQLite(ctx, dsn)
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
		if err == nil {
			db.SetMaxOpenConns(10)
			db.SetConnMaxIdleTime(5 * time.Minute)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := Wrap(db, driver, opts...)
	if err := d.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = ":memory:"
	}
	inMemory := path == ":memory:" || strings.Contains(path, "mode=memory")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return db, nil
}

// Wrap uses an existing connection pool without touching the schema.
func Wrap(db *sql.DB, driver string, opts ...Option) *DB {
	d := &DB{db: db, driver: driver, sealer: secret.Plaintext{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

const schema = `
CREATE TABLE IF NOT EXISTS grants (
    user_id TEXT PRIMARY KEY,
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL DEFAULT '',
    token_type TEXT NOT NULL DEFAULT '',
    scope TEXT NOT NULL DEFAULT '',
    expires_at BIGINT NOT NULL,
    reauth_required INTEGER NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS thread_bindings (
    candidate_id TEXT NOT NULL,
    job_id TEXT NOT NULL,
    binding TEXT NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (candidate_id, job_id)
);

CREATE TABLE IF NOT EXISTS connection_status (
    user_id TEXT PRIMARY KEY,
    connected INTEGER NOT NULL,
    checked_at BIGINT NOT NULL
);
`

func (d *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) Close() error {
	return d.db.Close()
}

// rebind rewrites ? placeholders for drivers that number their parameters.
func (d *DB) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DB) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	defer metrics.ObserveStore(op)()
	return d.db.ExecContext(ctx, d.rebind(query), args...)
}

func (d *DB) queryRow(ctx context.Context, op, query string, args ...any) *sql.Row {
	defer metrics.ObserveStore(op)()
	return d.db.QueryRowContext(ctx, d.rebind(query), args...)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
