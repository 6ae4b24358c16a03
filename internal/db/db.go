// Package db opens the SQL database shared by the lease and blob stores.
// SQLite is the default; Postgres is reached through the pgx stdlib driver.
package db

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/tinifyd/internal/utils"
)

const memoryPath = ":memory:"

// run once after connecting
const sqlitePragmas = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA foreign_keys=ON;
PRAGMA synchronous=NORMAL;
PRAGMA temp_store=MEMORY;
PRAGMA cache_size=-16000;
`

type Options struct {
	// Path of the SQLite file, or ":memory:".
	Path string
	// Pragmas replace the defaults executed after connecting.
	Pragmas         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type Option func(*Options)

func WithPath(path string) Option {
	return func(o *Options) { o.Path = path }
}

func WithPragmas(pragmas string) Option {
	return func(o *Options) { o.Pragmas = pragmas }
}

// WithPool sets the connection pool limits. Zero leaves a limit untouched.
func WithPool(maxOpen, maxIdle int, maxLifetime time.Duration) Option {
	return func(o *Options) {
		o.MaxOpenConns = maxOpen
		o.MaxIdleConns = maxIdle
		o.ConnMaxLifetime = maxLifetime
	}
}

// NewSqliteDB opens a SQLite database, in memory unless WithPath says
// otherwise. The parent directory of a file database is created.
func NewSqliteDB(opts ...Option) (*sqlx.DB, error) {
	o := Options{Path: memoryPath, Pragmas: sqlitePragmas, MaxIdleConns: 2}
	for _, opt := range opts {
		opt(&o)
	}

	dsn := memoryPath
	if o.Path == memoryPath {
		// a second pooled connection would open a second, empty database
		o.MaxOpenConns = 1
	} else {
		if err := utils.EnsureParent(o.Path); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?mode=rwc&_txlock=immediate&%s", o.Path, sqliteConnParams)
	}

	slog.Info("db open", "driver", sqliteDriverID, "path", o.Path)
	conn, err := sqlx.Connect(sqliteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	o.apply(conn)

	if o.Pragmas != "" {
		if _, err := conn.Exec(o.Pragmas); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite pragmas: %w", err)
		}
	}
	return conn, nil
}

// NewPostgresDB connects to dsn with a pool sized for a single daemon.
func NewPostgresDB(dsn string, opts ...Option) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}

	o := Options{MaxOpenConns: 20, MaxIdleConns: 5, ConnMaxLifetime: 30 * time.Minute}
	for _, opt := range opts {
		opt(&o)
	}

	slog.Info("db open", "driver", postgresDriverName)
	conn, err := sqlx.Connect(postgresDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	o.apply(conn)
	return conn, nil
}

// Open picks the driver by name: "sqlite" uses path, "postgres" uses dsn.
func Open(driver, path, dsn string) (*sqlx.DB, error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		return NewSqliteDB(WithPath(path))
	case "postgres", "pgx":
		return NewPostgresDB(dsn)
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// IsPostgres reports whether conn talks to Postgres. Stores use it to pick
// their schema.
func IsPostgres(conn *sqlx.DB) bool {
	return conn.DriverName() == postgresDriverName
}

func (o Options) apply(conn *sqlx.DB) {
	if o.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(o.MaxOpenConns)
	}
	if o.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(o.MaxIdleConns)
	}
	if o.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(o.ConnMaxLifetime)
	}
}
