// Package lease implements the persistent mutual-exclusion primitive. The
// store's primary key on the lease table is the mutex: a second insert for a
// held key fails, which is the only "already locked" signal.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/tinifyd/internal/db"
	"github.com/openmined/tinifyd/internal/digest"
	"github.com/openmined/tinifyd/internal/xerrors"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS lease (
		key TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_lease_created_at ON lease(created_at)`,
}

// Lease is an exclusive, time-bounded claim over Key.
type Lease struct {
	Key       digest.Digest `db:"key" json:"key"`
	Path      string        `db:"path" json:"path"`
	CreatedAt time.Time     `db:"-" json:"created_at"`
}

// Age returns how long the lease has been held at now.
func (l *Lease) Age(now time.Time) time.Duration {
	return now.Sub(l.CreatedAt)
}

// dbLease is used for scanning, created_at is stored as unix milliseconds.
type dbLease struct {
	Key       digest.Digest `db:"key"`
	Path      string        `db:"path"`
	CreatedAt int64         `db:"created_at"`
}

func (r dbLease) lease() Lease {
	return Lease{Key: r.Key, Path: r.Path, CreatedAt: time.UnixMilli(r.CreatedAt).UTC()}
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store persists leases in the lease table.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore creates the lease table if needed.
func NewStore(conn *sqlx.DB, opts ...Option) (*Store, error) {
	s := &Store{db: conn, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	for _, stmt := range schema {
		if _, err := conn.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize lease schema: %w", err)
		}
	}
	return s, nil
}

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// Acquire inserts a lease row for key. It fails with a conflict when the key
// is already held; there is no waiting at this layer.
func (s *Store) Acquire(ctx context.Context, key digest.Digest, path string) (*Lease, error) {
	l := &Lease{
		Key:       key,
		Path:      path,
		CreatedAt: s.Now().Truncate(time.Millisecond),
	}

	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO lease (key, path, created_at) VALUES (?, ?, ?)`),
		l.Key, l.Path, l.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, xerrors.Wrap(xerrors.KindConflict, "lease acquire", path, err)
		}
		return nil, fmt.Errorf("lease acquire %s: %w", path, err)
	}

	return l, nil
}

// Release deletes the lease. A lease that is already gone is not an error:
// the janitor may have reclaimed it, and a newer holder of the same key is
// left alone.
func (s *Store) Release(ctx context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM lease WHERE key = ? AND created_at = ?`),
		l.Key, l.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("lease release %s: %w", l.Path, err)
	}
	return nil
}

// Reclaim deletes every lease held for at least ttl and returns them.
func (s *Store) Reclaim(ctx context.Context, ttl time.Duration) ([]Lease, error) {
	threshold := s.Now().Add(-ttl).UnixMilli()

	var rows []dbLease
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`DELETE FROM lease WHERE created_at <= ? RETURNING key, path, created_at`),
		threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("lease reclaim: %w", err)
	}

	leases := make([]Lease, 0, len(rows))
	for _, r := range rows {
		leases = append(leases, r.lease())
	}
	return leases, nil
}

// Get returns the lease held for key.
func (s *Store) Get(ctx context.Context, key digest.Digest) (*Lease, error) {
	var r dbLease
	err := s.db.GetContext(ctx, &r,
		s.db.Rebind(`SELECT key, path, created_at FROM lease WHERE key = ?`), key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.Wrap(xerrors.KindNotFound, "lease get", key.String(), err)
		}
		return nil, fmt.Errorf("lease get %s: %w", key, err)
	}
	l := r.lease()
	return &l, nil
}

// List returns all held leases, oldest first.
func (s *Store) List(ctx context.Context) ([]Lease, error) {
	var rows []dbLease
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT key, path, created_at FROM lease ORDER BY created_at, key`); err != nil {
		return nil, fmt.Errorf("lease list: %w", err)
	}

	leases := make([]Lease, 0, len(rows))
	for _, r := range rows {
		leases = append(leases, r.lease())
	}
	return leases, nil
}
