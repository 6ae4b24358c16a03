// Package blobstore is the content-addressed record of optimized artifacts
// and of the filesystem paths that hold them. Content identity is digest
// equality; uniqueness is enforced by the database, never in process.
package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/tinifyd/internal/db"
	"github.com/openmined/tinifyd/internal/digest"
	"github.com/openmined/tinifyd/internal/xerrors"
)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store persists Blob and BlobPath rows. Every lookup goes to the database,
// which other instances may be writing to.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore creates the blob tables if needed.
func NewStore(conn *sqlx.DB, opts ...Option) (*Store, error) {
	s := &Store{db: conn, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	schema := sqliteSchema
	if db.IsPostgres(conn) {
		schema = postgresSchema
	}
	for _, stmt := range schema {
		if _, err := conn.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize blob schema: %w", err)
		}
	}

	return s, nil
}

// FindByDigest returns the blob with content digest d, or nil if none exists.
func (s *Store) FindByDigest(ctx context.Context, d digest.Digest) (*Blob, error) {
	var row dbBlob
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT id, digest, size, created_at FROM blob WHERE digest = ?`), d)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("blob find %s: %w", d, err)
	}

	return row.blob(), nil
}

// Get returns the blob with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*Blob, error) {
	var row dbBlob
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT id, digest, size, created_at FROM blob WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.Wrap(xerrors.KindNotFound, "blob get", strconv.FormatInt(id, 10), err)
		}
		return nil, fmt.Errorf("blob get %d: %w", id, err)
	}
	return row.blob(), nil
}

// Insert persists b and assigns its ID. Another blob with the same digest
// yields a conflict: the caller lost the race and should reuse the winner.
func (s *Store) Insert(ctx context.Context, b *Blob) error {
	if b == nil || b.Digest.IsZero() {
		return xerrors.E(xerrors.KindUnexpectedValue, "blob insert", "blob has no digest")
	}
	if b.Persistent() {
		return xerrors.E(xerrors.KindUnexpectedValue, "blob insert", "blob already persisted")
	}

	createdAt := s.now().UTC().Truncate(time.Millisecond)
	var id int64
	err := s.db.QueryRowxContext(ctx,
		s.db.Rebind(`INSERT INTO blob (digest, size, created_at) VALUES (?, ?, ?) RETURNING id`),
		b.Digest, b.Size, createdAt.UnixMilli(),
	).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return xerrors.Wrap(xerrors.KindConflict, "blob insert", b.Digest.String(), err)
		}
		return fmt.Errorf("blob insert %s: %w", b.Digest, err)
	}

	b.ID = id
	b.CreatedAt = createdAt
	return nil
}

// RecordPath maps path to blob. A conflict means the path is already mapped.
func (s *Store) RecordPath(ctx context.Context, b *Blob, path string) (*BlobPath, error) {
	if b == nil || !b.Persistent() {
		return nil, xerrors.E(xerrors.KindUnexpectedValue, "blob path insert", "blob has no identity")
	}

	bp := NewBlobPath(b.ID, path)
	err := s.db.QueryRowxContext(ctx,
		s.db.Rebind(`INSERT INTO blob_path (blob_id, digest, path) VALUES (?, ?, ?) RETURNING id`),
		bp.BlobID, bp.Digest, bp.Path,
	).Scan(&bp.ID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, xerrors.Wrap(xerrors.KindConflict, "blob path insert", path, err)
		}
		return nil, fmt.Errorf("blob path insert %s: %w", path, err)
	}

	return bp, nil
}

// FindPath returns the row for path, or nil if the path is not mapped.
func (s *Store) FindPath(ctx context.Context, path string) (*BlobPath, error) {
	var bp BlobPath
	err := s.db.GetContext(ctx, &bp,
		s.db.Rebind(`SELECT id, blob_id, digest, path FROM blob_path WHERE digest = ?`),
		digest.SumString(path))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("blob path find %s: %w", path, err)
	}
	return &bp, nil
}

// PathsFor lists every path currently mapped to blobID.
func (s *Store) PathsFor(ctx context.Context, blobID int64) ([]BlobPath, error) {
	paths := []BlobPath{}
	err := s.db.SelectContext(ctx, &paths,
		s.db.Rebind(`SELECT id, blob_id, digest, path FROM blob_path WHERE blob_id = ? ORDER BY path`),
		blobID)
	if err != nil {
		return nil, fmt.Errorf("blob paths %d: %w", blobID, err)
	}
	return paths, nil
}

// DeletePath removes the row for path and returns it, or nil if there was none.
func (s *Store) DeletePath(ctx context.Context, path string) (*BlobPath, error) {
	var rows []BlobPath
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`DELETE FROM blob_path WHERE digest = ? RETURNING id, blob_id, digest, path`),
		digest.SumString(path))
	if err != nil {
		return nil, fmt.Errorf("blob path delete %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Delete removes a blob and, by cascade, its paths.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM blob WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("blob delete %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return xerrors.E(xerrors.KindNotFound, "blob delete", strconv.FormatInt(id, 10))
	}
	return nil
}

// DeleteIfOrphan removes the blob only if no path references it.
func (s *Store) DeleteIfOrphan(ctx context.Context, id int64) (bool, error) {
	var digests []digest.Digest
	err := s.db.SelectContext(ctx, &digests,
		s.db.Rebind(`DELETE FROM blob WHERE id = ?
			AND NOT EXISTS (SELECT 1 FROM blob_path WHERE blob_id = ?)
			RETURNING digest`), id, id)
	if err != nil {
		return false, fmt.Errorf("blob delete orphan %d: %w", id, err)
	}
	if len(digests) == 0 {
		return false, nil
	}
	slog.Debug("orphan blob deleted", "id", id, "digest", digests[0].Short())
	return true, nil
}

// Orphans returns up to limit blobs without any path, lowest id first.
func (s *Store) Orphans(ctx context.Context, limit int) ([]Blob, error) {
	var rows []dbBlob
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT b.id, b.digest, b.size, b.created_at FROM blob b
			WHERE NOT EXISTS (SELECT 1 FROM blob_path p WHERE p.blob_id = b.id)
			ORDER BY b.id LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("blob orphans: %w", err)
	}

	blobs := make([]Blob, 0, len(rows))
	for _, r := range rows {
		blobs = append(blobs, *r.blob())
	}
	return blobs, nil
}

// Stats counts blobs, paths and orphans.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.GetContext(ctx, &st, `SELECT
		(SELECT COUNT(*) FROM blob) AS blobs,
		(SELECT COUNT(*) FROM blob_path) AS paths,
		(SELECT COUNT(*) FROM blob b WHERE NOT EXISTS
			(SELECT 1 FROM blob_path p WHERE p.blob_id = b.id)) AS orphans,
		(SELECT CAST(COALESCE(SUM(size), 0) AS BIGINT) FROM blob) AS bytes`)
	if err != nil {
		return st, fmt.Errorf("blob stats: %w", err)
	}
	return st, nil
}
