package blobstore

import (
	"time"

	"github.com/openmined/tinifyd/internal/digest"
)

// Blob is one unique piece of optimized content. Its Digest is derived from
// the content and cannot be set on its own.
type Blob struct {
	ID        int64         `json:"id"`
	Digest    digest.Digest `json:"digest"`
	Size      int64         `json:"size"`
	CreatedAt time.Time     `json:"created_at"`

	content []byte
}

// NewBlob returns an unpersisted blob holding content.
func NewBlob(content []byte) *Blob {
	b := &Blob{}
	b.SetContent(content)
	return b
}

// SetContent assigns the in-memory content and derives Digest and Size.
func (b *Blob) SetContent(content []byte) {
	b.content = content
	b.Digest = digest.Sum(content)
	b.Size = int64(len(content))
}

// Content returns the in-memory bytes, nil for blobs loaded from the store.
func (b *Blob) Content() []byte {
	return b.content
}

// Persistent reports whether the store assigned an identity.
func (b *Blob) Persistent() bool {
	return b.ID != 0
}

// BlobPath maps one filesystem location to the Blob it holds. Digest is the
// digest of the path string, not of the content.
type BlobPath struct {
	ID     int64         `db:"id" json:"id"`
	BlobID int64         `db:"blob_id" json:"blob_id"`
	Digest digest.Digest `db:"digest" json:"digest"`
	Path   string        `db:"path" json:"path"`
}

// NewBlobPath returns an unpersisted path row for blobID.
func NewBlobPath(blobID int64, path string) *BlobPath {
	return &BlobPath{
		BlobID: blobID,
		Digest: digest.SumString(path),
		Path:   path,
	}
}

// dbBlob is used for scanning, created_at is stored as unix milliseconds.
type dbBlob struct {
	ID        int64         `db:"id"`
	Digest    digest.Digest `db:"digest"`
	Size      int64         `db:"size"`
	CreatedAt int64         `db:"created_at"`
}

func (r dbBlob) blob() *Blob {
	return &Blob{
		ID:        r.ID,
		Digest:    r.Digest,
		Size:      r.Size,
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
	}
}

// Stats summarizes the store contents.
type Stats struct {
	Blobs   int64 `db:"blobs" json:"blobs"`
	Paths   int64 `db:"paths" json:"paths"`
	Orphans int64 `db:"orphans" json:"orphans"`
	Bytes   int64 `db:"bytes" json:"bytes"`
}
