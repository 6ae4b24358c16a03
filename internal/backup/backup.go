// Package backup keeps the original bytes of every file before it is replaced
// by its optimized rendition.
package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Sink stores originals. Backing up a path that already has a backup is not
// an error and leaves the first original in place.
type Sink interface {
	Name() string
	Backup(ctx context.Context, relpath string, content []byte) error
}

// Nop discards originals.
type Nop struct{}

func (Nop) Name() string { return "none" }

func (Nop) Backup(context.Context, string, []byte) error { return nil }

// cleanRel rejects paths that would escape the backup root.
func cleanRel(relpath string) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(relpath))
	if rel == "." || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("backup: invalid path %q", relpath)
	}
	return rel, nil
}

func objectKey(prefix, rel string) string {
	key := filepath.ToSlash(rel)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
