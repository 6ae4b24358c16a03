package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openmined/tinifyd/internal/utils"
)

// Local mirrors originals into a directory tree.
type Local struct {
	Dir      string
	FileMode os.FileMode
	DirMode  os.FileMode
}

func NewLocal(dir string, fileMode, dirMode os.FileMode) *Local {
	return &Local{Dir: dir, FileMode: fileMode, DirMode: dirMode}
}

func (l *Local) Name() string { return "local" }

// Backup writes content to Dir/relpath. The file is staged next to its final
// name and hard linked into place, so an existing backup is never replaced.
func (l *Local) Backup(ctx context.Context, relpath string, content []byte) error {
	rel, err := cleanRel(relpath)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dst := filepath.Join(l.Dir, rel)
	if utils.FileExists(dst) {
		slog.Debug("backup exists", "path", relpath)
		return nil
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, l.DirMode); err != nil {
		return fmt.Errorf("backup mkdir %s: %w", dir, err)
	}

	tmp, err := utils.WriteTemp(dir, "."+filepath.Base(dst)+".tmp", content, l.FileMode)
	if err != nil {
		return fmt.Errorf("backup write %s: %w", relpath, err)
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, dst); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return fmt.Errorf("backup link %s: %w", relpath, err)
	}
	return nil
}

var _ Sink = (*Local)(nil)
