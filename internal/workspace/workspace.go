// Package workspace prepares the directories tinifyd works in and guards
// the state directory against a second daemon.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openmined/tinifyd/internal/config"
	"github.com/openmined/tinifyd/internal/utils"
)

const lockFile = "tinifyd.lock"

var (
	ErrWorkspaceLocked = errors.New("workspace locked by another process")
	ErrCrossDevice     = errors.New("temp_dir is not on the source_dir filesystem")
)

type Workspace struct {
	StateDir  string
	LogsDir   string
	DBDir     string
	SourceDir string
	TempDir   string
	BackupDir string

	dirMode os.FileMode
	flock   *flock.Flock
}

// New describes the workspace of a validated config. BackupDir is empty
// unless backups go to a local directory.
func New(cfg *config.Config) *Workspace {
	w := &Workspace{
		StateDir:  cfg.StateDir,
		LogsDir:   cfg.LogsDir(),
		DBDir:     filepath.Join(cfg.StateDir, "db"),
		SourceDir: cfg.SourceDir,
		TempDir:   cfg.TempDir,
		dirMode:   cfg.DirMode.Perm(),
		flock:     flock.New(filepath.Join(cfg.StateDir, lockFile)),
	}
	if cfg.Backup.Kind == "local" {
		w.BackupDir = cfg.BackupDir
	}
	return w
}

// Lock takes the state directory lock without waiting.
func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.StateDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.StateDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}
	return nil
}

// Unlock releases the lock if this process holds it.
func (w *Workspace) Unlock() error {
	if !w.flock.Locked() {
		return nil
	}
	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}
	return os.Remove(w.flock.Path())
}

// Setup locks the workspace and creates every directory it needs.
func (w *Workspace) Setup() error {
	if err := w.Lock(); err != nil {
		return err
	}

	dirs := []string{w.LogsDir, w.DBDir, w.SourceDir, w.TempDir}
	if w.BackupDir != "" {
		dirs = append(dirs, w.BackupDir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, w.dirMode); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	same, err := sameDevice(w.TempDir, w.SourceDir)
	if err != nil {
		return err
	}
	if !same {
		return fmt.Errorf("%w: %s and %s", ErrCrossDevice, w.TempDir, w.SourceDir)
	}

	// leftovers of a crash between write and rename
	entries, err := os.ReadDir(w.TempDir)
	if err != nil {
		return fmt.Errorf("failed to read temp dir: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || !utils.IsTempName(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(w.TempDir, e.Name())); err != nil {
			slog.Warn("failed to remove stale temp file", "name", e.Name(), "error", err)
		}
	}

	slog.Info("workspace", "state", w.StateDir, "source", w.SourceDir, "temp", w.TempDir)
	return nil
}
