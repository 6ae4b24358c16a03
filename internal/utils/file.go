package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// tempNameRe matches TempName output: a hex SHA1, an 8 hex digit run id and
// an optional extension.
var tempNameRe = regexp.MustCompile(`^[0-9a-f]{40}-[0-9a-f]{8}(\.[A-Za-z0-9]+)?$`)

// TempName names the temp file a run publishes from.
func TempName(digest, runID, ext string) string {
	return digest + "-" + runID + ext
}

// IsTempName reports whether name could have been produced by TempName.
func IsTempName(name string) bool {
	return tempNameRe.MatchString(name)
}

// ResolvePath expands a leading "~" and returns a clean absolute path.
func ResolvePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand ~: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}

	return filepath.Abs(path)
}

// EnsureDir creates path and its parents with mode 0755 if missing.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// EnsureParent creates the directory holding path.
func EnsureParent(path string) error {
	return EnsureDir(filepath.Dir(path))
}

// FileExists reports whether path exists and is not a directory.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// WriteTemp writes data to dir/name, syncs it and returns its path. An
// existing file with that name is replaced. The file is removed on error.
func WriteTemp(dir, name string, data []byte, perm os.FileMode) (path string, err error) {
	if err := EnsureDir(dir); err != nil {
		return "", fmt.Errorf("ensure temp dir: %w", err)
	}

	path = filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			os.Remove(path)
			path = ""
		}
	}()

	if _, err = f.Write(data); err != nil {
		f.Close()
		return
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return
	}
	if err = f.Close(); err != nil {
		return
	}
	// umask may have narrowed the mode on create
	err = os.Chmod(path, perm)
	return
}
