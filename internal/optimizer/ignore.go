package optimizer

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openmined/tinifyd/internal/utils"
	"github.com/openmined/tinifyd/internal/watcher"
	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFile is read from the source root. It uses gitignore syntax.
const IgnoreFile = ".tinifyignore"

var defaultIgnoreLines = []string{
	IgnoreFile,
	MetaDir + "/",
	// editors and OS droppings
	".git",
	"*.tmp",
	"*.swp",
	".DS_Store",
	"Thumbs.db",
	"._*",
}

// loadIgnoreFile compiles the default rules plus those in sourceDir/.tinifyignore.
func loadIgnoreFile(sourceDir string) *gitignore.GitIgnore {
	lines := append([]string(nil), defaultIgnoreLines...)

	path := filepath.Join(sourceDir, IgnoreFile)
	if !utils.FileExists(path) {
		return gitignore.CompileIgnoreLines(lines...)
	}

	file, err := os.Open(path)
	if err != nil {
		slog.Warn("failed to open ignore file", "path", path, "error", err)
		return gitignore.CompileIgnoreLines(lines...)
	}
	defer file.Close()

	rules := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
		rules++
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("failed to read ignore file", "path", path, "error", err)
	} else {
		slog.Info("loaded ignore file", "path", path, "rules", rules)
	}

	return gitignore.CompileIgnoreLines(lines...)
}

// ignoreFilter matches a path against the doublestar patterns of the config
// and the gitignore rules of the source root.
func ignoreFilter(sourceDir string, patterns []string) watcher.FilterCallback {
	byPattern := watcher.IgnorePatterns(patterns...)
	byFile := loadIgnoreFile(sourceDir)
	return func(relpath string) bool {
		return byPattern(relpath) || byFile.MatchesPath(relpath)
	}
}
