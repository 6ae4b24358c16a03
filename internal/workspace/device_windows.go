//go:build windows

package workspace

import (
	"path/filepath"
	"strings"
)

// sameDevice compares volume names; a rename across volumes fails on Windows.
func sameDevice(a, b string) (bool, error) {
	return strings.EqualFold(filepath.VolumeName(a), filepath.VolumeName(b)), nil
}
