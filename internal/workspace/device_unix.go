//go:build !windows

package workspace

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// sameDevice reports whether a and b live on the same filesystem, which a
// rename between them requires.
func sameDevice(a, b string) (bool, error) {
	var sa, sb unix.Stat_t
	if err := unix.Stat(a, &sa); err != nil {
		return false, fmt.Errorf("stat %s: %w", a, err)
	}
	if err := unix.Stat(b, &sb); err != nil {
		return false, fmt.Errorf("stat %s: %w", b, err)
	}
	return sa.Dev == sb.Dev, nil
}
