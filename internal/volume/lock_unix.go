//go:build !windows

package volume

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes an advisory exclusive (or shared, for a read-only open)
// flock on f's descriptor, then hints the kernel this file is accessed
// randomly (the buffer pool, not the OS page cache, owns sequential
// readahead decisions) via fadvise. Non-blocking: two processes opening
// the same volume file race for the lock rather than one hanging, so a
// second persistitctl instance pointed at a live volume fails fast
// instead of corrupting it.
func lockFile(f *os.File, readOnly bool) error {
	how := unix.LOCK_EX
	if readOnly {
		how = unix.LOCK_SH
	}
	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		return fmt.Errorf("volume: lock %s: %w", f.Name(), err)
	}
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM)
	return nil
}
