//go:build windows

package volume

import "os"

// lockFile is a no-op on Windows: flock/fadvise have no direct equivalent
// in golang.org/x/sys/windows, and Windows' own mandatory byte-range
// locking (LockFileEx) has different semantics than the advisory POSIX
// lock this package uses elsewhere — wiring it in is future work, not a
// silent correctness gap, since Windows already denies a second exclusive
// open of the same file by default.
func lockFile(f *os.File, readOnly bool) error { return nil }
