//go:build linux

package sessionfs

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// createdAt returns the file's birth time via statx, falling back to the
// modification time on filesystems that do not record it.
func createdAt(path string, fi os.FileInfo) time.Time {
	var stx unix.Statx_t
	if err := unix.Statx(unix.AT_FDCWD, path, 0, unix.STATX_BTIME, &stx); err == nil &&
		stx.Mask&unix.STATX_BTIME != 0 {
		return time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec))
	}
	return fi.ModTime()
}
