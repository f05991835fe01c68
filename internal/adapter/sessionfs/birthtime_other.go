//go:build !linux && !darwin

package sessionfs

import (
	"os"
	"time"
)

func createdAt(_ string, fi os.FileInfo) time.Time {
	return fi.ModTime()
}
