//go:build linux

package snapshot

import (
	"os"

	"golang.org/x/sys/unix"
)

// dupFD detaches a descriptor from f so it outlives the *os.File.
func dupFD(f *os.File) (int, error) {
	return unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
}
