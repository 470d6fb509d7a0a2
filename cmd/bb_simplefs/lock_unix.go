//go:build unix

package main

import (
	"os"

	"github.com/buildbarn/bb-storage/pkg/util"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
)

// lockImage acquires an exclusive lock on the file system image, so
// that multiple invocations don't modify it concurrently. The lock is
// released when the returned file is closed.
func lockImage(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to open image %#v", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to lock image %#v", path)
	}
	return f, nil
}
