//go:build !unix

package main

import (
	"os"

	"github.com/buildbarn/bb-storage/pkg/util"
)

// lockImage opens the file system image. Locking is not supported on
// this platform.
func lockImage(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to open image %#v", path)
	}
	return f, nil
}
