//go:build linux || darwin || freebsd

package destination

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func diskUsage(path string) (DiskUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return DiskUsage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	return DiskUsage{
		Total:     uint64(st.Blocks) * bsize,
		Available: uint64(st.Bavail) * bsize,
	}, nil
}
