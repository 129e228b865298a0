//go:build unix

package fs

import (
	"fmt"
	"io/fs"
	"syscall"
)

// StatData is the part of stat(2) needed for hard-link accounting and ownership.
type StatData struct {
	Dev   uint64
	Ino   uint64
	Nlink uint64
	UID   int
	GID   int
}

// ExtractStatData extracts Unix-specific stat data from a FileInfo.
func ExtractStatData(info fs.FileInfo) (*StatData, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, fmt.Errorf("cannot extract stat data: expected *syscall.Stat_t, got %T", info.Sys())
	}

	return &StatData{
		Dev:   uint64(stat.Dev),
		Ino:   uint64(stat.Ino),
		Nlink: uint64(stat.Nlink),
		UID:   int(stat.Uid),
		GID:   int(stat.Gid),
	}, nil
}
