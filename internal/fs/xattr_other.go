//go:build !linux

package fs

import "time"

// ListXattrs is only implemented on Linux.
func ListXattrs(path string) (map[string][]byte, error) {
	return nil, nil
}

func copyXattrs(src, dst string) error { return nil }

func setLinkTimes(path string, mtime time.Time) error { return nil }
