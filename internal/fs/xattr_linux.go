//go:build linux

package fs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ListXattrs returns the extended attributes of path without following
// symlinks. Filesystems without xattr support yield an empty map.
func ListXattrs(path string) (map[string][]byte, error) {
	names, err := listXattrNames(path)
	if err != nil {
		return nil, err
	}
	attrs := make(map[string][]byte, len(names))
	for _, name := range names {
		val, err := getXattr(path, name)
		if err != nil {
			if unsupported(err) || errors.Is(err, unix.ENODATA) {
				continue
			}
			return nil, fmt.Errorf("reading xattr %s of %s: %w", name, path, err)
		}
		attrs[name] = val
	}
	return attrs, nil
}

func copyXattrs(src, dst string) error {
	attrs, err := ListXattrs(src)
	if err != nil {
		return err
	}
	for name, val := range attrs {
		if err := unix.Lsetxattr(dst, name, val, 0); err != nil {
			// trusted.* and security.* need privileges; skip them like rsync
			// does for an unprivileged receiver.
			if unsupported(err) || errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
				continue
			}
			return fmt.Errorf("setting xattr %s on %s: %w", name, dst, err)
		}
	}
	return nil
}

func listXattrNames(path string) ([]string, error) {
	size, err := unix.Llistxattr(path, nil)
	if err != nil {
		if unsupported(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing xattrs of %s: %w", path, err)
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	size, err = unix.Llistxattr(path, buf)
	if err != nil {
		return nil, fmt.Errorf("listing xattrs of %s: %w", path, err)
	}

	var names []string
	for _, name := range strings.Split(string(buf[:size]), "\x00") {
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func getXattr(path, name string) ([]byte, error) {
	size, err := unix.Lgetxattr(path, name, nil)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	size, err = unix.Lgetxattr(path, name, buf)
	if err != nil {
		return nil, err
	}
	return buf[:size], nil
}

func unsupported(err error) bool {
	return errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP)
}

func setLinkTimes(path string, mtime time.Time) error {
	ts := []unix.Timespec{
		unix.NsecToTimespec(mtime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fmt.Errorf("setting times on link %s: %w", path, err)
	}
	return nil
}
