package fs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// RemoveTree deletes a snapshot directory. Directories lacking owner write or
// search permission are opened up first so RemoveAll can descend into them.
// File modes are left alone: files are hard-linked into other snapshots.
// A missing path is not an error.
func RemoveTree(root string) error {
	if _, err := os.Lstat(root); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", root, err)
	}

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		if perm := info.Mode().Perm(); perm&0o700 != 0o700 {
			if err := os.Chmod(p, perm|0o700); err != nil {
				return fmt.Errorf("making %s writable: %w", p, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("preparing %s for removal: %w", root, err)
	}

	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("removing %s: %w", root, err)
	}
	return nil
}
