package fs

import (
	"fmt"
	"io/fs"
	"path/filepath"
)

// Usage is the logical size of a tree. Hard-linked files are counted once
// per directory entry, which is what a snapshot "contains".
type Usage struct {
	Entries int64
	Bytes   int64
}

// MeasureTree walks root and totals its entries and regular file sizes.
// The root itself is not counted.
func MeasureTree(root string) (*Usage, error) {
	u := &Usage{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		u.Entries++
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("stat %s: %w", p, err)
			}
			u.Bytes += info.Size()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("measuring %s: %w", root, err)
	}
	return u, nil
}
