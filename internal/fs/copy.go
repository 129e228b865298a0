package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// CopyItem is one entry a copy would create.
type CopyItem struct {
	Rel    string // relative to the copy source; "." for the source itself
	Mode   fs.FileMode
	Size   int64
	Exists bool // something already occupies the target path
}

// CopyPlan lists what CopyTree would do, without touching the target.
type CopyPlan struct {
	Items []CopyItem
	Bytes int64
}

// Conflicts returns the non-directory items whose target already exists.
// Existing directories are merged into, never replaced.
func (p *CopyPlan) Conflicts() []string {
	var out []string
	for _, item := range p.Items {
		if item.Exists && !item.Mode.IsDir() {
			out = append(out, item.Rel)
		}
	}
	return out
}

// CopyStats summarizes a finished copy.
type CopyStats struct {
	Files    int64
	Dirs     int64
	Symlinks int64
	Bytes    int64
	Skipped  []string // special files that are not copied
}

// PlanCopy walks src, which may be a file or a directory, and reports what
// copying it to dst would create.
func PlanCopy(src, dst string) (*CopyPlan, error) {
	plan := &CopyPlan{}
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		item := CopyItem{Rel: rel, Mode: info.Mode()}
		if info.Mode().IsRegular() {
			item.Size = info.Size()
			plan.Bytes += info.Size()
		}
		if _, err := os.Lstat(filepath.Join(dst, rel)); err == nil {
			item.Exists = true
		}
		plan.Items = append(plan.Items, item)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", src, err)
	}
	return plan, nil
}

// CopyTree copies src to dst, preserving permissions, modification times,
// symlinks, extended attributes and, when permitted, ownership. Files are
// always copied, never linked. Without overwrite an existing file at the
// target fails the copy.
func CopyTree(ctx context.Context, src, dst string, overwrite bool) (*CopyStats, error) {
	stats := &CopyStats{}

	type dirMeta struct {
		src  string
		path string
		info fs.FileInfo
	}
	var dirs []dirMeta

	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}

		switch mode := info.Mode(); {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o700); err != nil {
				return fmt.Errorf("creating directory %s: %w", target, err)
			}
			dirs = append(dirs, dirMeta{src: p, path: target, info: info})
			stats.Dirs++

		case mode.IsRegular():
			n, err := CopyFile(p, target, info, overwrite)
			if err != nil {
				return err
			}
			stats.Files++
			stats.Bytes += n

		case mode&fs.ModeSymlink != 0:
			if err := copySymlink(p, target, info, overwrite); err != nil {
				return err
			}
			stats.Symlinks++

		default:
			stats.Skipped = append(stats.Skipped, rel)
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("copying %s: %w", src, err)
	}

	// Directory modes and times go last, deepest first, so writing children
	// neither fails on read-only directories nor bumps their mtimes.
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := CopyMetadata(dirs[i].src, dirs[i].path, dirs[i].info); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// CopyFile copies one regular file's contents and metadata and returns the
// number of bytes written.
func CopyFile(src, dst string, info fs.FileInfo, overwrite bool) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if overwrite {
		if err := removeNonDir(dst); err != nil {
			return 0, err
		}
	}
	out, err := os.OpenFile(dst, flags, 0o600)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", dst, err)
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, fmt.Errorf("copying %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("closing %s: %w", dst, err)
	}

	if err := CopyMetadata(src, dst, info); err != nil {
		return n, err
	}
	return n, nil
}

func copySymlink(src, dst string, info fs.FileInfo, overwrite bool) error {
	link, err := os.Readlink(src)
	if err != nil {
		return fmt.Errorf("reading link %s: %w", src, err)
	}
	if overwrite {
		if err := removeNonDir(dst); err != nil {
			return err
		}
	}
	if err := os.Symlink(link, dst); err != nil {
		return fmt.Errorf("creating link %s: %w", dst, err)
	}
	if err := copyXattrs(src, dst); err != nil {
		return err
	}
	lchownLike(dst, info)
	return setLinkTimes(dst, info.ModTime())
}

// CopyMetadata applies the ownership, extended attributes, permission bits
// and modification time of src (described by info) to path. Neither may be
// a symlink. Ownership is best effort: it needs privileges the restoring
// user may lack.
func CopyMetadata(src, path string, info fs.FileInfo) error {
	lchownLike(path, info)
	if err := copyXattrs(src, path); err != nil {
		return err
	}
	if err := os.Chmod(path, info.Mode()&(fs.ModePerm|fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky)); err != nil {
		return fmt.Errorf("setting mode on %s: %w", path, err)
	}
	mtime := info.ModTime()
	if err := os.Chtimes(path, time.Time{}, mtime); err != nil {
		return fmt.Errorf("setting times on %s: %w", path, err)
	}
	return nil
}

func lchownLike(path string, info fs.FileInfo) {
	stat, err := ExtractStatData(info)
	if err != nil {
		return
	}
	_ = os.Lchown(path, stat.UID, stat.GID)
}

func removeNonDir(p string) error {
	info, err := os.Lstat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", p, err)
	}
	if info.IsDir() {
		return fmt.Errorf("cannot replace directory %s: %w", p, fs.ErrExist)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", p, err)
	}
	return nil
}
