package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEscapesRoot is returned when a relative path would leave its root.
var ErrEscapesRoot = errors.New("path escapes its root")

// ResolveDirectory validates a raw path and returns it absolute and cleaned.
// The path must exist and be a directory.
func ResolveDirectory(rawPath string) (string, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return "", fmt.Errorf("resolving absolute path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", absPath)
	}
	return absPath, nil
}

// JoinWithin joins rel onto root, rejecting absolute paths and any path
// that climbs above root. An empty rel returns root.
func JoinWithin(root, rel string) (string, error) {
	if rel == "" || rel == "." {
		return filepath.Clean(root), nil
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s is absolute", ErrEscapesRoot, rel)
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %s", ErrEscapesRoot, rel)
		}
	}
	return filepath.Join(root, filepath.Clean(rel)), nil
}

// ResolveWithin is JoinWithin for paths that will be opened. It also
// rejects rel when any component above the last one is a symlink or not a
// directory, so the result cannot lead out of root. The last component is
// left alone; a missing component ends the check.
func ResolveWithin(root, rel string) (string, error) {
	full, err := JoinWithin(root, rel)
	if err != nil {
		return "", err
	}
	if full == filepath.Clean(root) {
		return full, nil
	}
	parts := strings.Split(filepath.ToSlash(filepath.Clean(rel)), "/")
	dir := filepath.Clean(root)
	for _, part := range parts[:len(parts)-1] {
		dir = filepath.Join(dir, part)
		info, err := os.Lstat(dir)
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", dir, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: %s passes through symlink %s", ErrEscapesRoot, rel, part)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("%s: %s is not a directory", rel, part)
		}
	}
	return full, nil
}

// RealPath returns the absolute path of p with symlinks in its longest
// existing prefix resolved. p itself need not exist.
func RealPath(p string) (string, error) {
	absPath, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving absolute path: %w", err)
	}

	existing := absPath
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return absPath, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("resolving symlinks in %s: %w", existing, err)
	}
	return filepath.Join(append([]string{resolved}, rest...)...), nil
}

// IsWithin reports whether p is root or lies beneath it. Both paths are
// compared after RealPath.
func IsWithin(root, p string) (bool, error) {
	realRoot, err := RealPath(root)
	if err != nil {
		return false, err
	}
	realPath, err := RealPath(p)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(realRoot, realPath)
	if err != nil {
		return false, nil
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))), nil
}
