package fs

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// excludePattern is a parsed exclude pattern with its matching strategy.
type excludePattern struct {
	pattern   string
	anchored  bool // leading '/': match from the source root only
	dirOnly   bool // trailing '/': match directories only
	wholePath bool // contains '/': match against the relative path instead of the basename
}

// ExcludeMatcher checks paths against rsync-style exclude patterns.
// Patterns without '/' match the basename at any depth. Patterns containing
// '/' match the path relative to the source root; a leading '/' anchors them
// there explicitly. A trailing '/' restricts a pattern to directories.
// Excluding a directory excludes everything beneath it.
type ExcludeMatcher struct {
	patterns []excludePattern
}

// NewExcludeMatcher creates an ExcludeMatcher from raw pattern strings.
// Blank lines and lines starting with '#' are skipped.
func NewExcludeMatcher(rawPatterns []string) *ExcludeMatcher {
	var patterns []excludePattern
	for _, raw := range NormalizePatterns(rawPatterns) {
		p := excludePattern{pattern: raw}
		if strings.HasSuffix(p.pattern, "/") {
			p.dirOnly = true
			p.pattern = strings.TrimRight(p.pattern, "/")
		}
		if strings.HasPrefix(p.pattern, "/") {
			p.anchored = true
			p.pattern = strings.TrimLeft(p.pattern, "/")
		}
		if p.pattern == "" {
			continue
		}
		p.wholePath = p.anchored || strings.Contains(p.pattern, "/")
		patterns = append(patterns, p)
	}
	return &ExcludeMatcher{patterns: patterns}
}

// Match reports whether the given relative path is excluded. Callers walking
// a tree can rely on parents being checked first; Match itself does not
// look at parent directories.
func (m *ExcludeMatcher) Match(relativePath string, isDir bool) bool {
	if len(m.patterns) == 0 || relativePath == "" {
		return false
	}

	normalized := filepath.ToSlash(relativePath)
	basename := path.Base(normalized)

	for _, p := range m.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		subject := basename
		if p.wholePath {
			subject = normalized
		}
		matched, err := path.Match(p.pattern, subject)
		if err != nil {
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// Patterns returns the normalized patterns in rsync syntax.
func (m *ExcludeMatcher) Patterns() []string {
	out := make([]string, 0, len(m.patterns))
	for _, p := range m.patterns {
		s := p.pattern
		if p.anchored {
			s = "/" + s
		}
		if p.dirOnly {
			s += "/"
		}
		out = append(out, s)
	}
	return out
}

// NormalizePatterns trims patterns, drops blanks and '#' comments, and
// removes duplicates while keeping the first occurrence's position.
func NormalizePatterns(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	var out []string
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// ParseExcludeFile reads an exclude file and returns the raw pattern lines.
// Returns nil and no error if the file does not exist.
func ParseExcludeFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening exclude file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading exclude file: %w", err)
	}
	return patterns, nil
}
