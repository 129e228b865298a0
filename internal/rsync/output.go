package rsync

import (
	"path/filepath"
	"strconv"
	"strings"

	"amber-go/internal/amber"
)

// outFormat makes rsync print one line per updated item: the itemize
// string, the file length and the path relative to the transfer root.
const outFormat = "%i %l %n"

// itemized is one parsed --out-format line.
type itemized struct {
	Changes string // e.g. ">f+++++++++"
	Size    int64
	Path    string
}

// Transferred reports whether file data was sent for this item.
func (i itemized) Transferred() bool {
	return strings.HasPrefix(i.Changes, ">f")
}

// parseItemized parses a line produced by outFormat.
func parseItemized(line string) (itemized, bool) {
	changes, rest, ok := strings.Cut(line, " ")
	if !ok || len(changes) < 2 || !isItemizeString(changes) {
		return itemized{}, false
	}
	sizeField, path, ok := strings.Cut(rest, " ")
	if !ok || path == "" {
		return itemized{}, false
	}
	size, err := strconv.ParseInt(sizeField, 10, 64)
	if err != nil {
		return itemized{}, false
	}
	return itemized{Changes: changes, Size: size, Path: path}, true
}

// isItemizeString checks the YXcstpoguax shape of %i: an update type
// followed by a file type.
func isItemizeString(s string) bool {
	return strings.ContainsRune("<>ch.*", rune(s[0])) && strings.ContainsRune("fdLDS", rune(s[1]))
}

// parseStatsLine folds one line of the --stats summary into stats and
// reports whether it was recognised.
func parseStatsLine(line string, stats *amber.Stats) bool {
	label, value, ok := strings.Cut(strings.TrimSpace(line), ":")
	if !ok {
		return false
	}
	n, ok := leadingNumber(value)
	if !ok {
		return false
	}
	switch label {
	case "Number of files":
		stats.FilesTotal = n
	case "Number of regular files transferred", "Number of files transferred":
		stats.FilesChanged = n
	case "Total file size":
		stats.TotalSize = n
	case "Total transferred file size":
		stats.BytesSent = n
	default:
		return false
	}
	return true
}

// leadingNumber parses the first number in s, ignoring digit grouping.
func leadingNumber(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	end := strings.IndexFunc(s, func(r rune) bool {
		return (r < '0' || r > '9') && r != ',' && r != '.'
	})
	if end >= 0 {
		s = s[:end]
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if digits == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseFailedPath extracts the path from an rsync per-file error such as
//
//	rsync: [sender] send_files failed to open "/src/a.txt": Permission denied (13)
//	file has vanished: "/src/b.txt"
//
// and returns it relative to source.
func parseFailedPath(line, source string) (string, bool) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "rsync error:") {
		return "", false
	}
	if !strings.HasPrefix(line, "rsync:") && !strings.Contains(line, "file has vanished") {
		return "", false
	}
	start := strings.IndexByte(line, '"')
	if start < 0 {
		return "", false
	}
	end := strings.IndexByte(line[start+1:], '"')
	if end < 0 {
		return "", false
	}
	p := line[start+1 : start+1+end]
	if p == "" {
		return "", false
	}
	return relativeTo(p, source), true
}

func relativeTo(p, source string) string {
	if !filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	rel, err := filepath.Rel(filepath.Clean(source), p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return rel
}

// tailBuffer keeps the last max bytes written to it, cut at a line start.
type tailBuffer struct {
	max  int
	data []byte
}

func (b *tailBuffer) WriteLine(line string) {
	b.data = append(b.data, line...)
	b.data = append(b.data, '\n')
	if len(b.data) > b.max {
		cut := len(b.data) - b.max
		if i := strings.IndexByte(string(b.data[cut:]), '\n'); i >= 0 {
			cut += i + 1
		}
		b.data = append([]byte(nil), b.data[cut:]...)
	}
}

func (b *tailBuffer) String() string {
	return string(b.data)
}
