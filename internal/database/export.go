package database

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Export writes a consistent copy of the database to destPath. A ".gz"
// suffix compresses the copy with gzip and ".zst" with zstd; any other
// name gets a plain SQLite file.
func (s *SQLiteStore) Export(destPath string) error {
	ext := strings.ToLower(filepath.Ext(destPath))
	if ext != ".gz" && ext != ".zst" {
		return s.BackupTo(destPath)
	}

	tmp, err := os.MkdirTemp(filepath.Dir(destPath), ".amber-export-")
	if err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	raw := filepath.Join(tmp, DatabaseFileName)
	if err := s.BackupTo(raw); err != nil {
		return err
	}
	return compressFile(raw, destPath, ext)
}

func compressFile(src, dst, ext string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	bufWriter := bufio.NewWriter(out)
	var compressedWriter io.WriteCloser
	switch ext {
	case ".gz":
		compressedWriter = pgzip.NewWriter(bufWriter)
	case ".zst":
		zw, err := zstd.NewWriter(bufWriter)
		if err != nil {
			return fmt.Errorf("failed to create zstd writer: %w", err)
		}
		compressedWriter = zw
	}

	if _, err := io.Copy(compressedWriter, in); err != nil {
		compressedWriter.Close()
		return fmt.Errorf("compressing database: %w", err)
	}
	if err := compressedWriter.Close(); err != nil {
		return fmt.Errorf("compressing database: %w", err)
	}
	return bufWriter.Flush()
}
