package parquetio

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

// TempPrefix marks files that are still being written.
const TempPrefix = ".tmp-"

// WriteFile writes rows to path atomically: the parquet stream goes to a temp file in
// the same directory, which is fsynced and renamed over path only after the whole
// stream succeeded. On failure no file is left at path or in its place.
func WriteFile[T any](ctx context.Context, path string, rows iter.Seq2[T, error], batchSize int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, TempPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	n, err := Write(tmp, rows, batchSize)
	if err != nil {
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, fmt.Errorf("rename %s: %w", path, err)
	}
	committed = true
	return n, nil
}

// ReadFile returns a lazy sequence over the rows of a local parquet file.
func ReadFile[T any](ctx context.Context, path string, batchSize int) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		// #nosec G304 -- callers pass paths they own.
		f, err := os.Open(path)
		if err != nil {
			yield(zero, fmt.Errorf("open %s: %w", path, err))
			return
		}
		defer f.Close() //nolint:errcheck // read-only
		info, err := f.Stat()
		if err != nil {
			yield(zero, fmt.Errorf("stat %s: %w", path, err))
			return
		}
		for row, err := range Rows[T](ctx, f, info.Size(), batchSize) {
			if !yield(row, err) || err != nil {
				return
			}
		}
	}
}

// SweepTemp removes leftover temp files in dir and returns how many were deleted.
func SweepTemp(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read directory %s: %w", dir, err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), TempPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove temp file %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}
