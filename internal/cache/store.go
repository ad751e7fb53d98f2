// Package cache implements the per-shard on-disk cache of filtered records.
//
// One directory exists per dataset identity. Each processed shard is stored as a
// parquet file named by the fingerprint of its locator, written atomically so an
// entry is either complete or absent. A file lock keeps two runs for the same
// identity from sharing the directory.
package cache

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/JakeFAU/fineweb-news/internal/extract"
	"github.com/JakeFAU/fineweb-news/internal/parquetio"
)

const (
	lockName  = ".lock"
	entryExt  = ".parquet"
	defaultNS = "fineweb-news"
)

// ErrLocked is returned by Open when another process holds the cache directory.
var ErrLocked = errors.New("cache directory is locked by another run")

// Fingerprinter maps a shard locator to a filesystem-safe, collision-free name.
type Fingerprinter interface {
	Fingerprint(locator string) string
}

// Config captures the parameters for the cache directory.
type Config struct {
	// Root is the parent of all per-dataset cache directories. Defaults to
	// $TMPDIR/fineweb-news.
	Root string `mapstructure:"root" yaml:"root"`
	// Identity is the dataset identity the directory is scoped to.
	Identity string `mapstructure:"-" yaml:"-"`
	// BatchSize bounds the number of rows buffered per parquet write.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`
}

// Store owns every cache entry under its directory.
type Store struct {
	dir       string
	fp        Fingerprinter
	lock      *flock.Flock
	batchSize int
	logger    *zap.Logger
}

// Open allocates (or reuses) the cache directory for cfg.Identity and locks it.
func Open(cfg Config, fp Fingerprinter, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Identity) == "" {
		return nil, fmt.Errorf("dataset identity is required")
	}
	if fp == nil {
		return nil, fmt.Errorf("fingerprinter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	root := cfg.Root
	if strings.TrimSpace(root) == "" {
		root = filepath.Join(os.TempDir(), defaultNS)
	}
	dir := filepath.Join(root, extract.Slug(cfg.Identity))

	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat cache directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("cache path %s is not a directory", dir)
	}

	lock := flock.New(filepath.Join(dir, lockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock cache directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", dir, ErrLocked)
	}

	removed, err := parquetio.SweepTemp(dir)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	if removed > 0 {
		logger.Info("removed partial cache writes", zap.String("dir", dir), zap.Int("count", removed))
	}

	return &Store{
		dir:       dir,
		fp:        fp,
		lock:      lock,
		batchSize: cfg.BatchSize,
		logger:    logger,
	}, nil
}

// Dir returns the cache directory scoped to the dataset identity.
func (s *Store) Dir() string {
	return s.dir
}

// Close releases the directory lock.
func (s *Store) Close() error {
	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("unlock cache directory: %w", err)
	}
	return nil
}

// PathFor returns the cache file for locator. It is pure and stable across runs.
func (s *Store) PathFor(locator string) string {
	return filepath.Join(s.dir, s.fp.Fingerprint(locator)+entryExt)
}

// Exists reports whether a complete cache entry is present at path.
func (s *Store) Exists(path string) (bool, error) {
	if err := s.checkPath(path); err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("stat cache entry: %w", err)
	case info.IsDir():
		return false, &extract.CacheCorruptionError{Path: path, Err: errors.New("entry is a directory")}
	}
	return true, nil
}

// Load opens the entry at path and validates its footer. Unreadable entries are
// reported as *extract.CacheCorruptionError, never as a miss.
func (s *Store) Load(path string) (*Table, error) {
	if err := s.checkPath(path); err != nil {
		return nil, err
	}
	// #nosec G304 -- path is confined to the cache directory by checkPath.
	f, err := os.Open(path)
	if err != nil {
		return nil, &extract.CacheCorruptionError{Path: path, Err: err}
	}
	defer f.Close() //nolint:errcheck // read-only
	info, err := f.Stat()
	if err != nil {
		return nil, &extract.CacheCorruptionError{Path: path, Err: err}
	}
	rows, err := parquetio.Inspect(f, info.Size())
	if err != nil {
		return nil, &extract.CacheCorruptionError{Path: path, Err: err}
	}
	return &Table{Path: path, Rows: rows, batchSize: s.batchSize}, nil
}

// Store streams rows into the entry at path and returns the row count.
func (s *Store) Store(ctx context.Context, path string, rows iter.Seq2[extract.Record, error]) (int64, error) {
	if err := s.checkPath(path); err != nil {
		return 0, err
	}
	n, err := parquetio.WriteFile(ctx, path, rows, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("store cache entry: %w", err)
	}
	s.logger.Debug("cache entry stored", zap.String("path", path), zap.Int64("rows", n))
	return n, nil
}

// Evict removes the entry at path. Removing an absent entry is not an error.
func (s *Store) Evict(path string) error {
	if err := s.checkPath(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("evict cache entry: %w", err)
	}
	return nil
}

// Concat lazily row-concatenates the entries at paths, in order.
func (s *Store) Concat(ctx context.Context, paths []string) iter.Seq2[extract.Record, error] {
	return func(yield func(extract.Record, error) bool) {
		for _, path := range paths {
			table, err := s.Load(path)
			if err != nil {
				yield(extract.Record{}, err)
				return
			}
			for rec, err := range table.Records(ctx) {
				if !yield(rec, err) || err != nil {
					return
				}
			}
		}
	}
}

func (s *Store) checkPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("path is required")
	}
	clean := filepath.Clean(path)
	if filepath.Dir(clean) != filepath.Clean(s.dir) || !strings.HasSuffix(clean, entryExt) {
		return fmt.Errorf("path %s is outside the cache directory", path)
	}
	return nil
}

// Table is a validated cache entry.
type Table struct {
	Path      string
	Rows      int64
	batchSize int
}

// Records streams the entry's rows. Read failures other than cancellation are
// reported as *extract.CacheCorruptionError.
func (t *Table) Records(ctx context.Context) iter.Seq2[extract.Record, error] {
	return func(yield func(extract.Record, error) bool) {
		for rec, err := range parquetio.ReadFile[extract.Record](ctx, t.Path, t.batchSize) {
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					err = &extract.CacheCorruptionError{Path: t.Path, Err: err}
				}
				yield(extract.Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
