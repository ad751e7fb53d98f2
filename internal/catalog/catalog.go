// Package catalog builds and persists the mapping from remote shard files to the
// subsets (partitions) they belong to.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/fineweb-news/internal/extract"
	"github.com/JakeFAU/fineweb-news/internal/parquetio"
)

// twoLevel matches files that sit exactly two directories deep and captures that
// directory prefix ("data/CC-MAIN-2013-20").
var twoLevel = regexp.MustCompile(`^([^/]+/[^/]+)/[^/]+$`)

// Config controls how partitions are resolved.
type Config struct {
	// Dataset is the dataset identity whose files are catalogued.
	Dataset string
	// ExcludePartitions lists partitions ignored entirely, such as an aggregate
	// "default" partition that overlaps every other one.
	ExcludePartitions []string
}

// Catalog builds the shard-to-subset mapping for one dataset identity and caches it.
type Catalog struct {
	hub    extract.Hub
	cfg    Config
	path   string
	logger *zap.Logger
}

// New constructs a Catalog persisting its result under dir.
func New(hub extract.Hub, dir string, cfg Config, logger *zap.Logger) (*Catalog, error) {
	if hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if strings.TrimSpace(cfg.Dataset) == "" {
		return nil, fmt.Errorf("dataset identity is required")
	}
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("catalog directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		hub:    hub,
		cfg:    cfg,
		path:   filepath.Join(dir, extract.Slug(cfg.Dataset)+"_filenames.parquet"),
		logger: logger,
	}, nil
}

// Path returns the location of the persisted catalog.
func (c *Catalog) Path() string {
	return c.path
}

// Build returns the catalog, loading it from disk when present. A fresh build is
// persisted only after it fully succeeded.
func (c *Catalog) Build(ctx context.Context) ([]extract.ShardRecord, error) {
	if _, err := os.Stat(c.path); err == nil {
		records, err := parquetio.Collect(parquetio.ReadFile[extract.ShardRecord](ctx, c.path, 0))
		if err != nil {
			return nil, &extract.CacheCorruptionError{Path: c.path, Err: err}
		}
		c.logger.Info("catalog loaded from cache", zap.String("path", c.path), zap.Int("shards", len(records)))
		return records, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat catalog: %w", err)
	}

	records, err := c.build(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := parquetio.WriteFile(ctx, c.path, parquetio.Slice(records), 0); err != nil {
		return nil, fmt.Errorf("persist catalog: %w", err)
	}
	c.logger.Info("catalog built", zap.String("path", c.path), zap.Int("shards", len(records)))
	return records, nil
}

func (c *Catalog) build(ctx context.Context) ([]extract.ShardRecord, error) {
	partitions, err := c.hub.PartitionMetadata(ctx, c.cfg.Dataset)
	if err != nil {
		return nil, fmt.Errorf("fetch partition metadata: %w", err)
	}
	byPrefix, err := Resolve(c.cfg.Dataset, partitions, c.cfg.ExcludePartitions)
	if err != nil {
		return nil, err
	}

	files, err := c.hub.ListFiles(ctx, c.cfg.Dataset)
	if err != nil {
		return nil, fmt.Errorf("list dataset files: %w", err)
	}
	slices.Sort(files)

	records := make([]extract.ShardRecord, 0, len(files))
	dropped := 0
	for _, name := range files {
		m := twoLevel.FindStringSubmatch(name)
		if m == nil {
			dropped++
			continue
		}
		subset := path.Base(m[1])
		if len(byPrefix) > 0 {
			mapped, ok := byPrefix[m[1]]
			if !ok {
				dropped++
				continue
			}
			subset = mapped
		}
		records = append(records, extract.ShardRecord{ShardName: name, SubsetName: subset})
	}
	c.logger.Debug("catalog join complete",
		zap.Int("files", len(files)),
		zap.Int("retained", len(records)),
		zap.Int("dropped", dropped),
		zap.Int("partitions", len(byPrefix)),
	)
	return records, nil
}

// Resolve validates partition metadata and returns the path prefix -> partition
// name mapping. Every partition must declare exactly one split with exactly one
// path pattern; otherwise a *extract.ConsistencyError lists every violation.
func Resolve(dataset string, partitions []extract.PartitionMeta, exclude []string) (map[string]string, error) {
	byPrefix := make(map[string]string, len(partitions))
	var violations []string
	for _, p := range partitions {
		if slices.Contains(exclude, p.Name) {
			continue
		}
		if len(p.Splits) != 1 {
			violations = append(violations, fmt.Sprintf("partition %s has %d splits", p.Name, len(p.Splits)))
			continue
		}
		for split, patterns := range p.Splits {
			if len(patterns) != 1 {
				violations = append(violations,
					fmt.Sprintf("partition %s split %s has %d path patterns", p.Name, split, len(patterns)))
				continue
			}
			prefix := strings.TrimSuffix(patterns[0], "/*")
			if other, dup := byPrefix[prefix]; dup {
				violations = append(violations,
					fmt.Sprintf("partitions %s and %s share path %s", other, p.Name, prefix))
				continue
			}
			byPrefix[prefix] = p.Name
		}
	}
	if len(violations) > 0 {
		slices.Sort(violations)
		return nil, &extract.ConsistencyError{Dataset: dataset, Violations: violations}
	}
	return byPrefix, nil
}

// Subset groups the shards of one subset in catalog order.
type Subset struct {
	Name   string
	Shards []string
}

// Group returns subsets in order of first appearance in records.
func Group(records []extract.ShardRecord) []Subset {
	index := make(map[string]int)
	var out []Subset
	for _, r := range records {
		i, ok := index[r.SubsetName]
		if !ok {
			i = len(out)
			index[r.SubsetName] = i
			out = append(out, Subset{Name: r.SubsetName})
		}
		out[i].Shards = append(out[i].Shards, r.ShardName)
	}
	return out
}
