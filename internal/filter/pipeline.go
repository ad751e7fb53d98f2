package filter

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/fineweb-news/internal/extract"
	"github.com/JakeFAU/fineweb-news/internal/parquetio"
)

// Pipeline reads shards from a source and applies Rules to them.
type Pipeline struct {
	source    extract.ShardSource
	rules     Rules
	batchSize int
	logger    *zap.Logger
}

// New constructs a Pipeline.
func New(source extract.ShardSource, rules Rules, batchSize int, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		source:    source,
		rules:     rules,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Process streams the shard at locator through the predicate chain. The shard is
// opened lazily when the sequence is ranged over and closed when iteration ends.
// Failures are yielded as *extract.ShardError; cancellation is yielded unwrapped.
func (p *Pipeline) Process(ctx context.Context, locator string) iter.Seq2[extract.Record, error] {
	return func(yield func(extract.Record, error) bool) {
		f, err := p.source.Open(ctx, locator)
		if err != nil {
			yield(extract.Record{}, shardErr(locator, err))
			return
		}
		defer func() {
			if cerr := f.Close(); cerr != nil {
				p.logger.Warn("close shard failed", zap.String("locator", locator), zap.Error(cerr))
			}
		}()

		p.logger.Debug("processing shard", zap.String("locator", locator), zap.Int64("bytes", f.Size()))
		src := parquetio.Rows[SourceRow](ctx, f, f.Size(), p.batchSize)
		for rec, err := range p.rules.Apply(src) {
			if err != nil {
				yield(extract.Record{}, shardErr(locator, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func shardErr(locator string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &extract.ShardError{Locator: locator, Err: err}
}

// FileSource serves shards from the local filesystem. Locators may be plain paths
// or file:// URLs.
type FileSource struct{}

// Open opens the local file addressed by locator.
func (FileSource) Open(_ context.Context, locator string) (extract.ShardFile, error) {
	path := strings.TrimPrefix(locator, "file://")
	// #nosec G304 -- locators are produced by the catalog, not user input.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shard: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat shard: %w", err)
	}
	return &localFile{File: f, size: info.Size()}, nil
}

type localFile struct {
	*os.File
	size int64
}

func (f *localFile) Size() int64 {
	return f.size
}
