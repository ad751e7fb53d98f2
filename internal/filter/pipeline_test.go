package filter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fineweb-news/internal/extract"
	"github.com/JakeFAU/fineweb-news/internal/parquetio"
)

// crawlRow mirrors the wider schema of a real crawl shard.
type crawlRow struct {
	Text          string  `parquet:"text"`
	ID            string  `parquet:"id"`
	Dump          string  `parquet:"dump"`
	URL           string  `parquet:"url"`
	Date          string  `parquet:"date"`
	FilePath      string  `parquet:"file_path"`
	Language      string  `parquet:"language"`
	LanguageScore float64 `parquet:"language_score"`
	TokenCount    int64   `parquet:"token_count"`
}

func writeShard(t *testing.T, rows []crawlRow) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "000_00000.parquet")
	_, err := parquetio.WriteFile(context.Background(), path, parquetio.Slice(rows), 2)
	require.NoError(t, err)
	return path
}

func TestPipelineProcess(t *testing.T) {
	t.Parallel()

	path := writeShard(t, []crawlRow{
		{ID: "1", URL: "http://news.example.com/a?x=1", Text: "kept", Language: "en", TokenCount: 10},
		{ID: "2", URL: "http://example.com/news/", Text: "root", Language: "en"},
		{ID: "3", URL: "http://example.com/?", Text: "dropped", Language: "en"},
		{ID: "4", URL: "http://news.example.com/b", Text: "french", Language: "fr"},
		{ID: "5", URL: "http://elsewhere.net/news/", Text: "foreign", Language: "en"},
	})

	p := New(FileSource{}, exampleRules(t), 2, zap.NewNop())
	got, err := parquetio.Collect(p.Process(context.Background(), "file://"+path))
	require.NoError(t, err)
	assert.Equal(t, []extract.Record{
		{URL: "http://news.example.com/a", Text: "kept"},
		{URL: "http://example.com/news/", Text: "root"},
	}, got)
}

func TestPipelineMissingShard(t *testing.T) {
	t.Parallel()

	p := New(FileSource{}, exampleRules(t), 0, nil)
	_, err := parquetio.Collect(p.Process(context.Background(), filepath.Join(t.TempDir(), "missing.parquet")))
	var shardErr *extract.ShardError
	require.True(t, errors.As(err, &shardErr))
	assert.False(t, extract.IsFatal(err))
}

func TestPipelineMalformedShard(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.parquet")
	require.NoError(t, os.WriteFile(path, []byte("not parquet at all"), 0o600))

	p := New(FileSource{}, exampleRules(t), 0, nil)
	_, err := parquetio.Collect(p.Process(context.Background(), path))
	var shardErr *extract.ShardError
	require.True(t, errors.As(err, &shardErr))
	assert.Equal(t, path, shardErr.Locator)
}

func TestPipelineCanceled(t *testing.T) {
	t.Parallel()

	path := writeShard(t, []crawlRow{{URL: "http://news.example.com/a", Language: "en"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(FileSource{}, exampleRules(t), 0, nil)
	_, err := parquetio.Collect(p.Process(ctx, path))
	require.ErrorIs(t, err, context.Canceled)
	var shardErr *extract.ShardError
	assert.False(t, errors.As(err, &shardErr))
}
