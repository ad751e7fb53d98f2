package catalog

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fineweb-news/internal/extract"
)

type fakeHub struct {
	files      []string
	partitions []extract.PartitionMeta
	listErr    error
	listCalls  int
	metaCalls  int
}

func (h *fakeHub) ListFiles(context.Context, string) ([]string, error) {
	h.listCalls++
	return h.files, h.listErr
}

func (h *fakeHub) PartitionMetadata(context.Context, string) ([]extract.PartitionMeta, error) {
	h.metaCalls++
	return h.partitions, nil
}

func partition(name string, patterns ...string) extract.PartitionMeta {
	return extract.PartitionMeta{Name: name, Splits: map[string][]string{"train": patterns}}
}

func fineweb() *fakeHub {
	return &fakeHub{
		files: []string{
			"README.md",
			"data/CC-MAIN-2014-10/000_00000.parquet",
			"data/CC-MAIN-2013-20/000_00001.parquet",
			"data/CC-MAIN-2013-20/000_00000.parquet",
			"sample/10BT/000_00000.parquet",
			"sample/10BT/nested/deeper.parquet",
			"data/CC-MAIN-2099-99/000_00000.parquet",
		},
		partitions: []extract.PartitionMeta{
			partition("default", "data/*/*"),
			partition("CC-MAIN-2013-20", "data/CC-MAIN-2013-20/*"),
			partition("CC-MAIN-2014-10", "data/CC-MAIN-2014-10/*"),
			partition("sample-10BT", "sample/10BT/*"),
		},
	}
}

func newCatalog(t *testing.T, hub extract.Hub, dir string) *Catalog {
	t.Helper()
	c, err := New(hub, dir, Config{Dataset: "HuggingFaceFW/fineweb", ExcludePartitions: []string{"default"}}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestBuildJoinsFilesToPartitions(t *testing.T) {
	t.Parallel()

	hub := fineweb()
	c := newCatalog(t, hub, t.TempDir())
	got, err := c.Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []extract.ShardRecord{
		{ShardName: "data/CC-MAIN-2013-20/000_00000.parquet", SubsetName: "CC-MAIN-2013-20"},
		{ShardName: "data/CC-MAIN-2013-20/000_00001.parquet", SubsetName: "CC-MAIN-2013-20"},
		{ShardName: "data/CC-MAIN-2014-10/000_00000.parquet", SubsetName: "CC-MAIN-2014-10"},
		{ShardName: "sample/10BT/000_00000.parquet", SubsetName: "sample-10BT"},
	}, got)
	assert.FileExists(t, c.Path())
}

func TestBuildLoadsFromCacheWithoutRemoteCalls(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := fineweb()
	want, err := newCatalog(t, first, dir).Build(context.Background())
	require.NoError(t, err)

	second := &fakeHub{listErr: errors.New("must not be called")}
	got, err := newCatalog(t, second, dir).Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Zero(t, second.listCalls)
	assert.Zero(t, second.metaCalls)
}

func TestBuildWithoutMetadataUsesParentDirectory(t *testing.T) {
	t.Parallel()

	hub := &fakeHub{files: []string{"data/2019/a.parquet", "data/2020/b.parquet", "top.parquet"}}
	got, err := newCatalog(t, hub, t.TempDir()).Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []extract.ShardRecord{
		{ShardName: "data/2019/a.parquet", SubsetName: "2019"},
		{ShardName: "data/2020/b.parquet", SubsetName: "2020"},
	}, got)
}

func TestBuildInconsistentMetadataFailsBeforeListing(t *testing.T) {
	t.Parallel()

	hub := fineweb()
	hub.partitions = append(hub.partitions,
		extract.PartitionMeta{Name: "two-splits", Splits: map[string][]string{
			"train": {"x/a/*"},
			"test":  {"x/b/*"},
		}},
		partition("two-paths", "y/a/*", "y/b/*"),
	)
	c := newCatalog(t, hub, t.TempDir())

	_, err := c.Build(context.Background())
	var consistency *extract.ConsistencyError
	require.True(t, errors.As(err, &consistency))
	assert.Len(t, consistency.Violations, 2)
	assert.Zero(t, hub.listCalls, "no listing may happen after a consistency failure")

	_, statErr := os.Stat(c.Path())
	assert.True(t, os.IsNotExist(statErr), "catalog must not be persisted")
}

func TestBuildListingFailureNotPersisted(t *testing.T) {
	t.Parallel()

	hub := fineweb()
	hub.listErr = errors.New("hub unavailable")
	c := newCatalog(t, hub, t.TempDir())

	_, err := c.Build(context.Background())
	require.Error(t, err)
	_, statErr := os.Stat(c.Path())
	assert.True(t, os.IsNotExist(statErr))
}

func TestBuildCorruptCatalogIsFatal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := newCatalog(t, fineweb(), dir)
	require.NoError(t, os.WriteFile(c.Path(), []byte("garbage"), 0o600))

	_, err := c.Build(context.Background())
	assert.True(t, extract.IsFatal(err))
}

func TestResolveDuplicatePrefix(t *testing.T) {
	t.Parallel()

	_, err := Resolve("d", []extract.PartitionMeta{
		partition("a", "data/x/*"),
		partition("b", "data/x/*"),
	}, nil)
	var consistency *extract.ConsistencyError
	require.True(t, errors.As(err, &consistency))
}

func TestGroup(t *testing.T) {
	t.Parallel()

	got := Group([]extract.ShardRecord{
		{ShardName: "s1", SubsetName: "b"},
		{ShardName: "s2", SubsetName: "a"},
		{ShardName: "s3", SubsetName: "b"},
	})
	assert.Equal(t, []Subset{
		{Name: "b", Shards: []string{"s1", "s3"}},
		{Name: "a", Shards: []string{"s2"}},
	}, got)
}
