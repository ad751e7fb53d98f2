package orchestrator

import (
	"context"
	"errors"
	"iter"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JakeFAU/fineweb-news/internal/cache"
	"github.com/JakeFAU/fineweb-news/internal/catalog"
	"github.com/JakeFAU/fineweb-news/internal/extract"
	"github.com/JakeFAU/fineweb-news/internal/hash/sha256"
	"github.com/JakeFAU/fineweb-news/internal/metrics"
	notifymem "github.com/JakeFAU/fineweb-news/internal/notify/memory"
	registrymem "github.com/JakeFAU/fineweb-news/internal/registry/memory"
	"github.com/JakeFAU/fineweb-news/internal/store"
	storemem "github.com/JakeFAU/fineweb-news/internal/store/memory"
)

const (
	testDataset = "HuggingFaceFW/fineweb"
	testResult  = "me/fineweb-news"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeCatalog struct {
	records []extract.ShardRecord
	err     error
}

func (f *fakeCatalog) Build(context.Context) ([]extract.ShardRecord, error) {
	return f.records, f.err
}

// fakeProcessor serves canned records per shard locator and counts calls.
type fakeProcessor struct {
	mu       sync.Mutex
	rows     map[string][]extract.Record
	failures map[string]error
	calls    map[string]int
	// onProcess runs before a shard is served.
	onProcess func(locator string)
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		rows:     map[string][]extract.Record{},
		failures: map[string]error{},
		calls:    map[string]int{},
	}
}

func (f *fakeProcessor) set(shard string, rows ...extract.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[extract.Locator(testDataset, shard)] = rows
}

func (f *fakeProcessor) fail(shard string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, extract.Locator(testDataset, shard))
		return
	}
	f.failures[extract.Locator(testDataset, shard)] = err
}

func (f *fakeProcessor) callCount(shard string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[extract.Locator(testDataset, shard)]
}

func (f *fakeProcessor) Process(ctx context.Context, locator string) iter.Seq2[extract.Record, error] {
	return func(yield func(extract.Record, error) bool) {
		f.mu.Lock()
		f.calls[locator]++
		rows, failure, hook := f.rows[locator], f.failures[locator], f.onProcess
		f.mu.Unlock()
		if hook != nil {
			hook(locator)
		}
		if err := ctx.Err(); err != nil {
			yield(extract.Record{}, err)
			return
		}
		if failure != nil {
			yield(extract.Record{}, &extract.ShardError{Locator: locator, Err: failure})
			return
		}
		for _, rec := range rows {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (s *seqIDs) NewRunID() (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.ids = append(s.ids, id)
	return id, nil
}

type harness struct {
	catalog   *fakeCatalog
	processor *fakeProcessor
	cache     *cache.Store
	registry  *registrymem.Registry
	notifier  *notifymem.Notifier
	ledger    *storemem.Ledger
	metrics   *metrics.Recorder
	gatherer  *prometheus.Registry
}

func rec(url string) extract.Record {
	return extract.Record{URL: url, Text: "body of " + url}
}

// newHarness builds a catalog with subsets a (two shards) and b (one shard).
func newHarness(t *testing.T) *harness {
	t.Helper()
	c, err := cache.Open(cache.Config{Root: t.TempDir(), Identity: testDataset, BatchSize: 2}, sha256.New(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	h := &harness{
		catalog: &fakeCatalog{records: []extract.ShardRecord{
			{ShardName: "data/a/000.parquet", SubsetName: "a"},
			{ShardName: "data/a/001.parquet", SubsetName: "a"},
			{ShardName: "data/b/000.parquet", SubsetName: "b"},
		}},
		processor: newFakeProcessor(),
		cache:     c,
		registry:  registrymem.New(),
		notifier:  notifymem.New(),
		ledger:    storemem.New(),
	}
	h.gatherer = prometheus.NewRegistry()
	h.metrics = metrics.NewWithRegistry(h.gatherer, h.gatherer)
	h.processor.set("data/a/000.parquet", rec("https://www.bbc.co.uk/news/1"), rec("https://www.bbc.co.uk/news/2"))
	h.processor.set("data/a/001.parquet", rec("https://www.bbc.co.uk/news/3"))
	h.processor.set("data/b/000.parquet", rec("https://news.bbc.co.uk/4"))
	return h
}

func (h *harness) orchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	cfg.Dataset = testDataset
	cfg.Result = testResult
	o, err := New(cfg, Deps{
		Catalog:  h.catalog,
		Cache:    h.cache,
		Filter:   h.processor,
		Registry: h.registry,
		Notifier: h.notifier,
		Ledger:   h.ledger,
		Metrics:  h.metrics,
		Clock:    fixedClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		IDs:      &seqIDs{},
	}, nil)
	require.NoError(t, err)
	return o
}

func (h *harness) cached(shard string) bool {
	_, err := os.Stat(h.cache.PathFor(extract.Locator(testDataset, shard)))
	return err == nil
}

func states(r Report) map[string]extract.SubsetState {
	out := map[string]extract.SubsetState{}
	for _, s := range r.Subsets {
		out[s.Name] = s.State
	}
	return out
}

func TestRunPublishesAndCleans(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	report, err := h.orchestrator(t, Config{Visibility: extract.VisibilityPrivate}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]extract.SubsetState{
		"a": extract.StateCleaned,
		"b": extract.StateCleaned,
	}, states(report))
	want := []extract.Record{
		rec("https://www.bbc.co.uk/news/1"),
		rec("https://www.bbc.co.uk/news/2"),
		rec("https://www.bbc.co.uk/news/3"),
	}
	if diff := cmp.Diff(want, h.registry.Records(testResult, "a")); diff != "" {
		t.Fatalf("published rows mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, extract.VisibilityPrivate, h.registry.Visibility(testResult, "a"))
	assert.Equal(t, int64(3), report.Subsets[0].Rows)
	assert.Equal(t, "memory://"+testResult+"/a", report.Subsets[0].URI)

	for _, shard := range []string{"data/a/000.parquet", "data/a/001.parquet", "data/b/000.parquet"} {
		assert.False(t, h.cached(shard), "cache entry for %s should be evicted", shard)
	}

	events := h.notifier.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Subset)
	assert.Equal(t, report.RunID.String(), events[0].RunID)
	assert.Equal(t, 2, events[0].Shards)

	run, err := h.ledger.GetRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	subsets, err := h.ledger.ListSubsets(context.Background(), report.RunID)
	require.NoError(t, err)
	require.Len(t, subsets, 2)
	assert.Equal(t, extract.StateCleaned, subsets[0].State)

	expected := `
# HELP fwnews_shards_total Total number of shards handled, labeled by cache outcome.
# TYPE fwnews_shards_total counter
fwnews_shards_total{outcome="miss"} 3
`
	require.NoError(t, testutil.GatherAndCompare(h.gatherer, strings.NewReader(expected), "fwnews_shards_total"))
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	o := h.orchestrator(t, Config{})
	_, err := o.Run(context.Background())
	require.NoError(t, err)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]extract.SubsetState{
		"a": extract.StateSkipped,
		"b": extract.StateSkipped,
	}, states(report))
	assert.Equal(t, 1, h.processor.callCount("data/a/000.parquet"))
	assert.Equal(t, []string{"a", "b"}, h.registry.Published())
}

func TestRunIsolatesShardFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.processor.fail("data/a/001.parquet", errors.New("truncated footer"))
	o := h.orchestrator(t, Config{})

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]extract.SubsetState{
		"a": extract.StateFailed,
		"b": extract.StateCleaned,
	}, states(report))
	failed := report.Failed()
	require.Len(t, failed, 1)
	var shardErr *extract.ShardError
	require.ErrorAs(t, failed[0].Err, &shardErr)
	assert.Equal(t, extract.Locator(testDataset, "data/a/001.parquet"), shardErr.Locator)
	assert.True(t, h.cached("data/a/000.parquet"), "completed shard of a failed subset stays cached")
	assert.Equal(t, []string{"b"}, h.registry.Published())

	// The next run reuses the cached shard and only reprocesses the failed one.
	h.processor.fail("data/a/001.parquet", nil)
	report, err = o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]extract.SubsetState{
		"a": extract.StateCleaned,
		"b": extract.StateSkipped,
	}, states(report))
	assert.Equal(t, 1, h.processor.callCount("data/a/000.parquet"))
	assert.Equal(t, 2, h.processor.callCount("data/a/001.parquet"))
	assert.Len(t, h.registry.Records(testResult, "a"), 3)
}

func TestRunPublishFailureKeepsCache(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.registry.FailPublish("a", errors.New("503 from registry"))

	report, err := h.orchestrator(t, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, extract.StateFailed, states(report)["a"])
	var publishErr *extract.PublishError
	require.ErrorAs(t, report.Failed()[0].Err, &publishErr)
	assert.True(t, h.cached("data/a/000.parquet"))
	assert.True(t, h.cached("data/a/001.parquet"))
	require.Len(t, h.notifier.Events(), 1)
	assert.Equal(t, "b", h.notifier.Events()[0].Subset)
}

func TestRunKeepCacheStopsAtPublished(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.processor.fail("data/a/001.parquet", errors.New("truncated footer"))
	_, err := h.orchestrator(t, Config{}).Run(context.Background())
	require.NoError(t, err)
	require.True(t, h.cached("data/a/000.parquet"))

	// A throwaway publish must leave every cache entry in place.
	h.processor.fail("data/a/001.parquet", nil)
	h.registry = registrymem.New()
	report, err := h.orchestrator(t, Config{KeepCache: true}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]extract.SubsetState{
		"a": extract.StatePublished,
		"b": extract.StatePublished,
	}, states(report))
	for _, shard := range []string{"data/a/000.parquet", "data/a/001.parquet", "data/b/000.parquet"} {
		assert.True(t, h.cached(shard), "cache entry for %s should survive", shard)
	}

	// The next real run publishes from the cache without reprocessing.
	h.registry = registrymem.New()
	report, err = h.orchestrator(t, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, extract.StateCleaned, states(report)["a"])
	assert.Equal(t, 1, h.processor.callCount("data/a/000.parquet"))
	assert.Equal(t, 2, h.processor.callCount("data/a/001.parquet"))
	assert.Equal(t, 2, h.processor.callCount("data/b/000.parquet"))
	assert.False(t, h.cached("data/a/000.parquet"))
}

func TestRunNotifyFailureDoesNotFailSubset(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.notifier.FailWith(errors.New("topic not found"))

	report, err := h.orchestrator(t, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(extract.StateCleaned))
}

func TestRunInterrupted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.processor.onProcess = func(locator string) {
		if locator == extract.Locator(testDataset, "data/a/001.parquet") {
			cancel()
		}
	}

	report, err := h.orchestrator(t, Config{}).Run(ctx)
	require.ErrorIs(t, err, extract.ErrInterrupted)
	require.Len(t, report.Subsets, 1, "loop stops at the interrupted subset")
	assert.Equal(t, extract.StateAborted, report.Subsets[0].State)
	assert.NoError(t, report.Subsets[0].Err)
	assert.Empty(t, report.Failed())
	assert.True(t, h.cached("data/a/000.parquet"))
	assert.False(t, h.cached("data/a/001.parquet"))
	assert.Empty(t, h.registry.Published())
	assert.Zero(t, h.processor.callCount("data/b/000.parquet"))

	run, err := h.ledger.GetRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunInterrupted, run.Status)
}

func TestRunCacheCorruptionIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	path := h.cache.PathFor(extract.Locator(testDataset, "data/a/000.parquet"))
	require.NoError(t, os.WriteFile(path, []byte("not parquet"), 0o600))

	report, err := h.orchestrator(t, Config{}).Run(context.Background())
	var corruption *extract.CacheCorruptionError
	require.ErrorAs(t, err, &corruption)
	assert.Equal(t, path, corruption.Path)
	require.Len(t, report.Subsets, 1)
	assert.Zero(t, h.processor.callCount("data/b/000.parquet"))

	run, err := h.ledger.GetRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
}

func TestRunCatalogError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.catalog.err = &extract.ConsistencyError{Dataset: testDataset, Violations: []string{"a: 2 splits"}}

	_, err := h.orchestrator(t, Config{}).Run(context.Background())
	require.Error(t, err)
	assert.True(t, extract.IsFatal(err))
	assert.Zero(t, h.processor.callCount("data/a/000.parquet"))
}

func TestRunConcurrentShardsKeepCatalogOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var records []extract.ShardRecord
	var want []extract.Record
	for _, shard := range []string{"s0", "s1", "s2", "s3", "s4", "s5"} {
		name := "data/c/" + shard + ".parquet"
		records = append(records, extract.ShardRecord{ShardName: name, SubsetName: "c"})
		h.processor.set(name, rec("https://www.bbc.com/news/"+shard))
		want = append(want, rec("https://www.bbc.com/news/"+shard))
	}
	h.catalog.records = records

	report, err := h.orchestrator(t, Config{Concurrency: 4}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, extract.StateCleaned, states(report)["c"])
	if diff := cmp.Diff(want, h.registry.Records(testResult, "c")); diff != "" {
		t.Fatalf("published rows mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectSubsets(t *testing.T) {
	t.Parallel()

	all := []catalog.Subset{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}}
	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{name: "all", cfg: Config{}, want: []string{"a", "b", "c", "d"}},
		{name: "limit", cfg: Config{SubsetLimit: 2}, want: []string{"a", "b"}},
		{name: "reverse", cfg: Config{ReverseOrder: true}, want: []string{"d", "c", "b", "a"}},
		{name: "reverse then limit", cfg: Config{ReverseOrder: true, SubsetLimit: 1}, want: []string{"d"}},
		{name: "allow-list", cfg: Config{Subsets: []string{"c", "a"}}, want: []string{"a", "c"}},
		{name: "allow-list unknown", cfg: Config{Subsets: []string{"z"}}, want: nil},
		{name: "limit above count", cfg: Config{SubsetLimit: 10}, want: []string{"a", "b", "c", "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			o := &Orchestrator{cfg: tt.cfg}
			var got []string
			for _, s := range o.selectSubsets(all) {
				got = append(got, s.Name)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, "a", all[0].Name, "input must not be reordered")
		})
	}
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Dataset: testDataset}, Deps{}, nil)
	require.Error(t, err)
	_, err = New(Config{Dataset: testDataset, Result: testResult}, Deps{}, nil)
	require.ErrorContains(t, err, "catalog is required")
}
