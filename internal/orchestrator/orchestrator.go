// Package orchestrator drives the per-subset extraction loop: skip subsets the
// registry already holds, fill the shard cache, publish the aggregate and evict
// the cache once the publish was accepted.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/fineweb-news/internal/cache"
	"github.com/JakeFAU/fineweb-news/internal/catalog"
	"github.com/JakeFAU/fineweb-news/internal/extract"
	"github.com/JakeFAU/fineweb-news/internal/metrics"
	"github.com/JakeFAU/fineweb-news/internal/store"
)

var tracer = otel.Tracer("github.com/JakeFAU/fineweb-news/internal/orchestrator")

// ShardCatalog yields the shard-to-subset mapping of the source dataset.
type ShardCatalog interface {
	Build(ctx context.Context) ([]extract.ShardRecord, error)
}

// ShardProcessor streams the retained records of one shard.
type ShardProcessor interface {
	Process(ctx context.Context, locator string) iter.Seq2[extract.Record, error]
}

// IDGenerator mints run identifiers.
type IDGenerator interface {
	NewRunID() (uuid.UUID, error)
}

// Config is the parameter surface of one run.
type Config struct {
	Dataset    string
	Result     string
	Visibility extract.Visibility
	// SubsetLimit caps the number of subsets considered after ordering; zero
	// means no cap.
	SubsetLimit  int
	ReverseOrder bool
	// Subsets restricts the run to the named subsets when non-empty.
	Subsets     []string
	Concurrency int
	// KeepCache stops each subset at PUBLISHED without evicting its cache
	// entries. Dry runs set it so a throwaway publish never drops cached shards.
	KeepCache bool
}

// Deps bundles the collaborators of an Orchestrator. Notifier, Ledger and
// Metrics are optional.
type Deps struct {
	Catalog  ShardCatalog
	Cache    *cache.Store
	Filter   ShardProcessor
	Registry extract.Registry
	Notifier extract.Notifier
	Ledger   store.Repository
	Metrics  *metrics.Recorder
	Clock    extract.Clock
	IDs      IDGenerator
}

// Orchestrator runs the subset state machine.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// SubsetResult is the final state of one subset within a run.
type SubsetResult struct {
	Name   string
	State  extract.SubsetState
	Shards int
	Rows   int64
	URI    string
	Err    error
}

// Report summarizes a run.
type Report struct {
	RunID   uuid.UUID
	Subsets []SubsetResult
}

// Count returns the number of subsets that ended in state.
func (r Report) Count(state extract.SubsetState) int {
	n := 0
	for _, s := range r.Subsets {
		if s.State == state {
			n++
		}
	}
	return n
}

// Failed returns the subsets that ended FAILED.
func (r Report) Failed() []SubsetResult {
	var out []SubsetResult
	for _, s := range r.Subsets {
		if s.State == extract.StateFailed {
			out = append(out, s)
		}
	}
	return out
}

// New constructs an Orchestrator.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case cfg.Dataset == "":
		return nil, fmt.Errorf("dataset identity is required")
	case cfg.Result == "":
		return nil, fmt.Errorf("result identity is required")
	case deps.Catalog == nil:
		return nil, fmt.Errorf("catalog is required")
	case deps.Cache == nil:
		return nil, fmt.Errorf("cache is required")
	case deps.Filter == nil:
		return nil, fmt.Errorf("filter is required")
	case deps.Registry == nil:
		return nil, fmt.Errorf("registry is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Visibility == "" {
		cfg.Visibility = extract.VisibilityPublic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger}, nil
}

// Run processes every selected subset in order. A subset failure is recorded
// and the loop moves on. Cancellation of ctx stops the loop and yields
// extract.ErrInterrupted; catalog inconsistency and cache corruption are
// returned immediately.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	runID, err := o.deps.IDs.NewRunID()
	if err != nil {
		return Report{}, err
	}
	report := Report{RunID: runID}
	logger := o.logger.With(zap.String("run_id", runID.String()))

	if o.deps.Ledger != nil {
		if err := o.deps.Ledger.StartRun(ctx, store.Run{
			ID:        runID,
			Dataset:   o.cfg.Dataset,
			Result:    o.cfg.Result,
			StartedAt: o.deps.Clock.Now(),
			Status:    store.RunRunning,
		}); err != nil {
			return report, fmt.Errorf("start run: %w", err)
		}
	}

	err = o.run(ctx, logger, &report)
	o.finish(ctx, logger, runID, err)
	return report, err
}

func (o *Orchestrator) run(ctx context.Context, logger *zap.Logger, report *Report) error {
	records, err := o.deps.Catalog.Build(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return extract.ErrInterrupted
		}
		return fmt.Errorf("build catalog: %w", err)
	}
	subsets := o.selectSubsets(catalog.Group(records))
	logger.Info("run started", zap.Int("shards", len(records)), zap.Int("subsets", len(subsets)))

	for _, subset := range subsets {
		if ctx.Err() != nil {
			logger.Warn("run interrupted before subset", zap.String("subset", subset.Name))
			return extract.ErrInterrupted
		}
		spanCtx, span := tracer.Start(ctx, "subset", trace.WithAttributes(
			attribute.String("subset", subset.Name),
			attribute.Int("shards", len(subset.Shards)),
		))
		res, err := o.runSubset(spanCtx, logger.With(zap.String("subset", subset.Name)), report.RunID, subset)
		endSpan(span, res)
		report.Subsets = append(report.Subsets, res)
		o.deps.Metrics.ObserveSubset(res.State)
		o.record(ctx, logger, report.RunID, res)
		if err != nil {
			return err
		}
	}
	logger.Info("run finished",
		zap.Int("cleaned", report.Count(extract.StateCleaned)),
		zap.Int("published", report.Count(extract.StatePublished)),
		zap.Int("skipped", report.Count(extract.StateSkipped)),
		zap.Int("failed", report.Count(extract.StateFailed)),
	)
	return nil
}

// selectSubsets applies the allow-list, then the ordering, then the limit.
func (o *Orchestrator) selectSubsets(all []catalog.Subset) []catalog.Subset {
	out := all
	if len(o.cfg.Subsets) > 0 {
		out = slices.DeleteFunc(slices.Clone(all), func(s catalog.Subset) bool {
			return !slices.Contains(o.cfg.Subsets, s.Name)
		})
	}
	if o.cfg.ReverseOrder {
		out = slices.Clone(out)
		slices.Reverse(out)
	}
	if o.cfg.SubsetLimit > 0 && len(out) > o.cfg.SubsetLimit {
		out = out[:o.cfg.SubsetLimit]
	}
	return out
}

// runSubset walks one subset through its states. The returned error is
// non-nil only when the whole run must stop.
func (o *Orchestrator) runSubset(
	ctx context.Context,
	logger *zap.Logger,
	runID uuid.UUID,
	subset catalog.Subset,
) (SubsetResult, error) {
	res := SubsetResult{Name: subset.Name, State: extract.StatePending, Shards: len(subset.Shards)}

	exists, err := o.deps.Registry.Has(ctx, o.cfg.Result, subset.Name)
	if err != nil {
		return o.fail(ctx, logger, res, fmt.Errorf("check registry: %w", err))
	}
	if exists {
		logger.Info("subset already published; skipping")
		res.State = extract.StateSkipped
		return res, nil
	}

	res.State = extract.StateInProgress
	o.record(ctx, logger, runID, res)
	logger.Info("subset in progress", zap.Int("shards", res.Shards))

	paths, rows, err := o.fillCache(ctx, logger, subset)
	res.Rows = rows
	if err != nil {
		return o.fail(ctx, logger, res, err)
	}
	if ctx.Err() != nil {
		return o.fail(ctx, logger, res, ctx.Err())
	}

	start := o.deps.Clock.Now()
	published, err := o.deps.Registry.Publish(
		ctx,
		o.cfg.Result,
		subset.Name,
		o.deps.Cache.Concat(ctx, paths),
		o.cfg.Visibility,
	)
	if err != nil {
		return o.fail(ctx, logger, res, &extract.PublishError{Subset: subset.Name, Err: err})
	}
	res.State = extract.StatePublished
	res.URI = published.URI
	res.Rows = published.Rows
	o.deps.Metrics.ObservePublish(published.Rows, o.deps.Clock.Now().Sub(start))
	o.record(ctx, logger, runID, res)
	logger.Info("subset published", zap.String("uri", published.URI), zap.Int64("rows", published.Rows))
	o.notify(ctx, logger, runID, res)

	if o.cfg.KeepCache {
		logger.Debug("subset cache kept", zap.Int("files", len(paths)))
		return res, nil
	}
	for _, path := range paths {
		if err := o.deps.Cache.Evict(path); err != nil {
			logger.Warn("cache eviction failed; subset stays published", zap.String("path", path), zap.Error(err))
			return res, nil
		}
	}
	res.State = extract.StateCleaned
	logger.Debug("subset cache evicted", zap.Int("files", len(paths)))
	return res, nil
}

// fillCache makes sure every shard of subset has a cache entry and returns the
// entry paths in catalog order with their total row count.
func (o *Orchestrator) fillCache(
	ctx context.Context,
	logger *zap.Logger,
	subset catalog.Subset,
) ([]string, int64, error) {
	paths := make([]string, len(subset.Shards))
	rows := make([]int64, len(subset.Shards))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i, shard := range subset.Shards {
		locator := extract.Locator(o.cfg.Dataset, shard)
		paths[i] = o.deps.Cache.PathFor(locator)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, hit, err := o.fillShard(gctx, locator, paths[i])
			if err != nil {
				o.deps.Metrics.ObserveShard(metrics.ShardError)
				return err
			}
			rows[i] = n
			if hit {
				o.deps.Metrics.ObserveShard(metrics.ShardHit)
			} else {
				o.deps.Metrics.ObserveShard(metrics.ShardMiss)
				o.deps.Metrics.ObserveCachedRows(n)
			}
			logger.Debug("shard cached",
				zap.String("shard", shard),
				zap.Bool("hit", hit),
				zap.Int64("rows", n),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var total int64
	for _, n := range rows {
		total += n
	}
	return paths, total, nil
}

func (o *Orchestrator) fillShard(ctx context.Context, locator, path string) (int64, bool, error) {
	exists, err := o.deps.Cache.Exists(path)
	if err != nil {
		return 0, false, err
	}
	if exists {
		table, err := o.deps.Cache.Load(path)
		if err != nil {
			return 0, false, err
		}
		return table.Rows, true, nil
	}
	n, err := o.deps.Cache.Store(ctx, path, o.deps.Filter.Process(ctx, locator))
	if err != nil {
		if !extract.IsFatal(err) && ctx.Err() == nil {
			var shardErr *extract.ShardError
			if !errors.As(err, &shardErr) {
				err = &extract.ShardError{Locator: locator, Err: err}
			}
		}
		return 0, false, err
	}
	return n, false, nil
}

// fail classifies err: fatal errors stop the run, cancellation aborts it and
// anything else marks the subset FAILED with its cache kept.
func (o *Orchestrator) fail(
	ctx context.Context,
	logger *zap.Logger,
	res SubsetResult,
	err error,
) (SubsetResult, error) {
	res.Err = err
	switch {
	case extract.IsFatal(err):
		res.State = extract.StateFailed
		logger.Error("fatal error; stopping run", zap.Error(err))
		return res, err
	case ctx.Err() != nil:
		res.State = extract.StateAborted
		res.Err = nil
		logger.Warn("subset aborted; cache kept for the next run")
		return res, extract.ErrInterrupted
	default:
		res.State = extract.StateFailed
		logger.Error("subset failed; cache kept for the next run", zap.Error(err))
		return res, nil
	}
}

func (o *Orchestrator) record(ctx context.Context, logger *zap.Logger, runID uuid.UUID, res SubsetResult) {
	if o.deps.Ledger == nil {
		return
	}
	rec := store.SubsetRun{
		RunID:     runID,
		Subset:    res.Name,
		State:     res.State,
		Shards:    res.Shards,
		Rows:      res.Rows,
		URI:       res.URI,
		UpdatedAt: o.deps.Clock.Now(),
	}
	if res.Err != nil {
		msg := res.Err.Error()
		rec.Error = &msg
	}
	if err := o.deps.Ledger.RecordSubset(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn("record subset state failed", zap.String("subset", res.Name), zap.Error(err))
	}
}

func (o *Orchestrator) notify(ctx context.Context, logger *zap.Logger, runID uuid.UUID, res SubsetResult) {
	if o.deps.Notifier == nil {
		return
	}
	err := o.deps.Notifier.Notify(ctx, extract.PublishEvent{
		RunID:       runID.String(),
		Dataset:     o.cfg.Dataset,
		Result:      o.cfg.Result,
		Subset:      res.Name,
		URI:         res.URI,
		Rows:        res.Rows,
		Shards:      res.Shards,
		PublishedAt: o.deps.Clock.Now(),
	})
	if err != nil {
		logger.Warn("publish notification failed", zap.Error(err))
	}
}

func (o *Orchestrator) finish(ctx context.Context, logger *zap.Logger, runID uuid.UUID, runErr error) {
	if o.deps.Ledger == nil {
		return
	}
	status := store.RunCompleted
	var msg *string
	switch {
	case errors.Is(runErr, extract.ErrInterrupted):
		status = store.RunInterrupted
	case runErr != nil:
		status = store.RunFailed
		text := runErr.Error()
		msg = &text
	}
	finishedAt := o.deps.Clock.Now()
	if err := o.deps.Ledger.FinishRun(context.WithoutCancel(ctx), runID, finishedAt, status, msg); err != nil {
		logger.Warn("finish run failed", zap.Error(err))
	}
}

func endSpan(span trace.Span, res SubsetResult) {
	span.SetAttributes(
		attribute.String("state", string(res.State)),
		attribute.Int64("rows", res.Rows),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.State))
	}
	span.End()
}
