// Package memory contains an in-memory registry for dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/JakeFAU/fineweb-news/internal/extract"
)

type key struct {
	result string
	subset string
}

// Registry keeps published subsets in memory.
type Registry struct {
	mu         sync.RWMutex
	subsets    map[key][]extract.Record
	visibility map[key]extract.Visibility
	failures   map[string]error
	published  []string
}

// New returns an empty memory Registry.
func New() *Registry {
	return &Registry{
		subsets:    make(map[key][]extract.Record),
		visibility: make(map[key]extract.Visibility),
		failures:   make(map[string]error),
	}
}

// Seed marks subset as already published under result.
func (r *Registry) Seed(result, subset string, records ...extract.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subsets[key{result, subset}] = append([]extract.Record(nil), records...)
}

// FailPublish makes every publish of subset fail with err until cleared with a nil err.
func (r *Registry) FailPublish(subset string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, subset)
		return
	}
	r.failures[subset] = err
}

// Has reports whether subset was published under result.
func (r *Registry) Has(ctx context.Context, result, subset string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subsets[key{result, subset}]
	return ok, nil
}

// Publish drains rows and stores them. Nothing is stored when rows fail.
func (r *Registry) Publish(
	ctx context.Context,
	result, subset string,
	rows iter.Seq2[extract.Record, error],
	visibility extract.Visibility,
) (extract.PublishResult, error) {
	var records []extract.Record
	for rec, err := range rows {
		if err != nil {
			return extract.PublishResult{}, err
		}
		records = append(records, rec)
	}
	if err := ctx.Err(); err != nil {
		return extract.PublishResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failures[subset]; err != nil {
		return extract.PublishResult{}, err
	}
	k := key{result, subset}
	r.subsets[k] = records
	r.visibility[k] = visibility
	r.published = append(r.published, subset)
	return extract.PublishResult{
		URI:  fmt.Sprintf("memory://%s/%s", result, subset),
		Rows: int64(len(records)),
	}, nil
}

// Records returns a copy of the rows published for subset.
func (r *Registry) Records(result, subset string) []extract.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rows := r.subsets[key{result, subset}]
	out := make([]extract.Record, len(rows))
	copy(out, rows)
	return out
}

// Visibility returns the visibility subset was published with.
func (r *Registry) Visibility(result, subset string) extract.Visibility {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.visibility[key{result, subset}]
}

// Published returns subsets in publish order.
func (r *Registry) Published() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.published))
	copy(out, r.published)
	return out
}
