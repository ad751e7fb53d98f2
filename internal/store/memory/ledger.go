// Package memory provides an in-memory run ledger for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/fineweb-news/internal/store"
)

// Ledger implements store.Repository in memory.
type Ledger struct {
	mu      sync.RWMutex
	runs    map[uuid.UUID]store.Run
	subsets map[uuid.UUID][]store.SubsetRun
}

// New constructs an empty Ledger.
func New() *Ledger {
	return &Ledger{
		runs:    make(map[uuid.UUID]store.Run),
		subsets: make(map[uuid.UUID][]store.SubsetRun),
	}
}

// StartRun stores a new run in running status.
func (l *Ledger) StartRun(_ context.Context, run store.Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	run.Status = store.RunRunning
	l.runs[run.ID] = run
	return nil
}

// FinishRun marks the run finished.
func (l *Ledger) FinishRun(
	_ context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	run.FinishedAt = &finishedAt
	run.Status = status
	run.ErrorMessage = errMsg
	l.runs[id] = run
	return nil
}

// RecordSubset replaces the record of rec.Subset within its run, or appends it.
func (l *Ledger) RecordSubset(_ context.Context, rec store.SubsetRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.runs[rec.RunID]; !ok {
		return store.ErrNotFound
	}
	recs := l.subsets[rec.RunID]
	for i := range recs {
		if recs[i].Subset == rec.Subset {
			recs[i] = rec
			return nil
		}
	}
	l.subsets[rec.RunID] = append(recs, rec)
	return nil
}

// GetRun fetches a run by ID.
func (l *Ledger) GetRun(_ context.Context, id uuid.UUID) (store.Run, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	run, ok := l.runs[id]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListSubsets returns a copy of the subset records of a run.
func (l *Ledger) ListSubsets(_ context.Context, id uuid.UUID) ([]store.SubsetRun, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.runs[id]; !ok {
		return nil, store.ErrNotFound
	}
	out := make([]store.SubsetRun, len(l.subsets[id]))
	copy(out, l.subsets[id])
	return out, nil
}
