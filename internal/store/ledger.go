package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/fineweb-news/internal/extract"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the runs.status column.
type RunStatus string

// Run statuses persisted in runs.status.
const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunInterrupted RunStatus = "interrupted"
	RunFailed      RunStatus = "failed"
)

// Run models one orchestrator invocation.
type Run struct {
	// ID is a time-ordered (v7) identifier.
	ID uuid.UUID
	// Dataset is the source dataset identity.
	Dataset string
	// Result is the destination dataset identity.
	Result string
	// StartedAt captures when the run began.
	StartedAt time.Time
	// FinishedAt is nil until the run ends.
	FinishedAt *time.Time
	Status     RunStatus
	// ErrorMessage optionally stores the reason a run failed.
	ErrorMessage *string
}

// SubsetRun is the latest recorded state of one subset within a run.
type SubsetRun struct {
	RunID     uuid.UUID
	Subset    string
	State     extract.SubsetState
	Shards    int
	Rows      int64
	URI       string
	Error     *string
	UpdatedAt time.Time
}

// Repository persists runs and their subset transitions.
type Repository interface {
	// StartRun inserts a run in running status.
	StartRun(ctx context.Context, run Run) error
	// FinishRun marks the run finished with the provided status and error.
	FinishRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// RecordSubset upserts the state of one subset keyed by (run, subset).
	RecordSubset(ctx context.Context, rec SubsetRun) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	// ListSubsets returns the subsets of a run ordered by first record.
	ListSubsets(ctx context.Context, id uuid.UUID) ([]SubsetRun, error)
}
