package extract

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInterrupted is returned when a run stops early because its context was canceled.
var ErrInterrupted = errors.New("run interrupted")

// ConsistencyError reports partition metadata that breaks the single split, single
// path pattern per partition invariant.
type ConsistencyError struct {
	Dataset    string
	Violations []string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("inconsistent partition metadata for %s: %s", e.Dataset, strings.Join(e.Violations, "; "))
}

// CacheCorruptionError reports a cache file that exists but cannot be read.
type CacheCorruptionError struct {
	Path string
	Err  error
}

func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("cache file %s is unreadable: %v", e.Path, e.Err)
}

func (e *CacheCorruptionError) Unwrap() error {
	return e.Err
}

// ShardError reports a failure while processing one shard.
type ShardError struct {
	Locator string
	Err     error
}

func (e *ShardError) Error() string {
	return fmt.Sprintf("process shard %s: %v", e.Locator, e.Err)
}

func (e *ShardError) Unwrap() error {
	return e.Err
}

// PublishError reports a failure while publishing a subset.
type PublishError struct {
	Subset string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish subset %s: %v", e.Subset, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must abort the whole run rather than a single subset.
func IsFatal(err error) bool {
	var consistency *ConsistencyError
	var corruption *CacheCorruptionError
	return errors.As(err, &consistency) || errors.As(err, &corruption)
}
