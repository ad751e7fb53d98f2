// Package extract defines the core types shared by the catalog, cache, filter and
// orchestration subsystems.
package extract

import (
	"strings"
	"time"
)

// ShardRecord maps one remote shard file to the subset (partition) it belongs to.
type ShardRecord struct {
	ShardName  string `parquet:"shard_name" json:"shard_name"`
	SubsetName string `parquet:"subset_name" json:"subset_name"`
}

// Record is a single retained row of the output dataset.
type Record struct {
	URL  string `parquet:"url" json:"url"`
	Text string `parquet:"text" json:"text"`
}

// PartitionMeta is the authoritative split -> path pattern mapping for one partition.
type PartitionMeta struct {
	Name   string
	Splits map[string][]string
}

// Visibility controls who can read a published subset.
type Visibility string

// Supported visibility values.
const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Private reports whether the subset should be published privately.
func (v Visibility) Private() bool {
	return v == VisibilityPrivate
}

// SubsetState represents the lifecycle state of one subset within a run.
type SubsetState string

// Subset lifecycle states.
const (
	StatePending    SubsetState = "PENDING"
	StateSkipped    SubsetState = "SKIPPED"
	StateInProgress SubsetState = "IN_PROGRESS"
	StatePublished  SubsetState = "PUBLISHED"
	StateCleaned    SubsetState = "CLEANED"
	StateFailed     SubsetState = "FAILED"
	StateAborted    SubsetState = "ABORTED"
)

// Terminal reports whether no further transition can follow within the same run.
func (s SubsetState) Terminal() bool {
	switch s {
	case StateSkipped, StateCleaned, StateFailed, StateAborted:
		return true
	default:
		return false
	}
}

// PublishResult describes a publish accepted by a registry.
type PublishResult struct {
	// URI addresses the published subset in the registry.
	URI string
	// Rows counts the rows written.
	Rows int64
}

// PublishEvent is emitted after a subset has been published.
type PublishEvent struct {
	RunID       string    `json:"run_id"`
	Dataset     string    `json:"dataset"`
	Result      string    `json:"result"`
	Subset      string    `json:"subset"`
	URI         string    `json:"uri"`
	Rows        int64     `json:"rows"`
	Shards      int       `json:"shards"`
	PublishedAt time.Time `json:"published_at"`
}

// Slug converts a dataset identity into a filesystem-safe name.
func Slug(identity string) string {
	return strings.ReplaceAll(identity, "/", "_")
}

// Locator builds the fully resolved shard address for a dataset file.
func Locator(dataset, shardName string) string {
	return "hf://datasets/" + dataset + "/" + shardName
}
