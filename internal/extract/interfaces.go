package extract

import (
	"context"
	"io"
	"iter"
	"time"
)

// Hub lists files and partition metadata of a remote dataset.
type Hub interface {
	// ListFiles returns every file path of the dataset, relative to its root.
	ListFiles(ctx context.Context, dataset string) ([]string, error)
	// PartitionMetadata returns the published partitions of the dataset. An empty
	// result means the dataset carries no authoritative partition metadata.
	PartitionMetadata(ctx context.Context, dataset string) ([]PartitionMeta, error)
}

// ShardFile is an opened, randomly addressable shard.
type ShardFile interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// ShardSource opens shards by locator.
type ShardSource interface {
	Open(ctx context.Context, locator string) (ShardFile, error)
}

// Registry stores published subsets.
type Registry interface {
	// Has reports whether subset already exists for the result dataset. A missing
	// result dataset is reported as false, not as an error.
	Has(ctx context.Context, result, subset string) (bool, error)
	// Publish uploads rows as subset of the result dataset.
	Publish(
		ctx context.Context,
		result string,
		subset string,
		rows iter.Seq2[Record, error],
		visibility Visibility,
	) (PublishResult, error)
}

// Notifier announces published subsets.
type Notifier interface {
	Notify(ctx context.Context, event PublishEvent) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
