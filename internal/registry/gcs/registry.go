// Package gcs provides a registry backed by Google Cloud Storage. Each subset
// is written under {prefix}/{result}/{subset}/ as one parquet object followed by
// a completion marker.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/fineweb-news/internal/extract"
	"github.com/JakeFAU/fineweb-news/internal/parquetio"
)

const (
	dataObject   = "train-00000-of-00001.parquet"
	markerObject = "_SUCCESS"
	parquetType  = "application/vnd.apache.parquet"
)

// Config captures the parameters required to publish to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// Registry publishes subsets to a configured GCS bucket.
type Registry struct {
	client *storage.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// New creates a GCS-backed registry.
func New(client *storage.Client, cfg Config, logger *zap.Logger) (*Registry, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

func (r *Registry) dir(result, subset string) string {
	return path.Join(r.prefix, result, subset) + "/"
}

// Has reports whether the subset directory holds a completion marker.
func (r *Registry) Has(ctx context.Context, result, subset string) (bool, error) {
	dir := r.dir(result, subset)
	it := r.client.Bucket(r.bucket).Objects(ctx, &storage.Query{Prefix: dir})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("list gs://%s/%s: %w", r.bucket, dir, err)
		}
		if attrs.Name == dir+markerObject {
			return true, nil
		}
	}
}

type marker struct {
	Rows   int64  `json:"rows"`
	Object string `json:"object"`
}

// Publish streams rows into the subset's parquet object and writes the completion
// marker once the object is finalized. A failed publish leaves no marker.
func (r *Registry) Publish(
	ctx context.Context,
	result, subset string,
	rows iter.Seq2[extract.Record, error],
	visibility extract.Visibility,
) (extract.PublishResult, error) {
	dir := r.dir(result, subset)
	name := dir + dataObject

	count, err := r.write(ctx, name, parquetType, visibility, func(w io.Writer) (int64, error) {
		return parquetio.Write(w, rows, 0)
	})
	if err != nil {
		return extract.PublishResult{}, err
	}
	body, err := json.Marshal(marker{Rows: count, Object: name})
	if err != nil {
		return extract.PublishResult{}, fmt.Errorf("encode marker: %w", err)
	}
	if _, err := r.write(ctx, dir+markerObject, "application/json", visibility, func(w io.Writer) (int64, error) {
		n, err := w.Write(body)
		return int64(n), err
	}); err != nil {
		return extract.PublishResult{}, err
	}

	uri := fmt.Sprintf("gs://%s/%s", r.bucket, strings.TrimSuffix(dir, "/"))
	r.logger.Info("subset uploaded", zap.String("uri", uri), zap.Int64("rows", count))
	return extract.PublishResult{URI: uri, Rows: count}, nil
}

// write uploads one object. The upload is abandoned when fill fails.
func (r *Registry) write(
	ctx context.Context,
	name, contentType string,
	visibility extract.Visibility,
	fill func(io.Writer) (int64, error),
) (int64, error) {
	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := r.client.Bucket(r.bucket).Object(name).NewWriter(uploadCtx)
	writer.ContentType = contentType
	if !visibility.Private() {
		writer.PredefinedACL = "publicRead"
	}
	n, err := fill(writer)
	if err != nil {
		cancel()
		if closeErr := writer.Close(); closeErr != nil {
			r.logger.Debug("abandoned upload closed with error", zap.String("object", name), zap.Error(closeErr))
		}
		return 0, fmt.Errorf("write gs://%s/%s: %w", r.bucket, name, err)
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("close writer for gs://%s/%s: %w", r.bucket, name, err)
	}
	return n, nil
}
