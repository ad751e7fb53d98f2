// Package parquetio streams typed rows in and out of parquet files.
//
// Rows are read through a schema conversion to the Go type requested by the caller,
// so only the columns named by that type's parquet tags are decoded. Writes are
// batched; memory use is bounded by one batch, not by the file.
package parquetio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/parquet-go/parquet-go"
)

// DefaultBatchSize is the number of rows decoded or encoded per call.
const DefaultBatchSize = 1024

// Inspect validates the parquet footer and returns the row count.
func Inspect(r io.ReaderAt, size int64) (int64, error) {
	f, err := parquet.OpenFile(r, size, parquet.SkipPageIndex(true), parquet.SkipBloomFilters(true))
	if err != nil {
		return 0, fmt.Errorf("open parquet: %w", err)
	}
	return f.NumRows(), nil
}

// Rows returns a lazy sequence of rows decoded as T. Each iteration reopens the file,
// so the sequence can be ranged over more than once.
func Rows[T any](ctx context.Context, r io.ReaderAt, size int64, batchSize int) iter.Seq2[T, error] {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return func(yield func(T, error) bool) {
		var zero T
		f, err := parquet.OpenFile(r, size, parquet.SkipPageIndex(true), parquet.SkipBloomFilters(true))
		if err != nil {
			yield(zero, fmt.Errorf("open parquet: %w", err))
			return
		}
		reader, err := newReader[T](f)
		if err != nil {
			yield(zero, err)
			return
		}
		defer reader.Close() //nolint:errcheck // read-only

		buf := make([]T, batchSize)
		for {
			if err := ctx.Err(); err != nil {
				yield(zero, err)
				return
			}
			n, readErr := reader.Read(buf)
			for i := range n {
				if !yield(buf[i], nil) {
					return
				}
			}
			switch {
			case errors.Is(readErr, io.EOF):
				return
			case readErr != nil:
				yield(zero, fmt.Errorf("read parquet rows: %w", readErr))
				return
			case n == 0:
				return
			}
		}
	}
}

// newReader wraps parquet.NewGenericReader, which panics when the file schema
// cannot be converted to T.
func newReader[T any](f *parquet.File) (reader *parquet.GenericReader[T], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("convert parquet schema: %v", r)
		}
	}()
	return parquet.NewGenericReader[T](f), nil
}

// Write encodes rows as a zstd-compressed parquet stream and returns the row count.
// The first error yielded by rows aborts the write and is returned unchanged.
func Write[T any](w io.Writer, rows iter.Seq2[T, error], batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	writer := parquet.NewGenericWriter[T](w, parquet.Compression(&parquet.Zstd))
	batch := make([]T, 0, batchSize)
	var total int64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := writer.Write(batch); err != nil {
			return fmt.Errorf("write parquet rows: %w", err)
		}
		total += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	for row, err := range rows {
		if err != nil {
			return total, err
		}
		batch = append(batch, row)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}
	if err := writer.Close(); err != nil {
		return total, fmt.Errorf("close parquet writer: %w", err)
	}
	return total, nil
}

// Slice adapts a slice to the sequence shape consumed by Write.
func Slice[T any](items []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Collect drains a sequence into a slice, stopping at the first error.
func Collect[T any](rows iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for row, err := range rows {
		if err != nil {
			return out, err
		}
		out = append(out, row)
	}
	return out, nil
}
