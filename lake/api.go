// Package lake manages Silver-layer tables over object storage.
//
// A table is a named, schema-fixed collection of fragments laid out under
// <prefix><table>/, optionally Hive-partitioned. TableStore offers existence
// checks, creation, append and overwrite writes, filtered reads, partition
// enumeration, statistics and deletion. Merge performs a key-based upsert of
// one table into another through the same write path.
//
// Every object-store call runs under a resilience.Policy, so transient
// service failures are retried and surface as classified etlerr errors.
//
// Tables assume a single writer. There is no locking between a read and a
// following write, and overwrite is not atomic: old fragments are deleted
// before the new ones are written.
package lake

import (
	"context"
	"io"
)

// -----------------------------------------------------------------------------
// ObjectStore interface
// -----------------------------------------------------------------------------

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	// Path is relative to the store root.
	Path string

	// Size is the object size in bytes.
	Size int64
}

// ObjectStore abstracts the underlying object storage system.
//
// Implementations may target filesystems, S3, or other object stores.
// Paths are slash-separated and relative to the store root.
type ObjectStore interface {
	// Put writes data to the given path. Returns ErrPathExists if the path
	// is already occupied.
	Put(ctx context.Context, path string, r io.Reader) error

	// Get retrieves data from the given path. Returns ErrNotFound if absent.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Exists checks whether a path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns the objects under the given prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes the path if it exists.
	Delete(ctx context.Context, path string) error

	// DeletePrefix removes every object under prefix and reports how many
	// were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Locator is implemented by stores that can render a path as an external
// location such as s3://bucket/key.
type Locator interface {
	Location(path string) string
}

// -----------------------------------------------------------------------------
// Codec interface
// -----------------------------------------------------------------------------

// Codec serializes batches to fragment files.
type Codec interface {
	// Name returns the codec identifier ("parquet" or "jsonl").
	Name() string

	// Extension returns the fragment file extension, including the dot.
	Extension() string

	// Encode writes the batch to w.
	Encode(w io.Writer, b *Batch) error

	// Decode reads a fragment into a batch shaped by schema. Columns absent
	// from the fragment decode as nulls.
	Decode(r io.Reader, schema Schema) (*Batch, error)
}

// -----------------------------------------------------------------------------
// Compressor interface
// -----------------------------------------------------------------------------

// Compressor handles compression and decompression of data streams.
type Compressor interface {
	// Name returns the compressor identifier (for example, "gzip", "zstd", "none").
	Name() string

	// Extension returns the file extension (for example, ".gz", ".zst", "").
	Extension() string

	// Compress wraps a writer with compression.
	Compress(w io.Writer) (io.WriteCloser, error)

	// Decompress wraps a reader with decompression.
	Decompress(r io.Reader) (io.ReadCloser, error)
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Error sentinel values for common conditions.
var (
	// ErrNotFound indicates a requested object does not exist.
	ErrNotFound = errNotFound{}

	// ErrPathExists indicates an attempt to write to an existing path.
	ErrPathExists = errPathExists{}

	// ErrSchemaViolation indicates a value or batch that does not fit its schema.
	ErrSchemaViolation = errSchemaViolation{}

	// ErrInvalidFormat indicates a fragment that cannot be decoded.
	ErrInvalidFormat = errInvalidFormat{}
)

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type errPathExists struct{}

func (errPathExists) Error() string { return "path exists" }

type errSchemaViolation struct{}

func (errSchemaViolation) Error() string { return "schema violation" }

type errInvalidFormat struct{}

func (errInvalidFormat) Error() string { return "invalid format" }
