package lake

import (
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// NewCompressor returns the compressor registered under name: "gzip",
// "zstd", or "none" (also "", "noop", "uncompressed").
//
// Compressors wrap whole objects and apply to JSONL fragments only; Parquet
// compresses its column chunks internally. Matching is case-insensitive, so
// the value can come straight from the s3tables.compression setting or a
// CLI flag.
func NewCompressor(name string) (Compressor, error) {
	switch strings.ToLower(name) {
	case "gzip", "gz":
		return NewGzipCompressor(), nil
	case "zstd", "zst":
		return NewZstdCompressor(), nil
	case "", "none", "noop", "uncompressed":
		return NewNoOpCompressor(), nil
	}
	return nil, fmt.Errorf("unknown compressor %q", name)
}

// -----------------------------------------------------------------------------
// Gzip Compressor
// -----------------------------------------------------------------------------

// gzipCompressor wraps objects in gzip.
type gzipCompressor struct{}

// NewGzipCompressor creates a gzip compressor.
//
// Objects carry the .gz suffix after the codec extension, for example
// part-...-00000-<uuid>.jsonl.gz, and can be read by any gzip tool.
func NewGzipCompressor() Compressor {
	return &gzipCompressor{}
}

func (g *gzipCompressor) Name() string      { return "gzip" }
func (g *gzipCompressor) Extension() string { return ".gz" }

func (g *gzipCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

func (g *gzipCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

// -----------------------------------------------------------------------------
// Zstd Compressor
// -----------------------------------------------------------------------------

// zstdCompressor wraps objects in Zstandard frames.
type zstdCompressor struct{}

// NewZstdCompressor creates a zstd compressor.
//
// Objects carry the .zst suffix. Zstd decodes faster than gzip at a
// similar ratio, which suits Silver fragments that merges re-read in full.
func NewZstdCompressor() Compressor {
	return &zstdCompressor{}
}

func (z *zstdCompressor) Name() string      { return "zstd" }
func (z *zstdCompressor) Extension() string { return ".zst" }

func (z *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w)
}

// Decompress returns a reader whose Close releases the decoder's
// goroutines; callers must close it.
func (z *zstdCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return decoder.IOReadCloser(), nil
}

// -----------------------------------------------------------------------------
// NoOp Compressor
// -----------------------------------------------------------------------------

// noopCompressor passes bytes through unchanged.
type noopCompressor struct{}

// NewNoOpCompressor creates a pass-through compressor.
//
// It adds no extension, so fragment names end in the codec extension.
func NewNoOpCompressor() Compressor {
	return &noopCompressor{}
}

func (n *noopCompressor) Name() string      { return "none" }
func (n *noopCompressor) Extension() string { return "" }

func (n *noopCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (n *noopCompressor) Decompress(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

// nopWriteCloser adapts a plain writer for the no-op compressor.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
