package lake

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonNumberCodec keeps integers exact when decoding fragments.
var jsonNumberCodec = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

const maxScanTokenSize = 10 * 1024 * 1024 // 10MB

// Format names accepted by NewCodec.
const (
	FormatParquet = "parquet"
	FormatJSONL   = "jsonl"
)

// NewCodec returns the codec for a table format and compression name.
//
// Parquet compresses internally ("snappy", "gzip", "zstd" or "none"). JSONL
// fragments are wrapped in a Compressor ("gzip", "zstd" or "none").
func NewCodec(format, compression string) (Codec, error) {
	switch strings.ToLower(format) {
	case FormatParquet, "":
		pc, err := parseParquetCompression(compression)
		if err != nil {
			return nil, err
		}
		return NewParquetCodec(WithParquetCompression(pc)), nil
	case FormatJSONL, "json":
		c, err := NewCompressor(compression)
		if err != nil {
			return nil, fmt.Errorf("jsonl: %w", err)
		}
		return NewJSONLCodec(c), nil
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

// -----------------------------------------------------------------------------
// JSONL Codec
// -----------------------------------------------------------------------------

// jsonlCodec implements Codec using JSON Lines, one object per row.
type jsonlCodec struct {
	compressor Compressor
}

// NewJSONLCodec creates a JSONL codec. A nil compressor writes plain text.
//
// Timestamps are written as RFC 3339 strings and bytes as base64.
func NewJSONLCodec(c Compressor) Codec {
	if c == nil {
		c = NewNoOpCompressor()
	}
	return &jsonlCodec{compressor: c}
}

func (j *jsonlCodec) Name() string { return FormatJSONL }

func (j *jsonlCodec) Extension() string { return ".jsonl" + j.compressor.Extension() }

func (j *jsonlCodec) Encode(w io.Writer, b *Batch) error {
	cw, err := j.compressor.Compress(w)
	if err != nil {
		return fmt.Errorf("jsonl: compress: %w", err)
	}
	enc := jsonCodec.NewEncoder(cw)
	for i := 0; i < b.Len(); i++ {
		rec := b.Record(i)
		for k, v := range rec {
			if ts, ok := v.(time.Time); ok {
				rec[k] = ts.Format(time.RFC3339Nano)
			}
		}
		if err := enc.Encode(rec); err != nil {
			_ = cw.Close()
			return fmt.Errorf("jsonl: encode row %d: %w", i, err)
		}
	}
	return cw.Close()
}

func (j *jsonlCodec) Decode(r io.Reader, schema Schema) (*Batch, error) {
	rc, err := j.compressor.Decompress(r)
	if err != nil {
		return nil, fmt.Errorf("%w: jsonl: decompress: %w", ErrInvalidFormat, err)
	}
	defer closer(rc)()

	out := NewBatch(schema)
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanTokenSize)
	row := make([]any, len(schema.Fields))
	line := 0
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec map[string]any
		if err := jsonNumberCodec.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%w: jsonl line %d: %w", ErrInvalidFormat, line, err)
		}
		for i, f := range schema.Fields {
			v := rec[f.Name]
			if s, ok := v.(string); ok && f.Type == Bytes {
				decoded, err := base64.StdEncoding.DecodeString(s)
				if err != nil {
					return nil, fmt.Errorf("%w: jsonl line %d column %q: %w", ErrInvalidFormat, line, f.Name, err)
				}
				v = decoded
			}
			nv, err := normalize(f.Type, v)
			if err != nil {
				return nil, fmt.Errorf("%w: jsonl line %d column %q: %w", ErrInvalidFormat, line, f.Name, err)
			}
			row[i] = nv
		}
		out.appendRow(row)
		row = make([]any, len(schema.Fields))
		line++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: jsonl: %w", ErrInvalidFormat, err)
	}
	return out, nil
}

// closer returns a function that closes c, discarding the error.
func closer(c io.Closer) func() {
	return func() { _ = c.Close() }
}
