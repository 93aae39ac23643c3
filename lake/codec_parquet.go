package lake

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
)

// -----------------------------------------------------------------------------
// Parquet Codec Options
// -----------------------------------------------------------------------------

// ParquetCompression specifies internal Parquet compression.
type ParquetCompression int

// Parquet compression options for internal file compression.
const (
	ParquetCompressionNone ParquetCompression = iota
	ParquetCompressionSnappy
	ParquetCompressionGzip
	ParquetCompressionZstd
)

func parseParquetCompression(name string) (ParquetCompression, error) {
	switch strings.ToLower(name) {
	case "snappy", "":
		return ParquetCompressionSnappy, nil
	case "gzip", "gz":
		return ParquetCompressionGzip, nil
	case "zstd", "zst":
		return ParquetCompressionZstd, nil
	case "none", "noop", "uncompressed":
		return ParquetCompressionNone, nil
	}
	return 0, fmt.Errorf("parquet: unknown compression %q", name)
}

// ParquetOption configures Parquet codec behavior.
type ParquetOption func(*parquetCodec)

// WithParquetCompression sets internal Parquet compression.
func WithParquetCompression(codec ParquetCompression) ParquetOption {
	return func(c *parquetCodec) {
		c.compression = codec
	}
}

// -----------------------------------------------------------------------------
// Parquet Codec Implementation
// -----------------------------------------------------------------------------

// parquetCodec implements Codec for Apache Parquet. Each fragment is one
// file with a single row group; every column is written, partition columns
// included.
type parquetCodec struct {
	compression ParquetCompression
}

// NewParquetCodec creates a Parquet codec. Snappy compression is the default.
func NewParquetCodec(opts ...ParquetOption) Codec {
	c := &parquetCodec{compression: ParquetCompressionSnappy}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *parquetCodec) Name() string { return FormatParquet }

func (c *parquetCodec) Extension() string { return ".parquet" }

func (c *parquetCodec) Encode(w io.Writer, b *Batch) error {
	schema := b.Schema()
	if err := schema.Validate(); err != nil {
		return err
	}
	pqSchema := buildParquetSchema(schema)

	// parquet-go orders group fields by name; rows follow that order
	order := make([]int, 0, len(schema.Fields))
	for _, f := range pqSchema.Fields() {
		order = append(order, schema.Index(f.Name()))
	}

	rowBuf := parquet.NewBuffer(pqSchema)
	for i := 0; i < b.Len(); i++ {
		row := make(parquet.Row, len(order))
		for col, idx := range order {
			field := schema.Fields[idx]
			val := b.cols[idx][i]
			if val == nil {
				if !field.Nullable {
					return fmt.Errorf("%w: row %d missing required field %q", ErrSchemaViolation, i, field.Name)
				}
				row[col] = parquet.NullValue().Level(0, 0, col)
				continue
			}
			pqVal, err := toParquetValue(val, field)
			if err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
			defLevel := 1
			if !field.Nullable {
				defLevel = 0
			}
			row[col] = pqVal.Level(0, defLevel, col)
		}
		if _, err := rowBuf.WriteRows([]parquet.Row{row}); err != nil {
			return fmt.Errorf("parquet: write row %d: %w", i, err)
		}
	}

	var buf bytes.Buffer
	pqWriter := parquet.NewWriter(&buf, pqSchema, c.compressionOption())
	if _, err := pqWriter.WriteRowGroup(rowBuf); err != nil {
		_ = pqWriter.Close()
		return fmt.Errorf("parquet: write row group: %w", err)
	}
	if err := pqWriter.Close(); err != nil {
		return fmt.Errorf("parquet: close writer: %w", err)
	}

	_, err := io.Copy(w, &buf)
	return err
}

func (c *parquetCodec) Decode(r io.Reader, schema Schema) (*Batch, error) {
	// parquet needs random access to the footer
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("parquet: read file: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrInvalidFormat
	}

	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrInvalidFormat
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}

	// map file columns onto the requested schema; absent columns stay null
	fileFields := file.Schema().Fields()
	target := make([]int, len(fileFields))
	for i, f := range fileFields {
		target[i] = schema.Index(f.Name())
	}

	out := NewBatch(schema)
	if file.NumRows() == 0 {
		return out, nil
	}

	reader := parquet.NewReader(file)
	defer closer(reader)()

	rows := make([]parquet.Row, 100)
	for {
		n, err := reader.ReadRows(rows)
		for i := 0; i < n; i++ {
			record := make([]any, len(schema.Fields))
			for _, v := range rows[i] {
				col := v.Column()
				if col < 0 || col >= len(target) || target[col] < 0 || v.IsNull() {
					continue
				}
				field := schema.Fields[target[col]]
				record[target[col]] = fromParquetValue(v, field)
			}
			out.appendRow(record)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: read rows: %w", ErrInvalidFormat, err)
		}
	}
	return out, nil
}

func (c *parquetCodec) compressionOption() parquet.WriterOption {
	switch c.compression {
	case ParquetCompressionSnappy:
		return parquet.Compression(&parquet.Snappy)
	case ParquetCompressionGzip:
		return parquet.Compression(&parquet.Gzip)
	case ParquetCompressionZstd:
		return parquet.Compression(&parquet.Zstd)
	default:
		return parquet.Compression(&parquet.Uncompressed)
	}
}

// toParquetValue converts a normalized batch value to a parquet Value.
func toParquetValue(val any, field Field) (parquet.Value, error) {
	switch v := val.(type) {
	case int32:
		if field.Type == Int32 {
			return parquet.Int32Value(v), nil
		}
	case int64:
		if field.Type == Int64 {
			return parquet.Int64Value(v), nil
		}
	case float32:
		if field.Type == Float32 {
			return parquet.FloatValue(v), nil
		}
	case float64:
		if field.Type == Float64 {
			return parquet.DoubleValue(v), nil
		}
	case string:
		if field.Type == String {
			return parquet.ByteArrayValue([]byte(v)), nil
		}
	case bool:
		if field.Type == Bool {
			return parquet.BooleanValue(v), nil
		}
	case []byte:
		if field.Type == Bytes {
			return parquet.ByteArrayValue(v), nil
		}
	case time.Time:
		if field.Type == Timestamp {
			return parquet.Int64Value(v.UnixNano()), nil
		}
	}
	return parquet.Value{}, fmt.Errorf("%w: field %q: expected %s, got %T", ErrSchemaViolation, field.Name, field.Type, val)
}

// fromParquetValue converts a parquet Value back to a normalized Go value.
func fromParquetValue(val parquet.Value, field Field) any {
	switch field.Type {
	case Int32:
		return val.Int32()
	case Int64:
		return val.Int64()
	case Float32:
		return val.Float()
	case Float64:
		return val.Double()
	case String:
		return string(val.ByteArray())
	case Bool:
		return val.Boolean()
	case Bytes:
		return bytes.Clone(val.ByteArray())
	case Timestamp:
		return time.Unix(0, val.Int64()).UTC()
	default:
		return nil
	}
}

// buildParquetSchema creates a parquet-go schema from a table schema.
func buildParquetSchema(schema Schema) *parquet.Schema {
	group := make(parquet.Group, len(schema.Fields))
	for _, field := range schema.Fields {
		group[field.Name] = buildFieldNode(field)
	}
	return parquet.NewSchema("row", group)
}

func buildFieldNode(field Field) parquet.Node {
	var node parquet.Node

	switch field.Type {
	case Int32:
		node = parquet.Int(32)
	case Int64:
		node = parquet.Int(64)
	case Float32:
		node = parquet.Leaf(parquet.FloatType)
	case Float64:
		node = parquet.Leaf(parquet.DoubleType)
	case String:
		node = parquet.String()
	case Bool:
		node = parquet.Leaf(parquet.BooleanType)
	case Bytes:
		node = parquet.Leaf(parquet.ByteArrayType)
	case Timestamp:
		node = parquet.Timestamp(parquet.Nanosecond)
	default:
		// Schema.Validate rejects unknown types before we get here
		panic(fmt.Sprintf("invalid Type %d for field %q", field.Type, field.Name))
	}

	if field.Nullable {
		node = parquet.Optional(node)
	}

	return node
}

// ReadParquetSchema returns the table schema stored in a parquet file.
// Only flat files with primitive columns are supported. Timestamps in units
// other than nanoseconds are read as Int64.
func ReadParquetSchema(r io.ReaderAt, size int64) (Schema, error) {
	if size == 0 {
		return Schema{}, ErrInvalidFormat
	}
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return Schema{}, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}

	var schema Schema
	for _, f := range file.Schema().Fields() {
		if !f.Leaf() || f.Repeated() {
			return Schema{}, fmt.Errorf("%w: column %q is not a primitive column", ErrSchemaViolation, f.Name())
		}
		t, ok := typeOfNode(f)
		if !ok {
			return Schema{}, fmt.Errorf("%w: column %q has unsupported type %s", ErrSchemaViolation, f.Name(), f.Type())
		}
		schema.Fields = append(schema.Fields, Field{Name: f.Name(), Type: t, Nullable: f.Optional()})
	}
	return schema, nil
}

func typeOfNode(n parquet.Node) (Type, bool) {
	if lt := n.Type().LogicalType(); lt != nil {
		switch {
		case lt.UTF8 != nil:
			return String, true
		case lt.Timestamp != nil && lt.Timestamp.Unit.Nanos != nil:
			return Timestamp, true
		case lt.Integer != nil && lt.Integer.BitWidth <= 32:
			return Int32, true
		case lt.Integer != nil:
			return Int64, true
		}
	}
	switch n.Type().Kind() {
	case parquet.Boolean:
		return Bool, true
	case parquet.Int32:
		return Int32, true
	case parquet.Int64:
		return Int64, true
	case parquet.Float:
		return Float32, true
	case parquet.Double:
		return Float64, true
	case parquet.ByteArray:
		return Bytes, true
	}
	return 0, false
}
