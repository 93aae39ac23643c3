// Package bronze lands raw source files in the Bronze zone of the lake.
//
// Ingest reads a CSV, JSON or Parquet document, stamps every row with
// bronze_ingest_timestamp, bronze_ingest_date and bronze_ingest_time, and
// writes the result under the Bronze prefix as CSV, JSON Lines or Parquet,
// optionally split into Hive partitions.
package bronze

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cast"

	"github.com/rama83/GluwETL2/lake"
	"github.com/rama83/GluwETL2/lake/etlerr"
	"github.com/rama83/GluwETL2/lake/resilience"
)

// Ingest metadata columns.
const (
	ColumnTimestamp = "bronze_ingest_timestamp"
	ColumnDate      = "bronze_ingest_date"
	ColumnTime      = "bronze_ingest_time"
)

// DefaultPrefix is the Bronze zone prefix.
const DefaultPrefix = "raw/"

// Output formats. FormatCSV and FormatParquet are shared with sources.
const FormatJSONL = "jsonl"

// Options describes one ingestion.
type Options struct {
	// SourceFormat is csv, json or parquet. Empty detects it from the
	// source name.
	SourceFormat string

	// TargetKey is the object key under the Bronze prefix.
	TargetKey string

	// Format is the output format: csv, jsonl (or json) or parquet.
	Format string

	// Compression applies to jsonl and parquet output.
	Compression string

	// PartitionColumns splits the output into k=v directories under
	// TargetKey.
	PartitionColumns []string

	// Overwrite replaces existing objects at the target.
	Overwrite bool
}

// Result reports what was written.
type Result struct {
	Rows    int
	Columns []string
	Paths   []string
}

// Ingester writes raw data into a Bronze store.
type Ingester struct {
	store  lake.ObjectStore
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Ingester.
type Option func(*ingesterOptions)

type ingesterOptions struct {
	policy resilience.Policy
	logger *slog.Logger
	now    func() time.Time
}

// WithPolicy sets the retry policy for store calls.
func WithPolicy(p resilience.Policy) Option {
	return func(o *ingesterOptions) { o.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *ingesterOptions) { o.logger = l }
}

// WithClock sets the ingest time source.
func WithClock(now func() time.Time) Option {
	return func(o *ingesterOptions) { o.now = now }
}

// New returns an Ingester writing under prefix in store.
func New(store lake.ObjectStore, prefix string, opts ...Option) (*Ingester, error) {
	if store == nil {
		return nil, etlerr.Configuration("bronze store is required", "s3.bronze.bucket")
	}
	o := ingesterOptions{policy: resilience.DefaultPolicy(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Ingester{
		store:  lake.NewResilientStore(store, o.policy, "s3", resilience.WithLogger(o.logger)),
		prefix: strings.TrimPrefix(prefix, "/"),
		logger: o.logger,
		now:    o.now,
	}, nil
}

// IngestFile ingests a local file.
func (in *Ingester) IngestFile(ctx context.Context, name string, opts Options) (Result, error) {
	f, err := os.Open(name)
	if err != nil {
		return Result{}, etlerr.Data(fmt.Sprintf("failed to open source %s", name), name, opts.TargetKey, etlerr.WithCause(err))
	}
	defer func() { _ = f.Close() }()
	return in.Ingest(ctx, name, f, opts)
}

// IngestObject ingests an object from another store, such as a landing
// bucket.
func (in *Ingester) IngestObject(ctx context.Context, src lake.ObjectStore, key string, opts Options) (Result, error) {
	rc, err := src.Get(ctx, key)
	if err != nil {
		return Result{}, etlerr.Data(fmt.Sprintf("failed to open source %s", key), key, opts.TargetKey, etlerr.WithCause(err))
	}
	defer func() { _ = rc.Close() }()
	return in.Ingest(ctx, key, rc, opts)
}

// Ingest reads the document in r (named source for format detection and
// error details) and writes it to the Bronze zone.
func (in *Ingester) Ingest(ctx context.Context, source string, r io.Reader, opts Options) (Result, error) {
	if opts.TargetKey == "" {
		return Result{}, etlerr.Validation("target key is required", "", "target_key")
	}
	format := opts.SourceFormat
	if format == "" {
		var ok bool
		if format, ok = DetectFormat(source); !ok {
			return Result{}, etlerr.Validation(fmt.Sprintf("cannot detect format of %s", source), "", "source_format",
				etlerr.WithDetail(etlerr.DetailSource, source))
		}
	}

	in.logger.InfoContext(ctx, "starting data ingestion",
		slog.String("source", source),
		slog.String("source_format", format),
		slog.String("target_key", opts.TargetKey),
		slog.String("format", opts.Format),
		slog.Any("partition_cols", opts.PartitionColumns),
	)

	b, err := Decode(format, r)
	if err != nil {
		return Result{}, etlerr.Data(fmt.Sprintf("failed to read source %s", source), source, opts.TargetKey, etlerr.WithCause(err))
	}
	in.logger.InfoContext(ctx, "read data from source",
		slog.Int("rows", b.Len()),
		slog.Any("columns", b.Schema().Names()),
	)

	b, err = Stamp(b, in.now())
	if err != nil {
		return Result{}, etlerr.Data("failed to add ingest columns", source, opts.TargetKey, etlerr.WithCause(err))
	}

	paths, err := in.write(ctx, b, opts)
	if err != nil {
		if _, ok := etlerr.As(err); ok {
			return Result{}, err
		}
		return Result{}, etlerr.Data(fmt.Sprintf("failed to write %s", opts.TargetKey), source, opts.TargetKey, etlerr.WithCause(err))
	}

	in.logger.InfoContext(ctx, "wrote data to bronze",
		slog.String("target_key", opts.TargetKey),
		slog.Int("rows", b.Len()),
		slog.Int("objects", len(paths)),
	)
	return Result{Rows: b.Len(), Columns: b.Schema().Names(), Paths: paths}, nil
}

// Stamp returns b with the ingest metadata columns set to now. Existing
// columns of the same names are replaced.
func Stamp(b *lake.Batch, now time.Time) (*lake.Batch, error) {
	meta := []lake.Field{
		{Name: ColumnTimestamp, Type: lake.Timestamp},
		{Name: ColumnDate, Type: lake.String},
		{Name: ColumnTime, Type: lake.String},
	}
	metaNames := lo.Map(meta, func(f lake.Field, _ int) string { return f.Name })
	kept := lo.Filter(b.Schema().Fields, func(f lake.Field, _ int) bool { return !lo.Contains(metaNames, f.Name) })

	schema := lake.NewSchema(append(kept, meta...)...)
	columns := make(map[string][]any, len(schema.Fields))
	for _, f := range kept {
		columns[f.Name], _ = b.Column(f.Name)
	}
	ts := now.UTC()
	columns[ColumnTimestamp] = lo.Times(b.Len(), func(int) any { return ts })
	columns[ColumnDate] = lo.Times(b.Len(), func(int) any { return now.Format("2006-01-02") })
	columns[ColumnTime] = lo.Times(b.Len(), func(int) any { return now.Format("15-04-05") })
	return lake.NewBatchFromColumns(schema, columns)
}

func (in *Ingester) write(ctx context.Context, b *lake.Batch, opts Options) ([]string, error) {
	enc, ext, err := encoder(opts.Format, opts.Compression)
	if err != nil {
		return nil, etlerr.Validation(err.Error(), "", "format", etlerr.WithCause(err))
	}

	order, groups, err := lake.SplitPartitions(b, opts.PartitionColumns)
	if err != nil {
		return nil, etlerr.Validation(err.Error(), "", "partition_columns", etlerr.WithCause(err))
	}

	target := in.prefix + strings.Trim(opts.TargetKey, "/")
	var paths []string
	for i, dir := range order {
		key := target
		if dir != "" {
			key = path.Join(target, dir, fmt.Sprintf("part-%05d%s", i, ext))
		}
		var buf bytes.Buffer
		if err := enc(&buf, groups[dir]); err != nil {
			return paths, fmt.Errorf("encoding %s: %w", key, err)
		}
		if err := in.put(ctx, key, buf.Bytes(), opts.Overwrite); err != nil {
			return paths, err
		}
		paths = append(paths, in.location(key))
	}
	return paths, nil
}

func (in *Ingester) put(ctx context.Context, key string, data []byte, overwrite bool) error {
	err := in.store.Put(ctx, key, bytes.NewReader(data))
	if !errors.Is(err, lake.ErrPathExists) {
		return err
	}
	if !overwrite {
		return etlerr.Data(fmt.Sprintf("bronze object %s already exists", key), "", key, etlerr.WithCause(err))
	}
	if err := in.store.Delete(ctx, key); err != nil {
		return err
	}
	return in.store.Put(ctx, key, bytes.NewReader(data))
}

func (in *Ingester) location(key string) string {
	if l, ok := in.store.(lake.Locator); ok {
		return l.Location(key)
	}
	return key
}

type encodeFunc func(w io.Writer, b *lake.Batch) error

func encoder(format, compression string) (encodeFunc, string, error) {
	switch strings.ToLower(format) {
	case FormatCSV:
		return WriteCSV, ".csv", nil
	case FormatJSONL, FormatJSON, FormatParquet, "":
		codec, err := lake.NewCodec(format, compression)
		if err != nil {
			return nil, "", err
		}
		return codec.Encode, codec.Extension(), nil
	}
	return nil, "", fmt.Errorf("unsupported output format %q", format)
}

// WriteCSV writes b as CSV with a header row. Nulls are empty cells,
// timestamps are RFC 3339 and bytes are base64.
func WriteCSV(w io.Writer, b *lake.Batch) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(b.Schema().Names()); err != nil {
		return err
	}
	record := make([]string, b.NumColumns())
	for i := 0; i < b.Len(); i++ {
		for j, v := range b.Row(i) {
			record[j] = cellText(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func cellText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	}
	return cast.ToString(v)
}
