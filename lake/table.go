package lake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rama83/GluwETL2/lake/etlerr"
	"github.com/rama83/GluwETL2/lake/resilience"
)

// DefaultSource is reported as the source of Data errors raised by a
// TableStore.
const DefaultSource = "table-store"

// WriteMode selects how Write treats existing fragments.
type WriteMode int

const (
	// Append adds fragments next to the existing ones. Rows are not deduplicated.
	Append WriteMode = iota
	// Overwrite deletes every existing fragment before writing.
	Overwrite
)

func (m WriteMode) String() string {
	if m == Overwrite {
		return "overwrite"
	}
	return "append"
}

// ParseWriteMode parses "append" or "overwrite".
func ParseWriteMode(s string) (WriteMode, error) {
	switch s {
	case "append", "":
		return Append, nil
	case "overwrite":
		return Overwrite, nil
	}
	return 0, fmt.Errorf("unknown write mode %q", s)
}

// TableConfig configures a TableStore.
type TableConfig struct {
	// Prefix is the object path under which tables live, e.g. "processed/".
	Prefix string

	// Format is the fragment format for new tables: "parquet" or "jsonl".
	Format string

	// Compression is applied to new tables' fragments.
	Compression string

	// PartitionColumns is used when a table is created by Write without
	// explicit partition columns.
	PartitionColumns []string

	// Source names the store in Data errors. Defaults to DefaultSource.
	Source string
}

// WriteOptions controls a single Write.
type WriteOptions struct {
	Mode WriteMode

	// PartitionColumns applies when Write creates the table. For an existing
	// table a non-nil value must match the table's partition columns.
	PartitionColumns []string
}

// ReadOptions controls a single Read.
type ReadOptions struct {
	// Columns projects the result in the given order. Empty means all
	// columns in schema order.
	Columns []string

	// Filter keeps rows matching every condition.
	Filter Filter

	// Limit truncates the result when positive. Which rows survive is
	// unspecified.
	Limit int
}

// TableStats summarizes a table.
type TableStats struct {
	Table          string      `json:"table_name"`
	Path           string      `json:"path"`
	RowCount       int         `json:"row_count"`
	ColumnCount    int         `json:"column_count"`
	Columns        []string    `json:"columns"`
	PartitionCount int         `json:"partition_count"`
	Partitions     []Partition `json:"partitions"`
	SizeBytes      int64       `json:"size_bytes"`
	SizeMB         float64     `json:"size_mb"`
	FileCount      int         `json:"file_count"`
}

// tableMetadata is persisted at <table>/_metadata/schema.json.
type tableMetadata struct {
	Name             string    `json:"name"`
	Columns          []Field   `json:"columns"`
	PartitionColumns []string  `json:"partition_columns"`
	Format           string    `json:"format"`
	Compression      string    `json:"compression"`
	CreatedAt        time.Time `json:"created_at"`
}

func (m *tableMetadata) schema() Schema { return NewSchema(m.Columns...) }

// -----------------------------------------------------------------------------
// TableStore
// -----------------------------------------------------------------------------

// TableStore manages partitioned tables in an ObjectStore.
//
// Every object-store call runs under the configured resilience.Policy.
// Tables assume a single writer: nothing guards a Read followed by a Write,
// and concurrent overwrites of the same table race with the last one
// winning.
type TableStore struct {
	store  ObjectStore
	cfg    TableConfig
	layout tableLayout
	bucket string
	logger *slog.Logger
	now    func() time.Time
	seq    atomic.Uint64
}

type tableOptions struct {
	policy    resilience.Policy
	logger    *slog.Logger
	now       func() time.Time
	retryOpts []resilience.Option
}

// Option configures a TableStore.
type Option func(*tableOptions)

// WithPolicy sets the retry policy for object-store calls.
func WithPolicy(p resilience.Policy) Option {
	return func(o *tableOptions) { o.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *tableOptions) { o.logger = l }
}

// WithClock sets the time source for metadata timestamps and fragment names.
func WithClock(now func() time.Time) Option {
	return func(o *tableOptions) { o.now = now }
}

// WithRetryOptions passes extra options to every retried call, for example
// resilience.WithTimer in tests.
func WithRetryOptions(opts ...resilience.Option) Option {
	return func(o *tableOptions) { o.retryOpts = append(o.retryOpts, opts...) }
}

// NewTableStore creates a TableStore over store. The format and compression
// are checked up front so that a bad configuration fails here rather than on
// the first write.
func NewTableStore(store ObjectStore, cfg TableConfig, opts ...Option) (*TableStore, error) {
	if store == nil {
		return nil, etlerr.Configuration("table store requires an object store", "storage.backend")
	}
	o := tableOptions{policy: resilience.DefaultPolicy(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if cfg.Format == "" {
		cfg.Format = FormatParquet
	}
	if cfg.Compression == "" && cfg.Format == FormatParquet {
		cfg.Compression = "snappy"
	}
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	if _, err := NewCodec(cfg.Format, cfg.Compression); err != nil {
		return nil, etlerr.Configuration(fmt.Sprintf("invalid table format: %v", err), "s3tables.format",
			etlerr.WithCause(err))
	}

	ts := &TableStore{
		cfg:    cfg,
		layout: newTableLayout(cfg.Prefix),
		logger: o.logger,
		now:    o.now,
	}
	if bn, ok := store.(bucketNamer); ok {
		ts.bucket = bn.Bucket()
	}
	retryOpts := append([]resilience.Option{resilience.WithLogger(o.logger)}, o.retryOpts...)
	ts.store = NewResilientStore(store, o.policy, "s3", retryOpts...)
	return ts, nil
}

// Path returns the external location of a table.
func (s *TableStore) Path(table string) string {
	return s.store.(Locator).Location(s.layout.tableDir(table))
}

// Exists reports whether anything is stored under the table location.
func (s *TableStore) Exists(ctx context.Context, table string) (bool, error) {
	if err := s.checkName(table); err != nil {
		return false, err
	}
	objects, err := s.store.List(ctx, s.layout.tableDir(table))
	if err != nil {
		return false, s.fail(table, "check table", err)
	}
	return len(objects) > 0, nil
}

// Create registers a table with a fixed schema and partition columns. It is
// idempotent when the table already exists with the same definition; a
// different definition at the same location is a Storage error.
func (s *TableStore) Create(ctx context.Context, table string, schema Schema, partitionCols []string) (string, error) {
	if err := s.checkName(table); err != nil {
		return "", err
	}
	if err := schema.Validate(); err != nil {
		return "", s.invalid(table, err)
	}
	if err := checkPartitionColumns(schema, partitionCols); err != nil {
		return "", s.invalid(table, err)
	}
	meta := &tableMetadata{
		Name:             table,
		Columns:          slices.Clone(schema.Fields),
		PartitionColumns: slices.Clone(partitionCols),
		Format:           s.cfg.Format,
		Compression:      s.cfg.Compression,
	}
	if err := s.create(ctx, meta); err != nil {
		return "", err
	}
	return s.Path(table), nil
}

func (s *TableStore) create(ctx context.Context, meta *tableMetadata) error {
	table := meta.Name
	existing, found, err := s.loadMetadata(ctx, table)
	if err != nil {
		return s.fail(table, "create table", err)
	}
	if found {
		if existing.schema().Equal(meta.schema()) && slices.Equal(existing.PartitionColumns, meta.PartitionColumns) {
			s.logger.DebugContext(ctx, "table already exists", slog.String("table", table))
			return nil
		}
		return s.conflict(table, fmt.Sprintf("table %q already exists with a different schema or partitioning", table))
	}
	occupied, err := s.Exists(ctx, table)
	if err != nil {
		return err
	}
	if occupied {
		return s.conflict(table, fmt.Sprintf("location of table %q holds data without table metadata", table))
	}

	if meta.PartitionColumns == nil {
		meta.PartitionColumns = []string{}
	}
	meta.CreatedAt = s.now().UTC()
	data, err := jsonCodec.MarshalIndent(meta, "", "  ")
	if err != nil {
		return s.fail(table, "encode table metadata", err)
	}
	if err := s.store.Put(ctx, s.layout.metadataPath(table), bytes.NewReader(data)); err != nil {
		return s.fail(table, "write table metadata", err)
	}
	s.logger.InfoContext(ctx, "table created",
		slog.String("table", table),
		slog.Any("columns", meta.schema().Names()),
		slog.Any("partition_columns", meta.PartitionColumns),
		slog.String("format", meta.Format))
	return nil
}

// Write stores a batch. A missing table is created from the batch schema.
// The batch must not carry columns absent from an existing table's schema;
// table columns missing from the batch are written as nulls.
//
// Overwrite is not atomic: existing fragments are removed before the new
// ones are written, and a failure in between leaves the table empty or
// partially written.
func (s *TableStore) Write(ctx context.Context, table string, b *Batch, opts WriteOptions) (string, error) {
	if err := s.checkName(table); err != nil {
		return "", err
	}
	if b == nil {
		return "", etlerr.Validation(fmt.Sprintf("table %q: nil batch", table), "", RuleSchema,
			etlerr.WithDetail(etlerr.DetailTable, table))
	}

	meta, found, err := s.loadMetadata(ctx, table)
	if err != nil {
		return "", s.fail(table, "write table", err)
	}
	if !found {
		partitionCols := opts.PartitionColumns
		if partitionCols == nil {
			partitionCols = s.cfg.PartitionColumns
		}
		if _, err := s.Create(ctx, table, b.Schema(), partitionCols); err != nil {
			return "", err
		}
		if meta, _, err = s.loadMetadata(ctx, table); err != nil {
			return "", s.fail(table, "write table", err)
		}
	} else if opts.PartitionColumns != nil && !slices.Equal(opts.PartitionColumns, meta.PartitionColumns) {
		return "", s.invalid(table, &ColumnError{Rule: RulePartitionColumn, Row: -1,
			Err: fmt.Errorf("%w: partition columns %v differ from table partition columns %v",
				ErrSchemaViolation, opts.PartitionColumns, meta.PartitionColumns)})
	}

	rows, err := b.conform(meta.schema())
	if err != nil {
		return "", s.invalid(table, err)
	}

	if opts.Mode == Overwrite {
		if _, err := s.deleteFragments(ctx, table); err != nil {
			return "", s.fail(table, "overwrite table", err)
		}
	}

	fragments, err := s.writeFragments(ctx, meta, rows)
	if err != nil {
		return "", s.fail(table, "write table", err)
	}
	s.logger.InfoContext(ctx, "table written",
		slog.String("table", table),
		slog.String("mode", opts.Mode.String()),
		slog.Int("rows", rows.Len()),
		slog.Int("fragments", fragments))
	return s.Path(table), nil
}

func (s *TableStore) writeFragments(ctx context.Context, meta *tableMetadata, b *Batch) (int, error) {
	if b.Len() == 0 {
		return 0, nil
	}
	codec, err := NewCodec(meta.Format, meta.Compression)
	if err != nil {
		return 0, err
	}
	partitioner, err := newHivePartitioner(b.Schema(), meta.PartitionColumns)
	if err != nil {
		return 0, err
	}
	order, groups := partitioner.split(b)
	for _, key := range order {
		var buf bytes.Buffer
		if err := codec.Encode(&buf, groups[key]); err != nil {
			return 0, fmt.Errorf("encode fragment: %w", err)
		}
		p := s.layout.fragmentPath(meta.Name, key, s.fragmentName(codec))
		if err := s.store.Put(ctx, p, &buf); err != nil {
			return 0, err
		}
	}
	return len(order), nil
}

// fragmentName sorts in write order within one store.
func (s *TableStore) fragmentName(c Codec) string {
	return fmt.Sprintf("%s%020d-%05d-%s%s", fragmentPrefix,
		s.now().UnixNano(), s.seq.Add(1)%100000, uuid.NewString(), c.Extension())
}

// Read returns the rows of a table that match opts.Filter, projected onto
// opts.Columns. Reading a missing table is a Data error.
func (s *TableStore) Read(ctx context.Context, table string, opts ReadOptions) (*Batch, error) {
	meta, err := s.requireMetadata(ctx, table)
	if err != nil {
		return nil, err
	}
	schema := meta.schema()
	filter, err := opts.Filter.bind(schema)
	if err != nil {
		return nil, s.invalid(table, err)
	}
	columns := opts.Columns
	if len(columns) == 0 {
		columns = schema.Names()
	}
	for _, c := range columns {
		if schema.Index(c) < 0 {
			return nil, s.invalid(table, &ColumnError{Column: c, Rule: RuleColumnInSchema, Row: -1,
				Err: fmt.Errorf("%w: projected column not in schema", ErrSchemaViolation)})
		}
	}

	fragments, err := s.fragments(ctx, table)
	if err != nil {
		return nil, s.fail(table, "read table", err)
	}
	codec, err := NewCodec(meta.Format, meta.Compression)
	if err != nil {
		return nil, s.fail(table, "read table", err)
	}

	out := NewBatch(schema)
	for _, frag := range fragments {
		if opts.Limit > 0 && out.Len() >= opts.Limit {
			break
		}
		if !filter.admits(frag.partition) {
			continue
		}
		b, err := s.decode(ctx, codec, frag.path, schema)
		if err != nil {
			return nil, s.fail(table, "read table", err)
		}
		for i := 0; i < b.Len(); i++ {
			if !filter.match(b, i) {
				continue
			}
			out.appendRow(b.Row(i))
			if opts.Limit > 0 && out.Len() >= opts.Limit {
				break
			}
		}
	}
	s.logger.DebugContext(ctx, "table read",
		slog.String("table", table),
		slog.Int("rows", out.Len()),
		slog.Int("fragments", len(fragments)))
	return out.Project(columns)
}

func (s *TableStore) decode(ctx context.Context, codec Codec, p string, schema Schema) (*Batch, error) {
	rc, err := s.store.Get(ctx, p)
	if err != nil {
		return nil, err
	}
	defer closer(rc)()
	b, err := codec.Decode(rc, schema)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", p, err)
	}
	return b, nil
}

// Partitions returns the distinct partition value combinations present in
// a table. An unpartitioned table has none.
func (s *TableStore) Partitions(ctx context.Context, table string) ([]Partition, error) {
	if _, err := s.requireMetadata(ctx, table); err != nil {
		return nil, err
	}
	fragments, err := s.fragments(ctx, table)
	if err != nil {
		return nil, s.fail(table, "list partitions", err)
	}
	return distinctPartitions(fragments), nil
}

// Stats summarizes a table. Row counts require decoding every fragment.
func (s *TableStore) Stats(ctx context.Context, table string) (TableStats, error) {
	meta, err := s.requireMetadata(ctx, table)
	if err != nil {
		return TableStats{}, err
	}
	fragments, err := s.fragments(ctx, table)
	if err != nil {
		return TableStats{}, s.fail(table, "table stats", err)
	}
	codec, err := NewCodec(meta.Format, meta.Compression)
	if err != nil {
		return TableStats{}, s.fail(table, "table stats", err)
	}
	schema := meta.schema()
	stats := TableStats{
		Table:       table,
		Path:        s.Path(table),
		ColumnCount: len(schema.Fields),
		Columns:     schema.Names(),
		Partitions:  distinctPartitions(fragments),
		FileCount:   len(fragments),
	}
	stats.PartitionCount = len(stats.Partitions)
	for _, frag := range fragments {
		b, err := s.decode(ctx, codec, frag.path, schema)
		if err != nil {
			return TableStats{}, s.fail(table, "table stats", err)
		}
		stats.RowCount += b.Len()
		stats.SizeBytes += frag.size
	}
	stats.SizeMB = math.Round(float64(stats.SizeBytes)/(1024*1024)*100) / 100
	return stats, nil
}

// Delete removes everything stored for a table. Deleting a missing table is
// a no-op.
func (s *TableStore) Delete(ctx context.Context, table string) error {
	if err := s.checkName(table); err != nil {
		return err
	}
	n, err := s.store.DeletePrefix(ctx, s.layout.tableDir(table))
	if err != nil {
		return s.fail(table, "delete table", err)
	}
	s.logger.InfoContext(ctx, "table deleted", slog.String("table", table), slog.Int("objects", n))
	return nil
}

// Schema returns a table's schema.
func (s *TableStore) Schema(ctx context.Context, table string) (Schema, error) {
	meta, err := s.requireMetadata(ctx, table)
	if err != nil {
		return Schema{}, err
	}
	return meta.schema(), nil
}

// PartitionColumns returns a table's partition columns.
func (s *TableStore) PartitionColumns(ctx context.Context, table string) ([]string, error) {
	meta, err := s.requireMetadata(ctx, table)
	if err != nil {
		return nil, err
	}
	return slices.Clone(meta.PartitionColumns), nil
}

// ListTables returns the names of all tables under the prefix, sorted.
func (s *TableStore) ListTables(ctx context.Context) ([]string, error) {
	objects, err := s.store.List(ctx, s.layout.prefix)
	if err != nil {
		return nil, s.fail("", "list tables", err)
	}
	var tables []string
	for _, obj := range objects {
		if name, ok := s.layout.tableFromMetadataPath(obj.Path); ok {
			tables = append(tables, name)
		}
	}
	sort.Strings(tables)
	return slices.Compact(tables), nil
}

// Copy duplicates src into dst fragment by fragment, keeping the source's
// schema, partitioning and format. An existing dst is a Storage error unless
// overwrite is set, in which case dst is deleted first.
func (s *TableStore) Copy(ctx context.Context, src, dst string, overwrite bool) (string, error) {
	meta, err := s.requireMetadata(ctx, src)
	if err != nil {
		return "", err
	}
	if err := s.checkName(dst); err != nil {
		return "", err
	}
	exists, err := s.Exists(ctx, dst)
	if err != nil {
		return "", err
	}
	if exists {
		if !overwrite {
			return "", s.conflict(dst, fmt.Sprintf("destination table %q already exists", dst))
		}
		if err := s.Delete(ctx, dst); err != nil {
			return "", err
		}
	}

	copied := *meta
	copied.Name = dst
	if err := s.create(ctx, &copied); err != nil {
		return "", err
	}
	fragments, err := s.fragments(ctx, src)
	if err != nil {
		return "", s.fail(src, "copy table", err)
	}
	for _, frag := range fragments {
		if err := s.copyObject(ctx, frag.path, s.layout.fragmentPath(dst, frag.dir, frag.name())); err != nil {
			return "", s.fail(dst, "copy table", err)
		}
	}
	s.logger.InfoContext(ctx, "table copied",
		slog.String("source", src),
		slog.String("destination", dst),
		slog.Int("fragments", len(fragments)))
	return s.Path(dst), nil
}

func (s *TableStore) copyObject(ctx context.Context, from, to string) error {
	rc, err := s.store.Get(ctx, from)
	if err != nil {
		return err
	}
	defer closer(rc)()
	return s.store.Put(ctx, to, rc)
}

// -----------------------------------------------------------------------------
// Fragments and metadata
// -----------------------------------------------------------------------------

type fragment struct {
	path      string
	dir       string
	partition Partition
	size      int64
}

func (f fragment) name() string { return path.Base(f.path) }

// fragments lists the data files of a table in path order. Objects that do
// not follow the layout are ignored.
func (s *TableStore) fragments(ctx context.Context, table string) ([]fragment, error) {
	objects, err := s.store.List(ctx, s.layout.tableDir(table))
	if err != nil {
		return nil, err
	}
	var out []fragment
	for _, obj := range objects {
		dir, ok := s.layout.parseFragment(table, obj.Path)
		if !ok {
			continue
		}
		p, ok := parsePartitionPath(dir)
		if !ok {
			continue
		}
		out = append(out, fragment{path: obj.Path, dir: dir, partition: p, size: obj.Size})
	}
	return out, nil
}

func distinctPartitions(fragments []fragment) []Partition {
	seen := make(map[string]bool)
	var dirs []string
	byDir := make(map[string]Partition)
	for _, f := range fragments {
		if f.dir == "" || seen[f.dir] {
			continue
		}
		seen[f.dir] = true
		dirs = append(dirs, f.dir)
		byDir[f.dir] = f.partition
	}
	sort.Strings(dirs)
	out := make([]Partition, 0, len(dirs))
	for _, d := range dirs {
		out = append(out, byDir[d])
	}
	return out
}

func (s *TableStore) deleteFragments(ctx context.Context, table string) (int, error) {
	fragments, err := s.fragments(ctx, table)
	if err != nil {
		return 0, err
	}
	for i, f := range fragments {
		if err := s.store.Delete(ctx, f.path); err != nil {
			return i, err
		}
	}
	return len(fragments), nil
}

func (s *TableStore) loadMetadata(ctx context.Context, table string) (*tableMetadata, bool, error) {
	rc, err := s.store.Get(ctx, s.layout.metadataPath(table))
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer(rc)()
	var meta tableMetadata
	if err := jsonCodec.NewDecoder(rc).Decode(&meta); err != nil {
		return nil, false, fmt.Errorf("%w: table metadata: %w", ErrInvalidFormat, err)
	}
	if meta.Name == "" {
		meta.Name = table
	}
	return &meta, true, nil
}

func (s *TableStore) requireMetadata(ctx context.Context, table string) (*tableMetadata, error) {
	if err := s.checkName(table); err != nil {
		return nil, err
	}
	meta, found, err := s.loadMetadata(ctx, table)
	if err != nil {
		return nil, s.fail(table, "load table metadata", err)
	}
	if !found {
		return nil, etlerr.Data(fmt.Sprintf("table %q does not exist", table), s.cfg.Source, table)
	}
	return meta, nil
}

func checkPartitionColumns(schema Schema, cols []string) error {
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		if schema.Index(c) < 0 {
			return &ColumnError{Column: c, Rule: RulePartitionColumn, Row: -1,
				Err: fmt.Errorf("%w: partition column not in schema", ErrSchemaViolation)}
		}
		if seen[c] {
			return &ColumnError{Column: c, Rule: RulePartitionColumn, Row: -1,
				Err: fmt.Errorf("%w: duplicate partition column", ErrSchemaViolation)}
		}
		seen[c] = true
	}
	return nil
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

func (s *TableStore) checkName(table string) error {
	if err := validateTableName(table); err != nil {
		return etlerr.Validation(err.Error(), "", RuleTableName, etlerr.WithDetail(etlerr.DetailTable, table))
	}
	return nil
}

// fail reports an unexpected failure as a Data error naming the table. Errors
// that are already Data-family pass through.
func (s *TableStore) fail(table, action string, err error) error {
	if etlerr.HasKind(err, etlerr.KindData) {
		return err
	}
	msg := fmt.Sprintf("%s: %v", action, err)
	if table != "" {
		msg = fmt.Sprintf("%s %q: %v", action, table, err)
	}
	return etlerr.Data(msg, s.cfg.Source, table, etlerr.WithCause(err))
}

// invalid converts a schema problem into a Validation error.
func (s *TableStore) invalid(table string, err error) error {
	column, rule := "", RuleSchema
	var ce *ColumnError
	if errors.As(err, &ce) {
		column, rule = ce.Column, ce.Rule
	}
	return etlerr.Validation(fmt.Sprintf("table %q: %v", table, err), column, rule,
		etlerr.WithDetail(etlerr.DetailTable, table),
		etlerr.WithCause(err))
}

// conflict reports a table location that cannot take the requested table.
func (s *TableStore) conflict(table, msg string) error {
	return etlerr.Storage(msg, s.bucket, s.layout.tableDir(table), etlerr.ServiceContext{Service: "s3"},
		etlerr.WithDetail(etlerr.DetailTable, table))
}
