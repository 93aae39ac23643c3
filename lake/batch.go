package lake

import (
	"fmt"
	"slices"
	"sort"
)

// Validation rule names reported in ColumnError and Validation errors.
const (
	RuleColumnType      = "column_type"
	RuleNotNull         = "not_null"
	RuleColumnInSchema  = "column_in_schema"
	RuleColumnCount     = "column_count"
	RulePartitionColumn = "partition_columns"
	RuleTableName       = "table_name"
	RuleJoinColumns     = "join_columns"
	RuleUpdateColumns   = "update_columns"
	RuleSchema          = "schema"
)

// ColumnError reports a value or column that breaks a schema rule.
type ColumnError struct {
	Column string
	Rule   string
	Row    int
	Err    error
}

func (e *ColumnError) Error() string {
	if e.Row >= 0 {
		return fmt.Sprintf("row %d column %q (%s): %v", e.Row, e.Column, e.Rule, e.Err)
	}
	return fmt.Sprintf("column %q (%s): %v", e.Column, e.Rule, e.Err)
}

func (e *ColumnError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Batch
// -----------------------------------------------------------------------------

// Batch is an in-memory columnar row batch: named, typed columns of equal
// length. Values are normalized on append (see Type), nil is null.
type Batch struct {
	schema Schema
	cols   [][]any
	rows   int
}

// NewBatch creates an empty batch with the given schema.
func NewBatch(schema Schema) *Batch {
	return &Batch{
		schema: NewSchema(schema.Fields...),
		cols:   make([][]any, len(schema.Fields)),
	}
}

// NewBatchFromColumns builds a batch from whole columns keyed by name. Every
// schema column must be present and all columns must have equal length.
func NewBatchFromColumns(schema Schema, columns map[string][]any) (*Batch, error) {
	for name := range columns {
		if schema.Index(name) < 0 {
			return nil, &ColumnError{Column: name, Rule: RuleColumnInSchema, Row: -1,
				Err: fmt.Errorf("%w: column not in schema", ErrSchemaViolation)}
		}
	}
	n := -1
	for _, f := range schema.Fields {
		col, ok := columns[f.Name]
		if !ok {
			return nil, &ColumnError{Column: f.Name, Rule: RuleColumnCount, Row: -1,
				Err: fmt.Errorf("%w: column missing", ErrSchemaViolation)}
		}
		if n >= 0 && len(col) != n {
			return nil, &ColumnError{Column: f.Name, Rule: RuleColumnCount, Row: -1,
				Err: fmt.Errorf("%w: length %d, want %d", ErrSchemaViolation, len(col), n)}
		}
		n = len(col)
	}
	b := NewBatch(schema)
	row := make([]any, len(schema.Fields))
	for i := 0; i < n; i++ {
		for j, f := range schema.Fields {
			row[j] = columns[f.Name][i]
		}
		if err := b.Append(row...); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// BatchFromRecords builds a batch from map records, inferring a nullable
// schema from the first non-null value of each key. Columns are sorted by name.
func BatchFromRecords(records []map[string]any) (*Batch, error) {
	types := make(map[string]Type)
	var names []string
	for _, rec := range records {
		for k, v := range rec {
			if _, seen := types[k]; seen {
				continue
			}
			if v == nil {
				continue
			}
			t, ok := InferType(v)
			if !ok {
				return nil, &ColumnError{Column: k, Rule: RuleColumnType, Row: -1,
					Err: fmt.Errorf("%w: cannot infer type from %T", ErrSchemaViolation, v)}
			}
			types[k] = t
			names = append(names, k)
		}
	}
	// keys that were always null become strings
	for _, rec := range records {
		for k := range rec {
			if _, seen := types[k]; !seen {
				types[k] = String
				names = append(names, k)
			}
		}
	}
	sort.Strings(names)

	schema := Schema{Fields: make([]Field, len(names))}
	for i, n := range names {
		schema.Fields[i] = Field{Name: n, Type: types[n], Nullable: true}
	}
	b := NewBatch(schema)
	for _, rec := range records {
		if err := b.AppendRecord(rec); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Schema returns the batch schema.
func (b *Batch) Schema() Schema { return b.schema }

// Len returns the number of rows.
func (b *Batch) Len() int { return b.rows }

// NumColumns returns the number of columns.
func (b *Batch) NumColumns() int { return len(b.schema.Fields) }

// Append adds one row. Values are given in schema order.
func (b *Batch) Append(values ...any) error {
	if len(values) != len(b.schema.Fields) {
		return &ColumnError{Rule: RuleColumnCount, Row: b.rows,
			Err: fmt.Errorf("%w: got %d values, want %d", ErrSchemaViolation, len(values), len(b.schema.Fields))}
	}
	row := make([]any, len(values))
	for i, f := range b.schema.Fields {
		v, err := normalize(f.Type, values[i])
		if err != nil {
			return &ColumnError{Column: f.Name, Rule: RuleColumnType, Row: b.rows, Err: err}
		}
		if v == nil && !f.Nullable {
			return &ColumnError{Column: f.Name, Rule: RuleNotNull, Row: b.rows,
				Err: fmt.Errorf("%w: null in non-nullable column", ErrSchemaViolation)}
		}
		row[i] = v
	}
	b.appendRow(row)
	return nil
}

// AppendRecord adds one row from a map. Missing keys are null; keys outside
// the schema are rejected.
func (b *Batch) AppendRecord(rec map[string]any) error {
	for k := range rec {
		if b.schema.Index(k) < 0 {
			return &ColumnError{Column: k, Rule: RuleColumnInSchema, Row: b.rows,
				Err: fmt.Errorf("%w: column not in schema", ErrSchemaViolation)}
		}
	}
	row := make([]any, len(b.schema.Fields))
	for i, f := range b.schema.Fields {
		row[i] = rec[f.Name]
	}
	return b.Append(row...)
}

// appendRow adds a row that is already normalized.
func (b *Batch) appendRow(row []any) {
	for i := range b.cols {
		b.cols[i] = append(b.cols[i], row[i])
	}
	b.rows++
}

// Column returns the named column's values. The slice must not be modified.
func (b *Batch) Column(name string) ([]any, bool) {
	i := b.schema.Index(name)
	if i < 0 {
		return nil, false
	}
	return b.cols[i], true
}

// Value returns one cell, or nil when the column is unknown.
func (b *Batch) Value(row int, name string) any {
	i := b.schema.Index(name)
	if i < 0 || row < 0 || row >= b.rows {
		return nil
	}
	return b.cols[i][row]
}

// Row returns a copy of row i in schema order.
func (b *Batch) Row(i int) []any {
	row := make([]any, len(b.cols))
	for j := range b.cols {
		row[j] = b.cols[j][i]
	}
	return row
}

// Record returns row i as a map.
func (b *Batch) Record(i int) map[string]any {
	rec := make(map[string]any, len(b.cols))
	for j, f := range b.schema.Fields {
		rec[f.Name] = b.cols[j][i]
	}
	return rec
}

// Records returns all rows as maps.
func (b *Batch) Records() []map[string]any {
	out := make([]map[string]any, b.rows)
	for i := range out {
		out[i] = b.Record(i)
	}
	return out
}

// Project returns a batch with only the named columns, in the given order.
func (b *Batch) Project(names []string) (*Batch, error) {
	schema, err := b.schema.Project(names)
	if err != nil {
		return nil, err
	}
	out := NewBatch(schema)
	for j, n := range names {
		out.cols[j] = slices.Clone(b.cols[b.schema.Index(n)])
	}
	out.rows = b.rows
	return out, nil
}

// conform reshapes b to the target schema: columns are reordered, columns
// missing from b become null. Columns the target lacks, or whose type
// differs, are rejected.
func (b *Batch) conform(target Schema) (*Batch, error) {
	for _, f := range b.schema.Fields {
		tf, ok := target.Field(f.Name)
		if !ok {
			return nil, &ColumnError{Column: f.Name, Rule: RuleColumnInSchema, Row: -1,
				Err: fmt.Errorf("%w: column not in table schema", ErrSchemaViolation)}
		}
		if tf.Type != f.Type {
			return nil, &ColumnError{Column: f.Name, Rule: RuleColumnType, Row: -1,
				Err: fmt.Errorf("%w: batch type %s, table type %s", ErrSchemaViolation, f.Type, tf.Type)}
		}
	}
	out := NewBatch(target)
	for j, tf := range target.Fields {
		i := b.schema.Index(tf.Name)
		if i < 0 {
			if !tf.Nullable && b.rows > 0 {
				return nil, &ColumnError{Column: tf.Name, Rule: RuleNotNull, Row: -1,
					Err: fmt.Errorf("%w: non-nullable column missing from batch", ErrSchemaViolation)}
			}
			out.cols[j] = make([]any, b.rows)
			continue
		}
		if !tf.Nullable {
			if k := slices.IndexFunc(b.cols[i], isNull); k >= 0 {
				return nil, &ColumnError{Column: tf.Name, Rule: RuleNotNull, Row: k,
					Err: fmt.Errorf("%w: null in non-nullable column", ErrSchemaViolation)}
			}
		}
		out.cols[j] = slices.Clone(b.cols[i])
	}
	out.rows = b.rows
	return out, nil
}

// slice returns rows [from, to) sharing no storage with b.
func (b *Batch) slice(from, to int) *Batch {
	out := NewBatch(b.schema)
	for j := range b.cols {
		out.cols[j] = slices.Clone(b.cols[j][from:to])
	}
	out.rows = to - from
	return out
}

func isNull(v any) bool { return v == nil }
