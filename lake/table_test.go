package lake

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/rama83/GluwETL2/lake/etlerr"
	"github.com/rama83/GluwETL2/lake/resilience"
)

// newTestTables returns a TableStore over store that never waits between
// retries and logs nowhere.
func newTestTables(t *testing.T, store ObjectStore, cfg TableConfig, opts ...Option) *TableStore {
	t.Helper()
	if cfg.Prefix == "" {
		cfg.Prefix = "processed/"
	}
	base := []Option{
		WithPolicy(resilience.Policy{MaxRetries: 2}),
		WithLogger(slog.New(slog.DiscardHandler)),
	}
	ts, err := NewTableStore(store, cfg, append(base, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func customerSchema() Schema {
	return NewSchema(
		Field{Name: "id", Type: Int64},
		Field{Name: "name", Type: String, Nullable: true},
		Field{Name: "region", Type: String, Nullable: true},
	)
}

func customers(t *testing.T, rows ...[]any) *Batch {
	t.Helper()
	b := NewBatch(customerSchema())
	for _, r := range rows {
		if err := b.Append(r...); err != nil {
			t.Fatal(err)
		}
	}
	return b
}

func idsOf(t *testing.T, b *Batch) []int64 {
	t.Helper()
	col, ok := b.Column("id")
	if !ok {
		t.Fatal("batch has no id column")
	}
	ids := make([]int64, len(col))
	for i, v := range col {
		ids[i] = v.(int64)
	}
	slices.Sort(ids)
	return ids
}

func assertKind(t *testing.T, err error, k etlerr.Kind) *etlerr.Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", k)
	}
	e, ok := etlerr.As(err)
	if !ok {
		t.Fatalf("expected *etlerr.Error, got %T: %v", err, err)
	}
	if !e.Kind().Is(k) {
		t.Fatalf("kind = %s, want %s (%v)", e.Kind(), k, err)
	}
	return e
}

func TestTableStore_ExistsAfterWrite(t *testing.T) {
	ctx := t.Context()
	ts := newTestTables(t, NewMemory(), TableConfig{})

	ok, err := ts.Exists(ctx, "customers")
	if err != nil || ok {
		t.Fatalf("Exists before write = %v, %v", ok, err)
	}
	if _, err := ts.Write(ctx, "customers", customers(t, []any{1, "a", "eu"}), WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	ok, err = ts.Exists(ctx, "customers")
	if err != nil || !ok {
		t.Fatalf("Exists after write = %v, %v", ok, err)
	}
}

func TestTableStore_RoundTrip(t *testing.T) {
	for _, format := range []string{FormatParquet, FormatJSONL} {
		t.Run(format, func(t *testing.T) {
			ctx := t.Context()
			ts := newTestTables(t, NewMemory(), TableConfig{Format: format})
			in := sampleBatch(t)

			path, err := ts.Write(ctx, "samples", in, WriteOptions{})
			if err != nil {
				t.Fatal(err)
			}
			if path != "mem://processed/samples/" {
				t.Errorf("path = %q", path)
			}
			out, err := ts.Read(ctx, "samples", ReadOptions{})
			if err != nil {
				t.Fatal(err)
			}
			assertBatchEqual(t, out, in)
		})
	}
}

func TestTableStore_RoundTrip_FS(t *testing.T) {
	ctx := t.Context()
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ts := newTestTables(t, store, TableConfig{PartitionColumns: []string{"region"}})
	in := customers(t, []any{1, "a", "eu"}, []any{2, "b", "us"}, []any{3, "c", nil})
	if _, err := ts.Write(ctx, "customers", in, WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	out, err := ts.Read(ctx, "customers", ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := idsOf(t, out); !slices.Equal(got, []int64{1, 2, 3}) {
		t.Errorf("ids = %v", got)
	}
	if !out.Schema().Equal(customerSchema()) {
		t.Errorf("column order = %v", out.Schema().Names())
	}
}

func TestTableStore_Create_Idempotent(t *testing.T) {
	ctx := t.Context()
	ts := newTestTables(t, NewMemory(), TableConfig{})
	if _, err := ts.Create(ctx, "customers", customerSchema(), []string{"region"}); err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Create(ctx, "customers", customerSchema(), []string{"region"}); err != nil {
		t.Fatalf("second identical Create failed: %v", err)
	}

	other := NewSchema(Field{Name: "id", Type: String})
	_, err := ts.Create(ctx, "customers", other, nil)
	e := assertKind(t, err, etlerr.KindStorage)
	if v, _ := e.Detail(etlerr.DetailTable); v != "customers" {
		t.Errorf("table detail = %v", v)
	}
}

func TestTableStore_Create_Validation(t *testing.T) {
	ctx := t.Context()
	ts := newTestTables(t, NewMemory(), TableConfig{})

	_, err := ts.Create(ctx, "bad/name", customerSchema(), nil)
	e := assertKind(t, err, etlerr.KindValidation)
	if v, _ := e.Detail(etlerr.DetailRule); v != RuleTableName {
		t.Errorf("rule = %v", v)
	}

	_, err = ts.Create(ctx, "customers", customerSchema(), []string{"country"})
	e = assertKind(t, err, etlerr.KindValidation)
	if v, _ := e.Detail(etlerr.DetailColumn); v != "country" {
		t.Errorf("column = %v", v)
	}

	_, err = ts.Create(ctx, "customers", Schema{}, nil)
	assertKind(t, err, etlerr.KindValidation)
}

func TestTableStore_Create_ForeignObjects(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()
	putString(t, store, "processed/customers/stray.csv", "x")
	ts := newTestTables(t, store, TableConfig{})

	_, err := ts.Create(ctx, "customers", customerSchema(), nil)
	assertKind(t, err, etlerr.KindStorage)
}

func TestTableStore_AppendAndOverwrite(t *testing.T) {
	ctx := t.Context()
	ts := newTestTables(t, NewMemory(), TableConfig{})

	for _, id := range []int{1, 2} {
		if _, err := ts.Write(ctx, "c", customers(t, []any{id, "x", "eu"}), WriteOptions{Mode: Append}); err != nil {
			t.Fatal(err)
		}
	}
	out, err := ts.Read(ctx, "c", ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := idsOf(t, out); !slices.Equal(got, []int64{1, 2}) {
		t.Fatalf("after append ids = %v", got)
	}

	if _, err := ts.Write(ctx, "c", customers(t, []any{9, "z", "us"}), WriteOptions{Mode: Overwrite}); err != nil {
		t.Fatal(err)
	}
	out, err = ts.Read(ctx, "c", ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := idsOf(t, out); !slices.Equal(got, []int64{9}) {
		t.Fatalf("after overwrite ids = %v", got)
	}

	// the schema survives an overwrite
	if _, err := ts.Schema(ctx, "c"); err != nil {
		t.Fatal(err)
	}
}

func TestTableStore_Write_RejectsForeignColumns(t *testing.T) {
	ctx := t.Context()
	ts := newTestTables(t, NewMemory(), TableConfig{})
	if _, err := ts.Write(ctx, "c", customers(t, []any{1, "a", "eu"}), WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	wide := NewBatch(NewSchema(
		Field{Name: "id", Type: Int64},
		Field{Name: "email", Type: String, Nullable: true},
	))
	if err := wide.Append(2, "b@example.com"); err != nil {
		t.Fatal(err)
	}
	_, err := ts.Write(ctx, "c", wide, WriteOptions{})
	e := assertKind(t, err, etlerr.KindValidation)
	if v, _ := e.Detail(etlerr.DetailRule); v != RuleColumnInSchema {
		t.Errorf("rule = %v", v)
	}

	retyped := NewBatch(NewSchema(Field{Name: "id", Type: String}))
	if err := retyped.Append("2"); err != nil {
		t.Fatal(err)
	}
	_, err = ts.Write(ctx, "c", retyped, WriteOptions{})
	e = assertKind(t, err, etlerr.KindValidation)
	if v, _ := e.Detail(etlerr.DetailRule); v != RuleColumnType {
		t.Errorf("rule = %v", v)
	}
}

func TestTableStore_Write_MissingColumnsBecomeNull(t *testing.T) {
	ctx := t.Context()
	ts := newTestTables(t, NewMemory(), TableConfig{})
	if _, err := ts.Create(ctx, "c", customerSchema(), nil); err != nil {
		t.Fatal(err)
	}
	narrow := NewBatch(NewSchema(Field{Name: "id", Type: Int64}))
	if err := narrow.Append(7); err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Write(ctx, "c", narrow, WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	out, err := ts.Read(ctx, "c", ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Len() != 1 || out.Value(0, "name") != nil {
		t.Errorf("read back %v", out.Records())
	}
}

func TestTableStore_Write_PartitionMismatch(t *testing.T) {
	ctx := t.Context()
	ts := newTestTables(t, NewMemory(), TableConfig{})
	b := customers(t, []any{1, "a", "eu"})
	if _, err := ts.Write(ctx, "c", b, WriteOptions{PartitionColumns: []string{"region"}}); err != nil {
		t.Fatal(err)
	}
	_, err := ts.Write(ctx, "c", b, WriteOptions{PartitionColumns: []string{"name"}})
	e := assertKind(t, err, etlerr.KindValidation)
	if v, _ := e.Detail(etlerr.DetailRule); v != RulePartitionColumn {
		t.Errorf("rule = %v", v)
	}
}

func TestTableStore_ReadOptions(t *testing.T) {
	ctx := t.Context()
	ts := newTestTables(t, NewMemory(), TableConfig{PartitionColumns: []string{"region"}})
	in := customers(t,
		[]any{1, "a", "eu"},
		[]any{2, "b", "us"},
		[]any{3, "c", "eu"},
		[]any{4, "d", nil},
	)
	if _, err := ts.Write(ctx, "c", in, WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	t.Run("projection order", func(t *testing.T) {
		out, err := ts.Read(ctx, "c", ReadOptions{Columns: []string{"name", "id"}})
		if err != nil {
			t.Fatal(err)
		}
		if got := out.Schema().Names(); !slices.Equal(got, []string{"name", "id"}) {
			t.Errorf("columns = %v", got)
		}
		if out.Len() != 4 {
			t.Errorf("rows = %d", out.Len())
		}
	})

	t.Run("partition filter", func(t *testing.T) {
		out, err := ts.Read(ctx, "c", ReadOptions{Filter: Filter{Eq("region", "eu")}})
		if err != nil {
			t.Fatal(err)
		}
		if got := idsOf(t, out); !slices.Equal(got, []int64{1, 3}) {
			t.Errorf("ids = %v", got)
		}
	})

	t.Run("null partition", func(t *testing.T) {
		out, err := ts.Read(ctx, "c", ReadOptions{Filter: Filter{IsNull("region")}})
		if err != nil {
			t.Fatal(err)
		}
		if got := idsOf(t, out); !slices.Equal(got, []int64{4}) {
			t.Errorf("ids = %v", got)
		}
	})

	t.Run("value filter", func(t *testing.T) {
		out, err := ts.Read(ctx, "c", ReadOptions{Filter: Filter{Gt("id", 2)}})
		if err != nil {
			t.Fatal(err)
		}
		if got := idsOf(t, out); !slices.Equal(got, []int64{3, 4}) {
			t.Errorf("ids = %v", got)
		}
	})

	t.Run("limit", func(t *testing.T) {
		out, err := ts.Read(ctx, "c", ReadOptions{Limit: 2})
		if err != nil {
			t.Fatal(err)
		}
		if out.Len() != 2 {
			t.Errorf("rows = %d, want 2", out.Len())
		}
	})

	t.Run("unknown column", func(t *testing.T) {
		_, err := ts.Read(ctx, "c", ReadOptions{Columns: []string{"email"}})
		assertKind(t, err, etlerr.KindValidation)
		_, err = ts.Read(ctx, "c", ReadOptions{Filter: Filter{Eq("email", "x")}})
		assertKind(t, err, etlerr.KindValidation)
	})
}

func TestTableStore_PartitionsAndStats(t *testing.T) {
	ctx := t.Context()
	ts := newTestTables(t, NewMemory(), TableConfig{})
	in := customers(t, []any{1, "a", "eu"}, []any{2, "b", "us"}, []any{3, "c", "eu"})
	if _, err := ts.Write(ctx, "c", in, WriteOptions{PartitionColumns: []string{"region"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Write(ctx, "c", customers(t, []any{4, "d", "eu"}), WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	parts, err := ts.Partitions(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 2 || parts[0]["region"] != "eu" || parts[1]["region"] != "us" {
		t.Errorf("partitions = %v", parts)
	}

	stats, err := ts.Stats(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if stats.RowCount != 4 {
		t.Errorf("RowCount = %d, want 4", stats.RowCount)
	}
	if stats.ColumnCount != 3 || !slices.Equal(stats.Columns, []string{"id", "name", "region"}) {
		t.Errorf("columns = %d %v", stats.ColumnCount, stats.Columns)
	}
	if stats.PartitionCount != 2 {
		t.Errorf("PartitionCount = %d", stats.PartitionCount)
	}
	if stats.FileCount != 3 {
		t.Errorf("FileCount = %d, want 3", stats.FileCount)
	}
	if stats.SizeBytes <= 0 {
		t.Errorf("SizeBytes = %d", stats.SizeBytes)
	}
	if stats.Path != "mem://processed/c/" {
		t.Errorf("Path = %q", stats.Path)
	}
}

func TestTableStore_Partitions_Unpartitioned(t *testing.T) {
	ctx := t.Context()
	ts := newTestTables(t, NewMemory(), TableConfig{})
	if _, err := ts.Write(ctx, "c", customers(t, []any{1, "a", "eu"}), WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	parts, err := ts.Partitions(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 0 {
		t.Errorf("partitions = %v, want none", parts)
	}
}

func TestTableStore_DeleteThenRead(t *testing.T) {
	ctx := t.Context()
	ts := newTestTables(t, NewMemory(), TableConfig{})
	if _, err := ts.Write(ctx, "T", customers(t, []any{1, "a", "eu"}), WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := ts.Delete(ctx, "T"); err != nil {
		t.Fatal(err)
	}
	ok, err := ts.Exists(ctx, "T")
	if err != nil || ok {
		t.Fatalf("Exists after delete = %v, %v", ok, err)
	}

	_, err = ts.Read(ctx, "T", ReadOptions{})
	e := assertKind(t, err, etlerr.KindData)
	if v, _ := e.Detail(etlerr.DetailTable); v != "T" {
		t.Errorf("table detail = %v", v)
	}
	if !strings.Contains(e.Message(), `"T"`) {
		t.Errorf("message %q does not name the table", e.Message())
	}

	// deleting a missing table is a no-op
	if err := ts.Delete(ctx, "T"); err != nil {
		t.Errorf("second Delete = %v", err)
	}
}

func TestTableStore_MissingTable(t *testing.T) {
	ctx := t.Context()
	ts := newTestTables(t, NewMemory(), TableConfig{})

	_, err := ts.Stats(ctx, "ghost")
	assertKind(t, err, etlerr.KindData)
	_, err = ts.Partitions(ctx, "ghost")
	assertKind(t, err, etlerr.KindData)
	_, err = ts.Schema(ctx, "ghost")
	assertKind(t, err, etlerr.KindData)
}

func TestTableStore_ListAndCopy(t *testing.T) {
	ctx := t.Context()
	ts := newTestTables(t, NewMemory(), TableConfig{})
	in := customers(t, []any{1, "a", "eu"}, []any{2, "b", "us"})
	if _, err := ts.Write(ctx, "src", in, WriteOptions{PartitionColumns: []string{"region"}}); err != nil {
		t.Fatal(err)
	}

	if _, err := ts.Copy(ctx, "src", "dst", false); err != nil {
		t.Fatal(err)
	}
	out, err := ts.Read(ctx, "dst", ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := idsOf(t, out); !slices.Equal(got, []int64{1, 2}) {
		t.Errorf("copied ids = %v", got)
	}
	cols, err := ts.PartitionColumns(ctx, "dst")
	if err != nil || !slices.Equal(cols, []string{"region"}) {
		t.Errorf("copied partition columns = %v, %v", cols, err)
	}

	_, err = ts.Copy(ctx, "src", "dst", false)
	assertKind(t, err, etlerr.KindStorage)

	if _, err := ts.Write(ctx, "src", customers(t, []any{3, "c", "eu"}), WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Copy(ctx, "src", "dst", true); err != nil {
		t.Fatal(err)
	}
	out, err = ts.Read(ctx, "dst", ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := idsOf(t, out); !slices.Equal(got, []int64{1, 2, 3}) {
		t.Errorf("overwritten copy ids = %v", got)
	}

	_, err = ts.Copy(ctx, "nope", "dst2", false)
	assertKind(t, err, etlerr.KindData)

	tables, err := ts.ListTables(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(tables, []string{"dst", "src"}) {
		t.Errorf("tables = %v", tables)
	}
}

func TestTableStore_RetriesTransientStorageFailures(t *testing.T) {
	ctx := t.Context()
	store := newFaultStore(NewMemory())
	ts := newTestTables(t, store, TableConfig{})

	transient := etlerr.Storage("slow down", "lake", "", etlerr.ServiceContext{Service: "s3", RawCode: "SlowDown"})
	store.SetPutError(transient, "part-")
	store.FailTimes(2)

	if _, err := ts.Write(ctx, "c", customers(t, []any{1, "a", "eu"}), WriteOptions{}); err != nil {
		t.Fatalf("Write should succeed after transient failures: %v", err)
	}
	fragmentPuts := 0
	for _, p := range store.PutCalls() {
		if strings.Contains(p, "part-") {
			fragmentPuts++
		}
	}
	if fragmentPuts != 3 {
		t.Errorf("fragment Put calls = %d, want 3", fragmentPuts)
	}
}

func TestTableStore_ExhaustedStorageFailureIsDataError(t *testing.T) {
	ctx := t.Context()
	store := newFaultStore(NewMemory())
	ts := newTestTables(t, store, TableConfig{})

	transient := etlerr.Storage("internal error", "lake", "", etlerr.ServiceContext{Service: "s3", RawCode: "InternalError"})
	store.SetPutError(transient, "part-")

	_, err := ts.Write(ctx, "c", customers(t, []any{1, "a", "eu"}), WriteOptions{})
	e := assertKind(t, err, etlerr.KindData)
	if v, _ := e.Detail(etlerr.DetailTable); v != "c" {
		t.Errorf("table detail = %v", v)
	}
	if !errors.Is(err, transient) {
		t.Errorf("cause chain lost: %v", err)
	}
	// first attempt plus two retries
	if n := len(store.PutCalls()); n != 4 {
		t.Errorf("Put calls = %d, want 4 (metadata + 3 fragment attempts)", n)
	}
}

func TestTableStore_NonRetryableFailureNotRetried(t *testing.T) {
	ctx := t.Context()
	store := newFaultStore(NewMemory())
	ts := newTestTables(t, store, TableConfig{})

	store.SetListError(fmt.Errorf("disk on fire"))
	_, err := ts.Exists(ctx, "c")
	assertKind(t, err, etlerr.KindData)
	if n := len(store.listCalls); n != 1 {
		t.Errorf("List calls = %d, want 1", n)
	}
}

func TestNewTableStore_BadFormat(t *testing.T) {
	_, err := NewTableStore(NewMemory(), TableConfig{Format: "avro"})
	e := assertKind(t, err, etlerr.KindConfiguration)
	if v, _ := e.Detail(etlerr.DetailConfigKey); v != "s3tables.format" {
		t.Errorf("config key = %v", v)
	}
}

func TestTableStore_FragmentNamesFollowWriteOrder(t *testing.T) {
	ctx := t.Context()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemory()
	ts := newTestTables(t, store, TableConfig{}, WithClock(func() time.Time { return fixed }))
	for _, id := range []int{1, 2, 3} {
		if _, err := ts.Write(ctx, "c", customers(t, []any{id, "x", "eu"}), WriteOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	out, err := ts.Read(ctx, "c", ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	col, _ := out.Column("id")
	for i, want := range []int64{1, 2, 3} {
		if col[i] != want {
			t.Errorf("row %d id = %v, want %d", i, col[i], want)
		}
	}
}
