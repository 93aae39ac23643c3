package bronze

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/rama83/GluwETL2/internal/testutil"
	"github.com/rama83/GluwETL2/lake"
	"github.com/rama83/GluwETL2/lake/etlerr"
	"github.com/rama83/GluwETL2/lake/resilience"
)

var ingestTime = time.Date(2025, 7, 4, 13, 5, 9, 0, time.UTC)

func newIngester(t *testing.T, store lake.ObjectStore) *Ingester {
	t.Helper()
	in, err := New(store, "raw",
		WithPolicy(resilience.Policy{MaxRetries: 1}),
		WithLogger(testutil.DiscardLogger()),
		WithClock(func() time.Time { return ingestTime }))
	if err != nil {
		t.Fatal(err)
	}
	return in
}

func readObject(t *testing.T, store lake.ObjectStore, key string) []byte {
	t.Helper()
	rc, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

const ordersCSV = `id,region,amount,paid
1,eu,10.5,true
2,us,3,false
3,eu,,true
`

func TestReadCSV_InfersTypes(t *testing.T) {
	b, err := ReadCSV(strings.NewReader(ordersCSV))
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]lake.Type{"id": lake.Int64, "region": lake.String, "amount": lake.Float64, "paid": lake.Bool}
	for name, typ := range want {
		f, ok := b.Schema().Field(name)
		if !ok || f.Type != typ {
			t.Errorf("column %s = %+v, want %s", name, f, typ)
		}
	}
	if b.Len() != 3 {
		t.Fatalf("rows = %d", b.Len())
	}
	if b.Value(2, "amount") != nil {
		t.Errorf("empty cell = %v, want null", b.Value(2, "amount"))
	}
	if b.Value(1, "amount") != 3.0 {
		t.Errorf("amount = %#v", b.Value(1, "amount"))
	}
}

func TestReadCSV_KeepsNumericLookingText(t *testing.T) {
	b, err := ReadCSV(strings.NewReader("zip,code,big,small\n00501,0x1F,3000000000,0.5\n02134,010,-7,-0.25\n"))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		column string
		typ    lake.Type
		want   []any
	}{
		{"zip", lake.String, []any{"00501", "02134"}},
		{"code", lake.String, []any{"0x1F", "010"}},
		{"big", lake.Int64, []any{int64(3000000000), int64(-7)}},
		{"small", lake.Float64, []any{0.5, -0.25}},
	}
	for _, tt := range tests {
		t.Run(tt.column, func(t *testing.T) {
			f, ok := b.Schema().Field(tt.column)
			if !ok || f.Type != tt.typ {
				t.Fatalf("column = %+v, want %s", f, tt.typ)
			}
			for i, want := range tt.want {
				if got := b.Value(i, tt.column); got != want {
					t.Errorf("row %d = %#v, want %#v", i, got, want)
				}
			}
		})
	}
}

func TestReadCSV_Errors(t *testing.T) {
	if _, err := ReadCSV(strings.NewReader("")); !errors.Is(err, lake.ErrInvalidFormat) {
		t.Errorf("empty csv: %v", err)
	}
	if _, err := ReadCSV(strings.NewReader("a,b\n1\n")); !errors.Is(err, lake.ErrInvalidFormat) {
		t.Errorf("ragged csv: %v", err)
	}
}

func TestReadJSON(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"lines", "{\"id\": 1, \"score\": 2, \"tags\": [\"a\"]}\n\n{\"id\": 2, \"score\": 2.5, \"tags\": null}\n"},
		{"array", ` [{"id": 1, "score": 2, "tags": ["a"]}, {"id": 2, "score": 2.5}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := ReadJSON(strings.NewReader(tt.doc))
			if err != nil {
				t.Fatal(err)
			}
			if b.Len() != 2 {
				t.Fatalf("rows = %d", b.Len())
			}
			if got := b.Value(0, "id"); got != int64(1) {
				t.Errorf("id = %#v, want int64", got)
			}
			if got := b.Value(0, "score"); got != 2.0 {
				t.Errorf("score = %#v, want widened float", got)
			}
			if got := b.Value(0, "tags"); got != `["a"]` {
				t.Errorf("tags = %#v, want JSON text", got)
			}
		})
	}

	if _, err := ReadJSON(strings.NewReader("  \n")); !errors.Is(err, lake.ErrInvalidFormat) {
		t.Errorf("empty document: %v", err)
	}
	if _, err := ReadJSON(strings.NewReader("{\"a\":1}\n{broken\n")); !errors.Is(err, lake.ErrInvalidFormat) {
		t.Errorf("broken line: %v", err)
	}
}

func TestReadParquet(t *testing.T) {
	src, err := ReadCSV(strings.NewReader(ordersCSV))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := lake.NewParquetCodec().Encode(&buf, src); err != nil {
		t.Fatal(err)
	}
	b, err := ReadParquet(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if b.Len() != 3 || b.Value(0, "region") != "eu" || b.Value(0, "id") != int64(1) {
		t.Errorf("records = %v", b.Records())
	}
}

func TestStamp(t *testing.T) {
	src := lake.NewBatch(lake.NewSchema(
		lake.Field{Name: "id", Type: lake.Int64},
		lake.Field{Name: ColumnDate, Type: lake.String, Nullable: true},
	))
	if err := src.Append(1, "stale"); err != nil {
		t.Fatal(err)
	}
	b, err := Stamp(src, ingestTime)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"id", ColumnTimestamp, ColumnDate, ColumnTime}
	if got := b.Schema().Names(); !slices.Equal(got, want) {
		t.Errorf("columns = %v, want %v", got, want)
	}
	if got := b.Value(0, ColumnDate); got != "2025-07-04" {
		t.Errorf("date = %v", got)
	}
	if got := b.Value(0, ColumnTime); got != "13-05-09" {
		t.Errorf("time = %v", got)
	}
	if got, ok := b.Value(0, ColumnTimestamp).(time.Time); !ok || !got.Equal(ingestTime) {
		t.Errorf("timestamp = %v", b.Value(0, ColumnTimestamp))
	}
}

func TestIngest_CSVToParquet(t *testing.T) {
	ctx := t.Context()
	store := lake.NewMemory()
	in := newIngester(t, store)

	res, err := in.Ingest(ctx, "orders.csv", strings.NewReader(ordersCSV), Options{
		TargetKey: "orders/2025-07-04/orders.parquet",
		Format:    "parquet",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 3 || len(res.Paths) != 1 || res.Paths[0] != "mem://raw/orders/2025-07-04/orders.parquet" {
		t.Errorf("result = %+v", res)
	}
	if !slices.Contains(res.Columns, ColumnTimestamp) {
		t.Errorf("columns = %v", res.Columns)
	}

	b, err := ReadParquet(bytes.NewReader(readObject(t, store, "raw/orders/2025-07-04/orders.parquet")))
	if err != nil {
		t.Fatal(err)
	}
	if b.Len() != 3 || b.Value(2, ColumnDate) != "2025-07-04" {
		t.Errorf("written rows = %v", b.Records())
	}
}

func TestIngest_Partitioned(t *testing.T) {
	ctx := t.Context()
	store := lake.NewMemory()
	in := newIngester(t, store)

	res, err := in.Ingest(ctx, "orders.csv", strings.NewReader(ordersCSV), Options{
		TargetKey:        "orders",
		Format:           "jsonl",
		PartitionColumns: []string{"region"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Paths) != 2 {
		t.Fatalf("paths = %v", res.Paths)
	}
	objects, err := store.List(ctx, "raw/orders/")
	if err != nil {
		t.Fatal(err)
	}
	got := make([]string, len(objects))
	for i, o := range objects {
		got[i] = o.Path
	}
	want := []string{"raw/orders/region=eu/part-00000.jsonl", "raw/orders/region=us/part-00001.jsonl"}
	if !slices.Equal(got, want) {
		t.Errorf("objects = %v, want %v", got, want)
	}
}

func TestIngest_CSVOutputAndOverwrite(t *testing.T) {
	ctx := t.Context()
	store := lake.NewMemory()
	in := newIngester(t, store)
	opts := Options{TargetKey: "orders.csv", Format: "csv"}

	if _, err := in.Ingest(ctx, "orders.csv", strings.NewReader(ordersCSV), opts); err != nil {
		t.Fatal(err)
	}
	out := string(readObject(t, store, "raw/orders.csv"))
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if lines[0] != "id,region,amount,paid,bronze_ingest_timestamp,bronze_ingest_date,bronze_ingest_time" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[3] != "3,eu,,true,2025-07-04T13:05:09Z,2025-07-04,13-05-09" {
		t.Errorf("row = %q", lines[3])
	}

	_, err := in.Ingest(ctx, "orders.csv", strings.NewReader(ordersCSV), opts)
	e, ok := etlerr.As(err)
	if !ok || e.Kind() != etlerr.KindData || !errors.Is(err, lake.ErrPathExists) {
		t.Fatalf("expected Data error for existing target, got %v", err)
	}

	opts.Overwrite = true
	if _, err := in.Ingest(ctx, "orders.csv", strings.NewReader("id\n9\n"), opts); err != nil {
		t.Fatal(err)
	}
	if out := string(readObject(t, store, "raw/orders.csv")); !strings.HasPrefix(out, "id,bronze_ingest_timestamp") {
		t.Errorf("overwritten object = %q", out)
	}
}

func TestIngest_Errors(t *testing.T) {
	ctx := t.Context()
	in := newIngester(t, lake.NewMemory())

	_, err := in.Ingest(ctx, "orders.csv", strings.NewReader(ordersCSV), Options{})
	if !etlerr.HasKind(err, etlerr.KindValidation) {
		t.Errorf("missing target: %v", err)
	}
	_, err = in.Ingest(ctx, "orders.xlsx", strings.NewReader(""), Options{TargetKey: "x"})
	if !etlerr.HasKind(err, etlerr.KindValidation) {
		t.Errorf("unknown format: %v", err)
	}
	_, err = in.Ingest(ctx, "orders.csv", strings.NewReader(ordersCSV), Options{TargetKey: "x", Format: "avro"})
	if !etlerr.HasKind(err, etlerr.KindValidation) {
		t.Errorf("bad output format: %v", err)
	}
	_, err = in.Ingest(ctx, "orders.json", strings.NewReader("{oops"), Options{TargetKey: "x"})
	e, ok := etlerr.As(err)
	if !ok || e.Kind() != etlerr.KindData {
		t.Fatalf("bad source: %v", err)
	}
	if v, _ := e.Detail(etlerr.DetailSource); v != "orders.json" {
		t.Errorf("source detail = %v", v)
	}
}

func TestIngestFile(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "orders.csv")
	if err := os.WriteFile(name, []byte(ordersCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	store := lake.NewMemory()
	in := newIngester(t, store)
	res, err := in.IngestFile(t.Context(), name, Options{TargetKey: "orders.jsonl", Format: "jsonl"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 3 {
		t.Errorf("rows = %d", res.Rows)
	}

	_, err = in.IngestFile(t.Context(), filepath.Join(dir, "missing.csv"), Options{TargetKey: "x"})
	if !etlerr.HasKind(err, etlerr.KindData) || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: %v", err)
	}
}

func TestIngestObject(t *testing.T) {
	landing := lake.NewMemory()
	if err := landing.Put(t.Context(), "in/orders.csv", strings.NewReader(ordersCSV)); err != nil {
		t.Fatal(err)
	}
	in := newIngester(t, lake.NewMemory())
	res, err := in.IngestObject(t.Context(), landing, "in/orders.csv", Options{TargetKey: "orders.parquet"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 3 {
		t.Errorf("rows = %d", res.Rows)
	}
}

func TestDetectFormat(t *testing.T) {
	tests := map[string]string{
		"a.csv":         FormatCSV,
		"a.CSV":         FormatCSV,
		"a.jsonl":       FormatJSON,
		"s3://b/a.json": FormatJSON,
		"a.parquet":     FormatParquet,
	}
	for name, want := range tests {
		if got, ok := DetectFormat(name); !ok || got != want {
			t.Errorf("DetectFormat(%q) = %q, %v", name, got, ok)
		}
	}
	if _, ok := DetectFormat("a.txt"); ok {
		t.Error("txt should not be detected")
	}
}
