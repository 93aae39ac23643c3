package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/rama83/GluwETL2/internal/bronze"
	"github.com/rama83/GluwETL2/lake"
	"github.com/rama83/GluwETL2/lake/etlerr"
)

func (rt *runtime) tableCommand() *cli.Command {
	partitionFlag := &cli.StringSliceFlag{
		Name:  "partition-by",
		Usage: "partition column (repeatable or comma separated)",
	}
	return &cli.Command{
		Name:  "table",
		Usage: "manage Silver tables",
		Subcommands: []*cli.Command{
			{
				Name:      "exists",
				Usage:     "report whether a table holds any object",
				ArgsUsage: "TABLE",
				Action:    rt.tableExists,
			},
			{
				Name:      "create",
				Usage:     "register a table with a schema",
				ArgsUsage: "TABLE",
				Action:    rt.tableCreate,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "schema",
						Usage:    `columns as "name:type[!],..."; "!" marks a column NOT NULL`,
						Required: true,
					},
					partitionFlag,
				},
			},
			{
				Name:      "write",
				Usage:     "append or overwrite rows from a csv, json or parquet file",
				ArgsUsage: "TABLE FILE",
				Action:    rt.tableWrite,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "mode", Usage: "append or overwrite", Value: "append"},
					&cli.StringFlag{Name: "source-format", Usage: "csv, json or parquet (default: from extension)"},
					partitionFlag,
				},
			},
			{
				Name:      "read",
				Usage:     "print rows as JSON lines",
				ArgsUsage: "TABLE",
				Action:    rt.tableRead,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "columns", Usage: "columns to project, in output order"},
					&cli.StringSliceFlag{Name: "where", Usage: `filter condition such as "id>5" or "region in eu|us" (repeatable)`},
					&cli.IntFlag{Name: "limit", Usage: "maximum rows; 0 means all"},
				},
			},
			{
				Name:      "stats",
				Usage:     "print row, column, partition and size statistics",
				ArgsUsage: "TABLE",
				Action:    rt.tableStats,
			},
			{
				Name:      "partitions",
				Usage:     "list distinct partitions",
				ArgsUsage: "TABLE",
				Action:    rt.tablePartitions,
			},
			{
				Name:      "delete",
				Usage:     "remove every object of a table",
				ArgsUsage: "TABLE",
				Action:    rt.tableDelete,
			},
			{
				Name:      "merge",
				Usage:     "upsert SOURCE into DEST by key columns",
				ArgsUsage: "SOURCE DEST",
				Action:    rt.tableMerge,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "on", Usage: "join column (repeatable)", Required: true},
					&cli.StringSliceFlag{Name: "update", Usage: "column to update on match (default: all non-key columns)"},
				},
			},
			{
				Name:      "copy",
				Usage:     "duplicate a table",
				ArgsUsage: "SOURCE DEST",
				Action:    rt.tableCopy,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "overwrite", Usage: "replace an existing destination"},
				},
			},
			{
				Name:   "list",
				Usage:  "list registered tables",
				Action: rt.tableList,
			},
		},
	}
}

func (rt *runtime) tableExists(c *cli.Context) error {
	if err := requireArgs(c, "TABLE"); err != nil {
		return err
	}
	table := c.Args().Get(0)
	return rt.run(c, "table_exists", func(ctx context.Context) (any, error) {
		ts, err := rt.tableStore(ctx)
		if err != nil {
			return nil, err
		}
		ok, err := ts.Exists(ctx, table)
		if err != nil {
			return nil, err
		}
		return map[string]any{"table": table, "exists": ok}, nil
	})
}

func (rt *runtime) tableCreate(c *cli.Context) error {
	if err := requireArgs(c, "TABLE"); err != nil {
		return err
	}
	table := c.Args().Get(0)
	schema, err := parseSchema(c.String("schema"))
	if err != nil {
		return err
	}
	return rt.run(c, "create_table", func(ctx context.Context) (any, error) {
		ts, err := rt.tableStore(ctx)
		if err != nil {
			return nil, err
		}
		p, err := ts.Create(ctx, table, schema, splitList(c.StringSlice("partition-by")))
		if err != nil {
			return nil, err
		}
		return map[string]any{"table": table, "path": p}, nil
	})
}

func (rt *runtime) tableWrite(c *cli.Context) error {
	if err := requireArgs(c, "TABLE", "FILE"); err != nil {
		return err
	}
	table, file := c.Args().Get(0), c.Args().Get(1)
	mode, err := lake.ParseWriteMode(c.String("mode"))
	if err != nil {
		return etlerr.Validation(err.Error(), "", "write_mode", etlerr.WithCause(err))
	}
	format := c.String("source-format")
	if format == "" {
		detected, ok := bronze.DetectFormat(file)
		if !ok {
			return etlerr.Validation(fmt.Sprintf("cannot detect format of %s", file), "", "source_format")
		}
		format = detected
	}
	return rt.run(c, "write_table", func(ctx context.Context) (any, error) {
		f, err := os.Open(file)
		if err != nil {
			return nil, etlerr.Data(fmt.Sprintf("failed to open %s", file), file, table, etlerr.WithCause(err))
		}
		defer f.Close()
		b, err := bronze.Decode(format, f)
		if err != nil {
			return nil, etlerr.Data(fmt.Sprintf("failed to read %s", file), file, table, etlerr.WithCause(err))
		}
		ts, err := rt.tableStore(ctx)
		if err != nil {
			return nil, err
		}
		opts := lake.WriteOptions{Mode: mode}
		if cols := splitList(c.StringSlice("partition-by")); len(cols) > 0 {
			opts.PartitionColumns = cols
		}
		p, err := ts.Write(ctx, table, b, opts)
		if err != nil {
			return nil, err
		}
		return map[string]any{"table": table, "path": p, "rows": b.Len(), "mode": mode.String()}, nil
	})
}

func (rt *runtime) tableRead(c *cli.Context) error {
	if err := requireArgs(c, "TABLE"); err != nil {
		return err
	}
	table := c.Args().Get(0)
	var filter lake.Filter
	for _, expr := range c.StringSlice("where") {
		cond, err := lake.ParseCondition(expr)
		if err != nil {
			return etlerr.Validation(err.Error(), "", "filter", etlerr.WithCause(err))
		}
		filter = append(filter, cond)
	}
	opts := lake.ReadOptions{
		Columns: splitList(c.StringSlice("columns")),
		Filter:  filter,
		Limit:   c.Int("limit"),
	}
	b, err := rt.readRows(c, table, opts)
	if err != nil {
		return err
	}
	for _, rec := range b.Records() {
		line, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.App.Writer, "%s\n", line); err != nil {
			return err
		}
	}
	return nil
}

// readRows reads under the alerter. Rows are printed by the caller as JSON
// lines rather than one document.
func (rt *runtime) readRows(c *cli.Context, table string, opts lake.ReadOptions) (*lake.Batch, error) {
	var out *lake.Batch
	err := rt.run(c, "read_table", func(ctx context.Context) (any, error) {
		ts, err := rt.tableStore(ctx)
		if err != nil {
			return nil, err
		}
		b, err := ts.Read(ctx, table, opts)
		if err != nil {
			return nil, err
		}
		out = b
		return nil, nil
	})
	return out, err
}

func (rt *runtime) tableStats(c *cli.Context) error {
	if err := requireArgs(c, "TABLE"); err != nil {
		return err
	}
	table := c.Args().Get(0)
	return rt.run(c, "get_table_stats", func(ctx context.Context) (any, error) {
		ts, err := rt.tableStore(ctx)
		if err != nil {
			return nil, err
		}
		return ts.Stats(ctx, table)
	})
}

func (rt *runtime) tablePartitions(c *cli.Context) error {
	if err := requireArgs(c, "TABLE"); err != nil {
		return err
	}
	table := c.Args().Get(0)
	return rt.run(c, "list_partitions", func(ctx context.Context) (any, error) {
		ts, err := rt.tableStore(ctx)
		if err != nil {
			return nil, err
		}
		parts, err := ts.Partitions(ctx, table)
		if err != nil {
			return nil, err
		}
		if parts == nil {
			parts = []lake.Partition{}
		}
		return parts, nil
	})
}

func (rt *runtime) tableDelete(c *cli.Context) error {
	if err := requireArgs(c, "TABLE"); err != nil {
		return err
	}
	table := c.Args().Get(0)
	return rt.run(c, "delete_table", func(ctx context.Context) (any, error) {
		ts, err := rt.tableStore(ctx)
		if err != nil {
			return nil, err
		}
		if err := ts.Delete(ctx, table); err != nil {
			return nil, err
		}
		return map[string]any{"table": table, "deleted": true}, nil
	})
}

func (rt *runtime) tableMerge(c *cli.Context) error {
	if err := requireArgs(c, "SOURCE", "DEST"); err != nil {
		return err
	}
	src, dst := c.Args().Get(0), c.Args().Get(1)
	on, update := splitList(c.StringSlice("on")), splitList(c.StringSlice("update"))
	return rt.run(c, "merge_tables", func(ctx context.Context) (any, error) {
		ts, err := rt.tableStore(ctx)
		if err != nil {
			return nil, err
		}
		res, err := ts.Merge(ctx, src, dst, on, update)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": res.Path, "rows_updated": res.RowsUpdated}, nil
	})
}

func (rt *runtime) tableCopy(c *cli.Context) error {
	if err := requireArgs(c, "SOURCE", "DEST"); err != nil {
		return err
	}
	src, dst := c.Args().Get(0), c.Args().Get(1)
	return rt.run(c, "copy_table", func(ctx context.Context) (any, error) {
		ts, err := rt.tableStore(ctx)
		if err != nil {
			return nil, err
		}
		p, err := ts.Copy(ctx, src, dst, c.Bool("overwrite"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"source": src, "table": dst, "path": p}, nil
	})
}

func (rt *runtime) tableList(c *cli.Context) error {
	return rt.run(c, "list_tables", func(ctx context.Context) (any, error) {
		ts, err := rt.tableStore(ctx)
		if err != nil {
			return nil, err
		}
		tables, err := ts.ListTables(ctx)
		if err != nil {
			return nil, err
		}
		if tables == nil {
			tables = []string{}
		}
		return tables, nil
	})
}

// parseSchema parses "id:int64!,name:string". Columns are nullable unless
// the type carries a trailing "!".
func parseSchema(spec string) (lake.Schema, error) {
	var fields []lake.Field
	for _, col := range splitList([]string{spec}) {
		name, typ, ok := strings.Cut(col, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return lake.Schema{}, etlerr.Validation(fmt.Sprintf("invalid column definition %q", col), name, "schema")
		}
		typ = strings.TrimSpace(typ)
		required := strings.HasSuffix(typ, "!")
		t, err := lake.ParseType(strings.TrimSuffix(typ, "!"))
		if err != nil {
			return lake.Schema{}, etlerr.Validation(err.Error(), name, "schema", etlerr.WithCause(err))
		}
		fields = append(fields, lake.Field{Name: name, Type: t, Nullable: !required})
	}
	if len(fields) == 0 {
		return lake.Schema{}, etlerr.Validation("schema has no columns", "", "schema")
	}
	return lake.NewSchema(fields...), nil
}

// splitList flattens repeated and comma separated flag values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
