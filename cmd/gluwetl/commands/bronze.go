package commands

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/rama83/GluwETL2/internal/bronze"
)

func (rt *runtime) bronzeCommand() *cli.Command {
	return &cli.Command{
		Name:  "bronze",
		Usage: "ingest raw files into the Bronze zone",
		Subcommands: []*cli.Command{
			{
				Name:      "ingest",
				Usage:     "stamp a csv, json or parquet file with ingest metadata and store it",
				ArgsUsage: "FILE",
				Action:    rt.bronzeIngest,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "target", Usage: "object key under the Bronze prefix (default: file name with the output extension)"},
					&cli.StringFlag{Name: "source-format", Usage: "csv, json or parquet (default: from extension)"},
					&cli.StringFlag{Name: "format", Usage: "output format: csv, jsonl or parquet", Value: "parquet"},
					&cli.StringFlag{Name: "compression", Usage: "jsonl or parquet compression"},
					&cli.StringSliceFlag{Name: "partition-by", Usage: "partition column (repeatable)"},
					&cli.BoolFlag{Name: "overwrite", Usage: "replace existing objects"},
				},
			},
		},
	}
}

func (rt *runtime) bronzeIngest(c *cli.Context) error {
	if err := requireArgs(c, "FILE"); err != nil {
		return err
	}
	file := c.Args().Get(0)
	opts := bronze.Options{
		SourceFormat:     c.String("source-format"),
		TargetKey:        c.String("target"),
		Format:           c.String("format"),
		Compression:      c.String("compression"),
		PartitionColumns: splitList(c.StringSlice("partition-by")),
		Overwrite:        c.Bool("overwrite"),
	}
	if opts.TargetKey == "" {
		base := filepath.Base(file)
		opts.TargetKey = strings.TrimSuffix(base, filepath.Ext(base)) + "." + opts.Format
	}
	return rt.run(c, "ingest_to_bronze", func(ctx context.Context) (any, error) {
		in, err := rt.ingester(ctx)
		if err != nil {
			return nil, err
		}
		res, err := in.IngestFile(ctx, file, opts)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"source":  file,
			"rows":    res.Rows,
			"columns": res.Columns,
			"paths":   res.Paths,
		}, nil
	})
}
