// Package commands implements the gluwetl command tree.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli/v2"

	"github.com/rama83/GluwETL2/internal/bronze"
	"github.com/rama83/GluwETL2/internal/config"
	"github.com/rama83/GluwETL2/internal/logging"
	"github.com/rama83/GluwETL2/lake"
	"github.com/rama83/GluwETL2/lake/etlerr"
	"github.com/rama83/GluwETL2/lake/glue"
	"github.com/rama83/GluwETL2/lake/resilience"
	s3store "github.com/rama83/GluwETL2/lake/s3"
	"github.com/rama83/GluwETL2/lake/sns"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// runtime carries what every command needs. It is filled by the app's
// Before hook and released by After.
type runtime struct {
	cfg     *config.Config
	logger  *logging.Logger
	alerter *resilience.Alerter

	awsCfg *aws.Config
	memory lake.ObjectStore
	tables *lake.TableStore
}

// NewApp builds the gluwetl application.
func NewApp() *cli.App {
	rt := &runtime{}
	return &cli.App{
		Name:  "gluwetl",
		Usage: "Bronze ingestion, Silver tables and Glue jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "settings file (default $GLUE_ETL_CONFIG or " + config.DefaultPath + ")",
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "storage backend: s3, fs or memory",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
		},
		Before: rt.setup,
		After:  rt.close,
		Commands: []*cli.Command{
			rt.tableCommand(),
			rt.bronzeCommand(),
			rt.jobCommand(),
		},
	}
}

func (rt *runtime) setup(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("backend") {
		cfg.Set("storage.backend", c.String("backend"))
	}
	if c.IsSet("log-level") {
		cfg.Set("logging.level", c.String("log-level"))
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := logging.FromConfig(cfg)
	if err != nil {
		return etlerr.Configuration(err.Error(), "logging", etlerr.WithCause(err))
	}

	rt.cfg = cfg
	rt.logger = logger
	rt.alerter = cfg.Alerter()
	rt.alerter.Logger = logger.Logger
	if rt.alerter.Enabled {
		awsCfg, err := rt.aws(c.Context)
		if err != nil {
			return err
		}
		sink, err := sns.NewFromConfig(awsCfg, sns.WithPolicy(cfg.RetryPolicy()), sns.WithLogger(logger.Logger))
		if err != nil {
			return err
		}
		rt.alerter.Sink = sink
	}
	return nil
}

func (rt *runtime) close(*cli.Context) error {
	if rt.logger == nil {
		return nil
	}
	return rt.logger.Close()
}

// aws resolves the shared AWS configuration once.
func (rt *runtime) aws(ctx context.Context) (aws.Config, error) {
	if rt.awsCfg != nil {
		return *rt.awsCfg, nil
	}
	cfg, err := s3store.LoadAWSConfig(ctx, s3store.ClientConfig{
		Region:       rt.cfg.GetString("aws.region"),
		Endpoint:     rt.cfg.GetString("aws.endpoint"),
		UsePathStyle: rt.cfg.GetBool("aws.use_path_style"),
		Credentials: s3store.StaticCredentials(
			rt.cfg.GetString("aws.access_key_id"),
			rt.cfg.GetString("aws.secret_access_key"),
			rt.cfg.GetString("aws.session_token"),
		),
	})
	if err != nil {
		return aws.Config{}, etlerr.Configuration("failed to load AWS configuration", "aws.region", etlerr.WithCause(err))
	}
	rt.awsCfg = &cfg
	return cfg, nil
}

// store opens the object store holding bucketKey's zone. The fs and memory
// backends share one store for every zone; zones are told apart by prefix.
func (rt *runtime) store(ctx context.Context, bucketKey string) (lake.ObjectStore, error) {
	switch backend := rt.cfg.GetString("storage.backend"); backend {
	case config.BackendFS:
		root, err := filepath.Abs(rt.cfg.GetString("storage.fs.root"))
		if err != nil {
			return nil, etlerr.Configuration(err.Error(), "storage.fs.root", etlerr.WithCause(err))
		}
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, etlerr.Configuration(fmt.Sprintf("cannot create %s", root), "storage.fs.root", etlerr.WithCause(err))
		}
		return lake.NewFS(root)
	case config.BackendMemory:
		if rt.memory == nil {
			rt.memory = lake.NewMemory()
		}
		return rt.memory, nil
	case config.BackendS3:
		bucket := rt.cfg.GetString(bucketKey)
		if bucket == "" {
			return nil, etlerr.Configuration(bucketKey+" is required for the s3 backend", bucketKey)
		}
		awsCfg, err := rt.aws(ctx)
		if err != nil {
			return nil, err
		}
		client := s3store.NewClientFromConfig(awsCfg, rt.cfg.GetBool("aws.use_path_style"))
		store, err := s3store.New(client, s3store.Config{Bucket: bucket})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, etlerr.Configuration(fmt.Sprintf("unknown storage backend %q", backend), "storage.backend")
	}
}

// tableStore opens the Silver table store.
func (rt *runtime) tableStore(ctx context.Context) (*lake.TableStore, error) {
	if rt.tables != nil {
		return rt.tables, nil
	}
	store, err := rt.store(ctx, "s3.silver.bucket")
	if err != nil {
		return nil, err
	}
	ts, err := lake.NewTableStore(store, rt.cfg.TableConfig(),
		lake.WithPolicy(rt.cfg.RetryPolicy()),
		lake.WithLogger(rt.logger.Logger),
	)
	if err != nil {
		return nil, err
	}
	rt.tables = ts
	return ts, nil
}

func (rt *runtime) ingester(ctx context.Context) (*bronze.Ingester, error) {
	store, err := rt.store(ctx, "s3.bronze.bucket")
	if err != nil {
		return nil, err
	}
	return bronze.New(store, rt.cfg.GetString("s3.bronze.prefix"),
		bronze.WithPolicy(rt.cfg.RetryPolicy()),
		bronze.WithLogger(rt.logger.Logger),
	)
}

func (rt *runtime) glue(ctx context.Context) (*glue.Client, error) {
	awsCfg, err := rt.aws(ctx)
	if err != nil {
		return nil, err
	}
	return glue.NewFromConfig(awsCfg,
		glue.WithPolicy(rt.cfg.RetryPolicy()),
		glue.WithPollInterval(rt.cfg.PollInterval()),
		glue.WithLogger(rt.logger.Logger),
	)
}

// run executes op under the alerter and prints its result as JSON.
func (rt *runtime) run(c *cli.Context, operation string, op resilience.Operation[any]) error {
	res, err := resilience.AlertOnFailure(rt.alerter, operation, op)(c.Context)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	return printJSON(c.App.Writer, res)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

func requireArgs(c *cli.Context, names ...string) error {
	if c.NArg() < len(names) {
		return etlerr.Validation(fmt.Sprintf("%s: missing argument %s", c.Command.FullName(), names[c.NArg()]),
			names[c.NArg()], "required")
	}
	return nil
}
