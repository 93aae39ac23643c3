package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/rama83/GluwETL2/lake/etlerr"
)

func (rt *runtime) jobCommand() *cli.Command {
	return &cli.Command{
		Name:  "job",
		Usage: "run and inspect Glue jobs",
		Subcommands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "start a job run and wait for it to finish",
				ArgsUsage: "JOB",
				Action:    rt.jobRun,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "arg", Usage: `job argument as "--key=value" or "key=value" (repeatable)`},
					&cli.DurationFlag{Name: "timeout", Usage: "job timeout; 0 uses the job default and waits indefinitely"},
					&cli.BoolFlag{Name: "no-wait", Usage: "print the run id without waiting"},
				},
			},
			{
				Name:      "status",
				Usage:     "print the state of a job run",
				ArgsUsage: "JOB RUN_ID",
				Action:    rt.jobStatus,
			},
			{
				Name:      "stop",
				Usage:     "stop a job run",
				ArgsUsage: "JOB RUN_ID",
				Action:    rt.jobStop,
			},
		},
	}
}

func (rt *runtime) jobRun(c *cli.Context) error {
	if err := requireArgs(c, "JOB"); err != nil {
		return err
	}
	job := c.Args().Get(0)
	args, err := parseJobArgs(c.StringSlice("arg"))
	if err != nil {
		return err
	}
	timeout := c.Duration("timeout")
	return rt.run(c, "run_glue_job", func(ctx context.Context) (any, error) {
		client, err := rt.glue(ctx)
		if err != nil {
			return nil, err
		}
		if c.Bool("no-wait") {
			runID, err := client.StartJobRun(ctx, job, args, timeout)
			if err != nil {
				return nil, err
			}
			return map[string]any{"job_name": job, "job_run_id": runID}, nil
		}
		return client.RunJobAndWait(ctx, job, args, timeout)
	})
}

func (rt *runtime) jobStatus(c *cli.Context) error {
	if err := requireArgs(c, "JOB", "RUN_ID"); err != nil {
		return err
	}
	job, runID := c.Args().Get(0), c.Args().Get(1)
	return rt.run(c, "get_glue_job_run", func(ctx context.Context) (any, error) {
		client, err := rt.glue(ctx)
		if err != nil {
			return nil, err
		}
		return client.GetJobRun(ctx, job, runID)
	})
}

func (rt *runtime) jobStop(c *cli.Context) error {
	if err := requireArgs(c, "JOB", "RUN_ID"); err != nil {
		return err
	}
	job, runID := c.Args().Get(0), c.Args().Get(1)
	return rt.run(c, "stop_glue_job_run", func(ctx context.Context) (any, error) {
		client, err := rt.glue(ctx)
		if err != nil {
			return nil, err
		}
		if err := client.StopJobRun(ctx, job, runID); err != nil {
			return nil, err
		}
		return map[string]any{"job_name": job, "job_run_id": runID, "stopped": true}, nil
	})
}

// parseJobArgs turns "key=value" pairs into Glue arguments. Glue expects
// argument names to start with "--", which is added when missing.
func parseJobArgs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	args := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.Trim(k, "-") == "" {
			return nil, etlerr.Validation(fmt.Sprintf("invalid job argument %q", p), "", "job_argument")
		}
		if !strings.HasPrefix(k, "--") {
			k = "--" + strings.TrimLeft(k, "-")
		}
		args[k] = v
	}
	return args, nil
}
