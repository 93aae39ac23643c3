// Package glue runs and monitors AWS Glue ETL jobs.
//
// Every API call goes through the resilience wrapper with service "glue", so
// SDK failures surface as etlerr Job errors carrying the job name, run ID
// and raw AWS error code. WaitForJobRun polls with result-based retries on a
// constant interval and reports a Timeout error when the run does not finish
// in time.
package glue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/glue/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/rama83/GluwETL2/lake/etlerr"
	"github.com/rama83/GluwETL2/lake/resilience"
)

// DefaultPollInterval is the wait between GetJobRun calls.
const DefaultPollInterval = 30 * time.Second

// API is the subset of the Glue client used by Client.
type API interface {
	StartJobRun(ctx context.Context, params *glue.StartJobRunInput, optFns ...func(*glue.Options)) (*glue.StartJobRunOutput, error)
	GetJobRun(ctx context.Context, params *glue.GetJobRunInput, optFns ...func(*glue.Options)) (*glue.GetJobRunOutput, error)
	BatchStopJobRun(ctx context.Context, params *glue.BatchStopJobRunInput, optFns ...func(*glue.Options)) (*glue.BatchStopJobRunOutput, error)
}

// JobRun is the state of one job run.
type JobRun struct {
	JobName      string            `json:"job_name"`
	RunID        string            `json:"job_run_id"`
	State        types.JobRunState `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
	StartedOn    time.Time         `json:"started_on"`
	CompletedOn  time.Time         `json:"completed_on"`
}

// Done reports whether the run reached a terminal state.
func (r JobRun) Done() bool {
	switch r.State {
	case types.JobRunStateSucceeded, types.JobRunStateFailed, types.JobRunStateTimeout,
		types.JobRunStateStopped, types.JobRunStateError:
		return true
	}
	return false
}

// Client wraps the Glue API.
type Client struct {
	api          API
	policy       resilience.Policy
	pollInterval time.Duration
	timer        backoff.Timer
	logger       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPolicy sets the retry policy for individual API calls.
func WithPolicy(p resilience.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithPollInterval sets the wait between status polls.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithTimer replaces the timer used between polls and retries.
func WithTimer(t backoff.Timer) Option {
	return func(c *Client) { c.timer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a Client over api.
func New(api API, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("glue: client is required")
	}
	c := &Client{
		api:          api,
		policy:       resilience.DefaultPolicy(),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	return c, nil
}

// NewFromConfig builds a Client over an SDK client for awsCfg.
func NewFromConfig(awsCfg aws.Config, opts ...Option) (*Client, error) {
	return New(glue.NewFromConfig(awsCfg), opts...)
}

func (c *Client) opts(operation, jobName, runID string) []resilience.Option {
	o := []resilience.Option{
		resilience.WithTarget(resilience.Target{
			Service:   "glue",
			Operation: operation,
			JobName:   jobName,
			JobRunID:  runID,
		}),
		resilience.WithLogger(c.logger),
	}
	if c.timer != nil {
		o = append(o, resilience.WithTimer(c.timer))
	}
	return o
}

// StartJobRun starts jobName with the given arguments and returns the run ID.
// A positive timeout is passed to Glue in minutes.
func (c *Client) StartJobRun(ctx context.Context, jobName string, args map[string]string, timeout time.Duration) (string, error) {
	input := &glue.StartJobRunInput{
		JobName:   aws.String(jobName),
		Arguments: args,
	}
	if timeout > 0 {
		input.Timeout = aws.Int32(int32(math.Ceil(timeout.Minutes())))
	}

	out, err := resilience.Do(ctx, c.policy, func(ctx context.Context) (*glue.StartJobRunOutput, error) {
		return c.api.StartJobRun(ctx, input)
	}, c.opts("StartJobRun", jobName, "")...)
	if err != nil {
		return "", err
	}

	runID := aws.ToString(out.JobRunId)
	c.logger.InfoContext(ctx, "glue job run started",
		slog.String("job_name", jobName),
		slog.String("job_run_id", runID),
	)
	return runID, nil
}

// GetJobRun returns the current state of a run.
func (c *Client) GetJobRun(ctx context.Context, jobName, runID string) (JobRun, error) {
	out, err := resilience.Do(ctx, c.policy, func(ctx context.Context) (*glue.GetJobRunOutput, error) {
		return c.api.GetJobRun(ctx, &glue.GetJobRunInput{
			JobName: aws.String(jobName),
			RunId:   aws.String(runID),
		})
	}, c.opts("GetJobRun", jobName, runID)...)
	if err != nil {
		return JobRun{}, err
	}
	if out.JobRun == nil {
		return JobRun{}, etlerr.Job(fmt.Sprintf("job run %s not returned", runID), jobName, runID,
			etlerr.ServiceContext{Operation: "GetJobRun"})
	}
	return fromRun(jobName, out.JobRun), nil
}

// WaitForJobRun polls until the run reaches a terminal state. A positive
// timeout bounds the number of polls; running out is a Timeout error.
func (c *Client) WaitForJobRun(ctx context.Context, jobName, runID string, timeout time.Duration) (JobRun, error) {
	polls := math.MaxInt32
	if timeout > 0 {
		polls = int(math.Ceil(float64(timeout) / float64(c.pollInterval)))
	}
	poll := resilience.Policy{
		MaxRetries:   polls,
		InitialDelay: c.pollInterval,
		Backoff:      1,
		// GetJobRun retries its own failures
		Retryable: []etlerr.Kind{},
	}

	run, err := resilience.DoUntil(ctx, poll, func(ctx context.Context) (JobRun, error) {
		run, err := c.GetJobRun(ctx, jobName, runID)
		if err != nil {
			return run, err
		}
		c.logger.InfoContext(ctx, "glue job run status",
			slog.String("job_name", jobName),
			slog.String("job_run_id", runID),
			slog.String("status", string(run.State)),
		)
		return run, nil
	}, func(r JobRun) bool { return !r.Done() }, c.opts("WaitForJobRun", jobName, runID)...)
	if err != nil {
		return run, err
	}
	if !run.Done() {
		return run, etlerr.Timeout(
			fmt.Sprintf("timeout waiting for job run %s of %s to complete", runID, jobName),
			"WaitForJobRun", timeout.Seconds(),
			etlerr.WithDetail(etlerr.DetailJobName, jobName),
			etlerr.WithDetail(etlerr.DetailJobRunID, runID),
		)
	}
	return run, nil
}

// RunJobAndWait starts jobName, waits for it and fails with a Job error
// unless the run succeeded.
func (c *Client) RunJobAndWait(ctx context.Context, jobName string, args map[string]string, timeout time.Duration) (JobRun, error) {
	runID, err := c.StartJobRun(ctx, jobName, args, timeout)
	if err != nil {
		return JobRun{}, err
	}
	run, err := c.WaitForJobRun(ctx, jobName, runID, timeout)
	if err != nil {
		return run, err
	}
	if run.State != types.JobRunStateSucceeded {
		msg := fmt.Sprintf("job run %s failed with status %s", runID, run.State)
		if run.ErrorMessage != "" {
			msg += ": " + run.ErrorMessage
		}
		return run, etlerr.Job(msg, jobName, runID, etlerr.ServiceContext{Operation: "RunJobAndWait"})
	}
	return run, nil
}

// StopJobRun requests a stop of one run.
func (c *Client) StopJobRun(ctx context.Context, jobName, runID string) error {
	out, err := resilience.Do(ctx, c.policy, func(ctx context.Context) (*glue.BatchStopJobRunOutput, error) {
		return c.api.BatchStopJobRun(ctx, &glue.BatchStopJobRunInput{
			JobName:   aws.String(jobName),
			JobRunIds: []string{runID},
		})
	}, c.opts("BatchStopJobRun", jobName, runID)...)
	if err != nil {
		return err
	}
	for _, e := range out.Errors {
		if aws.ToString(e.JobRunId) != runID {
			continue
		}
		code, msg := "", ""
		if e.ErrorDetail != nil {
			code = aws.ToString(e.ErrorDetail.ErrorCode)
			msg = aws.ToString(e.ErrorDetail.ErrorMessage)
		}
		return etlerr.Job(fmt.Sprintf("stopping job run %s failed: %s", runID, msg), jobName, runID,
			etlerr.ServiceContext{Operation: "BatchStopJobRun", RawCode: code})
	}
	c.logger.InfoContext(ctx, "glue job run stopped",
		slog.String("job_name", jobName),
		slog.String("job_run_id", runID),
	)
	return nil
}

func fromRun(jobName string, r *types.JobRun) JobRun {
	return JobRun{
		JobName:      jobName,
		RunID:        aws.ToString(r.Id),
		State:        r.JobRunState,
		ErrorMessage: aws.ToString(r.ErrorMessage),
		StartedOn:    aws.ToTime(r.StartedOn),
		CompletedOn:  aws.ToTime(r.CompletedOn),
	}
}
