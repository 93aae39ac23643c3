// Package resilience wraps operations with bounded retries, error
// translation and failure alerting.
//
// The wrappers are plain generic functions that compose by nesting:
//
//	op := resilience.Wrap(policy, readManifest, resilience.WithTarget(target))
//	op = resilience.AlertOnFailure(alerter, "read-manifest", op)
//	manifest, err := op(ctx)
//
// Retry delays follow d·b^k before attempt k+1, with no jitter, and are
// scheduled through github.com/cenkalti/backoff/v4. Only errors whose
// etlerr.Kind is listed in Policy.Retryable are retried. Everything else,
// including untyped errors, propagates on first occurrence.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rama83/GluwETL2/lake/etlerr"
)

// Defaults applied by DefaultPolicy.
const (
	DefaultMaxRetries   = 3
	DefaultInitialDelay = 5 * time.Second
	DefaultBackoff      = 2.0
)

// DefaultRetryable lists the kinds retried when Policy.Retryable is nil.
// Service covers Storage and Job.
var DefaultRetryable = []etlerr.Kind{etlerr.KindService, etlerr.KindTimeout}

// Operation is a unit of work run under a policy.
type Operation[T any] func(ctx context.Context) (T, error)

// Policy bounds retries.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration

	// Backoff multiplies the delay after each retry. Values <= 0 use DefaultBackoff.
	Backoff float64

	// Retryable lists recoverable kinds. Nil means DefaultRetryable; an empty
	// non-nil slice disables failure retries.
	Retryable []etlerr.Kind
}

// DefaultPolicy returns 3 retries starting at 5s and doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   DefaultMaxRetries,
		InitialDelay: DefaultInitialDelay,
		Backoff:      DefaultBackoff,
	}
}

// IsRetryable reports whether err belongs to a retryable kind.
func (p Policy) IsRetryable(err error) bool {
	kinds := p.Retryable
	if kinds == nil {
		kinds = DefaultRetryable
	}
	for _, k := range kinds {
		if etlerr.HasKind(err, k) {
			return true
		}
	}
	return false
}

// Delay returns the wait before retry number k (k from 0).
func (p Policy) Delay(k int) time.Duration {
	return time.Duration(float64(p.InitialDelay) * math.Pow(p.multiplier(), float64(k)))
}

func (p Policy) multiplier() float64 {
	if p.Backoff <= 0 {
		return DefaultBackoff
	}
	return p.Backoff
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          p.multiplier(),
		MaxInterval:         time.Duration(math.MaxInt64),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// Target names the remote call an operation performs. It drives error
// translation and log context.
type Target struct {
	Service   string
	Operation string
	Bucket    string
	Key       string
	JobName   string
	JobRunID  string
}

type options struct {
	target    *Target
	name      string
	logger    *slog.Logger
	timer     backoff.Timer
	translate func(Target, error) error
}

// Option configures a single Do call.
type Option func(*options)

// WithTarget enables per-attempt translation of raw service errors.
func WithTarget(t Target) Option {
	return func(o *options) { o.target = &t }
}

// WithName sets the operation name used in logs when no target is set.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the logger for retry events. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTimer replaces the wall-clock timer used between attempts.
func WithTimer(t backoff.Timer) Option {
	return func(o *options) { o.timer = t }
}

// WithTranslator replaces Translate for this call.
func WithTranslator(fn func(Target, error) error) Option {
	return func(o *options) { o.translate = fn }
}

func buildOptions(opts []Option) options {
	o := options{translate: Translate}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.name == "" && o.target != nil {
		o.name = o.target.Operation
	}
	return o
}

// -----------------------------------------------------------------------------
// Retry
// -----------------------------------------------------------------------------

// errUnsatisfied marks a successful attempt whose result asked for a retry.
var errUnsatisfied = errors.New("resilience: result requested retry")

// Do runs op, retrying retryable failures under p. When retries run out the
// last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op Operation[T], opts ...Option) (T, error) {
	return run(ctx, p, op, nil, buildOptions(opts))
}

// DoUntil is Do with result-based retry: a successful result for which
// retryOnResult returns true is retried on the same schedule. When retries
// run out the last result is returned with a nil error.
func DoUntil[T any](ctx context.Context, p Policy, op Operation[T], retryOnResult func(T) bool, opts ...Option) (T, error) {
	return run(ctx, p, op, retryOnResult, buildOptions(opts))
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(ctx context.Context) error, opts ...Option) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

// Wrap returns op guarded by Do.
func Wrap[T any](p Policy, op Operation[T], opts ...Option) Operation[T] {
	return func(ctx context.Context) (T, error) {
		return Do(ctx, p, op, opts...)
	}
}

// WrapUntil returns op guarded by DoUntil.
func WrapUntil[T any](p Policy, op Operation[T], retryOnResult func(T) bool, opts ...Option) Operation[T] {
	return func(ctx context.Context) (T, error) {
		return DoUntil(ctx, p, op, retryOnResult, opts...)
	}
}

func run[T any](ctx context.Context, p Policy, op Operation[T], retryOnResult func(T) bool, o options) (T, error) {
	attempt := 0

	attemptOp := func() (T, error) {
		attempt++
		res, err := op(ctx)
		if err != nil {
			if o.target != nil {
				err = o.translate(*o.target, err)
			}
			if !p.IsRetryable(err) {
				return res, backoff.Permanent(err)
			}
			return res, err
		}
		if retryOnResult != nil && retryOnResult(res) {
			return res, errUnsatisfied
		}
		return res, nil
	}

	notify := func(err error, delay time.Duration) {
		attrs := []any{
			slog.String("operation", o.name),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", p.MaxRetries),
			slog.Duration("delay", delay),
		}
		if errors.Is(err, errUnsatisfied) {
			attrs = append(attrs, slog.String("reason", "result"))
		} else {
			attrs = append(attrs, slog.String("kind", etlerr.KindOf(err).String()), slog.Any("error", err))
		}
		o.logger.WarnContext(ctx, "retrying operation", attrs...)
	}

	res, err := backoff.RetryNotifyWithTimerAndData(attemptOp, p.backOff(ctx), notify, o.timer)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, errUnsatisfied) {
		o.logger.WarnContext(ctx, "retries exhausted, returning last result",
			slog.String("operation", o.name),
			slog.Int("attempts", attempt),
		)
		return res, nil
	}
	if attempt > p.MaxRetries && p.IsRetryable(err) {
		o.logger.ErrorContext(ctx, "retries exhausted",
			slog.String("operation", o.name),
			slog.Int("attempts", attempt),
			slog.Any("error", err),
		)
	}
	return res, err
}
