package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/rama83/GluwETL2/lake/etlerr"
)

// Alert is the payload dispatched on unrecovered failure.
type Alert struct {
	Kind      string         `json:"error_type"`
	Code      string         `json:"error_code"`
	Message   string         `json:"error_message"`
	Operation string         `json:"function"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Sink delivers alerts to a notification target (for example an SNS topic).
type Sink interface {
	Notify(ctx context.Context, target string, alert Alert) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, target string, alert Alert) error

// Notify calls f.
func (f SinkFunc) Notify(ctx context.Context, target string, alert Alert) error {
	return f(ctx, target, alert)
}

// Alerter holds alerting configuration shared by wrapped operations.
type Alerter struct {
	// Sink receives alerts. A nil Sink disables dispatch.
	Sink Sink

	// Target is the sink-specific destination, such as a topic ARN.
	Target string

	// Enabled gates dispatch. Failures are logged either way.
	Enabled bool

	Logger *slog.Logger
	Now    func() time.Time
}

// NewAlert builds the payload for err.
func (a *Alerter) NewAlert(operation string, err error) Alert {
	now := time.Now
	if a != nil && a.Now != nil {
		now = a.Now
	}
	m := etlerr.ToMap(err)
	details, _ := m["details"].(map[string]any)
	return Alert{
		Kind:      m["kind"].(string),
		Code:      m["code"].(string),
		Message:   m["message"].(string),
		Operation: operation,
		Timestamp: now().UTC(),
		Details:   details,
	}
}

// Report logs err and, when enabled and targeted, dispatches an alert. A
// dispatch failure is logged and otherwise ignored.
func (a *Alerter) Report(ctx context.Context, operation string, err error) {
	logger := slog.Default()
	if a != nil && a.Logger != nil {
		logger = a.Logger
	}

	logger.ErrorContext(ctx, "operation failed",
		slog.String("operation", operation),
		slog.Any("error", errorValue(err)),
	)

	if a == nil || !a.Enabled || a.Sink == nil || a.Target == "" {
		return
	}

	alert := a.NewAlert(operation, err)
	if sinkErr := a.Sink.Notify(ctx, a.Target, alert); sinkErr != nil {
		logger.ErrorContext(ctx, "failed to send alert",
			slog.String("operation", operation),
			slog.String("target", a.Target),
			slog.Any("error", sinkErr),
		)
	}
}

// AlertOnFailure returns op that reports every failure through a before
// returning the original error unchanged.
func AlertOnFailure[T any](a *Alerter, operation string, op Operation[T]) Operation[T] {
	return func(ctx context.Context) (T, error) {
		res, err := op(ctx)
		if err != nil {
			a.Report(ctx, operation, err)
		}
		return res, err
	}
}

func errorValue(err error) any {
	if e, ok := etlerr.As(err); ok {
		return e
	}
	return err.Error()
}
