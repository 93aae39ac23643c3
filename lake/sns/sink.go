// Package sns delivers failure alerts to an Amazon SNS topic.
//
// Sink implements resilience.Sink. Each alert is published as a JSON
// document with the subject "Error in <operation>".
package sns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	jsoniter "github.com/json-iterator/go"

	"github.com/rama83/GluwETL2/lake/resilience"
)

// maxSubject is the SNS subject length limit.
const maxSubject = 100

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// API is the subset of the SNS client used by Sink.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Sink publishes alerts to SNS topics.
type Sink struct {
	client API
	policy resilience.Policy
	logger *slog.Logger
}

// Option configures a Sink.
type Option func(*Sink)

// WithPolicy sets the retry policy for Publish calls.
func WithPolicy(p resilience.Policy) Option {
	return func(s *Sink) { s.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// New returns a Sink publishing through client.
func New(client API, opts ...Option) (*Sink, error) {
	if client == nil {
		return nil, errors.New("sns: client is required")
	}
	s := &Sink{client: client, policy: resilience.DefaultPolicy()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// NewFromConfig builds a Sink over an SDK client for awsCfg.
func NewFromConfig(awsCfg aws.Config, opts ...Option) (*Sink, error) {
	return New(sns.NewFromConfig(awsCfg), opts...)
}

// Notify publishes alert to topicARN.
func (s *Sink) Notify(ctx context.Context, topicARN string, alert resilience.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("sns: encoding alert: %w", err)
	}
	input := &sns.PublishInput{
		TopicArn: aws.String(topicARN),
		Subject:  aws.String(Subject(alert.Operation)),
		Message:  aws.String(string(body)),
	}

	out, err := resilience.Do(ctx, s.policy, func(ctx context.Context) (*sns.PublishOutput, error) {
		return s.client.Publish(ctx, input)
	}, resilience.WithTarget(resilience.Target{Service: "sns", Operation: "Publish"}),
		resilience.WithLogger(s.logger))
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "alert published",
		slog.String("topic_arn", topicARN),
		slog.String("operation", alert.Operation),
		slog.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}

// Subject renders the alert subject for operation, truncated to the SNS limit.
func Subject(operation string) string {
	subject := "Error in " + operation
	if len(subject) > maxSubject {
		subject = subject[:maxSubject]
	}
	return subject
}
