package sns

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/smithy-go"

	"github.com/rama83/GluwETL2/internal/testutil"
	"github.com/rama83/GluwETL2/lake/etlerr"
	"github.com/rama83/GluwETL2/lake/resilience"
)

type fakeSNS struct {
	inputs []*sns.PublishInput
	errs   []error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, in)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func newSink(t *testing.T, client API) *Sink {
	t.Helper()
	s, err := New(client,
		WithPolicy(resilience.Policy{MaxRetries: 2}),
		WithLogger(testutil.DiscardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func sampleAlert() resilience.Alert {
	return resilience.Alert{
		Kind:      "data",
		Code:      "DATA_ERROR",
		Message:   "table \"orders\" does not exist",
		Operation: "merge-orders",
		Timestamp: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Details:   map[string]any{"table": "orders"},
	}
}

func TestSink_Notify(t *testing.T) {
	client := &fakeSNS{}
	s := newSink(t, client)
	arn := "arn:aws:sns:us-east-1:123456789012:etl-alerts"

	if err := s.Notify(t.Context(), arn, sampleAlert()); err != nil {
		t.Fatal(err)
	}
	if len(client.inputs) != 1 {
		t.Fatalf("Publish calls = %d, want 1", len(client.inputs))
	}
	in := client.inputs[0]
	if aws.ToString(in.TopicArn) != arn {
		t.Errorf("TopicArn = %q", aws.ToString(in.TopicArn))
	}
	if aws.ToString(in.Subject) != "Error in merge-orders" {
		t.Errorf("Subject = %q", aws.ToString(in.Subject))
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &payload); err != nil {
		t.Fatalf("message is not JSON: %v", err)
	}
	for key, want := range map[string]any{
		"error_type":    "data",
		"error_code":    "DATA_ERROR",
		"function":      "merge-orders",
		"timestamp":     "2026-03-14T09:30:00Z",
		"error_message": "table \"orders\" does not exist",
	} {
		if payload[key] != want {
			t.Errorf("%s = %v, want %v", key, payload[key], want)
		}
	}
	details, _ := payload["details"].(map[string]any)
	if details["table"] != "orders" {
		t.Errorf("details = %v", payload["details"])
	}
}

type apiError struct{ code string }

func (e *apiError) Error() string                 { return e.code }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return "" }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

func TestSink_Notify_RetriesThrottling(t *testing.T) {
	client := &fakeSNS{errs: []error{&apiError{"Throttling"}, nil}}
	s := newSink(t, client)

	if err := s.Notify(t.Context(), "arn", sampleAlert()); err != nil {
		t.Fatal(err)
	}
	if len(client.inputs) != 2 {
		t.Errorf("Publish calls = %d, want 2", len(client.inputs))
	}
}

func TestSink_Notify_TranslatesFailure(t *testing.T) {
	denied := &apiError{"AuthorizationError"}
	client := &fakeSNS{errs: []error{denied, denied, denied}}
	s := newSink(t, client)

	err := s.Notify(t.Context(), "arn", sampleAlert())
	e, ok := etlerr.As(err)
	if !ok || e.Kind() != etlerr.KindService {
		t.Fatalf("expected Service error, got %v", err)
	}
	if e.Code() != "AWS_SNS_ERROR" {
		t.Errorf("code = %q", e.Code())
	}
	if v, _ := e.Detail(etlerr.DetailRawCode); v != "AuthorizationError" {
		t.Errorf("raw_code = %v", v)
	}
	if !errors.Is(err, denied) {
		t.Error("cause lost")
	}
	if len(client.inputs) != 3 {
		t.Errorf("Publish calls = %d, want 3", len(client.inputs))
	}
}

func TestSink_WithAlerter(t *testing.T) {
	client := &fakeSNS{}
	a := &resilience.Alerter{
		Sink:    newSink(t, client),
		Target:  "arn",
		Enabled: true,
		Logger:  testutil.DiscardLogger(),
	}
	original := etlerr.Data("boom", "table-store", "orders")
	op := resilience.AlertOnFailure(a, "write-orders", func(context.Context) (string, error) {
		return "", original
	})
	if _, err := op(t.Context()); err != original {
		t.Errorf("err = %v, want original", err)
	}
	if len(client.inputs) != 1 || aws.ToString(client.inputs[0].Subject) != "Error in write-orders" {
		t.Errorf("inputs = %v", client.inputs)
	}
}

func TestSubject_Truncates(t *testing.T) {
	got := Subject(strings.Repeat("x", 200))
	if len(got) != maxSubject {
		t.Errorf("len = %d, want %d", len(got), maxSubject)
	}
}

func TestNew_RequiresClient(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("expected error for nil client")
	}
}
