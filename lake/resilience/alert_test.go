package resilience

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/rama83/GluwETL2/internal/testutil"
	"github.com/rama83/GluwETL2/lake/etlerr"
)

type recordingSink struct {
	err     error
	targets []string
	alerts  []Alert
}

func (s *recordingSink) Notify(_ context.Context, target string, alert Alert) error {
	s.targets = append(s.targets, target)
	s.alerts = append(s.alerts, alert)
	return s.err
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
}

func TestAlertOnFailure_DispatchesAndReturnsOriginal(t *testing.T) {
	sink := &recordingSink{}
	a := &Alerter{Sink: sink, Target: "arn:aws:sns:us-east-1:123:etl", Enabled: true, Logger: testutil.DiscardLogger(), Now: fixedNow}
	original := etlerr.Data("read failed", "table-store", "orders")

	op := AlertOnFailure(a, "merge-orders", func(context.Context) (int, error) {
		return 0, original
	})
	_, err := op(t.Context())

	if err != original {
		t.Errorf("err = %v, want the original error", err)
	}
	if len(sink.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(sink.alerts))
	}
	got := sink.alerts[0]
	if got.Kind != "data" || got.Code != "DATA_ERROR" || got.Message != "read failed" {
		t.Errorf("alert = %+v", got)
	}
	if got.Operation != "merge-orders" {
		t.Errorf("operation = %q, want merge-orders", got.Operation)
	}
	if !got.Timestamp.Equal(fixedNow()) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, fixedNow())
	}
	if got.Details["table"] != "orders" {
		t.Errorf("details = %v", got.Details)
	}
	if sink.targets[0] != a.Target {
		t.Errorf("target = %q, want %q", sink.targets[0], a.Target)
	}
}

func TestAlertOnFailure_SinkFailureDoesNotMaskError(t *testing.T) {
	var buf bytes.Buffer
	sink := &recordingSink{err: errors.New("sns unavailable")}
	a := &Alerter{Sink: sink, Target: "topic", Enabled: true, Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	original := errors.New("boom")

	_, err := AlertOnFailure(a, "load", func(context.Context) (int, error) {
		return 0, original
	})(t.Context())

	if err != original {
		t.Errorf("err = %v, want original", err)
	}
	out := buf.String()
	if !strings.Contains(out, "operation failed") {
		t.Errorf("original failure not logged: %s", out)
	}
	if !strings.Contains(out, "failed to send alert") || !strings.Contains(out, "sns unavailable") {
		t.Errorf("sink failure not logged: %s", out)
	}
}

func TestAlertOnFailure_Disabled(t *testing.T) {
	tests := []struct {
		name string
		a    *Alerter
	}{
		{"disabled", &Alerter{Sink: &recordingSink{}, Target: "topic", Enabled: false, Logger: testutil.DiscardLogger()}},
		{"no target", &Alerter{Sink: &recordingSink{}, Enabled: true, Logger: testutil.DiscardLogger()}},
		{"nil alerter", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := errors.New("boom")
			_, err := AlertOnFailure(tt.a, "op", func(context.Context) (int, error) {
				return 0, original
			})(t.Context())
			if err != original {
				t.Errorf("err = %v, want original", err)
			}
			if tt.a != nil {
				if n := len(tt.a.Sink.(*recordingSink).alerts); n != 0 {
					t.Errorf("alerts = %d, want 0", n)
				}
			}
		})
	}
}

func TestAlertOnFailure_SuccessIsSilent(t *testing.T) {
	sink := &recordingSink{}
	a := &Alerter{Sink: sink, Target: "topic", Enabled: true, Logger: testutil.DiscardLogger()}

	got, err := AlertOnFailure(a, "op", func(context.Context) (int, error) {
		return 7, nil
	})(t.Context())
	if err != nil || got != 7 {
		t.Errorf("op() = %d, %v", got, err)
	}
	if len(sink.alerts) != 0 {
		t.Errorf("alerts = %d, want 0", len(sink.alerts))
	}
}

func TestNewAlert_UntypedError(t *testing.T) {
	alert := (&Alerter{Now: fixedNow}).NewAlert("op", errors.New("plain"))
	if alert.Kind != "unknown" || alert.Code != "UNKNOWN_ERROR" || alert.Message != "plain" {
		t.Errorf("alert = %+v", alert)
	}
}
