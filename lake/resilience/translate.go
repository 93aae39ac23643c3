package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/rama83/GluwETL2/lake/etlerr"
)

// Translate maps a raw failure to the taxonomy.
//
//   - *etlerr.Error values pass through unchanged.
//   - smithy.APIError becomes Storage for "s3", Job for "glue" and Service
//     otherwise, keeping the API code in details["raw_code"].
//   - Other smithy operation failures (transport, signing) become Service.
//   - context.DeadlineExceeded and net timeouts become Timeout.
//   - Anything else is returned as is, and is therefore not retryable.
//
// The raw error is always kept as the cause.
func Translate(t Target, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := etlerr.As(err); ok {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return etlerr.Timeout(fmt.Sprintf("%s timed out", t.describe()), t.Operation, 0,
			etlerr.WithDetail(etlerr.DetailService, t.Service),
			etlerr.WithCause(err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return etlerr.Timeout(fmt.Sprintf("%s timed out", t.describe()), t.Operation, 0,
			etlerr.WithDetail(etlerr.DetailService, t.Service),
			etlerr.WithCause(err))
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.ErrorMessage()
		if msg == "" {
			msg = apiErr.ErrorCode()
		}
		return t.serviceError(fmt.Sprintf("%s failed: %s", t.describe(), msg), apiErr.ErrorCode(), err)
	}

	var opErr *smithy.OperationError
	if errors.As(err, &opErr) {
		if t.Service == "" {
			t.Service = strings.ToLower(opErr.ServiceID)
		}
		if t.Operation == "" {
			t.Operation = opErr.OperationName
		}
		return t.serviceError(fmt.Sprintf("%s failed", t.describe()), "", err)
	}

	return err
}

// Translating returns op with every failure passed through Translate.
func Translating[T any](t Target, op Operation[T]) Operation[T] {
	return func(ctx context.Context) (T, error) {
		res, err := op(ctx)
		return res, Translate(t, err)
	}
}

func (t Target) serviceError(message, rawCode string, cause error) *etlerr.Error {
	sc := etlerr.ServiceContext{Service: t.Service, Operation: t.Operation, RawCode: rawCode}
	switch strings.ToLower(t.Service) {
	case "s3":
		return etlerr.Storage(message, t.Bucket, t.Key, sc, etlerr.WithCause(cause))
	case "glue":
		return etlerr.Job(message, t.JobName, t.JobRunID, sc, etlerr.WithCause(cause))
	default:
		return etlerr.Service(message, sc, etlerr.WithCause(cause))
	}
}

func (t Target) describe() string {
	switch {
	case t.Service != "" && t.Operation != "":
		return t.Service + " " + t.Operation
	case t.Operation != "":
		return t.Operation
	case t.Service != "":
		return t.Service + " call"
	default:
		return "operation"
	}
}
