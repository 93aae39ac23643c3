// Package etlerr defines the classified error type shared by every layer of
// the pipeline.
//
// An Error carries a Kind, a machine code, a human-readable message, a flat
// details map and an optional cause. Errors are immutable once constructed:
// Details returns a copy and there are no setters.
//
// Kinds form a single-level specialization: Storage and Job are Service
// errors, Validation is a Data error. HasKind honors that relation, so a
// retry policy that lists Service also recovers Storage and Job failures.
package etlerr

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
)

// Kind classifies an Error.
type Kind int

// Error kinds.
const (
	KindUnknown Kind = iota
	KindConfiguration
	KindService
	KindStorage
	KindJob
	KindData
	KindValidation
	KindPipeline
	KindDependency
	KindTimeout
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindConfiguration: "configuration",
	KindService:       "service",
	KindStorage:       "storage",
	KindJob:           "job",
	KindData:          "data",
	KindValidation:    "validation",
	KindPipeline:      "pipeline",
	KindDependency:    "dependency",
	KindTimeout:       "timeout",
}

var kindCodes = map[Kind]string{
	KindUnknown:       "UNKNOWN_ERROR",
	KindConfiguration: "CONFIGURATION_ERROR",
	KindService:       "AWS_ERROR",
	KindStorage:       "AWS_S3_ERROR",
	KindJob:           "AWS_GLUE_ERROR",
	KindData:          "DATA_ERROR",
	KindValidation:    "VALIDATION_ERROR",
	KindPipeline:      "PIPELINE_ERROR",
	KindDependency:    "DEPENDENCY_ERROR",
	KindTimeout:       "TIMEOUT_ERROR",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Parent returns the kind k specializes, or KindUnknown for base kinds.
func (k Kind) Parent() Kind {
	switch k {
	case KindStorage, KindJob:
		return KindService
	case KindValidation:
		return KindData
	default:
		return KindUnknown
	}
}

// Is reports whether k equals target or specializes it.
func (k Kind) Is(target Kind) bool {
	return k == target || (k.Parent() != KindUnknown && k.Parent() == target)
}

// DefaultCode returns the code used when an Error is built without WithCode.
func (k Kind) DefaultCode() string {
	return kindCodes[k]
}

// ParseKind maps a kind name back to its Kind.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if strings.EqualFold(n, name) {
			return k, true
		}
	}
	return KindUnknown, false
}

// Detail keys shared by the constructors.
const (
	DetailConfigKey      = "config_key"
	DetailService        = "service"
	DetailOperation      = "operation"
	DetailRawCode        = "raw_code"
	DetailBucket         = "bucket"
	DetailKey            = "key"
	DetailJobName        = "job_name"
	DetailJobRunID       = "job_run_id"
	DetailSource         = "source"
	DetailTable          = "table"
	DetailColumn         = "column"
	DetailRule           = "rule"
	DetailPipeline       = "pipeline"
	DetailStage          = "stage"
	DetailDependency     = "dependency"
	DetailTimeoutSeconds = "timeout_seconds"
)

// Error is a classified pipeline error.
type Error struct {
	kind    Kind
	code    string
	message string
	details map[string]any
	cause   error
}

// Option configures an Error under construction.
type Option func(*Error)

// WithCode overrides the kind's default code.
func WithCode(code string) Option {
	return func(e *Error) { e.code = code }
}

// WithDetail adds one detail. Empty string and nil values are skipped.
func WithDetail(key string, value any) Option {
	return func(e *Error) { e.setDetail(key, value) }
}

// WithDetails merges details into the error.
func WithDetails(details map[string]any) Option {
	return func(e *Error) {
		for k, v := range details {
			e.setDetail(k, v)
		}
	}
}

// WithCause records the underlying error.
func WithCause(err error) Option {
	return func(e *Error) { e.cause = err }
}

// New builds an Error of the given kind.
func New(kind Kind, message string, opts ...Option) *Error {
	e := &Error{
		kind:    kind,
		code:    kind.DefaultCode(),
		message: message,
		details: make(map[string]any),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

func (e *Error) setDetail(key string, value any) {
	if value == nil {
		return
	}
	if s, ok := value.(string); ok && s == "" {
		return
	}
	e.details[key] = value
}

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// Code returns the machine-readable error code.
func (e *Error) Code() string { return e.code }

// Message returns the human-readable message without the cause.
func (e *Error) Message() string { return e.message }

// Details returns a copy of the error's context.
func (e *Error) Details() map[string]any {
	return maps.Clone(e.details)
}

// Detail returns a single detail value.
func (e *Error) Detail(key string) (any, bool) {
	v, ok := e.details[key]
	return v, ok
}

// Error formats as "[CODE] message: cause".
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(e.code)
	b.WriteString("] ")
	b.WriteString(e.message)
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error with the same kind and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.kind == e.kind && t.code == e.code
}

// Map flattens the error to {kind, code, message, details} for logging and
// alert payloads.
func (e *Error) Map() map[string]any {
	m := map[string]any{
		"kind":    e.kind.String(),
		"code":    e.code,
		"message": e.message,
		"details": e.Details(),
	}
	if e.cause != nil {
		m["cause"] = e.cause.Error()
	}
	return m
}

// LogValue implements slog.LogValuer.
func (e *Error) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", e.kind.String()),
		slog.String("code", e.code),
		slog.String("message", e.message),
	}
	if len(e.details) > 0 {
		keys := slices.Sorted(maps.Keys(e.details))
		detailAttrs := make([]any, 0, len(keys))
		for _, k := range keys {
			detailAttrs = append(detailAttrs, slog.Any(k, e.details[k]))
		}
		attrs = append(attrs, slog.Group("details", detailAttrs...))
	}
	if e.cause != nil {
		attrs = append(attrs, slog.String("cause", e.cause.Error()))
	}
	return slog.GroupValue(attrs...)
}

// -----------------------------------------------------------------------------
// Inspection
// -----------------------------------------------------------------------------

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.kind
	}
	return KindUnknown
}

// HasKind reports whether err's chain holds an *Error whose kind is k or
// specializes k.
func HasKind(err error, k Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Is(k)
}

// ToMap flattens any error. Untyped errors are reported with kind "unknown".
func ToMap(err error) map[string]any {
	if e, ok := As(err); ok {
		return e.Map()
	}
	return map[string]any{
		"kind":    KindUnknown.String(),
		"code":    KindUnknown.DefaultCode(),
		"message": err.Error(),
		"details": map[string]any{},
	}
}
