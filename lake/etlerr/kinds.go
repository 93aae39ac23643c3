package etlerr

import "strings"

// Configuration reports a missing or invalid configuration value.
func Configuration(message, configKey string, opts ...Option) *Error {
	return New(KindConfiguration, message, prepend(opts, WithDetail(DetailConfigKey, configKey))...)
}

// ServiceContext identifies the remote call that failed.
type ServiceContext struct {
	Service   string
	Operation string
	RawCode   string
}

func (c ServiceContext) options() []Option {
	return []Option{
		WithDetail(DetailService, c.Service),
		WithDetail(DetailOperation, c.Operation),
		WithDetail(DetailRawCode, c.RawCode),
	}
}

// Service reports a remote service failure. The code is AWS_<SERVICE>_ERROR
// when the service is known.
func Service(message string, sc ServiceContext, opts ...Option) *Error {
	base := sc.options()
	if sc.Service != "" {
		base = append(base, WithCode(serviceCode(sc.Service)))
	}
	return New(KindService, message, append(base, opts...)...)
}

// Storage reports an object storage failure.
func Storage(message, bucket, key string, sc ServiceContext, opts ...Option) *Error {
	if sc.Service == "" {
		sc.Service = "s3"
	}
	base := append(sc.options(),
		WithCode(serviceCode(sc.Service)),
		WithDetail(DetailBucket, bucket),
		WithDetail(DetailKey, key),
	)
	return New(KindStorage, message, append(base, opts...)...)
}

// Job reports a job orchestration failure.
func Job(message, jobName, jobRunID string, sc ServiceContext, opts ...Option) *Error {
	if sc.Service == "" {
		sc.Service = "glue"
	}
	base := append(sc.options(),
		WithCode(serviceCode(sc.Service)),
		WithDetail(DetailJobName, jobName),
		WithDetail(DetailJobRunID, jobRunID),
	)
	return New(KindJob, message, append(base, opts...)...)
}

// Data reports a failure reading or transforming table data.
func Data(message, source, table string, opts ...Option) *Error {
	return New(KindData, message, prepend(opts,
		WithDetail(DetailSource, source),
		WithDetail(DetailTable, table),
	)...)
}

// Validation reports data that breaks a column rule.
func Validation(message, column, rule string, opts ...Option) *Error {
	return New(KindValidation, message, prepend(opts,
		WithDetail(DetailColumn, column),
		WithDetail(DetailRule, rule),
	)...)
}

// Pipeline reports a stage-level failure.
func Pipeline(message, pipeline, stage string, opts ...Option) *Error {
	return New(KindPipeline, message, prepend(opts,
		WithDetail(DetailPipeline, pipeline),
		WithDetail(DetailStage, stage),
	)...)
}

// Dependency reports a missing external tool or library.
func Dependency(message, dependency string, opts ...Option) *Error {
	return New(KindDependency, message, prepend(opts, WithDetail(DetailDependency, dependency))...)
}

// Timeout reports an operation that ran past its deadline. A zero
// timeoutSeconds is omitted from details.
func Timeout(message, operation string, timeoutSeconds float64, opts ...Option) *Error {
	base := []Option{WithDetail(DetailOperation, operation)}
	if timeoutSeconds > 0 {
		base = append(base, WithDetail(DetailTimeoutSeconds, timeoutSeconds))
	}
	return New(KindTimeout, message, append(base, opts...)...)
}

func serviceCode(service string) string {
	return "AWS_" + strings.ToUpper(service) + "_ERROR"
}

// prepend puts base options before caller options so callers can override.
func prepend(opts []Option, base ...Option) []Option {
	return append(base, opts...)
}
