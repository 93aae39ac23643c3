package lake

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/rama83/GluwETL2/lake/resilience"
)

// resilientStore runs every call of an inner ObjectStore under a retry
// policy, translating raw service failures per attempt.
type resilientStore struct {
	inner   ObjectStore
	policy  resilience.Policy
	service string
	bucket  string
	opts    []resilience.Option
}

// bucketNamer is implemented by stores that know their bucket, for error
// details.
type bucketNamer interface {
	Bucket() string
}

// NewResilientStore wraps store so that each call is translated and retried
// under policy. Errors from the wrapped store that are not service failures
// (ErrNotFound, ErrPathExists) are returned after the first attempt.
func NewResilientStore(store ObjectStore, policy resilience.Policy, service string, opts ...resilience.Option) ObjectStore {
	if rs, ok := store.(*resilientStore); ok {
		store = rs.inner
	}
	r := &resilientStore{inner: store, policy: policy, service: service, opts: opts}
	if bn, ok := store.(bucketNamer); ok {
		r.bucket = bn.Bucket()
	}
	return r
}

func (r *resilientStore) target(op, key string) resilience.Option {
	return resilience.WithTarget(resilience.Target{
		Service:   r.service,
		Operation: op,
		Bucket:    r.bucket,
		Key:       key,
	})
}

func (r *resilientStore) with(op, key string) []resilience.Option {
	return append([]resilience.Option{r.target(op, key)}, r.opts...)
}

func (r *resilientStore) Put(ctx context.Context, path string, body io.Reader) error {
	// each attempt needs a fresh reader
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read payload for %s: %w", path, err)
	}
	return resilience.Run(ctx, r.policy, func(ctx context.Context) error {
		return r.inner.Put(ctx, path, bytes.NewReader(data))
	}, r.with("PutObject", path)...)
}

func (r *resilientStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	// buffer the body so that read failures are retried with the request
	return resilience.Do(ctx, r.policy, func(ctx context.Context) (io.ReadCloser, error) {
		rc, err := r.inner.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		defer closer(rc)()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}, r.with("GetObject", path)...)
}

func (r *resilientStore) Exists(ctx context.Context, path string) (bool, error) {
	return resilience.Do(ctx, r.policy, func(ctx context.Context) (bool, error) {
		return r.inner.Exists(ctx, path)
	}, r.with("HeadObject", path)...)
}

func (r *resilientStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	return resilience.Do(ctx, r.policy, func(ctx context.Context) ([]ObjectInfo, error) {
		return r.inner.List(ctx, prefix)
	}, r.with("ListObjectsV2", prefix)...)
}

func (r *resilientStore) Delete(ctx context.Context, path string) error {
	return resilience.Run(ctx, r.policy, func(ctx context.Context) error {
		return r.inner.Delete(ctx, path)
	}, r.with("DeleteObject", path)...)
}

func (r *resilientStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	return resilience.Do(ctx, r.policy, func(ctx context.Context) (int, error) {
		return r.inner.DeletePrefix(ctx, prefix)
	}, r.with("DeleteObjects", prefix)...)
}

// Location delegates to the inner store when it can render locations.
func (r *resilientStore) Location(p string) string {
	if l, ok := r.inner.(Locator); ok {
		return l.Location(p)
	}
	return p
}
