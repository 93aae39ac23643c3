package lake

import (
	"context"
	"io"
	"strings"
	"sync"
)

// -----------------------------------------------------------------------------
// Fault-Injection Store Wrapper (test-only)
// -----------------------------------------------------------------------------
//
// faultStore wraps an ObjectStore and injects errors on selected operations,
// recording the calls it sees. It lets failure paths be tested without
// relying on timing or a real service.

type faultStore struct {
	inner ObjectStore

	mu sync.Mutex

	putErr      error
	putErrMatch string
	getErr      error
	getErrMatch string
	listErr     error
	deleteErr   error

	// failures > 0 limits how many calls return the injected error
	failures int

	putCalls    []string
	getCalls    []string
	listCalls   []string
	deleteCalls []string
}

func newFaultStore(inner ObjectStore) *faultStore {
	return &faultStore{inner: inner}
}

// SetPutError injects err into Put calls whose path contains match.
func (f *faultStore) SetPutError(err error, match ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putErr = err
	f.putErrMatch = ""
	if len(match) > 0 {
		f.putErrMatch = match[0]
	}
}

// SetGetError injects err into Get calls whose path contains match.
func (f *faultStore) SetGetError(err error, match ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErr = err
	f.getErrMatch = ""
	if len(match) > 0 {
		f.getErrMatch = match[0]
	}
}

// SetListError injects err into every List call.
func (f *faultStore) SetListError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// SetDeleteError injects err into Delete and DeletePrefix calls.
func (f *faultStore) SetDeleteError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErr = err
}

// FailTimes makes injected errors fire only n times.
func (f *faultStore) FailTimes(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

// inject returns err when it applies to path. Callers hold f.mu.
func (f *faultStore) inject(err error, match, path string) error {
	if err == nil || (match != "" && !strings.Contains(path, match)) {
		return nil
	}
	if f.failures < 0 {
		return nil
	}
	if f.failures > 0 {
		f.failures--
		if f.failures == 0 {
			f.failures = -1
		}
	}
	return err
}

func (f *faultStore) PutCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.putCalls...)
}

func (f *faultStore) GetCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.getCalls...)
}

// -----------------------------------------------------------------------------
// ObjectStore
// -----------------------------------------------------------------------------

func (f *faultStore) Put(ctx context.Context, path string, r io.Reader) error {
	f.mu.Lock()
	f.putCalls = append(f.putCalls, path)
	err := f.inject(f.putErr, f.putErrMatch, path)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.inner.Put(ctx, path, r)
}

func (f *faultStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.getCalls = append(f.getCalls, path)
	err := f.inject(f.getErr, f.getErrMatch, path)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.inner.Get(ctx, path)
}

func (f *faultStore) Exists(ctx context.Context, path string) (bool, error) {
	return f.inner.Exists(ctx, path)
}

func (f *faultStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	f.mu.Lock()
	f.listCalls = append(f.listCalls, prefix)
	err := f.inject(f.listErr, "", prefix)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.inner.List(ctx, prefix)
}

func (f *faultStore) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	f.deleteCalls = append(f.deleteCalls, path)
	err := f.inject(f.deleteErr, "", path)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.inner.Delete(ctx, path)
}

func (f *faultStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	f.mu.Lock()
	f.deleteCalls = append(f.deleteCalls, prefix)
	err := f.inject(f.deleteErr, "", prefix)
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.inner.DeletePrefix(ctx, prefix)
}

func (f *faultStore) Location(p string) string {
	if l, ok := f.inner.(Locator); ok {
		return l.Location(p)
	}
	return p
}
