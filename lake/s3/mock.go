package s3

import (
	"bytes"
	"context"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// -----------------------------------------------------------------------------
// Mock S3 Client for Testing
// -----------------------------------------------------------------------------

// MockS3Client is an in-memory test double for API.
type MockS3Client struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// Call counters for test assertions
	PutObjectCalls     int
	GetObjectCalls     int
	ListObjectsV2Calls int
	DeleteObjectsCalls int

	// PageSize limits ListObjectsV2 pages when positive.
	PageSize int

	// Fail, when set, is consulted before every call. A non-nil result is
	// returned as the call's error.
	Fail func(operation, key string) error
}

// NewMockS3Client creates a new mock S3 client for testing.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		objects: make(map[string][]byte),
	}
}

// NewAPIError returns an error implementing smithy.APIError with the given
// code, as the SDK would for a service-side failure.
func NewAPIError(code, message string) error {
	return &smithyAPIError{code: code, message: message}
}

// Keys returns the stored keys.
func (m *MockS3Client) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}

func (m *MockS3Client) fail(operation, key string) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(operation, key)
}

// PutObject implements API.PutObject for testing.
func (m *MockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(params.Key)
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.PutObjectCalls++
	if err := m.fail("PutObject", key); err != nil {
		return nil, err
	}

	// Handle If-None-Match: "*" (conditional write for immutability)
	if aws.ToString(params.IfNoneMatch) == "*" {
		if _, exists := m.objects[key]; exists {
			return nil, &smithyAPIError{code: "PreconditionFailed", message: "object already exists"}
		}
	}

	m.objects[key] = data
	return &s3.PutObjectOutput{}, nil
}

// GetObject implements API.GetObject for testing.
func (m *MockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.Lock()
	m.GetObjectCalls++
	err := m.fail("GetObject", key)
	data, exists := m.objects[key]
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &types.NoSuchKey{}
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(bytes.Clone(data))),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

// HeadObject implements API.HeadObject for testing.
func (m *MockS3Client) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.RLock()
	err := m.fail("HeadObject", key)
	data, exists := m.objects[key]
	m.mu.RUnlock()

	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &types.NotFound{}
	}

	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

// DeleteObject implements API.DeleteObject for testing.
func (m *MockS3Client) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("DeleteObject", key); err != nil {
		return nil, err
	}
	delete(m.objects, key)

	return &s3.DeleteObjectOutput{}, nil
}

// DeleteObjects implements API.DeleteObjects for testing.
func (m *MockS3Client) DeleteObjects(_ context.Context, params *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeleteObjectsCalls++
	out := &s3.DeleteObjectsOutput{}
	for _, id := range params.Delete.Objects {
		key := aws.ToString(id.Key)
		if err := m.fail("DeleteObjects", key); err != nil {
			out.Errors = append(out.Errors, types.Error{
				Key:     id.Key,
				Code:    aws.String("AccessDenied"),
				Message: aws.String(err.Error()),
			})
			continue
		}
		delete(m.objects, key)
		out.Deleted = append(out.Deleted, types.DeletedObject{Key: id.Key})
	}
	return out, nil
}

// ListObjectsV2 implements API.ListObjectsV2 for testing. Keys come back in
// lexical order, paged by PageSize.
func (m *MockS3Client) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ListObjectsV2Calls++
	if err := m.fail("ListObjectsV2", prefix); err != nil {
		return nil, err
	}

	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	start := 0
	if token := aws.ToString(params.ContinuationToken); token != "" {
		for start < len(keys) && keys[start] <= token {
			start++
		}
	}
	end := len(keys)
	if m.PageSize > 0 && start+m.PageSize < end {
		end = start + m.PageSize
	}

	contents := make([]types.Object, 0, end-start)
	for _, k := range keys[start:end] {
		contents = append(contents, types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(m.objects[k]))),
		})
	}
	out := &s3.ListObjectsV2Output{
		Contents:    contents,
		IsTruncated: aws.Bool(end < len(keys)),
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end-1])
	}
	return out, nil
}

// smithyAPIError implements smithy.APIError for testing.
type smithyAPIError struct {
	code    string
	message string
}

func (e *smithyAPIError) Error() string {
	return e.code + ": " + e.message
}

func (e *smithyAPIError) ErrorCode() string {
	return e.code
}

func (e *smithyAPIError) ErrorMessage() string {
	return e.message
}

func (e *smithyAPIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultUnknown
}
