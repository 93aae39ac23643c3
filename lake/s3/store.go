// Package s3 provides an S3-compatible lake.ObjectStore.
//
// The store works against AWS S3, MinIO, LocalStack and other S3-compatible
// services. Raw SDK errors are returned wrapped, never classified: callers
// run the store through lake.NewResilientStore (as lake.TableStore does) so
// that service failures are translated to etlerr errors and retried.
//
// # Semantics
//
//   - Put uses PutObject with If-None-Match, so writing an existing key
//     returns lake.ErrPathExists.
//   - Get returns lake.ErrNotFound for missing keys.
//   - List pages through ListObjectsV2 and reports object sizes.
//   - DeletePrefix removes keys in DeleteObjects batches of up to 1000.
//
// AWS S3 is strongly consistent for reads after writes. Other backends may
// not be.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/rama83/GluwETL2/lake"
)

// maxDeleteBatch is the DeleteObjects key limit.
const maxDeleteBatch = 1000

// API defines the subset of the S3 client interface used by the store.
// This enables testing with mock implementations.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config holds configuration for the S3 store.
type Config struct {
	// Bucket is the S3 bucket name. Required.
	Bucket string

	// Prefix is an optional key prefix for all operations.
	// If set, all keys are prefixed with this value (with a trailing slash added if missing).
	Prefix string
}

// Store implements lake.ObjectStore using an S3-compatible backend.
type Store struct {
	client API
	bucket string
	prefix string
}

// New creates a new S3 store with the given client and configuration.
//
// The client must be pre-configured with credentials, region, and endpoint;
// see NewClient.
func New(client API, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	prefix := strings.TrimPrefix(cfg.Prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string { return s.bucket }

// Location renders a store path as an s3:// URI.
func (s *Store) Location(p string) string {
	return "s3://" + s.bucket + "/" + s.prefix + strings.TrimPrefix(p, "/")
}

// Put writes data to the given path.
// Returns lake.ErrPathExists if the path already exists.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return err
	}

	// fragments are small enough to hold in memory; a seekable body lets
	// the SDK compute the checksum and content length
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("s3: reading payload: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(fullKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			code := apiErr.ErrorCode()
			if code == "PreconditionFailed" || code == "412" {
				return lake.ErrPathExists
			}
		}
		return fmt.Errorf("s3: put object %s: %w", fullKey, err)
	}
	return nil
}

// Get retrieves the object at the given path.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, lake.ErrNotFound
		}
		return nil, fmt.Errorf("s3: get object %s: %w", fullKey, err)
	}

	return out.Body, nil
}

// Exists checks whether a path exists.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return false, err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3: head object %s: %w", fullKey, err)
	}
	return true, nil
}

// List returns all objects under the given prefix with their sizes.
// Pagination is handled automatically.
func (s *Store) List(ctx context.Context, prefix string) ([]lake.ObjectInfo, error) {
	fullPrefix, err := s.validatePrefix(prefix)
	if err != nil {
		return nil, err
	}

	var objects []lake.ObjectInfo
	var continuationToken *string

	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(fullPrefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("s3: list objects %s: %w", fullPrefix, err)
		}

		for _, obj := range out.Contents {
			if obj.Key == nil {
				continue
			}
			objects = append(objects, lake.ObjectInfo{
				Path: strings.TrimPrefix(*obj.Key, s.prefix),
				Size: aws.ToInt64(obj.Size),
			})
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuationToken = out.NextContinuationToken
	}

	slices.SortFunc(objects, func(a, b lake.ObjectInfo) int {
		return strings.Compare(a.Path, b.Path)
	})
	return objects, nil
}

// Delete removes the path if it exists.
func (s *Store) Delete(ctx context.Context, key string) error {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return err
	}

	// S3 DeleteObject does not error on missing keys
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		return fmt.Errorf("s3: delete object %s: %w", fullKey, err)
	}
	return nil
}

// DeletePrefix removes every object under prefix.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for batch := range slices.Chunk(objects, maxDeleteBatch) {
		ids := make([]types.ObjectIdentifier, len(batch))
		for i, obj := range batch {
			ids[i] = types.ObjectIdentifier{Key: aws.String(s.prefix + obj.Path)}
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, fmt.Errorf("s3: delete objects under %s: %w", prefix, err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return deleted + len(batch) - len(out.Errors), fmt.Errorf("s3: delete objects under %s: %d failed, first %s: %w",
				prefix, len(out.Errors), aws.ToString(first.Key),
				&smithyAPIError{code: aws.ToString(first.Code), message: aws.ToString(first.Message)})
		}
		deleted += len(batch)
	}
	return deleted, nil
}

// validateKey validates and returns the full key for file operations.
func (s *Store) validateKey(key string) (string, error) {
	if key == "" {
		return "", lake.ErrInvalidPath
	}

	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", lake.ErrInvalidPath
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return "", lake.ErrInvalidPath
	}

	return s.prefix + cleaned, nil
}

// validatePrefix validates and returns the full prefix for list operations.
// A trailing slash is kept so that "t/" does not match "t2/".
func (s *Store) validatePrefix(prefix string) (string, error) {
	if prefix == "" {
		return s.prefix, nil
	}

	cleaned := path.Clean(prefix)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", lake.ErrInvalidPath
	}
	if cleaned == "." || cleaned == "/" {
		return s.prefix, nil
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	if strings.HasSuffix(prefix, "/") {
		cleaned += "/"
	}

	return s.prefix + cleaned, nil
}

// isNotFound checks if an error indicates the object was not found.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "404"
	}
	return false
}
