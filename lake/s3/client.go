package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig holds the connection settings shared by the AWS clients the
// pipeline uses (S3, SNS, Glue).
type ClientConfig struct {
	// Region is the AWS region (required).
	Region string

	// Endpoint is an optional custom endpoint URL for S3-compatible services
	// such as LocalStack ("http://localhost:4566") or MinIO.
	Endpoint string

	// UsePathStyle enables path-style addressing instead of virtual-hosted style.
	// Required for LocalStack and MinIO with default settings.
	UsePathStyle bool

	// Credentials are the AWS credentials to use.
	// If nil, uses the default credential chain.
	Credentials aws.CredentialsProvider
}

// LoadAWSConfig resolves an aws.Config for cfg. The result can be shared by
// every service client.
func LoadAWSConfig(ctx context.Context, cfg ClientConfig) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.Credentials != nil {
		opts = append(opts, config.WithCredentialsProvider(cfg.Credentials))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if cfg.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return awsCfg, nil
}

// NewClient creates an S3 client.
//
// For AWS S3:
//
//	client, err := s3store.NewClient(ctx, s3store.ClientConfig{Region: "eu-west-1"})
//
// For LocalStack, see NewLocalStackClient.
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewClientFromConfig(awsCfg, cfg.UsePathStyle), nil
}

// NewClientFromConfig creates an S3 client from a resolved aws.Config.
func NewClientFromConfig(awsCfg aws.Config, usePathStyle bool) *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})
}

// LocalStackConfig returns connection settings for LocalStack.
// Defaults: endpoint=http://localhost:4566, region=us-east-1, credentials=test/test.
func LocalStackConfig() ClientConfig {
	return ClientConfig{
		Region:       "us-east-1",
		Endpoint:     "http://localhost:4566",
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("test", "test", ""),
	}
}

// NewLocalStackClient creates an S3 client configured for LocalStack.
func NewLocalStackClient(ctx context.Context) (*s3.Client, error) {
	return NewClient(ctx, LocalStackConfig())
}

// StaticCredentials returns a fixed credentials provider, or nil when
// accessKeyID is empty so that the default chain applies.
func StaticCredentials(accessKeyID, secretAccessKey, sessionToken string) aws.CredentialsProvider {
	if accessKeyID == "" {
		return nil
	}
	return credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, sessionToken)
}
