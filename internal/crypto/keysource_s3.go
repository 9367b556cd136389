package crypto

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// maxKeyObjectSize bounds how much of the key object is read.
const maxKeyObjectSize = 4096

// objectGetter is the part of the S3 client the key source needs.
type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3KeySourceConfig locates the master key object.
type S3KeySourceConfig struct {
	Bucket       string
	Key          string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3KeySource reads the master key from an object in S3 or an S3-compatible
// store.
type S3KeySource struct {
	client objectGetter
	bucket string
	key    string
}

// NewS3KeySource builds an S3 client for cfg. Without static credentials the
// default AWS credential chain is used.
func NewS3KeySource(ctx context.Context, cfg S3KeySourceConfig) (*S3KeySource, error) {
	if cfg.Bucket == "" || cfg.Key == "" {
		return nil, fmt.Errorf("s3 key source requires bucket and key")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return newS3KeySource(client, cfg.Bucket, cfg.Key), nil
}

func newS3KeySource(client objectGetter, bucket, key string) *S3KeySource {
	return &S3KeySource{client: client, bucket: bucket, key: key}
}

func (s *S3KeySource) Name() string { return "s3" }

func (s *S3KeySource) Load(ctx context.Context) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, classifyS3Error(err, s.bucket, s.key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxKeyObjectSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read key object %s/%s: %w", s.bucket, s.key, err)
	}
	return DecodeKeyMaterial(data)
}

func classifyS3Error(err error, bucket, key string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("key object %s/%s does not exist: %w", bucket, key, err)
		case "NoSuchBucket":
			return fmt.Errorf("key bucket %s does not exist: %w", bucket, err)
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("access denied reading key object %s/%s: %w", bucket, key, err)
		}
	}
	return fmt.Errorf("failed to get key object %s/%s: %w", bucket, key, err)
}
