package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cuongbtq/dataport/internal/job"
)

// S3Config selects the bucket and, for S3-compatible services, the endpoint
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3API is the subset of the S3 client used by the store
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 keeps files as objects named <organization>/<key>
type S3 struct {
	client S3API
	bucket string
}

// NewS3 builds an S3 client from cfg. Static credentials are used when provided, otherwise
// the default AWS credential chain applies.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: cfg.UsePathStyle,
			}, nil
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewS3WithClient(client, cfg.Bucket), nil
}

// NewS3WithClient wraps an existing client
func NewS3WithClient(client S3API, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

// Save uploads r. Streams that cannot seek are spooled to a temporary file first because the
// SDK needs the content length up front.
func (s *S3) Save(ctx context.Context, organizationID, key string, r io.Reader, contentType string) (job.FileRef, error) {
	objectKey, err := scopedKey(organizationID, key)
	if err != nil {
		return job.FileRef{}, err
	}

	body, size, cleanup, err := seekable(r)
	if err != nil {
		return job.FileRef{}, err
	}
	defer cleanup()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return job.FileRef{}, job.NewRetryableError(fmt.Errorf("failed to upload to S3: %w", err))
	}

	return job.FileRef{
		Key:         key,
		Size:        size,
		ContentType: contentType,
	}, nil
}

func (s *S3) Open(ctx context.Context, organizationID, key string) (io.ReadCloser, error) {
	objectKey, err := scopedKey(organizationID, key)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrNotFound
		}
		return nil, job.NewRetryableError(fmt.Errorf("failed to read from S3: %w", err))
	}

	return out.Body, nil
}

func (s *S3) Delete(ctx context.Context, organizationID, key string) error {
	objectKey, err := scopedKey(organizationID, key)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}

	return nil
}

func seekable(r io.Reader) (io.ReadSeeker, int64, func(), error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		size, err := rs.Seek(0, io.SeekEnd)
		if err == nil {
			if _, err = rs.Seek(0, io.SeekStart); err == nil {
				return rs, size, func() {}, nil
			}
		}
	}

	tmp, err := os.CreateTemp("", "dataport-s3-*")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	size, err := io.Copy(tmp, r)
	if err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("failed to spool upload: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("failed to rewind spool file: %w", err)
	}

	return tmp, size, cleanup, nil
}
