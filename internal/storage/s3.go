package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3Options configures access to an S3-compatible object store.
type S3Options struct {
	Region    string
	Endpoint  string // Non-empty for MinIO/R2 style endpoints
	AccessKey string
	SecretKey string
	Bucket    string // Default bucket, used by HeadBucket
}

// S3Fetcher downloads s3://bucket/key asset references.
type S3Fetcher struct {
	client *s3.Client
	bucket string
	log    zerolog.Logger
}

// NewS3Fetcher creates an S3 client. Static credentials are used when given,
// otherwise the default AWS credential chain applies.
func NewS3Fetcher(ctx context.Context, opts S3Options, log zerolog.Logger) (*S3Fetcher, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Fetcher{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: opts.Bucket,
		log:    log.With().Str("component", "s3-fetcher").Logger(),
	}, nil
}

// HeadBucket checks that the default bucket exists and credentials are valid.
func (f *S3Fetcher) HeadBucket(ctx context.Context) error {
	if f.bucket == "" {
		return nil
	}
	_, err := f.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(f.bucket),
	})
	return err
}

// Download streams one object to dst.
func (f *S3Fetcher) Download(ctx context.Context, bucket, key, dst string) error {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 get %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	file, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	n, err := io.Copy(file, out.Body)
	if err != nil {
		file.Close()
		os.Remove(dst)
		return fmt.Errorf("s3 read %s/%s: %w", bucket, key, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}

	f.log.Debug().Str("bucket", bucket).Str("key", key).Int64("bytes", n).Msg("object downloaded")
	return nil
}
