package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// ErrObjectNotFound is returned for a missing bucket key.
var ErrObjectNotFound = errors.New("key not found in s3 bucket")

const (
	numS3Retries   = 3
	s3RetryWaitDur = time.Second
)

// S3API is the subset of the S3 client used to read objects.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Params ...
type S3Params struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client creates an S3 client. Without static credentials the default AWS credential chain is used.
func NewS3Client(ctx context.Context, params S3Params, logger log.Logger) (*s3.Client, error) {
	cfg, err := loadAWSConfig(ctx, params, logger)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg), nil
}

func loadAWSConfig(ctx context.Context, params S3Params, logger log.Logger) (aws.Config, error) {
	if params.Region == "" {
		return aws.Config{}, fmt.Errorf("load aws config: region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(params.Region)}
	if params.AccessKeyID != "" && params.SecretAccessKey != "" {
		logger.Debugf("Reading s3 inputs with static credentials")
		provider := credentials.NewStaticCredentialsProvider(params.AccessKeyID, params.SecretAccessKey, "")
		opts = append(opts, config.WithCredentialsProvider(provider))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

// S3Object reads an object with ranged GET requests, so chunks are fetched on demand.
type S3Object struct {
	client   S3API
	bucket   string
	key      string
	size     int64
	mimeType string
	logger   log.Logger
}

// NewS3Object looks up the size and content type of bucket/key.
func NewS3Object(ctx context.Context, client S3API, bucket, key string, logger log.Logger) (*S3Object, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	var head *s3.HeadObjectOutput
	err := retry.Times(numS3Retries).Wait(s3RetryWaitDur).TryWithAbort(func(attempt uint) (error, bool) {
		var err error
		head, err = client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			err = classifyS3Error(err)
			if errors.Is(err, ErrObjectNotFound) {
				return err, true
			}
			logger.Debugf("head %s/%s (attempt %d): %s", bucket, key, attempt+1, err)
			return err, false
		}
		return nil, true
	})
	if err != nil {
		return nil, fmt.Errorf("head object %s: %w", key, err)
	}

	o := &S3Object{
		client: client,
		bucket: bucket,
		key:    key,
		logger: logger,
	}
	if head.ContentLength != nil {
		o.size = *head.ContentLength
	}
	if head.ContentType != nil {
		o.mimeType = *head.ContentType
	}
	return o, nil
}

// Name returns the last path segment of the key.
func (o *S3Object) Name() string {
	return baseName(o.key)
}

func (o *S3Object) Size() int64 { return o.size }

func (o *S3Object) Type() string { return o.mimeType }

// RelativePath is the object key.
func (o *S3Object) RelativePath() string { return o.key }

// ReadAt fetches len(p) bytes starting at off.
func (o *S3Object) ReadAt(p []byte, off int64) (int, error) {
	if off >= o.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	end := off + int64(len(p)) - 1
	if end >= o.size {
		end = o.size - 1
	}

	var n int
	err := retry.Times(numS3Retries).Wait(s3RetryWaitDur).TryWithAbort(func(attempt uint) (error, bool) {
		result, err := o.client.GetObject(context.Background(), &s3.GetObjectInput{
			Bucket: aws.String(o.bucket),
			Key:    aws.String(o.key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end)),
		})
		if err != nil {
			err = classifyS3Error(err)
			return fmt.Errorf("get object: %w", err), errors.Is(err, ErrObjectNotFound)
		}
		defer result.Body.Close() //nolint:errcheck

		n, err = io.ReadFull(result.Body, p[:end-off+1])
		if err != nil {
			o.logger.Debugf("read %s/%s bytes %d-%d (attempt %d): %s", o.bucket, o.key, off, end, attempt+1, err)
			return fmt.Errorf("read object content: %w", err), false
		}
		return nil, true
	})
	if err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// StageS3 downloads bucket/key to dest with the S3 transfer manager and returns the downloaded size.
func StageS3(ctx context.Context, client manager.DownloadAPIClient, bucket, key, dest string, logger log.Logger) (int64, error) {
	var size int64
	err := retry.Times(numS3Retries).Wait(s3RetryWaitDur).TryWithAbort(func(attempt uint) (error, bool) {
		file, err := os.Create(dest)
		if err != nil {
			return fmt.Errorf("creating file: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		var partMB int64 = 10
		downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
			d.PartSize = partMB * 1024 * 1024
		})

		size, err = downloader.Download(ctx, file, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			err = classifyS3Error(err)
			logger.Debugf("download %s/%s (attempt %d): %s", bucket, key, attempt+1, err)
			return fmt.Errorf("download object: %w", err), errors.Is(err, ErrObjectNotFound)
		}
		return nil, true
	})
	if err != nil {
		return 0, err
	}
	return size, nil
}

func classifyS3Error(err error) error {
	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.(type) {
		case *types.NotFound, *types.NoSuchKey:
			return fmt.Errorf("%w: %s", ErrObjectNotFound, err)
		default:
			return fmt.Errorf("aws api error: %w", err)
		}
	}
	return fmt.Errorf("generic aws error: %w", err)
}
