package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/models"
)

// S3Config configures the object store for manifest entries with a storage
// key. Endpoint is only needed for S3-compatible services such as MinIO or
// R2, which usually also want UsePathStyle.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	// Prefix is prepended to every storage key.
	Prefix string
}

// S3Fetcher reads objects from S3 or an S3-compatible store.
type S3Fetcher struct {
	client *s3.Client
	config S3Config
}

// NewS3Fetcher creates a fetcher. Credentials fall back to the default AWS
// chain when no static keys are configured.
func NewS3Fetcher(ctx context.Context, cfg S3Config) (*S3Fetcher, error) {
	if cfg.Bucket == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "load aws config", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := normalizeEndpoint(cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3Fetcher{client: s3.NewFromConfig(awsCfg, s3Opts...), config: cfg}, nil
}

// Fetch implements Fetcher.
func (f *S3Fetcher) Fetch(ctx context.Context, entry models.MediaManifestEntry, w io.Writer, onProgress ProgressFunc) (int64, error) {
	if entry.StorageKey == "" {
		return 0, apperrors.New(apperrors.ErrDownloadFailed, "media "+entry.MediaID+" has no storage key")
	}
	key := f.config.Prefix + entry.StorageKey

	resp, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *s3types.NoSuchKey
		if errors.As(err, &missing) {
			return 0, apperrors.Wrap(apperrors.ErrNotFound, "object "+key+" not found", err)
		}
		return 0, apperrors.Wrap(apperrors.ErrNetwork, fmt.Sprintf("s3 get object %s", key), err)
	}
	defer func() { _ = resp.Body.Close() }()

	total := aws.ToInt64(resp.ContentLength)
	if total <= 0 {
		total = entry.SizeBytes
	}
	n, err := copyWithProgress(w, resp.Body, total, onProgress)
	if err != nil {
		return n, apperrors.Wrap(apperrors.ErrDownloadFailed, "read s3 body", err)
	}
	return n, nil
}

// normalizeEndpoint adds a scheme to bare host:port endpoints and drops a
// trailing slash.
func normalizeEndpoint(endpoint string) string {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if strings.HasPrefix(endpoint, "localhost") || strings.HasPrefix(endpoint, "127.0.0.1") {
			endpoint = "http://" + endpoint
		} else {
			endpoint = "https://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/")
}
