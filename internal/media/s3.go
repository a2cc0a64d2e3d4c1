package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// S3Config selects the bucket and credentials for S3Uploader. Any
// S3-compatible endpoint works.
type S3Config struct {
	Bucket        string
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	UsePathStyle  bool
	PublicBaseURL string
	Prefix        string
}

// PutObjectAPI is the part of the S3 client the uploader needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader writes each attachment to <prefix>/<destination>.
type S3Uploader struct {
	client        PutObjectAPI
	bucket        string
	prefix        string
	publicBaseURL string
	logger        *zap.Logger
}

type S3Option func(*S3Uploader)

func WithLogger(logger *zap.Logger) S3Option {
	return func(u *S3Uploader) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// WithClient replaces the SDK client, mainly for tests.
func WithClient(c PutObjectAPI) S3Option {
	return func(u *S3Uploader) { u.client = c }
}

func NewS3Uploader(ctx context.Context, cfg S3Config, opts ...S3Option) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	u := &S3Uploader{
		bucket:        cfg.Bucket,
		prefix:        strings.Trim(cfg.Prefix, "/"),
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.client != nil {
		return u, nil
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	u.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	if u.publicBaseURL == "" {
		if cfg.Endpoint != "" {
			u.publicBaseURL = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
		} else {
			u.publicBaseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, region)
		}
	}
	return u, nil
}

// Key returns the object key for a destination path.
func (u *S3Uploader) Key(dest string) (string, error) {
	rel, err := cleanDestination(dest)
	if err != nil {
		return "", err
	}
	if u.prefix == "" {
		return rel, nil
	}
	return u.prefix + "/" + rel, nil
}

func (u *S3Uploader) Upload(ctx context.Context, req UploadRequest) (string, error) {
	key, err := u.Key(req.DestinationPath)
	if err != nil {
		return "", err
	}
	f, err := os.Open(req.LocalPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		Metadata:      map[string]string{"media-id": req.MediaID},
	}
	if req.MimeType != "" {
		input.ContentType = aws.String(req.MimeType)
	}
	if _, err := u.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	u.logger.Debug("object stored", zap.String("bucket", u.bucket), zap.String("key", key), zap.String("media_id", req.MediaID))
	return u.publicBaseURL + "/" + key, nil
}
