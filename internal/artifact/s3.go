// Package artifact uploads completed outputs to S3-compatible object storage.
package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"mediaqueue/internal/config"
	"mediaqueue/internal/observability"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader stores a local file and returns where it can be fetched from.
type Uploader interface {
	Upload(ctx context.Context, taskID, localPath string) (string, error)
}

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 is an Uploader backed by an S3 bucket.
type S3 struct {
	log     *slog.Logger
	api     putObjectAPI
	cfg     config.Artifact
	metrics *observability.Metrics
}

// NewS3 builds an S3 client from cfg. Static credentials are used when both
// keys are set, otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, log *slog.Logger, cfg config.Artifact, metrics *observability.Metrics) (*S3, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid artifact configuration: %w", err)
	}

	optFns := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}

	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true

		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return newS3(log, client, cfg, metrics), nil
}

func newS3(log *slog.Logger, api putObjectAPI, cfg config.Artifact, metrics *observability.Metrics) *S3 {
	return &S3{
		log:     log.With(slog.String("package", "artifact")),
		api:     api,
		cfg:     cfg,
		metrics: metrics,
	}
}

// Key returns the object key for a task output.
func (u *S3) Key(taskID, localPath string) string {
	return path.Join(strings.Trim(u.cfg.Prefix, "/"), taskID, filepath.Base(localPath))
}

// Upload puts localPath under Key and returns its public or s3:// url.
func (u *S3) Upload(ctx context.Context, taskID, localPath string) (string, error) {
	if u.cfg.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, u.cfg.Timeout)
		defer cancel()
	}

	f, err := os.Open(localPath)
	if err != nil {
		u.metrics.RecordArtifactUpload("error")

		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		u.metrics.RecordArtifactUpload("error")

		return "", fmt.Errorf("stat artifact: %w", err)
	}

	key := u.Key(taskID, localPath)

	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = u.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		u.metrics.RecordArtifactUpload("error")

		return "", fmt.Errorf("put object %s: %w", key, err)
	}

	u.metrics.RecordArtifactUpload("ok")
	u.log.InfoContext(ctx, "artifact uploaded",
		slog.String("task_id", taskID),
		slog.String("bucket", u.cfg.Bucket),
		slog.String("key", key),
		slog.Int64("size_bytes", fi.Size()))

	if u.cfg.PublicBaseURL != "" {
		return strings.TrimRight(u.cfg.PublicBaseURL, "/") + "/" + key, nil
	}

	return "s3://" + u.cfg.Bucket + "/" + key, nil
}
