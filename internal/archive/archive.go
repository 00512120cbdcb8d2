// Package archive keeps a copy of every finished job response outside the
// database, on local disk or in an S3 bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"recurring-notifier/internal/config"
	"recurring-notifier/internal/models"
)

// ErrDisabled is returned by New when no destination is configured.
var ErrDisabled = errors.New("archive disabled")

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver writes job responses as JSON documents.
type Archiver struct {
	dest uploader
}

// record is the archived document.
type record struct {
	JobID          string         `json:"jobId"`
	NotificationID string         `json:"notificationId"`
	OccurrenceKey  string         `json:"occurrenceKey"`
	RunAt          string         `json:"runAt"`
	Status         string         `json:"status"`
	Response       map[string]any `json:"response"`
}

// New picks S3 when a bucket is configured and the local directory otherwise.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archiver{dest: &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}}, nil
	}
	if cfg.ArchiveDir != "" {
		return &Archiver{dest: &localUploader{baseDir: cfg.ArchiveDir}}, nil
	}
	return nil, ErrDisabled
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Archive stores the response of job under jobs/<notification>/<occurrence>-<job>.json.
func (a *Archiver) Archive(ctx context.Context, job models.Job, response map[string]any) error {
	body, err := json.MarshalIndent(record{
		JobID:          job.ID,
		NotificationID: job.NotificationID,
		OccurrenceKey:  job.OccurrenceKey,
		RunAt:          models.FormatInstant(job.RunAt),
		Status:         job.Status,
		Response:       response,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal archive record: %w", err)
	}
	if _, err := a.dest.Upload(ctx, Key(job), body, "application/json"); err != nil {
		return fmt.Errorf("archive job %s: %w", job.ID, err)
	}
	return nil
}

// Key is the object key a job is archived under.
func Key(job models.Job) string {
	occurrence := strings.NewReplacer(":", "", "-", "").Replace(job.OccurrenceKey)
	return path.Join("jobs", sanitize(job.NotificationID), sanitize(occurrence)+"-"+sanitize(job.ID)+".json")
}

func sanitize(part string) string {
	part = strings.ReplaceAll(part, "/", "_")
	part = strings.ReplaceAll(part, "..", "_")
	if part == "" {
		return "_"
	}
	return part
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
