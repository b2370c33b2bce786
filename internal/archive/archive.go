// Package archive copies finished job outputs to S3-compatible object
// storage. It is inert unless an endpoint and bucket are configured.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/smazurov/pimonitor/internal/events"
	"github.com/smazurov/pimonitor/internal/logging"
)

// contentTypes covers every output extension jobs accept.
var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".ts":   "video/mp2t",
	".avi":  "video/x-msvideo",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
}

// Config selects the object store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
	Timeout   time.Duration
}

// Enabled reports whether uploads are configured.
func (c Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// ObjectStore uploads a local file under key.
type ObjectStore interface {
	Upload(ctx context.Context, key, file, contentType string) (string, error)
}

// MinioStore is an ObjectStore backed by minio-go.
type MinioStore struct {
	client *minio.Client
	bucket string
	useSSL bool
}

// NewMinioStore connects to the endpoint and creates the bucket if needed.
func NewMinioStore(ctx context.Context, cfg Config) (*MinioStore, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		exists, errBucketExists := cli.BucketExists(ctx, cfg.Bucket)
		if errBucketExists != nil || !exists {
			return nil, fmt.Errorf("create or check bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &MinioStore{client: cli, bucket: cfg.Bucket, useSSL: cfg.UseSSL}, nil
}

// Upload puts file into the bucket and returns the object URL.
func (s *MinioStore) Upload(ctx context.Context, key, file, contentType string) (string, error) {
	_, err := s.client.FPutObject(ctx, s.bucket, key, file, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	scheme := "http"
	if s.useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.client.EndpointURL().Host, s.bucket, key), nil
}

// Uploader archives the output of every completed job.
type Uploader struct {
	store   ObjectStore
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// New creates an uploader. With an unconfigured cfg the uploader is inert.
func New(ctx context.Context, cfg Config) (*Uploader, error) {
	if !cfg.Enabled() {
		return NewUploader(nil, cfg), nil
	}
	store, err := NewMinioStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewUploader(store, cfg), nil
}

// NewUploader creates an uploader over store. A nil store disables uploads.
func NewUploader(store ObjectStore, cfg Config) *Uploader {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Uploader{
		store:   store,
		prefix:  cfg.Prefix,
		timeout: timeout,
		logger:  logging.GetLogger("archive"),
	}
}

// Enabled reports whether the uploader has a store.
func (u *Uploader) Enabled() bool {
	return u.store != nil
}

// Key returns the object key for a job output.
func (u *Uploader) Key(jobID, file string) string {
	return path.Join(u.prefix, jobID, filepath.Base(file))
}

// Watch uploads outputs of completed jobs. The returned function unsubscribes.
func (u *Uploader) Watch(bus *events.Bus) func() {
	if !u.Enabled() {
		return func() {}
	}
	return bus.Subscribe(func(e events.JobStateChangedEvent) {
		if e.State != "completed" || e.OutputPath == "" {
			return
		}
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			_, _ = u.Upload(context.Background(), e.JobID, e.OutputPath)
		}()
	})
}

// Upload archives one file and returns its URL.
func (u *Uploader) Upload(ctx context.Context, jobID, file string) (string, error) {
	if !u.Enabled() {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	key := u.Key(jobID, file)
	contentType, ok := contentTypes[strings.ToLower(filepath.Ext(file))]
	if !ok {
		contentType = "application/octet-stream"
	}

	url, err := u.store.Upload(ctx, key, file, contentType)
	if err != nil {
		u.logger.Error("Archive upload failed", "job", jobID, "file", file, "error", err)
		return "", err
	}
	u.logger.Info("Archived job output", "job", jobID, "url", url)
	return url, nil
}

// Close waits for in-flight uploads.
func (u *Uploader) Close() {
	u.wg.Wait()
}
