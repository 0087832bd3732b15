package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOConfig contains the S3-compatible object store configuration.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string

	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	MaxRetries   int
	RetryBackoff time.Duration
}

// MinIOStore implements ObjectStore against MinIO or any S3-compatible
// backend.
type MinIOStore struct {
	client *minio.Client
	bucket string
	config MinIOConfig
	logger *zap.Logger

	uploads      atomic.Uint64
	uploadBytes  atomic.Uint64
	uploadErrors atomic.Uint64
}

// NewMinIOStore connects to the backend and ensures the bucket exists.
func NewMinIOStore(config MinIOConfig, logger *zap.Logger) (*MinIOStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 5 * time.Minute
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	store := &MinIOStore{
		client: client,
		bucket: config.Bucket,
		config: config,
		logger: logger.Named("minio"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
		store.logger.Info("created bucket", zap.String("bucket", config.Bucket))
	}

	return store, nil
}

// newBackoff builds a fresh retry policy per operation.
func (s *MinIOStore) newBackoff(ctx context.Context) backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if s.config.RetryBackoff > 0 {
		ebo.InitialInterval = s.config.RetryBackoff
	}
	var bo backoff.BackOff = ebo
	if s.config.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(ebo, uint64(s.config.MaxRetries))
	}
	return backoff.WithContext(bo, ctx)
}

// Put uploads a stream. Non-seekable readers are not retried after a partial
// attempt.
func (s *MinIOStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			rs, ok := reader.(io.ReadSeeker)
			if !ok {
				return backoff.Permanent(errors.New("reader not seekable; not retrying"))
			}
			if _, err := rs.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("seek reset failed: %w", err))
			}
		}

		info, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{
			ContentType: contentType,
		})
		if err != nil {
			s.uploadErrors.Add(1)
			return err
		}
		s.uploads.Add(1)
		s.uploadBytes.Add(uint64(info.Size))
		s.logger.Debug("object uploaded",
			zap.String("key", key), zap.Int64("size", info.Size), zap.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, s.newBackoff(ctx)); err != nil {
		return &StorageError{Op: "put", Key: key, Err: err, Retryable: true}
	}
	return nil
}

// PutFile uploads a local file.
func (s *MinIOStore) PutFile(ctx context.Context, key, filePath, contentType string) error {
	if _, err := os.Stat(filePath); err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}

	op := func() error {
		info, err := s.client.FPutObject(ctx, s.bucket, key, filePath, minio.PutObjectOptions{
			ContentType: contentType,
		})
		if err != nil {
			s.uploadErrors.Add(1)
			return err
		}
		s.uploads.Add(1)
		s.uploadBytes.Add(uint64(info.Size))
		return nil
	}

	if err := backoff.Retry(op, s.newBackoff(ctx)); err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err, Retryable: true}
	}
	return nil
}

// PresignedUploadURL returns a time-limited PUT destination for key.
func (s *MinIOStore) PresignedUploadURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, expiry)
	if err != nil {
		return "", &StorageError{Op: "presign", Key: key, Err: err, Retryable: true}
	}
	return u.String(), nil
}

// Exists reports whether key is stored.
func (s *MinIOStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, &StorageError{Op: "stat", Key: key, Err: err, Retryable: true}
	}
	return true, nil
}

// HealthCheck verifies the bucket is reachable.
func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return &StorageError{Op: "health", Key: s.bucket, Err: err, Retryable: true}
	}
	if !exists {
		return &StorageError{Op: "health", Key: s.bucket, Err: errors.New("bucket missing")}
	}
	return nil
}
