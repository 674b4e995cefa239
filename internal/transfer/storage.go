package transfer

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// ObjectStore moves object bodies to and from remote storage.
type ObjectStore interface {
	// Upload stores size bytes from r under key. size may be -1.
	Upload(ctx context.Context, key string, r io.Reader, size int64) error

	// Download opens the object stored under key.
	Download(ctx context.Context, key string) (io.ReadCloser, error)
}

// StorageConfig holds configuration for S3-compatible storage.
type StorageConfig struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	// Prefix is prepended to every object key, usually the node id.
	Prefix string
}

// Storage implements ObjectStore using MinIO/S3.
type Storage struct {
	client *minio.Client
	bucket string
	prefix string
	logger zerolog.Logger
}

// NewStorage creates a new Storage instance.
func NewStorage(cfg StorageConfig, logger zerolog.Logger) (*Storage, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}

	// Remove protocol prefix if present
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &Storage{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.With().Str("component", "object_storage").Logger(),
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		s.logger.Info().Str("bucket", s.bucket).Msg("Created bucket")
	}
	return nil
}

func (s *Storage) Upload(ctx context.Context, key string, r io.Reader, size int64) error {
	objectPath := s.objectPath(key)

	info, err := s.client.PutObject(ctx, s.bucket, objectPath, r, size, minio.PutObjectOptions{
		ContentType: detectContentType(key),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}

	s.logger.Debug().Str("path", objectPath).Int64("size", info.Size).Msg("Uploaded object")
	return nil
}

func (s *Storage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	objectPath := s.objectPath(key)

	obj, err := s.client.GetObject(ctx, s.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}

	// Check if object exists by getting stat
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("object not found: %w", err)
	}
	return obj, nil
}

// HealthCheck checks if the storage backend is reachable.
func (s *Storage) HealthCheck(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("storage health check failed: %w", err)
	}
	return nil
}

// objectPath places key under the configured prefix.
func (s *Storage) objectPath(key string) string {
	// Sanitize the key to prevent path traversal
	key = path.Clean("/" + key)
	key = strings.TrimPrefix(key, "/")

	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func detectContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return "application/json"
	case ".txt", ".log", ".ini", ".conf":
		return "text/plain"
	case ".yaml", ".yml":
		return "text/yaml"
	case ".csv":
		return "text/csv"
	case ".zip":
		return "application/zip"
	case ".gz":
		return "application/gzip"
	case ".tar":
		return "application/x-tar"
	default:
		return "application/octet-stream"
	}
}
