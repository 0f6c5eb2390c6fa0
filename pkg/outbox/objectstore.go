package outbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore is content-addressed storage for archived outbox batches.
// Put is idempotent: re-uploading the same bytes lands on the same key.
type ObjectStore interface {
	Put(ctx context.Context, data []byte) (key string, err error)
}

// BackendType selects the archive backend.
type BackendType string

const (
	BackendFS  BackendType = "fs"
	BackendS3  BackendType = "s3"
	BackendGCS BackendType = "gcs"
)

// ObjectStoreConfig configures the archive backend.
type ObjectStoreConfig struct {
	Backend  BackendType
	Dir      string // fs
	Bucket   string // s3, gcs
	Region   string // s3
	Endpoint string // s3: optional custom endpoint (MinIO, LocalStack)
	Prefix   string // optional key prefix, e.g. "outbox/"
}

// NewObjectStore builds the configured backend.
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (ObjectStore, error) {
	switch cfg.Backend {
	case BackendFS, "":
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join("data", "outbox-archive")
		}
		return NewFSObjectStore(dir)
	case BackendS3:
		if cfg.Bucket == "" {
			return nil, errors.New("s3 archive backend requires a bucket")
		}
		return NewS3ObjectStore(ctx, cfg)
	case BackendGCS:
		if cfg.Bucket == "" {
			return nil, errors.New("gcs archive backend requires a bucket")
		}
		return NewGCSObjectStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", cfg.Backend)
	}
}

func objectKey(prefix string, data []byte) string {
	sum := sha256.Sum256(data)
	return prefix + hex.EncodeToString(sum[:]) + ".jsonl"
}

// FSObjectStore is the filesystem backend for single-node deployments.
type FSObjectStore struct {
	baseDir string
}

func NewFSObjectStore(baseDir string) (*FSObjectStore, error) {
	//nolint:gosec // G301: 0755 is intentional for a shared archive directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("ensure archive dir: %w", err)
	}
	return &FSObjectStore{baseDir: baseDir}, nil
}

func (s *FSObjectStore) Put(ctx context.Context, data []byte) (string, error) {
	key := objectKey("", data)
	path := filepath.Join(s.baseDir, key)
	if _, err := os.Stat(path); err == nil {
		return key, nil
	}
	tmp := path + ".tmp"
	//nolint:gosec // G306: archive batches are not secrets
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("archive write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("archive rename: %w", err)
	}
	return key, nil
}

// S3ObjectStore archives batches to AWS S3 (or MinIO/LocalStack via a custom
// endpoint).
type S3ObjectStore struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3ObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*S3ObjectStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}

	return &S3ObjectStore{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3ObjectStore) Put(ctx context.Context, data []byte) (string, error) {
	key := objectKey(s.prefix, data)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return key, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed: %w", err)
	}
	return key, nil
}

// GCSObjectStore archives batches to Google Cloud Storage.
type GCSObjectStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*GCSObjectStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSObjectStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *GCSObjectStore) Put(ctx context.Context, data []byte) (string, error) {
	key := objectKey(s.prefix, data)

	obj := s.client.Bucket(s.bucket).Object(key)
	if _, err := obj.Attrs(ctx); err == nil {
		return key, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return key, nil
}

func (s *GCSObjectStore) Close() error {
	return s.client.Close()
}
