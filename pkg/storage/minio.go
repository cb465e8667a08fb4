// Package storage uploads prepared datasets to S3-compatible object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/menta2k/dataset-curator/internal/utils"
)

// Options configures the MinIO connection
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Logger    zerolog.Logger
}

// MinioSyncer uploads local dataset directories to a bucket.
// The bucket is created on first use if it does not exist.
type MinioSyncer struct {
	client *minio.Client
	bucket string
	logger zerolog.Logger
}

// NewMinioSyncer connects to the server and ensures the bucket exists
func NewMinioSyncer(ctx context.Context, opts Options) (*MinioSyncer, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("storage endpoint is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		opts.Logger.Info().Str("bucket", opts.Bucket).Msg("Created bucket")
	}

	return &MinioSyncer{
		client: client,
		bucket: opts.Bucket,
		logger: opts.Logger,
	}, nil
}

// SyncDir uploads every regular file under localDir, keyed by prefix plus
// the path relative to localDir. It returns how many files were uploaded.
func (s *MinioSyncer) SyncDir(ctx context.Context, localDir, prefix string) (int, error) {
	files, err := collectObjects(localDir, prefix)
	if err != nil {
		return 0, err
	}

	uploaded := 0
	for _, obj := range files {
		if err := ctx.Err(); err != nil {
			return uploaded, err
		}

		_, err := s.client.FPutObject(ctx, s.bucket, obj.key, obj.path, minio.PutObjectOptions{
			ContentType: contentType(obj.path),
		})
		if err != nil {
			return uploaded, fmt.Errorf("failed to upload %s: %w", obj.path, err)
		}
		uploaded++
		s.logger.Debug().Str("key", obj.key).Msg("Uploaded object")
	}

	s.logger.Info().
		Str("bucket", s.bucket).
		Str("prefix", prefix).
		Int("files", uploaded).
		Msg("Dataset synced")
	return uploaded, nil
}

type object struct {
	path string
	key  string
}

func collectObjects(localDir, prefix string) ([]object, error) {
	files, err := utils.ListFilesRecursive(localDir)
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", localDir, err)
	}

	objects := make([]object, 0, len(files))
	for _, p := range files {
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return nil, err
		}
		objects = append(objects, object{path: p, key: objectKey(prefix, rel)})
	}
	return objects, nil
}

// objectKey joins prefix and a relative OS path with forward slashes
func objectKey(prefix, rel string) string {
	rel = filepath.ToSlash(rel)
	prefix = strings.Trim(filepath.ToSlash(prefix), "/")
	if prefix == "" {
		return rel
	}
	return path.Join(prefix, rel)
}

func contentType(p string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(p))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
