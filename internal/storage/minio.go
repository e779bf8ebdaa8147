package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/your-org/faceid/internal/config"
)

// ModelStore fetches ONNX model artifacts from object storage. Captured
// frames are never written here; the bucket holds model files only.
type ModelStore struct {
	client *minio.Client
	bucket string
	dir    string
}

func NewModelStore(cfg config.ModelsConfig) (*ModelStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &ModelStore{
		client: client,
		bucket: cfg.Bucket,
		dir:    cfg.Dir,
	}, nil
}

// EnsureModels downloads each named model into the local models dir if it
// is not already present.
func (s *ModelStore) EnsureModels(ctx context.Context, names ...string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create models dir: %w", err)
	}

	for _, name := range names {
		dest := filepath.Join(s.dir, name)
		if _, err := os.Stat(dest); err == nil {
			continue
		}

		slog.Info("fetching model artifact", "name", name, "bucket", s.bucket)
		if err := s.client.FGetObject(ctx, s.bucket, name, dest, minio.GetObjectOptions{}); err != nil {
			return fmt.Errorf("fetch model %s: %w", name, err)
		}
	}
	return nil
}

func (s *ModelStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}
