package artifact

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"aegiscdr/internal/config"
)

const bucketRegion = "us-east-1"

// MinioArchive keeps a copy of every downloaded artifact in a bucket.
type MinioArchive struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
}

// NewMinioArchive connects to MinIO and creates the bucket when missing.
func NewMinioArchive(ctx context.Context, cfg config.MinioConfig, log *zap.Logger) (*MinioArchive, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("archive").With(zap.String("endpoint", cfg.Endpoint), zap.String("bucket", cfg.Bucket))

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to MinIO: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: bucketRegion}); err != nil {
			return nil, fmt.Errorf("creating bucket: %w", err)
		}
		log.Info("Successfully created bucket")
	} else {
		log.Info("Bucket already exists")
	}
	return &MinioArchive{client: client, bucket: cfg.Bucket, log: log}, nil
}

// ObjectName is the bucket path of a task's artifact.
func ObjectName(taskID, filename string) string {
	return path.Join("artifacts", taskID, path.Base(filename))
}

func (m *MinioArchive) Archive(ctx context.Context, taskID string, a Artifact) error {
	name := ObjectName(taskID, a.Filename)
	_, err := m.client.PutObject(ctx, m.bucket, name, bytes.NewReader(a.Data), int64(len(a.Data)), minio.PutObjectOptions{
		ContentType:  a.ContentType,
		UserMetadata: map[string]string{"task-id": taskID},
	})
	if err != nil {
		m.log.Error("Failed to upload artifact to MinIO", zap.String("object", name), zap.Error(err))
		return err
	}
	m.log.Debug("artifact archived", zap.String("object", name), zap.Int("bytes", len(a.Data)))
	return nil
}
