package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

// objectPutter is the subset of *minio.Client used by ArchiveStore.
type objectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ArchiveStore copies every stored record to an S3-compatible bucket.
// Archive failures are logged and never fail the Put.
type ArchiveStore struct {
	Store
	objects objectPutter
	bucket  string
}

// NewArchive connects to the configured bucket, creating it if needed, and
// wraps inner.
func NewArchive(ctx context.Context, inner Store, cfg config.ArchiveConfig) (*ArchiveStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object storage client: %w", err)
	}
	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
		slog.Info("Created archive bucket", "bucket", cfg.Bucket)
	}
	return &ArchiveStore{Store: inner, objects: mc, bucket: cfg.Bucket}, nil
}

// ArchiveKey is the object key of rec: records/<url digest>/<commit>-<ts>.json.
func ArchiveKey(rec *models.ScanRecord) string {
	sum := sha256.Sum256([]byte(rec.RepoURL))
	return fmt.Sprintf("records/%s/%s-%d.json",
		hex.EncodeToString(sum[:])[:16], rec.CommitHash, rec.Timestamp.UTC().UnixNano())
}

func (a *ArchiveStore) Put(ctx context.Context, rec *models.ScanRecord) error {
	if err := a.Store.Put(ctx, rec); err != nil {
		return err
	}
	body, err := json.Marshal(persistable(rec))
	if err != nil {
		slog.Warn("Failed to encode record for archive", "repo", rec.RepoURL, "error", err)
		return nil
	}
	key := ArchiveKey(rec)
	_, err = a.objects.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		slog.Warn("Failed to archive scan record", "repo", rec.RepoURL, "key", key, "error", err)
		return nil
	}
	slog.Debug("Archived scan record", "repo", rec.RepoURL, "key", key)
	return nil
}
