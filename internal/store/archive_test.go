package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

type fakeBucket struct {
	objects map[string][]byte
	err     error
}

func (f *fakeBucket) PutObject(_ context.Context, bucket, key string, r io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[key] = b
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: int64(len(b))}, nil
}

func TestArchiveStoreCopiesRecords(t *testing.T) {
	bucket := &fakeBucket{objects: map[string][]byte{}}
	s := &ArchiveStore{Store: NewMemory(0), objects: bucket, bucket: "scans"}
	ctx := context.Background()

	rec := record(repoA, "abc123", time.Now(), "high")
	require.NoError(t, s.Put(ctx, rec))

	key := ArchiveKey(rec)
	assert.True(t, strings.HasPrefix(key, "records/"))
	assert.Contains(t, key, "/abc123-")
	require.Contains(t, bucket.objects, key)

	var archived models.ScanRecord
	require.NoError(t, json.Unmarshal(bucket.objects[key], &archived))
	assert.Equal(t, rec.ID, archived.ID)

	_, err := s.Current(ctx, repoA)
	require.NoError(t, err)
}

func TestArchiveFailureDoesNotFailPut(t *testing.T) {
	s := &ArchiveStore{Store: NewMemory(0), objects: &fakeBucket{err: errors.New("bucket offline")}, bucket: "scans"}
	require.NoError(t, s.Put(context.Background(), record(repoA, "abc123", time.Now())))
}
