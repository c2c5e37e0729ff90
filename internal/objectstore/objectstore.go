// Package objectstore adapts github.com/minio/minio-go/v7 to the
// capability interface spec.md §6 describes. That interface is, deliberately,
// the MinIO Go SDK's own method set (BucketExists/MakeBucket/
// SetBucketPolicy/PresignedGetObject), so this adapter is a thin pass-through
// rather than a translation layer — unlike the teacher's GCS-backed
// store/blob package, which this repo does not reuse (see DESIGN.md).
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/zhunismp/vision-batch-dispatch/internal/apperrors"
)

// ObjectInfo is the subset of minio.ObjectInfo that ListObjects streams.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Store is the capability interface spec.md §6 defines for the object
// store dependency.
type Store interface {
	PutObject(ctx context.Context, bucket, key string, data []byte, contentType string, metadata map[string]string) error
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	ListObjects(ctx context.Context, bucket, prefix string) (<-chan ObjectInfo, error)
	PresignedGetObject(ctx context.Context, bucket, key string, expirySeconds int) (string, error)
	RemoveObject(ctx context.Context, bucket, key string) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket, region string) error
	SetBucketPolicy(ctx context.Context, bucket, policyJSON string) error
}

type Config struct {
	Endpoint  string
	UseSSL    bool
	AccessKey string
	SecretKey string
}

type minioStore struct {
	client *minio.Client
}

func New(cfg Config) (Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, apperrors.New(apperrors.CodeStorageUnavailable, "failed to construct minio client", err)
	}
	return &minioStore{client: client}, nil
}

func (s *minioStore) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string, metadata map[string]string) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return apperrors.New(apperrors.CodeStorageUnavailable, fmt.Sprintf("put %s/%s failed", bucket, key), err)
	}
	return nil
}

func (s *minioStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, apperrors.New(apperrors.CodeStorageUnavailable, fmt.Sprintf("get %s/%s failed", bucket, key), err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, apperrors.New(apperrors.CodeStorageUnavailable, fmt.Sprintf("read %s/%s failed", bucket, key), err)
	}
	return data, nil
}

func (s *minioStore) ListObjects(ctx context.Context, bucket, prefix string) (<-chan ObjectInfo, error) {
	out := make(chan ObjectInfo)
	go func() {
		defer close(out)
		for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if obj.Err != nil {
				continue
			}
			select {
			case out <- ObjectInfo{Key: obj.Key, Size: obj.Size}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *minioStore) PresignedGetObject(ctx context.Context, bucket, key string, expirySeconds int) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, bucket, key, time.Duration(expirySeconds)*time.Second, url.Values{})
	if err != nil {
		return "", apperrors.New(apperrors.CodeStorageUnavailable, "failed to presign url", err)
	}
	return u.String(), nil
}

func (s *minioStore) RemoveObject(ctx context.Context, bucket, key string) error {
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return apperrors.New(apperrors.CodeStorageUnavailable, fmt.Sprintf("remove %s/%s failed", bucket, key), err)
	}
	return nil
}

func (s *minioStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	ok, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return false, apperrors.New(apperrors.CodeStorageUnavailable, "bucket exists check failed", err)
	}
	return ok, nil
}

func (s *minioStore) MakeBucket(ctx context.Context, bucket, region string) error {
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return apperrors.New(apperrors.CodeStorageUnavailable, "make bucket failed", err)
	}
	return nil
}

func (s *minioStore) SetBucketPolicy(ctx context.Context, bucket, policyJSON string) error {
	if err := s.client.SetBucketPolicy(ctx, bucket, policyJSON); err != nil {
		return apperrors.New(apperrors.CodeStorageUnavailable, "set bucket policy failed", err)
	}
	return nil
}

// EnsureBuckets creates the bigdata-images and bigdata-results buckets used
// by spec.md §6's persisted state section if they don't already exist.
func EnsureBuckets(ctx context.Context, s Store, region string, buckets ...string) error {
	for _, b := range buckets {
		exists, err := s.BucketExists(ctx, b)
		if err != nil {
			return err
		}
		if !exists {
			if err := s.MakeBucket(ctx, b, region); err != nil {
				return err
			}
		}
	}
	return nil
}

// ResultKey and ImageKey build the key layouts spec.md §6 mandates.
func ResultKey(taskID string) string {
	return fmt.Sprintf("results/%s.json", taskID)
}

func ImageKey(partition int, hash8 string, epochMS int64, ext string) string {
	return fmt.Sprintf("partition-%d/%s-%d.%s", partition, hash8, epochMS, ext)
}
