package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/accountdesk/apiserver/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient stores objects in a MinIO (or other S3-compatible) bucket
// using static credentials.
type MinioClient struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

func NewMinioClient(cfg config.MinioConfig) (*MinioClient, error) {
	switch {
	case strings.TrimSpace(cfg.Endpoint) == "":
		return nil, errors.New("minio endpoint is required")
	case strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "":
		return nil, errors.New("minio access key and secret key are required")
	case strings.TrimSpace(cfg.Bucket) == "":
		return nil, errors.New("minio bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("new minio client: %w", err)
	}

	return &MinioClient{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: minioBaseURL(cfg),
	}, nil
}

// EnsureBucket creates the bucket if it is missing. A bucket created
// concurrently by another instance counts as success.
func (m *MinioClient) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return err
	}
	return nil
}

// Put uploads r as key. A negative size makes the SDK buffer a multipart
// upload.
func (m *MinioClient) Put(ctx context.Context, key string, r io.Reader, size int64, obj Object) error {
	if size == 0 {
		size = -1
	}
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{
		ContentType:        obj.ContentType,
		ContentDisposition: obj.ContentDisposition,
		UserMetadata:       obj.Metadata,
	})
	return err
}

func (m *MinioClient) Delete(ctx context.Context, key string) error {
	return m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
}

func (m *MinioClient) URL(key string) string {
	return joinURL(m.baseURL, key)
}

func (m *MinioClient) Bucket() string {
	return m.bucket
}

// minioBaseURL is the public bucket root. Without an explicit public URL
// objects are addressed path-style on the API endpoint.
func minioBaseURL(cfg config.MinioConfig) string {
	if base := strings.TrimSpace(cfg.PublicBaseURL); base != "" {
		return strings.TrimRight(base, "/")
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return joinURL(scheme+"://"+cfg.Endpoint, cfg.Bucket)
}
