package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/accountdesk/apiserver/config"
	"google.golang.org/api/option"
)

const gcsPublicHost = "https://storage.googleapis.com"

// GCSClient stores objects in a single Google Cloud Storage bucket.
type GCSClient struct {
	client    *storage.Client
	bucket    string
	projectID string
	baseURL   string
}

func NewGCSClient(ctx context.Context, cfg config.GCSConfig) (*GCSClient, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}

	var opts []option.ClientOption
	if file := strings.TrimSpace(cfg.CredentialsFile); file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("new gcs client: %w", err)
	}

	return &GCSClient{
		client:    client,
		bucket:    bucket,
		projectID: strings.TrimSpace(cfg.ProjectID),
		baseURL:   gcsBaseURL(cfg.PublicBaseURL, bucket),
	}, nil
}

// EnsureBucket creates the bucket with uniform access when it is missing.
// Creation needs a project id.
func (g *GCSClient) EnsureBucket(ctx context.Context) error {
	handle := g.client.Bucket(g.bucket)
	_, err := handle.Attrs(ctx)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, storage.ErrBucketNotExist):
		return err
	case g.projectID == "":
		return fmt.Errorf("gcs bucket %s does not exist and no project id is set", g.bucket)
	}
	return handle.Create(ctx, g.projectID, &storage.BucketAttrs{
		UniformBucketLevelAccess: storage.UniformBucketLevelAccess{Enabled: true},
	})
}

// Put streams r into key. A failed copy cancels the writer so no partial
// object is committed.
func (g *GCSClient) Put(ctx context.Context, key string, r io.Reader, _ int64, obj Object) error {
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(key).NewWriter(writeCtx)
	w.ContentType = obj.ContentType
	w.ContentDisposition = obj.ContentDisposition
	w.Metadata = obj.Metadata

	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Delete removes key. Deleting a missing object succeeds.
func (g *GCSClient) Delete(ctx context.Context, key string) error {
	err := g.client.Bucket(g.bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

func (g *GCSClient) URL(key string) string {
	return joinURL(g.baseURL, key)
}

func (g *GCSClient) Bucket() string {
	return g.bucket
}

func gcsBaseURL(public, bucket string) string {
	if base := strings.TrimSpace(public); base != "" {
		return strings.TrimRight(base, "/")
	}
	return joinURL(gcsPublicHost, bucket)
}
