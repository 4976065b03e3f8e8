package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strconv"
	"strings"

	"github.com/accountdesk/apiserver/config"
	"github.com/google/uuid"
)

// ResourceType selects how the provider should treat an uploaded object.
type ResourceType string

const (
	// ResourceImage is served inline with its declared media type.
	ResourceImage ResourceType = "image"
	// ResourceRaw is stored as an opaque attachment that downloads under
	// its original filename.
	ResourceRaw ResourceType = "raw"
)

const maxExtLen = 10

// Object carries the metadata written alongside an object.
type Object struct {
	ContentType        string
	ContentDisposition string
	Metadata           map[string]string
}

// ObjectStorage defines common object operations across backends.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, obj Object) error
	Delete(ctx context.Context, key string) error
	URL(key string) string
	Bucket() string
}

// Upload is a file received from a client.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Stored describes an object after a successful upload.
type Stored struct {
	Key          string
	URL          string
	ResourceType ResourceType
}

// Storage wraps an ObjectStorage backend with a stable API.
type Storage struct {
	backend ObjectStorage
	newID   func() string
}

// NewStorage constructs a Storage wrapper for the provided backend.
func NewStorage(backend ObjectStorage) *Storage {
	return &Storage{backend: backend, newID: uuid.NewString}
}

// New builds the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig) (*Storage, error) {
	var (
		backend ObjectStorage
		err     error
	)
	switch cfg.Backend {
	case config.StorageMinio:
		backend, err = NewMinioClient(cfg.Minio)
	case config.StorageS3:
		backend, err = NewS3Client(ctx, cfg.S3)
	case config.StorageGCS:
		backend, err = NewGCSClient(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewStorage(backend), nil
}

// EnsureBucket ensures the configured bucket exists.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	return s.backend.EnsureBucket(ctx)
}

// UploadReport stores a user's report and returns its durable URL.
func (s *Storage) UploadReport(ctx context.Context, userID int, upload Upload) (Stored, error) {
	if upload.Body == nil {
		return Stored{}, errors.New("upload body is required")
	}

	kind := ResourceTypeFor(upload.ContentType)
	key := fmt.Sprintf("reports/%d/%s/%s%s", userID, kind, s.newID(), safeExt(upload.Filename))

	obj := Object{
		ContentType: upload.ContentType,
		Metadata: map[string]string{
			"owner-id":      strconv.Itoa(userID),
			"resource-type": string(kind),
		},
	}
	if obj.ContentType == "" {
		obj.ContentType = "application/octet-stream"
	}
	if kind == ResourceRaw {
		obj.ContentDisposition = attachmentDisposition(upload.Filename)
	}

	if err := s.backend.Put(ctx, key, upload.Body, upload.Size, obj); err != nil {
		return Stored{}, fmt.Errorf("put %s: %w", key, err)
	}

	return Stored{
		Key:          key,
		URL:          s.backend.URL(key),
		ResourceType: kind,
	}, nil
}

// Delete removes an object from the configured bucket.
func (s *Storage) Delete(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, key)
}

// Bucket returns the configured bucket name.
func (s *Storage) Bucket() string {
	return s.backend.Bucket()
}

// ResourceTypeFor maps a declared media type to an upload mode. Images use
// the default mode; everything else, including unparseable types, is raw.
func ResourceTypeFor(contentType string) ResourceType {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ResourceRaw
	}
	if strings.HasPrefix(mediaType, "image/") {
		return ResourceImage
	}
	return ResourceRaw
}

func safeExt(filename string) string {
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(filename, `\`, "/")))
	if len(ext) < 2 || len(ext) > maxExtLen {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

func attachmentDisposition(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if name == "" || name == "." || name == "/" {
		return "attachment"
	}
	if disposition := mime.FormatMediaType("attachment", map[string]string{"filename": name}); disposition != "" {
		return disposition
	}
	return "attachment"
}

func joinURL(base string, parts ...string) string {
	out := strings.TrimRight(base, "/")
	for _, part := range parts {
		out += "/" + strings.Trim(part, "/")
	}
	return out
}
