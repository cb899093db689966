package media

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSBlobStore writes attachments to a Google Cloud Storage bucket.
// Objects are publicly readable through the standard storage URL; access
// control beyond unguessable object names is handled at the bucket level.
type GCSBlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSBlobStore creates a blob store backed by the given bucket. The
// client uses application default credentials.
func NewGCSBlobStore(ctx context.Context, bucket, prefix string) (*GCSBlobStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSBlobStore{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (s *GCSBlobStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	objectPath := s.prefix + key
	w := s.client.Bucket(s.bucket).Object(objectPath).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage close failed: %w", err)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, objectPath), nil
}

func (s *GCSBlobStore) Close() error {
	return s.client.Close()
}
