package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/kiranshivaraju/tunehub/internal/config"
)

// GCSStorage stores objects in a single Google Cloud Storage bucket.
type GCSStorage struct {
	client     *storage.Client
	bucket     string
	publicBase string
}

// NewGCSStorage creates a client using the configured credentials, falling back
// to application default credentials.
func NewGCSStorage(ctx context.Context, cfg config.StorageConfig) (*GCSStorage, error) {
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if creds := strings.TrimSpace(cfg.CredentialsFile); creds != "" {
		if strings.HasPrefix(creds, "{") {
			opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
		} else {
			opts = append(opts, option.WithCredentialsFile(creds))
		}
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &GCSStorage{client: client, bucket: cfg.Bucket, publicBase: cfg.PublicBaseURL}, nil
}

func (s *GCSStorage) Upload(ctx context.Context, key string, r io.Reader, contentType string) (Object, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return Object{}, fmt.Errorf("writing object %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return Object{}, fmt.Errorf("closing object %q: %w", key, err)
	}
	return Object{Key: key, PublicURL: s.PublicURL(key)}, nil
}

func (s *GCSStorage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("opening object %q: %w", key, err)
	}
	return r, nil
}

func (s *GCSStorage) PublicURL(key string) string {
	return publicURL(s.publicBase, s.bucket, key)
}

func (s *GCSStorage) Close() error {
	return s.client.Close()
}

var _ ObjectStorage = (*GCSStorage)(nil)
