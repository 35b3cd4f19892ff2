// Package storage persists job inputs and re-hosted outputs in object storage.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

var ErrNotFound = errors.New("object not found")

// ObjectStorage is a flat key/object store with public read URLs.
type ObjectStorage interface {
	Upload(ctx context.Context, key string, r io.Reader, contentType string) (Object, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	PublicURL(key string) string
}

// Object identifies a stored object.
type Object struct {
	Key       string `json:"key"`
	PublicURL string `json:"public_url"`
}

// ContentTypeForName guesses a content type from a file extension.
func ContentTypeForName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	switch path.Ext(s) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".zip":
		return "application/zip"
	case ".tar":
		return "application/x-tar"
	case ".safetensors":
		return "application/octet-stream"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

func publicURL(base, bucket, key string) string {
	if base == "" {
		base = "https://storage.googleapis.com/" + bucket
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
