package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxDownload caps the size of a single re-hosted artifact.
const DefaultMaxDownload int64 = 2 << 30

var ErrTooLarge = errors.New("artifact exceeds size limit")

// Rehoster copies provider output URLs, which expire, into object storage.
type Rehoster struct {
	storage  ObjectStorage
	client   *http.Client
	maxBytes int64
}

func NewRehoster(s ObjectStorage, timeout time.Duration) *Rehoster {
	return &Rehoster{
		storage:  s,
		client:   &http.Client{Timeout: timeout},
		maxBytes: DefaultMaxDownload,
	}
}

// OutputKey is the storage key for a job's re-hosted output.
func OutputKey(jobID uuid.UUID, name string) string {
	return fmt.Sprintf("outputs/%s/%s", jobID, name)
}

// Rehost downloads sourceURL and stores it under outputs/<job-id>/<name>.
func (r *Rehoster) Rehost(ctx context.Context, jobID uuid.UUID, sourceURL string) (Object, error) {
	name := fileName(sourceURL)

	rc, contentType, err := r.Fetch(ctx, sourceURL)
	if err != nil {
		return Object{}, err
	}
	defer rc.Close()

	if contentType == "" || contentType == "application/octet-stream" {
		contentType = ContentTypeForName(name)
	}

	obj, err := r.storage.Upload(ctx, OutputKey(jobID, name), rc, contentType)
	if err != nil {
		return Object{}, fmt.Errorf("uploading artifact: %w", err)
	}
	return obj, nil
}

// Fetch opens ref for reading. HTTP(S) URLs are downloaded; anything else is
// treated as a storage key.
func (r *Rehoster) Fetch(ctx context.Context, ref string) (io.ReadCloser, string, error) {
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		rc, err := r.storage.Open(ctx, ref)
		return rc, ContentTypeForName(ref), err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building download request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("downloading %s: %w", ref, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("downloading %s: status %d", ref, resp.StatusCode)
	}
	if resp.ContentLength > r.maxBytes {
		resp.Body.Close()
		return nil, "", fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}
	body := &limitedBody{r: io.LimitReader(resp.Body, r.maxBytes+1), c: resp.Body, max: r.maxBytes}
	return body, resp.Header.Get("Content-Type"), nil
}

func fileName(rawURL string) string {
	name := "output"
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			name = base
		}
	}
	return name
}

type limitedBody struct {
	r    io.Reader
	c    io.Closer
	max  int64
	read int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.read += int64(n)
	if b.read > b.max {
		return n, ErrTooLarge
	}
	return n, err
}

func (b *limitedBody) Close() error { return b.c.Close() }
