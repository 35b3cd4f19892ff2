package mock

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/tunehub/internal/replicate"
	"github.com/kiranshivaraju/tunehub/pkg/models"
)

// Client satisfies replicate.Client for testing and records every call.
type Client struct {
	CreateFunc func(ctx context.Context, kind models.JobKind, req replicate.CreateRequest) (*replicate.Prediction, error)
	GetFunc    func(ctx context.Context, kind models.JobKind, id string) (*replicate.Prediction, error)
	CancelFunc func(ctx context.Context, kind models.JobKind, id string) error

	mu       sync.Mutex
	Creates  []replicate.CreateRequest
	Gets     []string
	Canceled []string
}

func (c *Client) Create(ctx context.Context, kind models.JobKind, req replicate.CreateRequest) (*replicate.Prediction, error) {
	c.mu.Lock()
	c.Creates = append(c.Creates, req)
	c.mu.Unlock()
	if c.CreateFunc != nil {
		return c.CreateFunc(ctx, kind, req)
	}
	return &replicate.Prediction{ID: "pred-mock", Status: "starting"}, nil
}

func (c *Client) Get(ctx context.Context, kind models.JobKind, id string) (*replicate.Prediction, error) {
	c.mu.Lock()
	c.Gets = append(c.Gets, id)
	c.mu.Unlock()
	if c.GetFunc != nil {
		return c.GetFunc(ctx, kind, id)
	}
	return &replicate.Prediction{ID: id, Status: "processing"}, nil
}

func (c *Client) Cancel(ctx context.Context, kind models.JobKind, id string) error {
	c.mu.Lock()
	c.Canceled = append(c.Canceled, id)
	c.mu.Unlock()
	if c.CancelFunc != nil {
		return c.CancelFunc(ctx, kind, id)
	}
	return nil
}

// CreateCount returns how many Create calls were made.
func (c *Client) CreateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Creates)
}

// CancelCount returns how many Cancel calls were made.
func (c *Client) CancelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Canceled)
}

// GetCount returns how many Get calls were made.
func (c *Client) GetCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Gets)
}

// Compile-time check that Client implements replicate.Client.
var _ replicate.Client = (*Client)(nil)
