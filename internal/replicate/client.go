// Package replicate talks to the external compute provider that runs training
// and generation jobs, and decodes the callbacks it sends back.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/kiranshivaraju/tunehub/pkg/models"
)

// Sentinel errors for provider client failures.
var (
	ErrUnreachable = errors.New("replicate unreachable")
	ErrRejected    = errors.New("replicate rejected request")
	ErrTimeout     = errors.New("replicate request timeout")
	ErrNotFound    = errors.New("replicate resource not found")
)

// DefaultEventsFilter asks the provider for every lifecycle callback.
var DefaultEventsFilter = []string{"start", "output", "logs", "completed"}

// Client is the interface for the provider API.
type Client interface {
	Create(ctx context.Context, kind models.JobKind, req CreateRequest) (*Prediction, error)
	Get(ctx context.Context, kind models.JobKind, id string) (*Prediction, error)
	Cancel(ctx context.Context, kind models.JobKind, id string) error
}

// CreateRequest describes one job to start. Training requests run against
// Owner/Name at Version; generation requests use Version when set and the
// model's latest version otherwise.
type CreateRequest struct {
	Owner               string
	Name                string
	Version             string
	Destination         string
	Input               map[string]any
	Webhook             string
	WebhookEventsFilter []string
}

// HTTPClient implements Client using the provider's HTTP API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a new provider HTTP client.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type createBody struct {
	Version             string         `json:"version,omitempty"`
	Destination         string         `json:"destination,omitempty"`
	Input               map[string]any `json:"input"`
	Webhook             string         `json:"webhook,omitempty"`
	WebhookEventsFilter []string       `json:"webhook_events_filter,omitempty"`
}

func (c *HTTPClient) Create(ctx context.Context, kind models.JobKind, req CreateRequest) (*Prediction, error) {
	body := createBody{
		Input:               req.Input,
		Webhook:             req.Webhook,
		WebhookEventsFilter: req.WebhookEventsFilter,
	}
	if body.Input == nil {
		body.Input = map[string]any{}
	}

	var path string
	switch {
	case kind == models.JobKindTraining:
		path = fmt.Sprintf("/models/%s/%s/versions/%s/trainings",
			url.PathEscape(req.Owner), url.PathEscape(req.Name), url.PathEscape(req.Version))
		body.Destination = req.Destination
	case req.Version != "":
		path = "/predictions"
		body.Version = req.Version
	default:
		path = fmt.Sprintf("/models/%s/%s/predictions", url.PathEscape(req.Owner), url.PathEscape(req.Name))
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	var p Prediction
	if err := c.do(ctx, http.MethodPost, path, payload, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: response carried no id", ErrRejected)
	}
	return &p, nil
}

func (c *HTTPClient) Get(ctx context.Context, kind models.JobKind, id string) (*Prediction, error) {
	var p Prediction
	if err := c.do(ctx, http.MethodGet, resourcePath(kind, id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *HTTPClient) Cancel(ctx context.Context, kind models.JobKind, id string) error {
	return c.do(ctx, http.MethodPost, resourcePath(kind, id)+"/cancel", nil, nil)
}

func resourcePath(kind models.JobKind, id string) string {
	if kind == models.JobKindTraining {
		return "/trainings/" + url.PathEscape(id)
	}
	return "/predictions/" + url.PathEscape(id)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, readDetail(resp.Body))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding replicate response: %w", err)
	}
	return nil
}

// readDetail extracts the provider's problem detail, falling back to raw text.
func readDetail(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var problem struct {
		Detail string `json:"detail"`
		Title  string `json:"title"`
	}
	if json.Unmarshal(raw, &problem) == nil {
		if problem.Detail != "" {
			return problem.Detail
		}
		if problem.Title != "" {
			return problem.Title
		}
	}
	return string(bytes.TrimSpace(raw))
}

func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

var _ Client = (*HTTPClient)(nil)
