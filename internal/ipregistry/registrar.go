// Package ipregistry is the client side of the external IP registration
// service that records derivative lineage on chain.
package ipregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/kiranshivaraju/tunehub/internal/config"
)

var (
	ErrUnavailable = errors.New("ip registry unavailable")
	ErrTimeout     = errors.New("ip registry timeout")
	ErrRejected    = errors.New("ip registry rejected request")
	// ErrDeclined is a well-formed reply with success false. It is retryable.
	ErrDeclined = errors.New("ip registry declined registration")
)

// Registrar registers assets and derivatives with the registry service.
type Registrar interface {
	Register(ctx context.Context, req Request) (Response, error)
	// Enabled reports whether registration should be attempted at all.
	Enabled() bool
}

// Request declares one asset. ParentAssetIDs is empty for a root asset such
// as an uploaded training image.
type Request struct {
	ParentAssetIDs []string `json:"parentAssetIds"`
	Metadata       Metadata `json:"metadata"`
}

type Metadata struct {
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	MediaURL    string            `json:"mediaUrl,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Response is the registry's reply. Success false with a nil error means the
// service accepted the call but could not complete it; callers may retry.
// A 4xx answer is returned as an error wrapping ErrRejected instead.
type Response struct {
	Success bool   `json:"success"`
	IPID    string `json:"ipId,omitempty"`
	TxHash  string `json:"txHash,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewRegistrar constructs the registrar selected by config. Called once at
// server startup.
func NewRegistrar(cfg config.IPRegistryConfig) (Registrar, error) {
	switch cfg.Mode {
	case "disabled", "":
		return Disabled{}, nil
	case "http":
		if !cfg.RegistryConfigured() {
			return Disabled{}, nil
		}
		return NewHTTPRegistrar(cfg), nil
	default:
		return nil, fmt.Errorf("unknown ip registry mode %q: must be one of disabled, http", cfg.Mode)
	}
}

// Disabled never registers anything.
type Disabled struct{}

func (Disabled) Enabled() bool { return false }

func (Disabled) Register(context.Context, Request) (Response, error) {
	return Response{}, fmt.Errorf("%w: registry not configured", ErrUnavailable)
}

// HTTPRegistrar posts registration requests to the registry service.
type HTTPRegistrar struct {
	baseURL  string
	apiKey   string
	contract string
	client   *http.Client
}

func NewHTTPRegistrar(cfg config.IPRegistryConfig) *HTTPRegistrar {
	return &HTTPRegistrar{
		baseURL:  cfg.URL,
		apiKey:   cfg.APIKey,
		contract: cfg.Contract,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

func (r *HTTPRegistrar) Enabled() bool { return true }

type registerBody struct {
	Request
	Contract string `json:"spgNftContract"`
}

func (r *HTTPRegistrar) Register(ctx context.Context, req Request) (Response, error) {
	if req.ParentAssetIDs == nil {
		req.ParentAssetIDs = []string{}
	}
	payload, err := json.Marshal(registerBody{Request: req, Contract: r.contract})
	if err != nil {
		return Response{}, fmt.Errorf("encoding request: %w", err)
	}

	path := "/ip-assets"
	if len(req.ParentAssetIDs) > 0 {
		path = "/derivatives"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", r.apiKey)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return Response{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return Response{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= 500 {
		return Response{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out Response
	decodeErr := json.Unmarshal(raw, &out)
	if resp.StatusCode >= 400 {
		if decodeErr == nil && out.Error != "" {
			return Response{}, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, out.Error)
		}
		return Response{}, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	if decodeErr != nil {
		return Response{}, fmt.Errorf("decoding registry response: %w", decodeErr)
	}
	return out, nil
}

var (
	_ Registrar = Disabled{}
	_ Registrar = (*HTTPRegistrar)(nil)
)
