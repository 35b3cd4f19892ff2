package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/kiranshivaraju/tunehub/internal/ipregistry"
)

// MockRegistrar satisfies ipregistry.Registrar for testing.
type MockRegistrar struct {
	Disabled     bool
	RegisterFunc func(ctx context.Context, req ipregistry.Request) (ipregistry.Response, error)

	mu       sync.Mutex
	Requests []ipregistry.Request
}

func (m *MockRegistrar) Enabled() bool { return !m.Disabled }

func (m *MockRegistrar) Register(ctx context.Context, req ipregistry.Request) (ipregistry.Response, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	n := len(m.Requests)
	m.mu.Unlock()
	if m.RegisterFunc != nil {
		return m.RegisterFunc(ctx, req)
	}
	return ipregistry.Response{Success: true, IPID: fmt.Sprintf("0xip%d", n), TxHash: fmt.Sprintf("0xtx%d", n)}, nil
}

// Calls returns the number of Register calls so far.
func (m *MockRegistrar) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// NewMockRegistrar returns a MockRegistrar that succeeds with generated ids.
func NewMockRegistrar() *MockRegistrar {
	return &MockRegistrar{}
}

// NewFailingRegistrar returns a MockRegistrar whose every call fails with err.
func NewFailingRegistrar(err error) *MockRegistrar {
	return &MockRegistrar{
		RegisterFunc: func(context.Context, ipregistry.Request) (ipregistry.Response, error) {
			return ipregistry.Response{}, err
		},
	}
}

// NewFlakyRegistrar fails the first n calls with err, then succeeds.
func NewFlakyRegistrar(n int, err error) *MockRegistrar {
	m := &MockRegistrar{}
	m.RegisterFunc = func(context.Context, ipregistry.Request) (ipregistry.Response, error) {
		m.mu.Lock()
		call := len(m.Requests)
		m.mu.Unlock()
		if call <= n {
			return ipregistry.Response{}, err
		}
		return ipregistry.Response{Success: true, IPID: "0xflaky", TxHash: "0xflakytx"}, nil
	}
	return m
}

// Compile-time check that MockRegistrar implements Registrar.
var _ ipregistry.Registrar = (*MockRegistrar)(nil)
