package reasoner

import (
	"context"
	"sync"
)

// Mock implements Backend for testing.
type Mock struct {
	// ChatFunc is called when Chat is invoked.
	ChatFunc func(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// CloseFunc is called when Close is invoked.
	CloseFunc func() error

	// BackendName is returned by Name; empty means "mock".
	BackendName string

	mu       sync.Mutex
	requests []*ChatRequest
}

// NewMock creates a mock that always answers with content.
func NewMock(content string) *Mock {
	return &Mock{
		ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
			return &ChatResponse{Content: content, FinishReason: "stop", Model: "mock"}, nil
		},
	}
}

// WithError returns a mock that always fails with err.
func WithError(err error) *Mock {
	return &Mock{
		ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
			return nil, err
		},
	}
}

// Name implements Backend.
func (m *Mock) Name() string {
	if m.BackendName == "" {
		return "mock"
	}
	return m.BackendName
}

// Chat records the request and calls ChatFunc.
func (m *Mock) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	return nil, WrapError(m.Name(), ErrNoBackend)
}

// Close calls CloseFunc.
func (m *Mock) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// Requests returns every request received.
func (m *Mock) Requests() []*ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*ChatRequest(nil), m.requests...)
}

// CallCount returns how many times Chat was called.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

var _ Backend = (*Mock)(nil)
