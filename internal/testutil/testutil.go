package testutil

import (
	"context"
	"sync"

	"marketfetch/internal/fetcher"
)

// MockFetcher is a mock implementation of the Fetcher interface for testing
type MockFetcher struct {
	FetchFunc func(ctx context.Context, target string) ([]byte, error)

	mu    sync.Mutex
	calls []string
}

// Fetch implements the Fetcher interface
func (m *MockFetcher) Fetch(ctx context.Context, target string) ([]byte, error) {
	m.mu.Lock()
	m.calls = append(m.calls, target)
	m.mu.Unlock()

	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, target)
	}
	return []byte("[]"), nil
}

// Calls returns the targets passed to Fetch, in call order.
func (m *MockFetcher) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// NewMockFetcher creates a mock fetcher that answers from fixed payloads and
// errors keyed by target. Unknown targets get an empty JSON array.
func NewMockFetcher(payloads map[string]string, errs map[string]error) *MockFetcher {
	return &MockFetcher{
		FetchFunc: func(ctx context.Context, target string) ([]byte, error) {
			if err, ok := errs[target]; ok {
				return nil, err
			}
			if p, ok := payloads[target]; ok {
				return []byte(p), nil
			}
			return []byte("[]"), nil
		},
	}
}

var _ fetcher.Fetcher = (*MockFetcher)(nil)
