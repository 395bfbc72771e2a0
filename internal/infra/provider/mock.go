package provider

import (
	"context"
	"sync"
)

// ─── Mock Adapter (for testing without network) ─────────────────────────────

// MockAdapter implements domain.ProviderAdapter with a scripted respond
// function. The call counter starts at 1.
type MockAdapter struct {
	name string

	mu    sync.Mutex
	calls int

	// Respond decides the outcome of each call. Nil means every call
	// returns a canned one-line program.
	Respond func(call int, prompt, credential string) (string, error)
}

// NewMockAdapter creates a mock adapter with the given name.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{name: name}
}

func (m *MockAdapter) Name() string { return m.name }

// Calls returns how many times Solve has been invoked.
func (m *MockAdapter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockAdapter) Solve(ctx context.Context, prompt, credential string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.calls++
	call := m.calls
	respond := m.Respond
	m.mu.Unlock()

	if respond == nil {
		return "```python\nprint(\"ok\")\n```", nil
	}
	return respond(call, prompt, credential)
}
