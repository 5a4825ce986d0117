package llm

import (
	"context"
	"errors"
	"sync"
)

// MockClient is a scripted Client for tests. Responses are consumed in
// order; the last one repeats once the queue is exhausted.
type MockClient struct {
	mu        sync.Mutex
	name      string
	responses []*Response
	err       error
	requests  []Request
	usage     UsageFunc
}

// NewMockClient returns a mock that replies with the given responses.
func NewMockClient(model string, responses ...*Response) *MockClient {
	return &MockClient{name: model, responses: responses}
}

// FailWith makes every subsequent call return err.
func (m *MockClient) FailWith(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Requests returns a copy of every request seen so far.
func (m *MockClient) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *MockClient) next(req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return nil, errors.New("mock: no scripted responses")
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp, nil
}

func (m *MockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := m.next(req)
	if err != nil {
		return nil, err
	}
	if m.usage != nil {
		m.usage(resp.Usage, m.name, "mock")
	}
	return resp, nil
}

func (m *MockClient) StreamComplete(ctx context.Context, req Request, callbacks StreamCallbacks) (*Response, error) {
	resp, err := m.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if callbacks.OnThinkingDelta != nil && resp.Thinking != "" {
		callbacks.OnThinkingDelta(resp.Thinking)
	}
	if callbacks.OnContentDelta != nil {
		if resp.Content != "" {
			callbacks.OnContentDelta(ContentDelta{Delta: resp.Content})
		}
		callbacks.OnContentDelta(ContentDelta{Final: true})
	}
	return resp, nil
}

func (m *MockClient) Model() string {
	return m.name
}

func (m *MockClient) SetUsageCallback(callback UsageFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = callback
}
