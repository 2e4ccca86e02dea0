// Package llm provides provider-agnostic access to the language models the
// planner can delegate to. Each backend turns one structured request into
// one text completion; conversation state is not its concern.
package llm

import "context"

// Request is a single planning completion. ImagePNG, when set, is attached
// inline for vision-grounded planning.
type Request struct {
	System    string
	Prompt    string
	ImagePNG  []byte
	MaxTokens int
}

func (r Request) maxTokens() int64 {
	if r.MaxTokens <= 0 {
		return 4096
	}
	return int64(r.MaxTokens)
}

// Client is the interface for interacting with a Large Language Model.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// MockClient returns canned responses for testing. Responses are consumed
// in order; the last one repeats. Errs indexed the same way.
type MockClient struct {
	Responses []string
	Errs      []error
	Calls     int
}

func (m *MockClient) Generate(ctx context.Context, req Request) (string, error) {
	idx := m.Calls
	m.Calls++
	if idx < len(m.Errs) && m.Errs[idx] != nil {
		return "", m.Errs[idx]
	}
	if len(m.Responses) == 0 {
		return "", nil
	}
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.Responses[idx], nil
}
