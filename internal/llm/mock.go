package llm

import (
	"context"
	"fmt"
)

// MockClient is a deterministic, offline Client for tests and for the
// config.EnableLLM=false code path: every call returns a scripted response
// keyed by call order, matching the teacher's deterministic fallback
// posture in engine.GenkitBrain.Respond when no provider key is present.
type MockClient struct {
	Responses []string
	Calls     []MockCall
	calls     int
}

// MockCall records one Complete invocation for assertions in tests.
type MockCall struct {
	SystemPrompt string
	Prompt       string
}

// NewMockClient returns a MockClient that replays responses in order, then
// repeats the final response for any calls beyond the scripted set.
func NewMockClient(responses ...string) *MockClient {
	return &MockClient{Responses: responses}
}

func (m *MockClient) Complete(_ context.Context, systemPrompt, prompt string) (string, error) {
	m.Calls = append(m.Calls, MockCall{SystemPrompt: systemPrompt, Prompt: prompt})
	if len(m.Responses) == 0 {
		return "", fmt.Errorf("mock client: no scripted responses configured")
	}
	idx := m.calls
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	m.calls++
	return m.Responses[idx], nil
}
