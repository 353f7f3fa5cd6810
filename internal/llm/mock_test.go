package llm

import (
	"context"
	"testing"
)

func TestMockClient_RepeatsFinalResponse(t *testing.T) {
	m := NewMockClient("first", "second")

	got, err := m.Complete(context.Background(), "sys", "a")
	if err != nil || got != "first" {
		t.Fatalf("expected 'first', got %q err=%v", got, err)
	}
	got, err = m.Complete(context.Background(), "sys", "b")
	if err != nil || got != "second" {
		t.Fatalf("expected 'second', got %q err=%v", got, err)
	}
	got, err = m.Complete(context.Background(), "sys", "c")
	if err != nil || got != "second" {
		t.Fatalf("expected repeated 'second', got %q err=%v", got, err)
	}
	if len(m.Calls) != 3 {
		t.Fatalf("expected 3 recorded calls, got %d", len(m.Calls))
	}
}

func TestMockClient_NoResponsesConfigured(t *testing.T) {
	m := NewMockClient()
	_, err := m.Complete(context.Background(), "", "x")
	if err == nil {
		t.Fatal("expected error when no responses are scripted")
	}
}

func TestNoopResearchProvider(t *testing.T) {
	p := NoopResearchProvider{}
	if p.Available() {
		t.Fatal("expected noop provider to report unavailable")
	}
	result, err := p.Research(context.Background(), "query", ScopeDeep)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Query != "query" || result.Context != "" {
		t.Fatalf("expected passthrough query with empty context, got %+v", result)
	}
}
