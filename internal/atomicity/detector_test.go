package atomicity

import (
	"context"
	"testing"

	"github.com/basket/vibe-orchestrator/internal/domain"
	"github.com/basket/vibe-orchestrator/internal/llm"
)

func atomicTask() domain.AtomicTask {
	return domain.AtomicTask{
		Title:              "Add email validator",
		EstimatedHours:     0.1,
		AcceptanceCriteria: []domain.AcceptanceCriterion{{Description: "rejects malformed emails"}},
		FilePaths:          []string{"internal/validate/email.go"},
	}
}

func TestEvaluate_DecisiveAtomic_NoLLMCall(t *testing.T) {
	d, err := New(nil)
	if err != nil {
		t.Fatalf("unexpected error constructing detector: %v", err)
	}
	v, err := d.Evaluate(context.Background(), atomicTask())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.IsAtomic || v.Confidence != 1.0 {
		t.Fatalf("expected decisive atomic verdict, got %+v", v)
	}
}

func TestEvaluate_DecisiveNonAtomic_NoLLMCall(t *testing.T) {
	d, err := New(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := domain.AtomicTask{
		Title:              "Build and deploy the authentication and billing services",
		EstimatedHours:     40,
		AcceptanceCriteria: []domain.AcceptanceCriterion{{Description: "a"}, {Description: "b"}},
		FilePaths:          make([]string, 10),
	}
	v, err := d.Evaluate(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.IsAtomic || v.Confidence != 1.0 {
		t.Fatalf("expected decisive non-atomic verdict, got %+v", v)
	}
}

func TestEvaluate_IndeterminateWithoutClient_FallsBackToConfidenceHalf(t *testing.T) {
	d, err := New(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := domain.AtomicTask{
		Title:              "Add email validator",
		EstimatedHours:     0.1,
		AcceptanceCriteria: []domain.AcceptanceCriterion{{Description: "a"}, {Description: "b"}}, // 2 criteria: split vote
		FilePaths:          []string{"a.go"},
	}
	v, err := d.Evaluate(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Confidence != 0.5 {
		t.Fatalf("expected fallback confidence 0.5, got %v", v.Confidence)
	}
}

func TestEvaluate_IndeterminateWithClient_UsesLLMVerdict(t *testing.T) {
	mock := llm.NewMockClient(`{"isAtomic": true, "confidence": 0.9, "reasoning": "small, well-scoped change"}`)
	d, err := New(mock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := domain.AtomicTask{
		Title:              "Add email validator",
		EstimatedHours:     0.1,
		AcceptanceCriteria: []domain.AcceptanceCriterion{{Description: "a"}, {Description: "b"}},
		FilePaths:          []string{"a.go"},
	}
	v, err := d.Evaluate(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.IsAtomic || v.Confidence != 0.9 {
		t.Fatalf("expected LLM verdict to be used, got %+v", v)
	}
}

func TestEvaluate_LLMVerdictFailsSchema_FallsBackToHeuristic(t *testing.T) {
	mock := llm.NewMockClient("not json at all", "still not json", "nope")
	d, err := New(mock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := domain.AtomicTask{
		Title:              "Add email validator",
		EstimatedHours:     0.1,
		AcceptanceCriteria: []domain.AcceptanceCriterion{{Description: "a"}, {Description: "b"}},
		FilePaths:          []string{"a.go"},
	}
	v, err := d.Evaluate(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Confidence != 0.5 {
		t.Fatalf("expected fallback confidence 0.5 on schema failure, got %v", v.Confidence)
	}
}

func TestHasCompoundConnective(t *testing.T) {
	cases := map[string]bool{
		"Add logging and metrics":      true,
		"Build the login page":        false,
		"Validate or reject the input": true,
		"Parse then store the result":  true,
	}
	for title, want := range cases {
		if got := hasCompoundConnective(title); got != want {
			t.Errorf("hasCompoundConnective(%q) = %v, want %v", title, got, want)
		}
	}
}
