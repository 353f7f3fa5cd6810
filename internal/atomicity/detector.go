// Package atomicity implements the atomicity detector (C4): given a task
// and its project context, decides whether the task is small enough to
// dispatch to a single agent without further decomposition. Heuristics
// resolve the common case; an LLM call backed by
// internal/llm.StructuredValidator breaks ties the heuristics leave
// indeterminate, grounded on the teacher's internal/engine/structured.go
// schema-validated-response idiom and its engine.Brain collaborator
// boundary for the LLM call itself.
package atomicity

import (
	"context"
	"strconv"
	"strings"

	"github.com/basket/vibe-orchestrator/internal/domain"
	"github.com/basket/vibe-orchestrator/internal/llm"
)

// Verdict is the atomicity determination returned for one task (§4.4).
type Verdict struct {
	IsAtomic       bool
	Confidence     float64
	Reasoning      string
	EstimatedHours float64
}

// compoundConnectives flag a title describing more than one unit of work.
var compoundConnectives = []string{" and ", " or ", " then "}

// heuristicVerdict is an intermediate result: Decisive is false when the
// heuristics disagree and an LLM tie-breaker is needed.
type heuristicVerdict struct {
	Decisive  bool
	IsAtomic  bool
	Reasoning string
}

const atomicityVerdictSchema = `{
  "type": "object",
  "properties": {
    "isAtomic": {"type": "boolean"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning": {"type": "string"}
  },
  "required": ["isAtomic", "confidence", "reasoning"]
}`

// Detector evaluates atomicity for a task.
type Detector struct {
	client    llm.Client
	validator *llm.StructuredValidator
}

// New constructs a Detector. client may be nil; in that case an
// indeterminate heuristic result falls back to confidence 0.5 (§4.4)
// instead of calling an LLM.
func New(client llm.Client) (*Detector, error) {
	validator, err := llm.NewStructuredValidator([]byte(atomicityVerdictSchema), 2, true)
	if err != nil {
		return nil, err
	}
	return &Detector{client: client, validator: validator}, nil
}

// Evaluate returns the atomicity verdict for a task (§4.4).
func (d *Detector) Evaluate(ctx context.Context, task domain.AtomicTask) (Verdict, error) {
	h := evaluateHeuristics(task)
	if h.Decisive {
		return Verdict{
			IsAtomic:       h.IsAtomic,
			Confidence:     1.0,
			Reasoning:      h.Reasoning,
			EstimatedHours: task.EstimatedHours,
		}, nil
	}

	if d.client == nil {
		return fallbackVerdict(task, h), nil
	}

	verdict, err := d.llmTieBreak(ctx, task, h)
	if err != nil {
		return fallbackVerdict(task, h), nil
	}
	return verdict, nil
}

func fallbackVerdict(task domain.AtomicTask, h heuristicVerdict) Verdict {
	return Verdict{
		IsAtomic:       h.IsAtomic,
		Confidence:     0.5,
		Reasoning:      "heuristic fallback: " + h.Reasoning,
		EstimatedHours: task.EstimatedHours,
	}
}

// evaluateHeuristics applies §4.4's four heuristic checks. The task is
// decisively atomic only when every check agrees it is; decisively
// non-atomic when every check agrees it is not. A split vote is
// indeterminate and falls through to the LLM tie-breaker.
func evaluateHeuristics(task domain.AtomicTask) heuristicVerdict {
	hoursOK := domain.IsWithinAtomicHourBudget(task.EstimatedHours)
	singleCriterion := len(task.AcceptanceCriteria) == 1
	noCompound := !hasCompoundConnective(task.Title)
	boundedPaths := len(task.FilePaths) > 0 && len(task.FilePaths) <= maxAtomicFilePaths

	votes := []bool{hoursOK, singleCriterion, noCompound, boundedPaths}
	allAtomic, allNonAtomic := true, true
	for _, v := range votes {
		if !v {
			allAtomic = false
		} else {
			allNonAtomic = false
		}
	}

	switch {
	case allAtomic:
		return heuristicVerdict{Decisive: true, IsAtomic: true, Reasoning: "all heuristics agree: atomic"}
	case allNonAtomic:
		return heuristicVerdict{Decisive: true, IsAtomic: false, Reasoning: "all heuristics agree: not atomic"}
	default:
		return heuristicVerdict{Decisive: false, Reasoning: heuristicSummary(hoursOK, singleCriterion, noCompound, boundedPaths)}
	}
}

// maxAtomicFilePaths bounds how many files one atomic task may touch
// before the heuristic considers its footprint unbounded.
const maxAtomicFilePaths = 3

func hasCompoundConnective(title string) bool {
	lower := " " + strings.ToLower(title) + " "
	for _, c := range compoundConnectives {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

func heuristicSummary(hoursOK, singleCriterion, noCompound, boundedPaths bool) string {
	var parts []string
	if !hoursOK {
		parts = append(parts, "hours estimate outside atomic budget")
	}
	if !singleCriterion {
		parts = append(parts, "acceptance criteria count is not exactly one")
	}
	if !noCompound {
		parts = append(parts, "title has a compound connective")
	}
	if !boundedPaths {
		parts = append(parts, "file paths unbounded or empty")
	}
	return "heuristics split: " + strings.Join(parts, "; ")
}

func (d *Detector) llmTieBreak(ctx context.Context, task domain.AtomicTask, h heuristicVerdict) (Verdict, error) {
	systemPrompt := "You are an atomicity classifier for a task decomposition engine. " +
		"Respond ONLY with JSON matching the required schema."
	prompt := tieBreakPrompt(task, h)

	response, err := d.client.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return Verdict{}, err
	}

	validJSON, parsed, validationErr, err := llm.ValidateAndRetry(ctx, d.client, systemPrompt, d.validator, response)
	if err != nil || validationErr != "" {
		return Verdict{}, domain.NewError(domain.ErrParse, "atomicity verdict failed schema validation", err)
	}
	_ = validJSON

	m, ok := parsed.(map[string]any)
	if !ok {
		return Verdict{}, domain.NewError(domain.ErrParse, "atomicity verdict is not a JSON object", nil)
	}

	isAtomic, _ := m["isAtomic"].(bool)
	confidence, _ := m["confidence"].(float64)
	reasoning, _ := m["reasoning"].(string)

	return Verdict{
		IsAtomic:       isAtomic,
		Confidence:     confidence,
		Reasoning:      reasoning,
		EstimatedHours: task.EstimatedHours,
	}, nil
}

func tieBreakPrompt(task domain.AtomicTask, h heuristicVerdict) string {
	var b strings.Builder
	b.WriteString("Task title: ")
	b.WriteString(task.Title)
	b.WriteString("\nDescription: ")
	b.WriteString(task.Description)
	b.WriteString("\nEstimated hours: ")
	b.WriteString(strconv.FormatFloat(task.EstimatedHours, 'f', -1, 64))
	b.WriteString("\nAcceptance criteria count: ")
	b.WriteString(strconv.Itoa(len(task.AcceptanceCriteria)))
	b.WriteString("\nFile paths: ")
	b.WriteString(strings.Join(task.FilePaths, ", "))
	b.WriteString("\nHeuristic disagreement: ")
	b.WriteString(h.Reasoning)
	b.WriteString("\nIs this task atomic (small enough for one agent, no further decomposition needed)?")
	return b.String()
}
