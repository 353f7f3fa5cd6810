// Package rdd implements the Recursive Decomposition with Delegation
// engine (C6): it turns a root task into atomic leaves grouped into
// functional-area epics. Grounded on the teacher's
// internal/coordinator/executor.go wave/dependency-tracking idiom
// (generalized here from executing an existing DAG to recursively
// building one) and internal/coordinator/retry.go's retry-with-context
// shape, extended with the exponential backoff §4.6 calls for on LLM
// failure.
package rdd

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/vibe-orchestrator/internal/atomicity"
	"github.com/basket/vibe-orchestrator/internal/domain"
	"github.com/basket/vibe-orchestrator/internal/llm"
	"github.com/basket/vibe-orchestrator/internal/research"
)

// Defaults for §4.6 Termination and depth guard. MAX_DEPTH has no stated
// default in the spec; 10 is chosen generously above any realistic
// decomposition tree while still bounding pathological recursion.
const (
	DefaultMaxDepth     = 10
	DefaultMaxTreeSize  = 500
	DefaultMaxWallClock = 120 * time.Second
)

const (
	retryMaxAttempts  = 3
	retryInitialDelay = 1 * time.Second
	retryMultiplier   = 2
	retryMaxDelay     = 30 * time.Second
)

const subtaskProposalSchema = `{
  "type": "object",
  "properties": {
    "subtasks": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "title": {"type": "string"},
          "description": {"type": "string"},
          "estimatedHours": {"type": "number"},
          "functionalArea": {"type": "string"},
          "acceptanceCriteria": {"type": "array", "items": {"type": "string"}},
          "filePaths": {"type": "array", "items": {"type": "string"}}
        },
        "required": ["title", "estimatedHours"]
      }
    }
  },
  "required": ["subtasks"]
}`

const hourRefinementSchema = `{
  "type": "object",
  "properties": {
    "estimatedHours": {"type": "number"}
  },
  "required": ["estimatedHours"]
}`

// ProjectContext is the decomposition context threaded through recursion,
// accumulating research findings as C5 triggers fire.
type ProjectContext struct {
	ProjectID        string
	Languages        []string
	Frameworks       []string
	TotalFiles       int
	AvgRelevance     float64
	ResearchContext  string
}

// Result is what one decompose() call tree produces (§4.6).
type Result struct {
	Leaves  []domain.AtomicTask
	Partial bool
	Err     error
}

// nodeResultCtxKey carries an optional per-call node-result callback through
// context, so a caller (internal/decomposition's session tracking) can
// observe each atomicity decision as it happens without the engine needing
// to know about sessions.
type nodeResultCtxKey struct{}

// WithNodeResultCallback returns a context that reports one domain.NodeResult
// per decompose() step to fn as the recursion proceeds.
func WithNodeResultCallback(ctx context.Context, fn func(domain.NodeResult)) context.Context {
	return context.WithValue(ctx, nodeResultCtxKey{}, fn)
}

func nodeResultCallback(ctx context.Context) func(domain.NodeResult) {
	fn, _ := ctx.Value(nodeResultCtxKey{}).(func(domain.NodeResult))
	return fn
}

// Engine runs the RDD algorithm.
type Engine struct {
	atomicityDetector *atomicity.Detector
	researchDetector  *research.Detector
	client            llm.Client
	validator         *llm.StructuredValidator
	hourValidator     *llm.StructuredValidator

	MaxDepth     int
	MaxTreeSize  int
	MaxWallClock time.Duration
}

// New constructs an Engine. client may be nil for tests that never need
// llmDecompose (every node will then be treated as non-decomposable once
// the heuristic/LLM tie-break in atomicityDetector says non-atomic,
// surfacing as a failed node per §4.6 Failure semantics).
func New(atomicityDetector *atomicity.Detector, researchDetector *research.Detector, client llm.Client) (*Engine, error) {
	validator, err := llm.NewStructuredValidator([]byte(subtaskProposalSchema), 2, true)
	if err != nil {
		return nil, err
	}
	hourValidator, err := llm.NewStructuredValidator([]byte(hourRefinementSchema), 1, true)
	if err != nil {
		return nil, err
	}
	return &Engine{
		atomicityDetector: atomicityDetector,
		researchDetector:  researchDetector,
		client:            client,
		validator:         validator,
		hourValidator:     hourValidator,
		MaxDepth:          DefaultMaxDepth,
		MaxTreeSize:       DefaultMaxTreeSize,
		MaxWallClock:      DefaultMaxWallClock,
	}, nil
}

// runState tracks the tree-size and wall-clock caps across one top-level
// Decompose invocation's full recursion tree (§4.6 Termination).
type runState struct {
	mu        sync.Mutex
	leafCount int
	start     time.Time
	capped    bool
}

func (rs *runState) overBudget(maxLeaves int, maxWallClock time.Duration) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.leafCount >= maxLeaves || time.Since(rs.start) >= maxWallClock {
		rs.capped = true
	}
	return rs.capped
}

func (rs *runState) addLeaves(n int) {
	rs.mu.Lock()
	rs.leafCount += n
	rs.mu.Unlock()
}

// Decompose runs the full RDD algorithm from a root task (§4.6 Algorithm).
func (e *Engine) Decompose(ctx context.Context, rootTask domain.AtomicTask, pctx ProjectContext) Result {
	rs := &runState{start: time.Now()}
	leaves, err := e.decompose(ctx, rootTask, pctx, 0, rs)
	return Result{Leaves: leaves, Partial: rs.capped, Err: err}
}

func (e *Engine) decompose(ctx context.Context, task domain.AtomicTask, pctx ProjectContext, depth int, rs *runState) ([]domain.AtomicTask, error) {
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}
	if depth >= e.MaxDepth {
		return []domain.AtomicTask{task}, nil
	}
	if rs.overBudget(e.MaxTreeSize, e.MaxWallClock) {
		return []domain.AtomicTask{task}, nil
	}

	verdict, err := e.atomicityDetector.Evaluate(ctx, task)
	if err != nil {
		return nil, err
	}
	if cb := nodeResultCallback(ctx); cb != nil {
		nr := domain.NodeResult{TaskID: task.ID, IsAtomic: verdict.IsAtomic, Reasoning: verdict.Reasoning}
		if verdict.IsAtomic {
			nr.Task = task
		}
		cb(nr)
	}
	if verdict.IsAtomic {
		rs.addLeaves(1)
		return []domain.AtomicTask{task}, nil
	}

	if e.researchDetector != nil {
		decision := e.researchDetector.Evaluate(research.TaskContext{
			TaskID: task.ID, ProjectID: pctx.ProjectID, Title: task.Title, Description: task.Description,
			TotalFiles: pctx.TotalFiles, AvgRelevance: pctx.AvgRelevance,
			ProjectLanguages: pctx.Languages, ProjectFrameworks: pctx.Frameworks,
		})
		if decision.ShouldTriggerResearch {
			pctx.ResearchContext = pctx.ResearchContext + "\n" + string(decision.RecommendedScope.Depth) + " research triggered: " + string(decision.PrimaryReason)
		}
	}

	rawSubtasks, err := e.llmDecomposeWithRetry(ctx, task, pctx)
	if err != nil {
		if cb := nodeResultCallback(ctx); cb != nil {
			cb(domain.NodeResult{TaskID: task.ID, Error: err.Error()})
		}
		return nil, err
	}

	subtasks := e.normalizeAndAssignEpics(ctx, rawSubtasks, task)

	var leaves []domain.AtomicTask
	for _, s := range subtasks {
		if rs.overBudget(e.MaxTreeSize, e.MaxWallClock) {
			leaves = append(leaves, s)
			continue
		}
		childLeaves, err := e.decompose(ctx, s, pctx, depth+1, rs)
		if err != nil {
			return leaves, err
		}
		leaves = append(leaves, childLeaves...)
	}
	return leaves, nil
}

// llmDecomposeWithRetry calls the LLM to propose subtasks, retrying up to
// 3 times with exponential backoff (initial 1s, x2, cap 30s) on failure
// (§4.6 Failure semantics).
func (e *Engine) llmDecomposeWithRetry(ctx context.Context, task domain.AtomicTask, pctx ProjectContext) ([]domain.AtomicTask, error) {
	if e.client == nil {
		return nil, domain.NewError(domain.ErrFatal, "no LLM client configured for decomposition", nil)
	}

	systemPrompt := "You are a task decomposition engine. Split the given task into smaller, " +
		"concrete subtasks. Respond ONLY with JSON matching the required schema."
	prompt := decomposePrompt(task, pctx)

	var lastErr error
	delay := retryInitialDelay
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		response, err := e.client.Complete(ctx, systemPrompt, prompt)
		if err == nil {
			validJSON, parsed, validationErr, verr := llm.ValidateAndRetry(ctx, e.client, systemPrompt, e.validator, response)
			if verr == nil && validationErr == "" {
				_ = validJSON
				return parseSubtasks(parsed, task), nil
			}
			lastErr = domain.NewError(domain.ErrParse, "subtask proposal failed schema validation", verr)
		} else {
			lastErr = err
		}

		if attempt == retryMaxAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= retryMultiplier
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return nil, lastErr
}

func decomposePrompt(task domain.AtomicTask, pctx ProjectContext) string {
	var b strings.Builder
	b.WriteString("Task to decompose: ")
	b.WriteString(task.Title)
	b.WriteString("\nDescription: ")
	b.WriteString(task.Description)
	b.WriteString("\nEstimated hours: ")
	b.WriteString(strconv.FormatFloat(task.EstimatedHours, 'f', -1, 64))
	if pctx.ResearchContext != "" {
		b.WriteString("\nResearch context:")
		b.WriteString(pctx.ResearchContext)
	}
	b.WriteString("\nEach subtask must be small enough to be done by one agent in at most 0.17 hours, " +
		"have exactly one acceptance criterion, and a title with no compound connective (and/or/then).")
	return b.String()
}

func parseSubtasks(parsed any, parent domain.AtomicTask) []domain.AtomicTask {
	m, ok := parsed.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := m["subtasks"].([]any)
	if !ok {
		return nil
	}

	var out []domain.AtomicTask
	for _, item := range raw {
		sm, ok := item.(map[string]any)
		if !ok {
			continue
		}
		title, _ := sm["title"].(string)
		description, _ := sm["description"].(string)
		hours, _ := sm["estimatedHours"].(float64)
		area, _ := sm["functionalArea"].(string)

		var criteria []domain.AcceptanceCriterion
		if list, ok := sm["acceptanceCriteria"].([]any); ok {
			for _, c := range list {
				if s, ok := c.(string); ok {
					criteria = append(criteria, domain.AcceptanceCriterion{Description: s})
				}
			}
		}
		var paths []string
		if list, ok := sm["filePaths"].([]any); ok {
			for _, p := range list {
				if s, ok := p.(string); ok {
					paths = append(paths, s)
				}
			}
		}

		out = append(out, domain.AtomicTask{
			Title:              title,
			Description:        description,
			EstimatedHours:      hours,
			FunctionalArea:      domain.FunctionalArea(area),
			ProjectID:           parent.ProjectID,
			AcceptanceCriteria:  criteria,
			FilePaths:           paths,
			Type:                parent.Type,
			Priority:            parent.Priority,
			Status:              domain.StatusPending,
		})
	}
	return out
}

// normalizeAndAssignEpics applies §4.6's normalization rules: closed
// functional-area vocabulary, epic ids derived from that area (never
// auto-incremented), compound-connective titles split in half and
// re-enqueued, and a single hour-refinement retry for out-of-budget
// estimates.
func (e *Engine) normalizeAndAssignEpics(ctx context.Context, subtasks []domain.AtomicTask, parent domain.AtomicTask) []domain.AtomicTask {
	var out []domain.AtomicTask
	queue := append([]domain.AtomicTask{}, subtasks...)

	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]

		if hasCompoundConnective(s.Title) {
			left, right := splitTask(s)
			queue = append(queue, left, right)
			continue
		}

		if !domain.IsWithinAtomicHourBudget(s.EstimatedHours) {
			s.EstimatedHours = e.refineHours(ctx, s)
		}

		s.FunctionalArea = normalizeArea(s.FunctionalArea)
		s.EpicID = epicIDForArea(s.FunctionalArea)
		if s.ProjectID == "" {
			s.ProjectID = parent.ProjectID
		}
		out = append(out, s)
	}
	return out
}

var compoundConnectives = []string{" and ", " or ", " then "}

func hasCompoundConnective(title string) bool {
	lower := " " + strings.ToLower(title) + " "
	for _, c := range compoundConnectives {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// splitTask halves a compound-titled subtask at its first connective,
// halving the hour estimate and duplicating the description and context
// fields so the two halves can each be independently re-evaluated.
func splitTask(s domain.AtomicTask) (domain.AtomicTask, domain.AtomicTask) {
	lower := strings.ToLower(s.Title)
	splitIdx := -1
	for _, c := range compoundConnectives {
		if idx := strings.Index(lower, c); idx >= 0 {
			splitIdx = idx
			break
		}
	}
	if splitIdx < 0 {
		return s, s
	}

	leftTitle := strings.TrimSpace(s.Title[:splitIdx])
	rightTitle := strings.TrimSpace(s.Title[splitIdx+1:])
	// Drop the leading connective word from the right half.
	if sp := strings.IndexByte(rightTitle, ' '); sp >= 0 {
		rightTitle = strings.TrimSpace(rightTitle[sp+1:])
	}

	left := s
	left.Title = leftTitle
	left.EstimatedHours = s.EstimatedHours / 2

	right := s
	right.Title = rightTitle
	right.EstimatedHours = s.EstimatedHours / 2

	return left, right
}

func normalizeArea(area domain.FunctionalArea) domain.FunctionalArea {
	if domain.ValidFunctionalAreas[area] {
		return area
	}
	return domain.AreaOther
}

func epicIDForArea(area domain.FunctionalArea) string {
	return "epic-" + string(area)
}

// refineHours asks the LLM once for a tighter estimate when a subtask's
// hours fall outside the atomic budget; if the retry still misses, the
// original (still out-of-budget) estimate is kept so the next atomicity
// check recurses into it rather than accepting it as a leaf.
func (e *Engine) refineHours(ctx context.Context, s domain.AtomicTask) float64 {
	if e.client == nil {
		return s.EstimatedHours
	}
	systemPrompt := "You refine overly broad task-hour estimates into a single smaller number. " +
		"Respond ONLY with JSON matching the required schema."
	prompt := "Task: " + s.Title + "\nCurrent estimate: " +
		strconv.FormatFloat(s.EstimatedHours, 'f', -1, 64) +
		" hours, which exceeds the atomic budget of 0.17 hours. Propose a tighter estimate for just this task."

	response, err := e.client.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return s.EstimatedHours
	}
	_, parsed, validationErr, err := llm.ValidateAndRetry(ctx, e.client, systemPrompt, e.hourValidator, response)
	if err != nil || validationErr != "" {
		return s.EstimatedHours
	}
	m, ok := parsed.(map[string]any)
	if !ok {
		return s.EstimatedHours
	}
	hours, ok := m["estimatedHours"].(float64)
	if !ok {
		return s.EstimatedHours
	}
	return hours
}

// ErrCancelled is returned when the caller's context is cancelled
// mid-decomposition (§4.7 cooperative cancellation checkpoint: the next
// atomicity check).
var ErrCancelled = errors.New("decomposition cancelled")
