// Package research implements the auto-research detector (C5): given a
// task, its project context, and a context-sufficiency measurement,
// decides whether a research pass should run before decomposition
// continues. Grounded on the teacher's internal/mcp.Manager tool-listing
// cache (per-connection mutex-guarded cache, checked before any expensive
// call), generalized here to a keyed, TTL-bounded decision cache so
// identical (taskID, projectID) pairs are not re-evaluated every time.
package research

import (
	"strings"
	"sync"
	"time"
)

// Scope sizes a recommended research pass.
type Scope string

const (
	ScopeNone     Scope = "none"
	ScopeTargeted Scope = "targeted"
	ScopeModerate Scope = "moderate"
	ScopeDeep     Scope = "deep"
)

// Reason names which trigger fired (§4.5, priority order).
type Reason string

const (
	ReasonProjectType      Reason = "project_type"
	ReasonTaskComplexity   Reason = "task_complexity"
	ReasonKnowledgeGap     Reason = "knowledge_gap"
	ReasonDomainSpecific   Reason = "domain_specific"
	ReasonSufficientContext Reason = "sufficient_context"
)

// TaskContext is the input the RDD engine provides for one research decision.
type TaskContext struct {
	TaskID      string
	ProjectID   string
	Title       string
	Description string

	TotalFiles       int
	AvgRelevance     float64
	ProjectLanguages []string
	ProjectFrameworks []string
}

// RecommendedScope bounds the research pass the caller should run.
type RecommendedScope struct {
	Depth           Scope
	EstimatedQueries int
}

// Decision is the detector's verdict for one task (§4.5).
type Decision struct {
	ShouldTriggerResearch bool
	PrimaryReason         Reason
	Confidence            float64
	RecommendedScope      RecommendedScope
	EvaluatedConditions   []Reason
}

// architecturalIndicators flag task_complexity (§4.5 trigger 2).
var architecturalIndicators = []string{
	"microservice", "distributed", "blockchain", "event-sourcing", "saga",
	"consensus", "sharding", "multi-tenant", "real-time", "streaming",
}

// specializedDomains flag domain_specific (§4.5 trigger 4), matched
// against the project's declared languages and frameworks.
var specializedDomains = map[string]bool{
	"blockchain": true, "solidity": true, "ml": true, "tensorflow": true,
	"pytorch": true, "embedded": true, "rust-embedded": true, "cuda": true,
	"webassembly": true, "wasm": true,
}

const defaultTTL = 15 * time.Minute

type cacheEntry struct {
	decision  Decision
	expiresAt time.Time
}

// Detector evaluates research triggers and caches decisions by (taskID, projectID).
type Detector struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
	ttl   time.Duration

	evaluationCount int64
	totalEvalTime   time.Duration
}

// New constructs a Detector. ttl <= 0 uses the default of 15 minutes.
func New(ttl time.Duration) *Detector {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Detector{cache: make(map[string]cacheEntry), ttl: ttl}
}

func cacheKey(taskID, projectID string) string { return projectID + "\x00" + taskID }

// Evaluate returns the cached decision if present and unexpired, otherwise
// computes and caches a fresh one.
func (d *Detector) Evaluate(tc TaskContext) Decision {
	key := cacheKey(tc.TaskID, tc.ProjectID)

	d.mu.Lock()
	if entry, ok := d.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		d.mu.Unlock()
		return entry.decision
	}
	d.mu.Unlock()

	start := time.Now()
	decision := evaluate(tc)
	elapsed := time.Since(start)

	d.mu.Lock()
	d.cache[key] = cacheEntry{decision: decision, expiresAt: time.Now().Add(d.ttl)}
	d.evaluationCount++
	d.totalEvalTime += elapsed
	d.mu.Unlock()

	return decision
}

// Stats reports the running evaluation counters (§4.5).
type Stats struct {
	EvaluationCount    int64
	AverageEvalTime    time.Duration
}

// Stats returns the detector's evaluation counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.evaluationCount == 0 {
		return Stats{}
	}
	return Stats{
		EvaluationCount: d.evaluationCount,
		AverageEvalTime: d.totalEvalTime / time.Duration(d.evaluationCount),
	}
}

func evaluate(tc TaskContext) Decision {
	evaluated := []Reason{}

	// 1. project_type: greenfield project.
	evaluated = append(evaluated, ReasonProjectType)
	if tc.TotalFiles == 0 {
		return Decision{
			ShouldTriggerResearch: true,
			PrimaryReason:         ReasonProjectType,
			Confidence:            0.95,
			RecommendedScope:      RecommendedScope{Depth: ScopeDeep, EstimatedQueries: 8},
			EvaluatedConditions:   evaluated,
		}
	}

	// 2. task_complexity: architectural indicators push the complexity score up.
	evaluated = append(evaluated, ReasonTaskComplexity)
	if complexityScore(tc.Title, tc.Description) > 0.4 {
		return Decision{
			ShouldTriggerResearch: true,
			PrimaryReason:         ReasonTaskComplexity,
			Confidence:            0.8,
			RecommendedScope:      RecommendedScope{Depth: ScopeModerate, EstimatedQueries: 5},
			EvaluatedConditions:   evaluated,
		}
	}

	// 3. knowledge_gap: sparse or low-relevance context.
	evaluated = append(evaluated, ReasonKnowledgeGap)
	if tc.TotalFiles < 5 || tc.AvgRelevance < 0.5 {
		return Decision{
			ShouldTriggerResearch: true,
			PrimaryReason:         ReasonKnowledgeGap,
			Confidence:            0.75,
			RecommendedScope:      RecommendedScope{Depth: ScopeModerate, EstimatedQueries: 4},
			EvaluatedConditions:   evaluated,
		}
	}

	// 4. domain_specific: specialized tech stack.
	evaluated = append(evaluated, ReasonDomainSpecific)
	if isDomainSpecific(tc.ProjectLanguages, tc.ProjectFrameworks) {
		return Decision{
			ShouldTriggerResearch: true,
			PrimaryReason:         ReasonDomainSpecific,
			Confidence:            0.7,
			RecommendedScope:      RecommendedScope{Depth: ScopeTargeted, EstimatedQueries: 2},
			EvaluatedConditions:   evaluated,
		}
	}

	// 5. sufficient_context: no research needed.
	evaluated = append(evaluated, ReasonSufficientContext)
	return Decision{
		ShouldTriggerResearch: false,
		PrimaryReason:         ReasonSufficientContext,
		Confidence:            0.9,
		RecommendedScope:      RecommendedScope{Depth: ScopeNone, EstimatedQueries: 0},
		EvaluatedConditions:   evaluated,
	}
}

// complexityScore is a bounded [0,1] heuristic: each architectural
// indicator found in the task's title/description adds a fixed weight.
func complexityScore(title, description string) float64 {
	text := strings.ToLower(title + " " + description)
	hits := 0
	for _, ind := range architecturalIndicators {
		if strings.Contains(text, ind) {
			hits++
		}
	}
	score := float64(hits) * 0.25
	if score > 1 {
		score = 1
	}
	return score
}

func isDomainSpecific(languages, frameworks []string) bool {
	for _, l := range languages {
		if specializedDomains[strings.ToLower(l)] {
			return true
		}
	}
	for _, f := range frameworks {
		if specializedDomains[strings.ToLower(f)] {
			return true
		}
	}
	return false
}
