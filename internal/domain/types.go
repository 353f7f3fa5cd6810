// Package domain holds the shared entity types of the task decomposition and
// agent orchestration engine: projects, epics, atomic tasks, decomposition
// sessions, and the error taxonomy every component reports through.
package domain

import "time"

// Status is the lifecycle status shared by Project, Epic, and AtomicTask.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// TaskType classifies the kind of work an AtomicTask represents.
type TaskType string

const (
	TaskTypeDevelopment  TaskType = "development"
	TaskTypeTesting      TaskType = "testing"
	TaskTypeDocumentation TaskType = "documentation"
	TaskTypeResearch     TaskType = "research"
	TaskTypeDeployment   TaskType = "deployment"
	TaskTypeReview       TaskType = "review"
)

// Priority orders atomic tasks for scheduling preemption.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns a numeric ordering where a higher rank always preempts a lower one.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// FunctionalArea is drawn from the closed vocabulary the RDD engine uses to
// group atomic tasks into epics (§4.6). "E001"-style auto-incremented ids
// are forbidden as epic identifiers; epic ids derive from FunctionalArea.
type FunctionalArea string

const (
	AreaAuthentication    FunctionalArea = "authentication"
	AreaUserManagement    FunctionalArea = "user-management"
	AreaContentManagement FunctionalArea = "content-management"
	AreaDataManagement    FunctionalArea = "data-management"
	AreaIntegration       FunctionalArea = "integration"
	AreaAdmin             FunctionalArea = "admin"
	AreaUIComponents      FunctionalArea = "ui-components"
	AreaPerformance       FunctionalArea = "performance"
	AreaObservability     FunctionalArea = "observability"
	AreaOther             FunctionalArea = "other"
)

// ValidFunctionalAreas is the closed vocabulary from §4.6.
var ValidFunctionalAreas = map[FunctionalArea]bool{
	AreaAuthentication: true, AreaUserManagement: true, AreaContentManagement: true,
	AreaDataManagement: true, AreaIntegration: true, AreaAdmin: true,
	AreaUIComponents: true, AreaPerformance: true, AreaObservability: true, AreaOther: true,
}

// ForbiddenEpicIDs are the generic scaffolding-epic ids the normalization pass rejects (§8 invariant 5).
var ForbiddenEpicIDs = map[string]bool{
	"E001": true, "E002": true, "E003": true, "default-epic": true,
}

// TechStack describes the project's technology vector, used by the
// auto-research detector to infer domain specificity (§4.5).
type TechStack struct {
	Languages  []string
	Frameworks []string
	Tools      []string
}

// Project is the root container: owns Epics, which own AtomicTasks.
type Project struct {
	ID          string
	Name        string
	Description string
	Status      Status
	EpicIDs     []string
	TechStack   TechStack
	Config      map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Epic groups AtomicTasks within one project by functional area.
type Epic struct {
	ID           string
	ProjectID    string
	Title        string
	Status       Status
	TaskIDs      []string
	DependsOnIDs []string // dependency edges to other epics in the same project
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AcceptanceCriterion is one verifiable condition a task must satisfy.
type AcceptanceCriterion struct {
	Description string
}

// TestCriteria, PerformanceCriteria, and QualityCriteria bound what "done"
// means for an atomic task beyond its acceptance criteria.
type TestCriteria struct {
	Coverage   string
	Frameworks []string
}

type PerformanceCriteria struct {
	MaxLatencyMs int
	MaxMemoryMB  int
}

type QualityCriteria struct {
	LintClean bool
	Reviewed  bool
}

// AtomicTask is a leaf of the decomposition tree: a unit of work small
// enough to be dispatched to a single agent without further splitting.
type AtomicTask struct {
	ID          string
	Title       string
	Description string
	Type        TaskType
	Priority    Priority
	Status      Status

	EstimatedHours float64
	ActualHours    float64

	FunctionalArea FunctionalArea
	EpicID         string
	ProjectID      string

	FilePaths           []string
	AcceptanceCriteria  []AcceptanceCriterion
	DependencyIDs       []string
	TestCriteria        TestCriteria
	PerformanceCriteria PerformanceCriteria
	QualityCriteria     QualityCriteria

	AssignedAgentID  string
	ExecutionContext string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// MaxAtomicHours is the upper bound of the atomic-task estimate range (§3): (0, 0.17].
const MaxAtomicHours = 0.17

// IsWithinAtomicHourBudget reports whether hours falls in the (0, 0.17] range.
func IsWithinAtomicHourBudget(hours float64) bool {
	return hours > 0 && hours <= MaxAtomicHours
}

// SessionStatus is the lifecycle of a DecompositionSession.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionCancelled  SessionStatus = "cancelled"
	// SessionPartial is reached when a tree-size or wall-clock cap truncates
	// decomposition (§4.6 Termination); treated as a terminal, non-failure state.
	SessionPartial SessionStatus = "partial"
)

// IsTerminal reports whether no further state transition is possible.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled, SessionPartial:
		return true
	default:
		return false
	}
}

// NodeResult records the outcome of one decomposition step for a session.
type NodeResult struct {
	TaskID    string
	IsAtomic  bool
	Reasoning string
	Error     string
	// Task is populated when IsAtomic is true, carrying the full leaf so a
	// caller can persist it the moment it's produced.
	Task AtomicTask
}

// DecompositionSession tracks one run of the RDD engine end to end.
type DecompositionSession struct {
	ID           string
	ProjectID    string
	RootTaskID   string
	Status       SessionStatus
	CurrentDepth int

	TotalTasks     int
	ProcessedTasks int

	NodeResults    []NodeResult
	PersistedTasks []string // ids of tasks written to storage

	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentStatus is the lifecycle status of a registered worker agent.
type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentBusy     AgentStatus = "busy"
	AgentDraining AgentStatus = "draining"
	AgentOffline  AgentStatus = "offline"
)

// AgentCapacity bounds how much work an agent may hold at once; CurrentUsage
// shares this shape so the two can be compared directly.
type AgentCapacity struct {
	MaxMemoryMB        int
	MaxCPUWeight        float64
	MaxConcurrentTasks int
}

// AgentUsage is an agent's present load, same shape as AgentCapacity.
type AgentUsage struct {
	MemoryMB     int
	CPUWeight    float64
	ActiveTasks  int
}

// AgentMetadata is an agent's rolling performance record.
type AgentMetadata struct {
	LastHeartbeat       time.Time
	TotalTasksExecuted  int
	AverageExecutionTime time.Duration
	SuccessRate         float64
}

// Agent is a registered worker capable of executing dispatched tasks.
// Invariant: CurrentUsage.ActiveTasks <= Capacity.MaxConcurrentTasks, and
// CurrentUsage is mutated only by the Execution Engine.
type Agent struct {
	ID           string
	DisplayName  string
	Status       AgentStatus
	Capabilities []string
	Capacity     AgentCapacity
	CurrentUsage AgentUsage
	Metadata     AgentMetadata
}
