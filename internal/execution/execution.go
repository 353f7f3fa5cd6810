package execution

import (
	"time"

	"github.com/basket/vibe-orchestrator/internal/domain"
)

// Status is the lifecycle of one TaskExecution (§3). Transitions follow
// queued -> dispatched -> running -> (completed|timed_out|cancelled), with
// no back-edges except an explicit cancel from any non-terminal state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusDispatched Status = "dispatched"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusTimedOut   Status = "timed_out"
)

// IsTerminal reports whether no further state transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// ResultEnvelope is the outcome an agent (via the Feedback Processor)
// reports for one execution.
type ResultEnvelope struct {
	Success  bool
	Output   any
	Error    string
	Metadata map[string]any
}

// Execution is the authoritative record of one dispatched task (§3
// TaskExecution). The engine owns this record; task/agent are weak
// references by id elsewhere in the system.
type Execution struct {
	ID      ExecutionId
	TaskID  TaskId
	Task    domain.AtomicTask
	AgentID AgentId
	Status  Status

	ScheduledAt  time.Time
	DispatchedAt time.Time
	CompletedAt  time.Time

	Result ResultEnvelope

	// CancelRequested records a cancel intent on a dispatched/running
	// execution; it finalizes as Cancelled on the next agent response or
	// watchdog pass (§5 Cancellation semantics).
	CancelRequested bool
	// Retried marks an execution re-queued once after a watchdog timeout,
	// so it is not requeued a second time.
	Retried bool
}

// Statistics summarizes the execution registry by status (getExecutionStatistics).
type Statistics struct {
	Total      int
	Queued     int
	Dispatched int
	Running    int
	Completed  int
	Cancelled  int
	TimedOut   int
}
