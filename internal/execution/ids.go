package execution

import (
	"github.com/basket/vibe-orchestrator/internal/domain"
	"github.com/google/uuid"
)

// TaskId, AgentId, and ExecutionId are branded string types so a raw string
// can't be passed where a validated id is expected (§4.8). Only TaskId and
// AgentId are constructed from caller-supplied strings; ExecutionId is
// always minted by the engine itself.
type TaskId string
type AgentId string
type ExecutionId string

// NewTaskId rejects an empty task id.
func NewTaskId(s string) (TaskId, error) {
	if s == "" {
		return "", domain.NewError(domain.ErrValidation, "task id must not be empty", nil)
	}
	return TaskId(s), nil
}

// NewAgentId rejects an empty agent id.
func NewAgentId(s string) (AgentId, error) {
	if s == "" {
		return "", domain.NewError(domain.ErrValidation, "agent id must not be empty", nil)
	}
	return AgentId(s), nil
}

func newExecutionId() ExecutionId {
	return ExecutionId(uuid.NewString())
}
