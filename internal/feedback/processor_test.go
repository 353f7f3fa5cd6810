package feedback

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/basket/vibe-orchestrator/internal/domain"
	"github.com/basket/vibe-orchestrator/internal/execution"
)

func newTestEngine(t *testing.T) *execution.Engine {
	t.Helper()
	e := execution.New(execution.Config{SchedulerInterval: 5 * time.Millisecond}, nil)
	t.Cleanup(e.Dispose)
	return e
}

func registerIdleAgent(t *testing.T, e *execution.Engine, id string) {
	t.Helper()
	if err := e.RegisterAgent(domain.Agent{
		ID:     id,
		Status: domain.AgentIdle,
		Capacity: domain.AgentCapacity{
			MaxConcurrentTasks: 2,
		},
	}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
}

func submitAndWaitRunning(t *testing.T, e *execution.Engine, taskID string) execution.ExecutionId {
	t.Helper()
	execID, err := e.SubmitTask(domain.AtomicTask{ID: taskID})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		ex, _ := e.GetExecution(execID)
		if ex.Status == execution.StatusRunning {
			return execID
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("execution for task %q never reached running", taskID)
	return ""
}

func TestParseReply_RejectsMalformedJSON(t *testing.T) {
	if _, err := ParseReply([]byte("not json")); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestParseReply_RejectsUnknownKind(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"kind": "mysterious", "taskId": "t1", "agentId": "a1"})
	if _, err := ParseReply(raw); err == nil {
		t.Fatal("expected an error for an unrecognized kind")
	}
}

func TestParseReply_RejectsMissingIDs(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"kind": "completed", "taskId": "", "agentId": "a1"})
	if _, err := ParseReply(raw); err == nil {
		t.Fatal("expected an error for a missing taskId")
	}
}

func TestProcess_CompletedFinalizesExecutionAndRecommendsNext(t *testing.T) {
	e := newTestEngine(t)
	registerIdleAgent(t, e, "a1")
	submitAndWaitRunning(t, e, "t1")

	p := New(Config{}, e, nil)
	if err := p.Process(Reply{Kind: KindCompleted, TaskID: "t1", AgentID: "a1"}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	execID, _ := e.FindExecutionByTaskID("t1")
	ex, _ := e.GetExecution(execID)
	if ex.Status != execution.StatusCompleted {
		t.Fatalf("expected completed, got %v", ex.Status)
	}
}

func TestProcess_UnknownTaskRejected(t *testing.T) {
	e := newTestEngine(t)
	p := New(Config{}, e, nil)
	err := p.Process(Reply{Kind: KindCompleted, TaskID: "ghost", AgentID: "a1"})
	if err == nil {
		t.Fatal("expected an error for an unknown task")
	}
	dErr, ok := err.(*domain.Error)
	if !ok || dErr.Kind != domain.ErrUnknownTask {
		t.Fatalf("expected unknown_task, got %v", err)
	}
}

func TestProcess_TerminalExecutionRejectedWithInvalidTransition(t *testing.T) {
	e := newTestEngine(t)
	registerIdleAgent(t, e, "a1")
	submitAndWaitRunning(t, e, "t1")

	p := New(Config{}, e, nil)
	if err := p.Process(Reply{Kind: KindCompleted, TaskID: "t1", AgentID: "a1"}); err != nil {
		t.Fatalf("first completion: %v", err)
	}

	err := p.Process(Reply{Kind: KindCompleted, TaskID: "t1", AgentID: "a1"})
	dErr, ok := err.(*domain.Error)
	if !ok || dErr.Kind != domain.ErrInvalidTransition {
		t.Fatalf("expected invalid_state_transition for a terminal execution, got %v", err)
	}
}

func TestProcess_NeedsHelpTracksOpenRequestAndEscalates(t *testing.T) {
	e := newTestEngine(t)
	registerIdleAgent(t, e, "a1")
	for i := 0; i < 4; i++ {
		taskID := fmt.Sprintf("t%d", i+1)
		submitAndWaitRunning(t, e, taskID)
	}

	p := New(Config{MaxHelpRequests: 3}, e, nil)
	for i := 0; i < 4; i++ {
		taskID := fmt.Sprintf("t%d", i+1)
		if err := p.Process(Reply{
			Kind: KindNeedsHelp, TaskID: taskID, AgentID: "a1",
			HelpRequest: &HelpRequestDetails{IssueDescription: "stuck"},
		}); err != nil {
			t.Fatalf("Process needs_help: %v", err)
		}
	}

	open := p.OpenHelpRequests("a1")
	if len(open) != 4 {
		t.Fatalf("expected 4 open help requests, got %d", len(open))
	}
}

func TestProcess_BlockedInfersCriticalImpactFromKeyword(t *testing.T) {
	e := newTestEngine(t)
	registerIdleAgent(t, e, "a1")
	submitAndWaitRunning(t, e, "t1")

	p := New(Config{}, e, nil)
	if err := p.Process(Reply{
		Kind: KindBlocked, TaskID: "t1", AgentID: "a1",
		BlockerDetails: &BlockerDetails{BlockerType: BlockerTechnical, Description: "This is a critical dependency failure"},
	}); err != nil {
		t.Fatalf("Process blocked: %v", err)
	}

	blockers := p.OpenBlockers()
	if len(blockers) != 1 || blockers[0].Impact != "critical" {
		t.Fatalf("expected one critical blocker, got %+v", blockers)
	}
	if blockers[0].EscalateAt.IsZero() {
		t.Fatal("expected a critical blocker to schedule escalation")
	}
}

func TestProcess_BlockedLowImpactDoesNotScheduleEscalation(t *testing.T) {
	e := newTestEngine(t)
	registerIdleAgent(t, e, "a1")
	submitAndWaitRunning(t, e, "t1")

	p := New(Config{}, e, nil)
	if err := p.Process(Reply{
		Kind: KindBlocked, TaskID: "t1", AgentID: "a1",
		BlockerDetails: &BlockerDetails{BlockerType: BlockerClarification, Description: "need a clarifying answer"},
	}); err != nil {
		t.Fatalf("Process blocked: %v", err)
	}

	blockers := p.OpenBlockers()
	if len(blockers) != 1 || !blockers[0].EscalateAt.IsZero() {
		t.Fatalf("expected no scheduled escalation for a medium-impact blocker, got %+v", blockers)
	}
}

func TestCheckBlockerEscalations_FiresOnceAfterDelay(t *testing.T) {
	e := newTestEngine(t)
	registerIdleAgent(t, e, "a1")
	submitAndWaitRunning(t, e, "t1")

	p := New(Config{BlockerEscalationDelay: time.Millisecond}, e, nil)
	if err := p.Process(Reply{
		Kind: KindBlocked, TaskID: "t1", AgentID: "a1",
		BlockerDetails: &BlockerDetails{BlockerType: BlockerTechnical, Description: "urgent blocker here"},
	}); err != nil {
		t.Fatal(err)
	}

	p.CheckBlockerEscalations(time.Now().Add(time.Hour))
	blockers := p.OpenBlockers()
	if !blockers[0].Escalated {
		t.Fatal("expected the blocker to have escalated")
	}
}

func TestProcess_FailedCompletesWithFailureAndAutoRetriesOnce(t *testing.T) {
	e := newTestEngine(t)
	registerIdleAgent(t, e, "a1")
	submitAndWaitRunning(t, e, "t1")

	p := New(Config{AutoRetryFailedTasks: true}, e, nil)
	if err := p.Process(Reply{Kind: KindFailed, TaskID: "t1", AgentID: "a1", Message: "boom"}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	stats := e.GetExecutionStatistics()
	if stats.Total != 2 {
		t.Fatalf("expected the failure plus one auto-retried execution, got total=%d", stats.Total)
	}
}

func TestProcess_FailedWithoutAutoRetryDoesNotResubmit(t *testing.T) {
	e := newTestEngine(t)
	registerIdleAgent(t, e, "a1")
	submitAndWaitRunning(t, e, "t1")

	p := New(Config{AutoRetryFailedTasks: false}, e, nil)
	if err := p.Process(Reply{Kind: KindFailed, TaskID: "t1", AgentID: "a1"}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	stats := e.GetExecutionStatistics()
	if stats.Total != 1 {
		t.Fatalf("expected no retry submitted, got total=%d", stats.Total)
	}
}

func TestPerformanceScore_WeightsEachComponent(t *testing.T) {
	e := newTestEngine(t)
	registerIdleAgent(t, e, "a1")
	submitAndWaitRunning(t, e, "t1")

	p := New(Config{}, e, nil)
	if err := p.Process(Reply{Kind: KindCompleted, TaskID: "t1", AgentID: "a1"}); err != nil {
		t.Fatal(err)
	}

	score := p.PerformanceScore("a1")
	if score <= 0 || score > 1 {
		t.Fatalf("expected a score in (0,1], got %v", score)
	}
}

func TestPerformanceScore_UnknownAgentUsesZeroSuccessRate(t *testing.T) {
	e := newTestEngine(t)
	p := New(Config{}, e, nil)
	score := p.PerformanceScore("ghost")
	if score != 0 {
		t.Fatalf("expected a zero score for an agent with no history, got %v", score)
	}
}
