package execution

import (
	"testing"
	"time"

	"github.com/basket/vibe-orchestrator/internal/domain"
	"github.com/basket/vibe-orchestrator/internal/events"
)

func idleAgent(id string) domain.Agent {
	return domain.Agent{
		ID:     id,
		Status: domain.AgentIdle,
		Capacity: domain.AgentCapacity{
			MaxConcurrentTasks: 2,
		},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestSubmitTask_DispatchesToIdleAgent(t *testing.T) {
	e := New(Config{SchedulerInterval: 5 * time.Millisecond}, nil)
	defer e.Dispose()

	if err := e.RegisterAgent(idleAgent("a1")); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	id, err := e.SubmitTask(domain.AtomicTask{ID: "t1"})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		ex, _ := e.GetExecution(id)
		return ex.Status == StatusRunning
	})

	ex, _ := e.GetExecution(id)
	if ex.AgentID != "a1" {
		t.Fatalf("expected dispatch to a1, got %v", ex.AgentID)
	}
}

func TestSubmitTask_NoAgentsLeavesQueued(t *testing.T) {
	e := New(Config{SchedulerInterval: 5 * time.Millisecond}, nil)
	defer e.Dispose()

	id, err := e.SubmitTask(domain.AtomicTask{ID: "t1"})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	ex, ok := e.GetExecution(id)
	if !ok || ex.Status != StatusQueued {
		t.Fatalf("expected execution to stay queued, got %+v", ex)
	}
}

func TestSubmitTask_EmptyTaskIDRejected(t *testing.T) {
	e := New(Config{}, nil)
	defer e.Dispose()
	if _, err := e.SubmitTask(domain.AtomicTask{ID: ""}); err == nil {
		t.Fatal("expected an error for an empty task id")
	}
}

func TestSubmitTask_QueueFullReturnsBackpressureError(t *testing.T) {
	e := New(Config{MaxConcurrentExecutions: 1, SchedulerInterval: time.Hour}, nil)
	defer e.Dispose()

	for i := 0; i < 10; i++ {
		if _, err := e.SubmitTask(domain.AtomicTask{ID: "t"}); err != nil {
			t.Fatalf("unexpected error filling queue: %v", err)
		}
	}
	if _, err := e.SubmitTask(domain.AtomicTask{ID: "overflow"}); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestSelectAgent_PrefersIdleWithMatchingCapability(t *testing.T) {
	e := New(Config{SchedulerInterval: 5 * time.Millisecond}, nil)
	defer e.Dispose()

	generalist := idleAgent("generalist")
	specialist := idleAgent("specialist")
	specialist.Capabilities = []string{"authentication"}
	if err := e.RegisterAgent(generalist); err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterAgent(specialist); err != nil {
		t.Fatal(err)
	}

	id, err := e.SubmitTask(domain.AtomicTask{ID: "t1", FunctionalArea: domain.AreaAuthentication})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		ex, _ := e.GetExecution(id)
		return ex.Status == StatusRunning
	})
	ex, _ := e.GetExecution(id)
	if ex.AgentID != "specialist" {
		t.Fatalf("expected specialist to win capability match, got %v", ex.AgentID)
	}
}

func TestSelectAgent_FallsBackToBusyAgentWithSpareCapacity(t *testing.T) {
	e := New(Config{SchedulerInterval: 5 * time.Millisecond}, nil)
	defer e.Dispose()

	busy := idleAgent("busy")
	busy.Status = domain.AgentBusy
	busy.CurrentUsage.ActiveTasks = 1
	if err := e.RegisterAgent(busy); err != nil {
		t.Fatal(err)
	}

	id, err := e.SubmitTask(domain.AtomicTask{ID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		ex, _ := e.GetExecution(id)
		return ex.Status == StatusRunning
	})
	ex, _ := e.GetExecution(id)
	if ex.AgentID != "busy" {
		t.Fatalf("expected the busy agent with spare capacity to take the task, got %v", ex.AgentID)
	}
}

func TestCancelExecution_QueuedIsImmediate(t *testing.T) {
	e := New(Config{SchedulerInterval: time.Hour}, nil)
	defer e.Dispose()

	id, err := e.SubmitTask(domain.AtomicTask{ID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.CancelExecution(id); err != nil {
		t.Fatalf("CancelExecution: %v", err)
	}
	ex, _ := e.GetExecution(id)
	if ex.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %v", ex.Status)
	}
}

func TestCancelExecution_RunningSetsCancelRequestedOnly(t *testing.T) {
	e := New(Config{SchedulerInterval: 5 * time.Millisecond}, nil)
	defer e.Dispose()

	if err := e.RegisterAgent(idleAgent("a1")); err != nil {
		t.Fatal(err)
	}
	id, err := e.SubmitTask(domain.AtomicTask{ID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		ex, _ := e.GetExecution(id)
		return ex.Status == StatusRunning
	})

	if err := e.CancelExecution(id); err != nil {
		t.Fatalf("CancelExecution: %v", err)
	}
	ex, _ := e.GetExecution(id)
	if ex.Status != StatusRunning || !ex.CancelRequested {
		t.Fatalf("expected still running with cancel requested, got %+v", ex)
	}

	if err := e.CompleteExecution(id, ResultEnvelope{Success: true}); err != nil {
		t.Fatalf("CompleteExecution: %v", err)
	}
	ex, _ = e.GetExecution(id)
	if ex.Status != StatusCancelled {
		t.Fatalf("expected cancel request to override completion, got %v", ex.Status)
	}
}

func TestCompleteExecution_TerminalIsNoOp(t *testing.T) {
	e := New(Config{SchedulerInterval: time.Hour}, nil)
	defer e.Dispose()

	id, err := e.SubmitTask(domain.AtomicTask{ID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.CancelExecution(id); err != nil {
		t.Fatal(err)
	}
	if err := e.CompleteExecution(id, ResultEnvelope{Success: true}); err != nil {
		t.Fatalf("expected no error completing a terminal execution, got %v", err)
	}
	ex, _ := e.GetExecution(id)
	if ex.Status != StatusCancelled {
		t.Fatalf("expected status to remain cancelled, got %v", ex.Status)
	}
}

func TestCompleteExecution_UnknownReturnsError(t *testing.T) {
	e := New(Config{}, nil)
	defer e.Dispose()
	if err := e.CompleteExecution(ExecutionId("nope"), ResultEnvelope{}); err == nil {
		t.Fatal("expected an error completing an unknown execution")
	}
}

func TestCompleteExecution_ReleasesAgentAndUpdatesSuccessRate(t *testing.T) {
	e := New(Config{SchedulerInterval: 5 * time.Millisecond}, nil)
	defer e.Dispose()

	if err := e.RegisterAgent(idleAgent("a1")); err != nil {
		t.Fatal(err)
	}
	id, err := e.SubmitTask(domain.AtomicTask{ID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		ex, _ := e.GetExecution(id)
		return ex.Status == StatusRunning
	})
	if err := e.CompleteExecution(id, ResultEnvelope{Success: true}); err != nil {
		t.Fatal(err)
	}

	id2, err := e.SubmitTask(domain.AtomicTask{ID: "t2"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		ex, _ := e.GetExecution(id2)
		return ex.Status == StatusRunning
	})
	ex2, _ := e.GetExecution(id2)
	if ex2.AgentID != "a1" {
		t.Fatalf("expected agent a1 to be idle and reused, got %v", ex2.AgentID)
	}
}

func TestGetExecutionStatistics_CountsEachStatus(t *testing.T) {
	e := New(Config{SchedulerInterval: time.Hour}, nil)
	defer e.Dispose()

	id, err := e.SubmitTask(domain.AtomicTask{ID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.CancelExecution(id); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitTask(domain.AtomicTask{ID: "t2"}); err != nil {
		t.Fatal(err)
	}

	stats := e.GetExecutionStatistics()
	if stats.Total != 2 || stats.Cancelled != 1 || stats.Queued != 1 {
		t.Fatalf("unexpected statistics: %+v", stats)
	}
}

func TestWatchdog_TimesOutStuckRunningExecutionAndRequeues(t *testing.T) {
	e := New(Config{
		SchedulerInterval: 5 * time.Millisecond,
		WatchdogInterval:  10 * time.Millisecond,
		DefaultTimeout:    20 * time.Millisecond,
		RequeueOnTimeout:  true,
	}, nil)
	defer e.Dispose()

	if err := e.RegisterAgent(idleAgent("a1")); err != nil {
		t.Fatal(err)
	}
	id, err := e.SubmitTask(domain.AtomicTask{ID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool {
		ex, _ := e.GetExecution(id)
		return ex.Status == StatusRunning
	})

	waitFor(t, time.Second, func() bool {
		ex, _ := e.GetExecution(id)
		return ex.Status == StatusTimedOut
	})

	waitFor(t, time.Second, func() bool {
		stats := e.GetExecutionStatistics()
		return stats.Total == 2
	})
}

func TestUpdateAgentStatus_UnknownAgentReturnsError(t *testing.T) {
	e := New(Config{}, nil)
	defer e.Dispose()
	if err := e.UpdateAgentStatus("nope", domain.AgentOffline, nil); err == nil {
		t.Fatal("expected an error updating an unknown agent")
	}
}

func TestDispose_CancelsNonTerminalExecutions(t *testing.T) {
	e := New(Config{SchedulerInterval: time.Hour}, nil)
	id, err := e.SubmitTask(domain.AtomicTask{ID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	e.Dispose()

	ex, _ := e.GetExecution(id)
	if ex.Status != StatusCancelled {
		t.Fatalf("expected Dispose to cancel queued executions, got %v", ex.Status)
	}
}

func TestEngine_PublishesLifecycleEvents(t *testing.T) {
	notifier := events.New(nil)
	e := New(Config{SchedulerInterval: 5 * time.Millisecond}, notifier)
	defer e.Dispose()

	sub := notifier.Subscribe(agentsKey)
	defer notifier.Unsubscribe(sub)

	if err := e.RegisterAgent(idleAgent("a1")); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sub.Ch():
		if ev.Kind != events.KindStatus {
			t.Fatalf("expected a status event, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an agentRegistered event")
	}
}
