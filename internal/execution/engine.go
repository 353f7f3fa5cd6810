// Package execution implements the Execution Engine (C8): a branded-id
// typed scheduler and dispatcher with a watchdog and lifecycle events.
// Grounded directly on internal/engine/engine.go: a fixed background loop
// draining work, sync.WaitGroup-tracked lifetime, Drain/Dispose on
// shutdown, atomic active-task bookkeeping, and published lifecycle events
// reusing internal/events' per-key fan-out. The teacher's ticker-poll loop
// claiming one task from a store is generalized here (per §5's "single
// channel the loop drains" design note) to a loop draining a channel of
// mutation commands plus two tickers (scheduler, watchdog), so every
// mutation to the agent/execution registries is serialized by
// construction instead of guarded by ad hoc locking around the scheduling
// algorithm itself.
package execution

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/basket/vibe-orchestrator/internal/domain"
	"github.com/basket/vibe-orchestrator/internal/events"
)

const (
	DefaultMaxConcurrentExecutions = 50
	DefaultWatchdogInterval        = 6 * time.Second
	DefaultSchedulerInterval       = 200 * time.Millisecond
	DefaultTaskExecutionTimeout    = 5 * time.Minute
)

// agentsKey is the pseudo event-subscription key used for agent lifecycle
// events, which have no executionId of their own.
const agentsKey = "agents"

// ErrQueueFull is returned by SubmitTask when the queue exceeds
// MaxConcurrentExecutions x 10 (§5 Backpressure).
var ErrQueueFull = errors.New("queue_full")

// Config controls scheduling cadence, timeouts, and backpressure.
type Config struct {
	MaxConcurrentExecutions int
	WatchdogInterval        time.Duration
	SchedulerInterval       time.Duration
	DefaultTimeout          time.Duration
	RequeueOnTimeout        bool

	// PathValidator, if set, is consulted on every SubmitTask over the
	// task's FilePaths. A rejected path fails the submission outright
	// (§6: the core never retries a !OK result).
	PathValidator domain.PathValidator
}

func applyDefaults(cfg Config) Config {
	if cfg.MaxConcurrentExecutions <= 0 {
		cfg.MaxConcurrentExecutions = DefaultMaxConcurrentExecutions
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = DefaultWatchdogInterval
	}
	if cfg.SchedulerInterval <= 0 {
		cfg.SchedulerInterval = DefaultSchedulerInterval
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTaskExecutionTimeout
	}
	return cfg
}

// Engine schedules, dispatches, and tracks task executions against a pool
// of registered agents.
type Engine struct {
	mu         sync.RWMutex
	agents     map[AgentId]*domain.Agent
	executions map[ExecutionId]*Execution
	queue      []ExecutionId

	cfg      Config
	notifier *events.Notifier

	cmdCh  chan func()
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs an Engine and starts its background loop.
func New(cfg Config, notifier *events.Notifier) *Engine {
	e := &Engine{
		agents:     make(map[AgentId]*domain.Agent),
		executions: make(map[ExecutionId]*Execution),
		cfg:        applyDefaults(cfg),
		notifier:   notifier,
		cmdCh:      make(chan func(), 256),
		stopCh:     make(chan struct{}),
	}
	e.wg.Add(1)
	go e.loop()
	return e
}

func (e *Engine) loop() {
	defer e.wg.Done()
	watchdog := time.NewTicker(e.cfg.WatchdogInterval)
	defer watchdog.Stop()
	scheduler := time.NewTicker(e.cfg.SchedulerInterval)
	defer scheduler.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case cmd := <-e.cmdCh:
			cmd()
		case <-scheduler.C:
			e.mu.Lock()
			e.promoteDispatchedLocked()
			e.dispatchQueuedLocked()
			e.mu.Unlock()
		case <-watchdog.C:
			e.runWatchdog()
		}
	}
}

func (e *Engine) publish(key string, kind events.Kind, payload any) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(key, "", kind, payload)
}

// RegisterAgent adds or replaces a registered agent.
func (e *Engine) RegisterAgent(agent domain.Agent) error {
	if agent.ID == "" {
		return domain.NewError(domain.ErrValidation, "agent id must not be empty", nil)
	}
	if agent.Status == "" {
		agent.Status = domain.AgentIdle
	}
	agent.Metadata.LastHeartbeat = time.Now()

	done := make(chan struct{})
	e.cmdCh <- func() {
		e.mu.Lock()
		e.agents[AgentId(agent.ID)] = &agent
		e.dispatchQueuedLocked()
		e.mu.Unlock()
		e.publish(agentsKey, events.KindStatus, map[string]any{"event": "agentRegistered", "agentId": agent.ID})
		close(done)
	}
	<-done
	return nil
}

// UnregisterAgent removes a registered agent; its in-flight executions are
// left running and will eventually time out via the watchdog.
func (e *Engine) UnregisterAgent(id AgentId) error {
	done := make(chan struct{})
	e.cmdCh <- func() {
		e.mu.Lock()
		delete(e.agents, id)
		e.mu.Unlock()
		e.publish(agentsKey, events.KindStatus, map[string]any{"event": "agentUnregistered", "agentId": id})
		close(done)
	}
	<-done
	return nil
}

// UpdateAgentStatus updates an agent's status and, if usageDelta is given,
// adjusts its current usage by that delta.
func (e *Engine) UpdateAgentStatus(id AgentId, status domain.AgentStatus, usageDelta *domain.AgentUsage) error {
	done := make(chan error, 1)
	e.cmdCh <- func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		agent, ok := e.agents[id]
		if !ok {
			done <- domain.NewError(domain.ErrUnknownTask, "agent not found", nil)
			return
		}
		agent.Status = status
		agent.Metadata.LastHeartbeat = time.Now()
		if usageDelta != nil {
			agent.CurrentUsage.ActiveTasks += usageDelta.ActiveTasks
			agent.CurrentUsage.MemoryMB += usageDelta.MemoryMB
			agent.CurrentUsage.CPUWeight += usageDelta.CPUWeight
		}
		done <- nil
	}
	return <-done
}

// SubmitTask enqueues a task for scheduling, returning its executionId.
// Rejected immediately with ErrQueueFull if the queue is saturated (§5
// Backpressure), without going through the command loop.
func (e *Engine) SubmitTask(task domain.AtomicTask) (ExecutionId, error) {
	taskID, err := NewTaskId(task.ID)
	if err != nil {
		return "", err
	}

	if e.cfg.PathValidator != nil {
		for _, p := range task.FilePaths {
			result, err := e.cfg.PathValidator.Validate(context.Background(), p, "execute")
			if err != nil {
				return "", domain.NewError(domain.ErrValidation, "path validation failed", err)
			}
			if !result.OK {
				return "", domain.NewError(domain.ErrValidation, "path rejected: "+result.ViolationType, nil)
			}
		}
	}

	e.mu.RLock()
	depth := len(e.queue)
	e.mu.RUnlock()
	if depth >= e.cfg.MaxConcurrentExecutions*10 {
		return "", ErrQueueFull
	}

	execID := newExecutionId()
	done := make(chan struct{})
	e.cmdCh <- func() {
		e.mu.Lock()
		e.executions[execID] = &Execution{
			ID: execID, TaskID: taskID, Task: task,
			Status: StatusQueued, ScheduledAt: time.Now(),
		}
		e.queue = append(e.queue, execID)
		e.dispatchQueuedLocked()
		e.mu.Unlock()
		e.publish(string(execID), events.KindStatus, map[string]any{"event": "taskSubmitted", "executionId": execID})
		close(done)
	}
	<-done
	return execID, nil
}

// CancelExecution cancels a queued execution immediately, or records a
// cancel intent on a dispatched/running one to be finalized by the next
// agent response or watchdog pass. A no-op on a terminal or unknown
// execution (§5 Cancellation semantics).
func (e *Engine) CancelExecution(id ExecutionId) error {
	done := make(chan struct{})
	e.cmdCh <- func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		ex, ok := e.executions[id]
		if !ok || ex.Status.IsTerminal() {
			close(done)
			return
		}
		if ex.Status == StatusQueued {
			ex.Status = StatusCancelled
			ex.CompletedAt = time.Now()
			e.removeFromQueueLocked(id)
		} else {
			ex.CancelRequested = true
		}
		close(done)
	}
	<-done
	return nil
}

// CompleteExecution records an agent's terminal result for an execution. If
// a cancel was requested while dispatched, the execution finalizes as
// cancelled instead of completed.
func (e *Engine) CompleteExecution(id ExecutionId, result ResultEnvelope) error {
	done := make(chan error, 1)
	e.cmdCh <- func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		ex, ok := e.executions[id]
		if !ok {
			done <- domain.NewError(domain.ErrUnknownTask, "execution not found", nil)
			return
		}
		if ex.Status.IsTerminal() {
			done <- nil
			return
		}

		eventName := "executionCompleted"
		if ex.CancelRequested {
			ex.Status = StatusCancelled
			eventName = "executionCancelled"
		} else {
			ex.Status = StatusCompleted
			ex.Result = result
		}
		ex.CompletedAt = time.Now()

		if agent, ok := e.agents[ex.AgentID]; ok {
			releaseAgentLocked(agent)
			if !ex.CancelRequested {
				agent.Metadata.TotalTasksExecuted++
				updateSuccessRateLocked(agent, result.Success)
			}
		}

		e.publish(string(id), events.KindTerminal, map[string]any{"event": eventName, "executionId": id, "success": result.Success})
		done <- nil
	}
	return <-done
}

// FindExecutionByTaskID returns the most recently scheduled execution for a
// task id, letting collaborators that only know the task (e.g. the feedback
// processor decoding a Sentinel reply) resolve it to an executionId.
func (e *Engine) FindExecutionByTaskID(taskID TaskId) (ExecutionId, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var found ExecutionId
	var foundAt time.Time
	for id, ex := range e.executions {
		if ex.TaskID != taskID {
			continue
		}
		if found == "" || ex.ScheduledAt.After(foundAt) {
			found, foundAt = id, ex.ScheduledAt
		}
	}
	return found, found != ""
}

// GetAgent returns a snapshot of one registered agent.
func (e *Engine) GetAgent(id AgentId) (domain.Agent, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	agent, ok := e.agents[id]
	if !ok {
		return domain.Agent{}, false
	}
	return *agent, true
}

// GetExecution returns a snapshot of one execution.
func (e *Engine) GetExecution(id ExecutionId) (Execution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ex, ok := e.executions[id]
	if !ok {
		return Execution{}, false
	}
	return *ex, true
}

// GetExecutionsByStatus returns snapshots of every execution in the given status.
func (e *Engine) GetExecutionsByStatus(status Status) []Execution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Execution
	for _, ex := range e.executions {
		if ex.Status == status {
			out = append(out, *ex)
		}
	}
	return out
}

// GetExecutionStatistics summarizes the execution registry by status.
func (e *Engine) GetExecutionStatistics() Statistics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var s Statistics
	for _, ex := range e.executions {
		s.Total++
		switch ex.Status {
		case StatusQueued:
			s.Queued++
		case StatusDispatched:
			s.Dispatched++
		case StatusRunning:
			s.Running++
		case StatusCompleted:
			s.Completed++
		case StatusCancelled:
			s.Cancelled++
		case StatusTimedOut:
			s.TimedOut++
		}
	}
	return s
}

// Dispose cancels all non-terminal executions, stops the background loop,
// and flushes subscribers.
func (e *Engine) Dispose() {
	done := make(chan struct{})
	e.cmdCh <- func() {
		e.mu.Lock()
		now := time.Now()
		for _, ex := range e.executions {
			if !ex.Status.IsTerminal() {
				ex.Status = StatusCancelled
				ex.CompletedAt = now
			}
		}
		e.queue = nil
		e.mu.Unlock()
		close(done)
	}
	<-done
	close(e.stopCh)
	e.wg.Wait()
}

// --- scheduling (hybrid_optimal), all of the below assume e.mu is held ---

func (e *Engine) removeFromQueueLocked(id ExecutionId) {
	for i, qid := range e.queue {
		if qid == id {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

// promoteDispatchedLocked simulates the agent picking up its dispatch:
// an execution sits in Dispatched for one scheduler tick before becoming
// Running, giving the Dispatched status a real observable window.
func (e *Engine) promoteDispatchedLocked() {
	for _, ex := range e.executions {
		if ex.Status == StatusDispatched {
			ex.Status = StatusRunning
		}
	}
}

// dispatchQueuedLocked matches queued executions to agents per §4.8's
// hybrid_optimal policy: higher-priority tasks are considered first, and an
// execution that can't yet be matched is deferred to the next tick.
func (e *Engine) dispatchQueuedLocked() {
	if len(e.queue) == 0 {
		return
	}
	sort.SliceStable(e.queue, func(i, j int) bool {
		return e.executions[e.queue[i]].Task.Priority.Rank() > e.executions[e.queue[j]].Task.Priority.Rank()
	})

	var remaining []ExecutionId
	for _, execID := range e.queue {
		ex := e.executions[execID]
		agentID, ok := e.selectAgentLocked(ex.Task)
		if !ok {
			remaining = append(remaining, execID)
			continue
		}
		e.dispatchLocked(execID, agentID)
	}
	e.queue = remaining
}

func (e *Engine) dispatchLocked(execID ExecutionId, agentID AgentId) {
	ex := e.executions[execID]
	ex.Status = StatusDispatched
	ex.AgentID = agentID
	ex.DispatchedAt = time.Now()

	agent := e.agents[agentID]
	agent.CurrentUsage.ActiveTasks++
	if agent.Status == domain.AgentIdle {
		agent.Status = domain.AgentBusy
	}

	e.publish(string(execID), events.KindStatus, map[string]any{
		"event": "executionDispatched", "executionId": execID, "agentId": agentID,
	})
}

// selectAgentLocked applies §4.8's four-step criterion in order: idle with
// the requested capability, idle regardless of capability, busy with spare
// capacity and the best successRate, or no match (defer).
func (e *Engine) selectAgentLocked(task domain.AtomicTask) (AgentId, bool) {
	required := string(task.FunctionalArea)

	var idleWithCap, idleAny, busyCandidates []*domain.Agent
	for _, a := range e.agents {
		switch a.Status {
		case domain.AgentIdle:
			idleAny = append(idleAny, a)
			if required == "" || hasCapability(a.Capabilities, required) {
				idleWithCap = append(idleWithCap, a)
			}
		case domain.AgentBusy:
			if a.CurrentUsage.ActiveTasks < a.Capacity.MaxConcurrentTasks {
				busyCandidates = append(busyCandidates, a)
			}
		}
	}

	switch {
	case len(idleWithCap) > 0:
		return AgentId(bestAgent(idleWithCap).ID), true
	case len(idleAny) > 0:
		return AgentId(bestAgent(idleAny).ID), true
	case len(busyCandidates) > 0:
		return AgentId(bestAgent(busyCandidates).ID), true
	default:
		return "", false
	}
}

// bestAgent tie-breaks a candidate set by lowest activeTasks, then highest
// successRate, then earliest lastHeartbeat (round-robin fairness).
func bestAgent(candidates []*domain.Agent) *domain.Agent {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.CurrentUsage.ActiveTasks != b.CurrentUsage.ActiveTasks {
			return a.CurrentUsage.ActiveTasks < b.CurrentUsage.ActiveTasks
		}
		if a.Metadata.SuccessRate != b.Metadata.SuccessRate {
			return a.Metadata.SuccessRate > b.Metadata.SuccessRate
		}
		return a.Metadata.LastHeartbeat.Before(b.Metadata.LastHeartbeat)
	})
	return candidates[0]
}

func hasCapability(capabilities []string, required string) bool {
	for _, c := range capabilities {
		if c == required {
			return true
		}
	}
	return false
}

func releaseAgentLocked(agent *domain.Agent) {
	if agent.CurrentUsage.ActiveTasks > 0 {
		agent.CurrentUsage.ActiveTasks--
	}
	if agent.CurrentUsage.ActiveTasks == 0 && agent.Status == domain.AgentBusy {
		agent.Status = domain.AgentIdle
	}
}

func updateSuccessRateLocked(agent *domain.Agent, success bool) {
	n := float64(agent.Metadata.TotalTasksExecuted)
	if n <= 0 {
		n = 1
	}
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	agent.Metadata.SuccessRate = ((agent.Metadata.SuccessRate * (n - 1)) + outcome) / n
}

// runWatchdog checks every running execution for a dispatch-to-now span
// exceeding its timeout, finalizing it as timed_out and optionally
// requeuing it once (§4.8 Watchdog).
func (e *Engine) runWatchdog() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	var timedOut []ExecutionId
	for id, ex := range e.executions {
		if ex.Status != StatusRunning && ex.Status != StatusDispatched {
			continue
		}
		if now.Sub(ex.DispatchedAt) <= e.cfg.DefaultTimeout {
			continue
		}
		ex.Status = StatusTimedOut
		ex.CompletedAt = now
		if agent, ok := e.agents[ex.AgentID]; ok {
			releaseAgentLocked(agent)
		}
		timedOut = append(timedOut, id)

		if e.cfg.RequeueOnTimeout && !ex.Retried {
			retryID := newExecutionId()
			e.executions[retryID] = &Execution{
				ID: retryID, TaskID: ex.TaskID, Task: ex.Task,
				Status: StatusQueued, ScheduledAt: now, Retried: true,
			}
			e.queue = append(e.queue, retryID)
		}
	}
	e.dispatchQueuedLocked()

	for _, id := range timedOut {
		e.publish(string(id), events.KindTerminal, map[string]any{"event": "executionTimedOut", "executionId": id})
	}
}
