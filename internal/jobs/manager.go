// Package jobs implements the background job manager (C1): an in-memory
// registry of long-running jobs with status/progress/result, rate-limited
// access, and adaptive poll hints. Grounded on the teacher's
// internal/bus.Bus mutex-guarded-map idiom and internal/engine.Engine's
// atomic counters and ticker-driven background loop
// (internal/engine/engine.go worker/Drain), generalized from a task
// dispatch loop to a job-eviction sweep.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/basket/vibe-orchestrator/internal/domain"
	"github.com/basket/vibe-orchestrator/internal/events"
	"github.com/google/uuid"
)

// Status is a job's lifecycle state (§3 Job).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusError:
		return true
	default:
		return false
	}
}

// ResultEnvelope carries a job's outcome once it reaches a terminal state.
type ResultEnvelope struct {
	Success bool
	Output  any
	Error   string
}

// Job is one entry in the registry (§3).
type Job struct {
	ID         string
	ToolName   string
	Status     Status
	Progress   int
	Message    string
	Result     *ResultEnvelope
	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastAccess time.Time
}

// Snapshot is an immutable copy of a Job, safe to hand to callers outside the lock.
type Snapshot Job

// defaultMaxJobs is the LRU cap (§3 default 1000).
const defaultMaxJobs = 1000

// defaultEvictionInterval drives the background sweep.
const defaultEvictionInterval = 30 * time.Second

// Manager is the C1 job registry.
type Manager struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	maxJobs  int
	notifier *events.Notifier

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Config tunes the Manager's capacity and eviction cadence.
type Config struct {
	MaxJobs           int
	EvictionInterval  time.Duration
}

// NewManager constructs a Manager and starts its background eviction sweep.
// notifier may be nil; if set, every status/progress/result change is
// published on it for the job's session (keyed by job id as session id
// when the caller has no richer session scope).
func NewManager(cfg Config, notifier *events.Notifier) *Manager {
	maxJobs := cfg.MaxJobs
	if maxJobs <= 0 {
		maxJobs = defaultMaxJobs
	}
	interval := cfg.EvictionInterval
	if interval <= 0 {
		interval = defaultEvictionInterval
	}

	m := &Manager{
		jobs:     make(map[string]*Job),
		maxJobs:  maxJobs,
		notifier: notifier,
		stopCh:   make(chan struct{}),
	}

	m.wg.Add(1)
	go m.evictionLoop(interval)
	return m
}

// CreateJob registers a new job in the pending state at progress 0.
func (m *Manager) CreateJob(toolName string) string {
	id := uuid.NewString()
	now := time.Now()
	job := &Job{
		ID:         id,
		ToolName:   toolName,
		Status:     StatusPending,
		Progress:   0,
		CreatedAt:  now,
		UpdatedAt:  now,
		LastAccess: now,
	}

	m.mu.Lock()
	m.jobs[id] = job
	m.mu.Unlock()
	return id
}

// UpdateStatus is a CAS: it rejects decreasing progress or transitioning a
// terminal job (§4.1 Contract).
func (m *Manager) UpdateStatus(jobID string, status Status, message string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return domain.NewError(domain.ErrUnknownTask, "unknown job: "+jobID, nil)
	}
	if job.Status.IsTerminal() {
		return domain.NewError(domain.ErrInvalidTransition, "job "+jobID+" is already terminal", nil)
	}
	if progress > 0 && progress < job.Progress {
		return domain.NewError(domain.ErrInvalidTransition, "progress may not decrease", nil)
	}

	job.Status = status
	if progress > job.Progress {
		job.Progress = progress
	}
	if message != "" {
		job.Message = message
	}
	job.UpdatedAt = time.Now()

	m.publish(job, events.KindStatus)
	return nil
}

// SetResult atomically writes the result envelope, transitions the job to a
// terminal state, sets progress to 100, and notifies subscribers.
func (m *Manager) SetResult(jobID string, result ResultEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return domain.NewError(domain.ErrUnknownTask, "unknown job: "+jobID, nil)
	}
	if job.Status.IsTerminal() {
		return domain.NewError(domain.ErrInvalidTransition, "job "+jobID+" is already terminal", nil)
	}

	job.Result = &result
	if result.Success {
		job.Status = StatusCompleted
	} else {
		job.Status = StatusError
	}
	job.Progress = 100
	job.UpdatedAt = time.Now()

	m.publish(job, events.KindTerminal)
	return nil
}

// GetJob returns a snapshot of the job, or false if unknown.
func (m *Manager) GetJob(jobID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return Snapshot{}, false
	}
	job.LastAccess = time.Now()
	return Snapshot(*job), true
}

// RateLimitedResult pairs a job snapshot with the caller's suggested next-poll wait.
type RateLimitedResult struct {
	Job           Snapshot
	SuggestedWait time.Duration
	Found         bool
}

// GetJobRateLimited computes the adaptive polling hint from §4.1.
// pushCapable forces the suggested wait to 0 regardless of job state.
func (m *Manager) GetJobRateLimited(jobID string, pushCapable bool) RateLimitedResult {
	snap, ok := m.GetJob(jobID)
	if !ok {
		return RateLimitedResult{Found: false}
	}
	if pushCapable {
		return RateLimitedResult{Job: snap, SuggestedWait: 0, Found: true}
	}
	return RateLimitedResult{Job: snap, SuggestedWait: suggestedWait(Status(snap.Status), snap.Progress), Found: true}
}

func suggestedWait(status Status, progress int) time.Duration {
	if status.IsTerminal() {
		return 0
	}
	switch {
	case status == StatusPending:
		return 1000 * time.Millisecond
	case progress < 50:
		return 800 * time.Millisecond
	case progress < 80:
		return 500 * time.Millisecond
	default:
		return 200 * time.Millisecond
	}
}

// PurgeTerminal removes terminal jobs whose last access is older than olderThan.
func (m *Manager) PurgeTerminal(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, job := range m.jobs {
		if job.Status.IsTerminal() && job.LastAccess.Before(cutoff) {
			delete(m.jobs, id)
			purged++
		}
	}
	return purged
}

// Count returns the number of jobs currently registered.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

func (m *Manager) publish(job *Job, kind events.Kind) {
	if m.notifier == nil {
		return
	}
	m.notifier.Publish(job.ID, job.ID, kind, ResultEnvelopeOrStatus(job))
}

// ResultEnvelopeOrStatus picks the payload to publish: the result envelope
// for terminal jobs, otherwise a lightweight status/progress snapshot.
func ResultEnvelopeOrStatus(job *Job) any {
	if job.Status.IsTerminal() && job.Result != nil {
		return *job.Result
	}
	return struct {
		Status   Status
		Progress int
		Message  string
	}{job.Status, job.Progress, job.Message}
}

// evictionLoop runs the LRU eviction sweep until Stop is called (§4.1
// Eviction). Non-terminal jobs are never evicted; once the registry
// exceeds maxJobs, the oldest-by-last-access terminal jobs are evicted
// first. If no terminal jobs remain and the registry is still over
// capacity, a high-water-mark condition persists silently until terminal
// jobs free up room — evicting a non-terminal job would violate §4.1.
func (m *Manager) evictionLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.evictOnce()
		}
	}
}

func (m *Manager) evictOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()

	over := len(m.jobs) - m.maxJobs
	if over <= 0 {
		return
	}

	type candidate struct {
		id         string
		lastAccess time.Time
	}
	var terminal []candidate
	for id, job := range m.jobs {
		if job.Status.IsTerminal() {
			terminal = append(terminal, candidate{id, job.LastAccess})
		}
	}
	// Oldest last-access first.
	for i := 0; i < len(terminal); i++ {
		for j := i + 1; j < len(terminal); j++ {
			if terminal[j].lastAccess.Before(terminal[i].lastAccess) {
				terminal[i], terminal[j] = terminal[j], terminal[i]
			}
		}
	}

	for i := 0; i < over && i < len(terminal); i++ {
		delete(m.jobs, terminal[i].id)
	}
}

// Drain stops the background eviction sweep and waits for it to exit,
// bounded by ctx (grounded on the teacher's engine.Drain(timeout) idiom).
func (m *Manager) Drain(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
