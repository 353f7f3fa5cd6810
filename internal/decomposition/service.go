// Package decomposition implements the Decomposition Service (C7): a
// session-scoped front door for the RDD engine. It owns session lifecycle,
// cooperative cancellation, result retrieval, and export, grounded on
// internal/agent/registry.go's sync.RWMutex-guarded map of live state with a
// per-id context.CancelFunc (RunningAgent.cancel here becomes
// runningSession.cancel).
package decomposition

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/basket/vibe-orchestrator/internal/domain"
	"github.com/basket/vibe-orchestrator/internal/events"
	"github.com/basket/vibe-orchestrator/internal/rdd"
	"github.com/google/uuid"
)

// TaskPersister is the narrow storage surface this service needs: it saves
// each atomic leaf as soon as the RDD engine produces it, so results already
// on disk survive a later cancellation. Satisfied by storage.Adapter.
type TaskPersister interface {
	SaveTask(ctx context.Context, task domain.AtomicTask) error
}

// Request starts one decomposition run.
type Request struct {
	ProjectID string
	RootTask  domain.AtomicTask
	Context   rdd.ProjectContext
}

const defaultSessionTTL = 24 * time.Hour

// runningSession pairs a session's durable state with the live machinery
// needed to cancel it.
type runningSession struct {
	mu      sync.Mutex
	session domain.DecompositionSession
	cancel  context.CancelFunc
}

// Service runs and tracks decomposition sessions.
type Service struct {
	mu        sync.RWMutex
	sessions  map[string]*runningSession
	engine    *rdd.Engine
	notifier  *events.Notifier
	persister TaskPersister
}

// New constructs a Service. notifier and persister may both be nil; a nil
// persister means leaves are only ever visible through getResults.
func New(engine *rdd.Engine, notifier *events.Notifier, persister TaskPersister) *Service {
	return &Service{
		sessions:  make(map[string]*runningSession),
		engine:    engine,
		notifier:  notifier,
		persister: persister,
	}
}

// StartDecomposition accepts a request, creates a pending session, and runs
// the RDD engine against it in the background. The returned session is a
// snapshot taken at acceptance time; poll GetSession for progress (§4.7).
func (s *Service) StartDecomposition(ctx context.Context, req Request) domain.DecompositionSession {
	id := uuid.NewString()
	now := time.Now()
	session := domain.DecompositionSession{
		ID:         id,
		ProjectID:  req.ProjectID,
		RootTaskID: req.RootTask.ID,
		Status:     domain.SessionPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rs := &runningSession{session: session, cancel: cancel}

	s.mu.Lock()
	s.sessions[id] = rs
	s.mu.Unlock()

	go s.run(runCtx, rs, req)

	return session
}

func (s *Service) run(ctx context.Context, rs *runningSession, req Request) {
	rs.mu.Lock()
	rs.session.Status = domain.SessionInProgress
	rs.session.UpdatedAt = time.Now()
	sessionID := rs.session.ID
	rs.mu.Unlock()
	s.publish(sessionID, events.KindStatus, map[string]any{"status": domain.SessionInProgress})

	nodeCtx := rdd.WithNodeResultCallback(ctx, func(nr domain.NodeResult) {
		rs.mu.Lock()
		rs.session.NodeResults = append(rs.session.NodeResults, nr)
		rs.session.ProcessedTasks++
		// TotalTasks is only known in full once Decompose returns, but
		// invariant 6 (totalTasks >= processedTasks >= 0) must hold on
		// every intermediate snapshot too, so bump it alongside
		// processedTasks rather than leaving it at zero until terminal.
		if rs.session.TotalTasks < rs.session.ProcessedTasks {
			rs.session.TotalTasks = rs.session.ProcessedTasks
		}
		rs.session.UpdatedAt = time.Now()
		rs.mu.Unlock()
		s.publish(sessionID, events.KindProgress, map[string]any{"taskId": nr.TaskID, "isAtomic": nr.IsAtomic})

		if nr.IsAtomic && s.persister != nil {
			// Persist with a detached context: a leaf already produced by the
			// RDD engine must survive cancellation of the run that found it,
			// per the TaskPersister contract.
			if err := s.persister.SaveTask(context.Background(), nr.Task); err == nil {
				rs.mu.Lock()
				rs.session.PersistedTasks = append(rs.session.PersistedTasks, nr.Task.ID)
				rs.mu.Unlock()
			}
		}
	})

	result := s.engine.Decompose(nodeCtx, req.RootTask, req.Context)

	rs.mu.Lock()
	// Final reconciliation: already equal to ProcessedTasks from the
	// node-result callback above, but set explicitly so TotalTasks
	// reflects the actual leaf count rather than relying on the
	// callback having run for every node.
	rs.session.TotalTasks = len(rs.session.NodeResults)
	switch {
	case result.Err == rdd.ErrCancelled:
		rs.session.Status = domain.SessionFailed
		rs.session.Error = "Cancelled by user"
	case result.Err != nil:
		rs.session.Status = domain.SessionFailed
		rs.session.Error = result.Err.Error()
	case result.Partial:
		rs.session.Status = domain.SessionPartial
	default:
		rs.session.Status = domain.SessionCompleted
	}
	rs.session.UpdatedAt = time.Now()
	finalStatus := rs.session.Status
	rs.mu.Unlock()

	s.publish(sessionID, events.KindTerminal, map[string]any{"status": finalStatus})
}

func (s *Service) publish(sessionID string, kind events.Kind, payload any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(sessionID, "", kind, payload)
}

// GetSession returns a snapshot of a session's current state.
func (s *Service) GetSession(id string) (domain.DecompositionSession, bool) {
	s.mu.RLock()
	rs, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return domain.DecompositionSession{}, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.session, true
}

// CancelSession cooperatively cancels a session: it sets status to failed
// with reason "Cancelled by user" and signals the RDD engine to abort at the
// next atomicity check. Cancelling a terminal or unknown session is a no-op
// (§5 Cancellation semantics).
func (s *Service) CancelSession(id string) bool {
	s.mu.RLock()
	rs, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	rs.mu.Lock()
	if rs.session.Status.IsTerminal() {
		rs.mu.Unlock()
		return false
	}
	rs.mu.Unlock()

	rs.cancel()
	return true
}

// GetResults returns the atomic leaves produced so far for a session,
// derived from its recorded node results and persisted-task list.
func (s *Service) GetResults(id string) ([]string, bool) {
	s.mu.RLock()
	rs, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]string, len(rs.session.PersistedTasks))
	copy(out, rs.session.PersistedTasks)
	return out, true
}

// ExportSession serializes a session's full state to JSON.
func (s *Service) ExportSession(id string) ([]byte, bool) {
	session, ok := s.GetSession(id)
	if !ok {
		return nil, false
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return nil, false
	}
	return data, true
}

// CleanupSessions removes terminal sessions whose last update is older than
// olderThan, returning the number removed. Non-terminal sessions are never
// evicted regardless of age.
func (s *Service) CleanupSessions(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rs := range s.sessions {
		rs.mu.Lock()
		terminal := rs.session.Status.IsTerminal()
		stale := rs.session.UpdatedAt.Before(cutoff)
		rs.mu.Unlock()
		if terminal && stale {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// DefaultSessionTTL is the retention window applied by a periodic
// CleanupSessions sweep when the caller has no more specific policy (§3:
// "retained for at least the configured TTL (default 24h) then evictable").
func DefaultSessionTTL() time.Duration { return defaultSessionTTL }
