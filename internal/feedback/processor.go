package feedback

import (
	"sync"
	"time"

	"github.com/basket/vibe-orchestrator/internal/domain"
	"github.com/basket/vibe-orchestrator/internal/events"
	"github.com/basket/vibe-orchestrator/internal/execution"
	"github.com/google/uuid"
)

// ExecutionSink is the narrow slice of the Execution Engine the Feedback
// Processor needs: resolving a task to its execution, reading an
// execution's terminal status, finalizing it, resubmitting on retry, and
// reading an agent's own successRate for the performance score.
type ExecutionSink interface {
	FindExecutionByTaskID(taskID execution.TaskId) (execution.ExecutionId, bool)
	GetExecution(id execution.ExecutionId) (execution.Execution, bool)
	CompleteExecution(id execution.ExecutionId, result execution.ResultEnvelope) error
	SubmitTask(task domain.AtomicTask) (execution.ExecutionId, error)
	GetAgent(id execution.AgentId) (domain.Agent, bool)
}

const (
	DefaultMaxHelpRequests        = 3
	DefaultHelpRequestTTL         = time.Hour
	DefaultBlockerEscalationDelay = 30 * time.Minute
	defaultReferenceThroughput    = 10.0
	defaultReferenceHelpRate      = 5.0
	defaultReferenceBlockerRate   = 5.0
)

// Config controls the thresholds named in §4.9.
type Config struct {
	MaxHelpRequests        int
	HelpRequestTTL         time.Duration
	BlockerEscalationDelay time.Duration
	AutoRetryFailedTasks   bool
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.MaxHelpRequests <= 0 {
		cfg.MaxHelpRequests = DefaultMaxHelpRequests
	}
	if cfg.HelpRequestTTL <= 0 {
		cfg.HelpRequestTTL = DefaultHelpRequestTTL
	}
	if cfg.BlockerEscalationDelay <= 0 {
		cfg.BlockerEscalationDelay = DefaultBlockerEscalationDelay
	}
	return cfg
}

// HelpRequest is an open ask for assistance raised by an agent.
type HelpRequest struct {
	ID                 string
	TaskID             string
	AgentID            string
	IssueDescription   string
	AttemptedSolutions []string
	SpecificQuestions  []string
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

func (h HelpRequest) expired(now time.Time) bool { return now.After(h.ExpiresAt) }

// Blocker is an open obstruction an agent has reported.
type Blocker struct {
	ID                  string
	TaskID              string
	AgentID             string
	BlockerType         BlockerType
	Description         string
	SuggestedResolution string
	Impact              string
	CreatedAt           time.Time
	EscalateAt          time.Time
	Escalated           bool
}

// agentStats accumulates the raw counters the performance score (§4.9) is
// derived from; successRate itself is read from the agent record the
// Execution Engine owns rather than duplicated here.
type agentStats struct {
	completedCount int
	failedCount    int
	helpRequests   int
	blockers       int
}

// Processor ingests Sentinel replies and reacts per §4.9.
type Processor struct {
	mu sync.Mutex

	cfg      Config
	sink     ExecutionSink
	notifier *events.Notifier

	helpRequests map[string][]*HelpRequest // by agentID
	blockers     map[string]*Blocker       // by blocker ID
	stats        map[string]*agentStats    // by agentID

	retried map[string]bool // taskID -> already auto-retried once
}

// New constructs a Processor. notifier may be nil to disable escalation events.
func New(cfg Config, sink ExecutionSink, notifier *events.Notifier) *Processor {
	return &Processor{
		cfg:          applyConfigDefaults(cfg),
		sink:         sink,
		notifier:     notifier,
		helpRequests: make(map[string][]*HelpRequest),
		blockers:     make(map[string]*Blocker),
		stats:        make(map[string]*agentStats),
		retried:      make(map[string]bool),
	}
}

func (p *Processor) publish(key string, kind events.Kind, payload any) {
	if p.notifier == nil {
		return
	}
	p.notifier.Publish(key, "", kind, payload)
}

func (p *Processor) statsFor(agentID string) *agentStats {
	s, ok := p.stats[agentID]
	if !ok {
		s = &agentStats{}
		p.stats[agentID] = s
	}
	return s
}

// Process ingests one parsed Sentinel reply and applies §4.9's per-kind
// reaction. A reply naming an unknown task is rejected with unknown_task; a
// reply for an already-terminal execution is rejected with
// invalid_state_transition and leaves agent metrics untouched (§8 boundary
// behavior).
func (p *Processor) Process(reply Reply) error {
	taskID, err := execution.NewTaskId(reply.TaskID)
	if err != nil {
		return err
	}
	execID, ok := p.sink.FindExecutionByTaskID(taskID)
	if !ok {
		return domain.NewError(domain.ErrUnknownTask, "no execution found for task "+reply.TaskID, nil)
	}
	ex, ok := p.sink.GetExecution(execID)
	if !ok {
		return domain.NewError(domain.ErrUnknownTask, "execution vanished for task "+reply.TaskID, nil)
	}
	if ex.Status.IsTerminal() {
		return domain.NewError(domain.ErrInvalidTransition, "execution is already terminal", nil)
	}

	switch reply.Kind {
	case KindCompleted:
		return p.handleCompleted(execID, reply)
	case KindNeedsHelp:
		return p.handleNeedsHelp(reply)
	case KindBlocked:
		return p.handleBlocked(reply)
	case KindFailed:
		return p.handleFailed(execID, ex, reply)
	default:
		return domain.NewError(domain.ErrProtocol, "unreachable: unrecognized reply kind", nil)
	}
}

func (p *Processor) handleCompleted(execID execution.ExecutionId, reply Reply) error {
	var output map[string]any
	if reply.CompletionDetails != nil {
		output = reply.CompletionDetails.Output
	}
	if err := p.sink.CompleteExecution(execID, execution.ResultEnvelope{Success: true, Output: output}); err != nil {
		return err
	}
	p.mu.Lock()
	p.statsFor(reply.AgentID).completedCount++
	p.mu.Unlock()
	p.publish(reply.AgentID, events.KindStatus, map[string]any{"event": "nextTaskRecommendation", "agentId": reply.AgentID})
	return nil
}

func (p *Processor) handleNeedsHelp(reply Reply) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.pruneExpiredHelpRequestsLocked(reply.AgentID, now)

	hr := &HelpRequest{
		ID:        uuid.NewString(),
		TaskID:    reply.TaskID,
		AgentID:   reply.AgentID,
		CreatedAt: now,
		ExpiresAt: now.Add(p.cfg.HelpRequestTTL),
	}
	if reply.HelpRequest != nil {
		hr.IssueDescription = reply.HelpRequest.IssueDescription
		hr.AttemptedSolutions = reply.HelpRequest.AttemptedSolutions
		hr.SpecificQuestions = reply.HelpRequest.SpecificQuestions
	}
	p.helpRequests[reply.AgentID] = append(p.helpRequests[reply.AgentID], hr)
	p.statsFor(reply.AgentID).helpRequests++

	open := len(p.helpRequests[reply.AgentID])
	if open > p.cfg.MaxHelpRequests {
		p.publish(reply.AgentID, events.KindStatus, map[string]any{
			"event": "helpRequestsEscalated", "agentId": reply.AgentID, "openCount": open,
		})
	}
	return nil
}

func (p *Processor) pruneExpiredHelpRequestsLocked(agentID string, now time.Time) {
	open := p.helpRequests[agentID]
	kept := open[:0]
	for _, hr := range open {
		if !hr.expired(now) {
			kept = append(kept, hr)
		}
	}
	p.helpRequests[agentID] = kept
}

func (p *Processor) handleBlocked(reply Reply) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	blocker := &Blocker{
		ID:        uuid.NewString(),
		TaskID:    reply.TaskID,
		AgentID:   reply.AgentID,
		CreatedAt: now,
	}
	description := reply.Message
	if reply.BlockerDetails != nil {
		blocker.BlockerType = reply.BlockerDetails.BlockerType
		blocker.Description = reply.BlockerDetails.Description
		blocker.SuggestedResolution = reply.BlockerDetails.SuggestedResolution
		description = reply.BlockerDetails.Description
	}
	blocker.Impact = inferImpact(description)
	p.blockers[blocker.ID] = blocker
	p.statsFor(reply.AgentID).blockers++

	if blocker.Impact == "high" || blocker.Impact == "critical" {
		blocker.EscalateAt = now.Add(p.cfg.BlockerEscalationDelay)
	}
	return nil
}

// CheckBlockerEscalations publishes an escalation event for every
// high/critical blocker whose escalation delay has elapsed and that has not
// yet escalated. Intended to be called periodically by the process entry
// point's sweep ticker (§4.9 "schedule escalation").
func (p *Processor) CheckBlockerEscalations(now time.Time) {
	p.mu.Lock()
	var toEscalate []*Blocker
	for _, b := range p.blockers {
		if b.Escalated || b.EscalateAt.IsZero() || now.Before(b.EscalateAt) {
			continue
		}
		b.Escalated = true
		toEscalate = append(toEscalate, b)
	}
	p.mu.Unlock()

	for _, b := range toEscalate {
		p.publish(b.AgentID, events.KindStatus, map[string]any{
			"event": "blockerEscalated", "blockerId": b.ID, "agentId": b.AgentID, "impact": b.Impact,
		})
	}
}

func (p *Processor) handleFailed(execID execution.ExecutionId, ex execution.Execution, reply Reply) error {
	if err := p.sink.CompleteExecution(execID, execution.ResultEnvelope{Success: false, Error: reply.Message}); err != nil {
		return err
	}
	p.mu.Lock()
	p.statsFor(reply.AgentID).failedCount++
	alreadyRetried := p.retried[reply.TaskID]
	if p.cfg.AutoRetryFailedTasks && !alreadyRetried {
		p.retried[reply.TaskID] = true
	}
	shouldRetry := p.cfg.AutoRetryFailedTasks && !alreadyRetried
	p.mu.Unlock()

	if shouldRetry {
		if _, err := p.sink.SubmitTask(ex.Task); err != nil {
			return err
		}
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// PerformanceScore computes §4.9's weighted score for one agent:
// 0.4*successRate + 0.3*normalizedThroughput + 0.2*(1-normalizedHelpRate) +
// 0.1*(1-normalizedBlockerRate), each component clamped to [0,1].
// successRate is read from the agent record the Execution Engine owns;
// the remaining components are derived from replies this processor has seen.
func (p *Processor) PerformanceScore(agentID execution.AgentId) float64 {
	agent, ok := p.sink.GetAgent(agentID)
	successRate := 0.0
	if ok {
		successRate = agent.Metadata.SuccessRate
	}

	p.mu.Lock()
	s := p.statsFor(string(agentID))
	completed := s.completedCount
	helpRequests := s.helpRequests
	blockers := s.blockers
	p.mu.Unlock()

	normalizedThroughput := clamp01(float64(completed) / defaultReferenceThroughput)
	normalizedHelpRate := clamp01(float64(helpRequests) / defaultReferenceHelpRate)
	normalizedBlockerRate := clamp01(float64(blockers) / defaultReferenceBlockerRate)

	return 0.4*clamp01(successRate) +
		0.3*normalizedThroughput +
		0.2*(1-normalizedHelpRate) +
		0.1*(1-normalizedBlockerRate)
}

// OpenHelpRequests returns the currently open help requests for an agent.
func (p *Processor) OpenHelpRequests(agentID string) []HelpRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneExpiredHelpRequestsLocked(agentID, time.Now())
	out := make([]HelpRequest, len(p.helpRequests[agentID]))
	for i, hr := range p.helpRequests[agentID] {
		out[i] = *hr
	}
	return out
}

// OpenBlockers returns a snapshot of every tracked blocker.
func (p *Processor) OpenBlockers() []Blocker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Blocker, 0, len(p.blockers))
	for _, b := range p.blockers {
		out = append(out, *b)
	}
	return out
}
