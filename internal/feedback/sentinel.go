// Package feedback implements the Feedback Processor (C9): decoding of the
// Sentinel agent wire protocol and the help-request/blocker/retry logic
// that reacts to it. Grounded on internal/gateway/gateway.go's
// json.Unmarshal-into-a-params-struct-then-tagged-switch idiom for
// decoding an untrusted wire payload into one of several variants.
package feedback

import (
	"encoding/json"
	"strings"

	"github.com/basket/vibe-orchestrator/internal/domain"
)

// Kind is the tag of a Sentinel reply variant (§6).
type Kind string

const (
	KindCompleted Kind = "completed"
	KindNeedsHelp Kind = "needs_help"
	KindBlocked   Kind = "blocked"
	KindFailed    Kind = "failed"
)

func (k Kind) valid() bool {
	switch k {
	case KindCompleted, KindNeedsHelp, KindBlocked, KindFailed:
		return true
	default:
		return false
	}
}

// BlockerType classifies why an agent reports being blocked.
type BlockerType string

const (
	BlockerDependency    BlockerType = "dependency"
	BlockerResource      BlockerType = "resource"
	BlockerTechnical     BlockerType = "technical"
	BlockerClarification BlockerType = "clarification"
)

// CompletionDetails carries the optional free-form payload of a completed reply.
type CompletionDetails struct {
	Summary string         `json:"summary"`
	Output  map[string]any `json:"output"`
}

// HelpRequestDetails is the payload of a needs_help reply.
type HelpRequestDetails struct {
	IssueDescription   string   `json:"issue_description"`
	AttemptedSolutions []string `json:"attempted_solutions"`
	SpecificQuestions  []string `json:"specific_questions"`
}

// BlockerDetails is the payload of a blocked reply.
type BlockerDetails struct {
	BlockerType         BlockerType `json:"blocker_type"`
	Description         string      `json:"description"`
	SuggestedResolution string      `json:"suggested_resolution"`
}

// Reply is one parsed Sentinel wire message (§6).
type Reply struct {
	Kind    Kind   `json:"kind"`
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId"`
	Message string `json:"message,omitempty"`

	CompletionDetails *CompletionDetails  `json:"completion_details,omitempty"`
	HelpRequest       *HelpRequestDetails `json:"help_request,omitempty"`
	BlockerDetails    *BlockerDetails     `json:"blocker_details,omitempty"`
}

// ParseReply decodes a wire payload into a Reply. A malformed payload, an
// unrecognized kind, or a missing taskId/agentId is rejected with
// protocol_error (§6).
func ParseReply(raw []byte) (Reply, error) {
	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Reply{}, domain.NewError(domain.ErrProtocol, "malformed sentinel reply", err)
	}
	if !reply.Kind.valid() {
		return Reply{}, domain.NewError(domain.ErrProtocol, "unrecognized reply kind: "+string(reply.Kind), nil)
	}
	if reply.TaskID == "" || reply.AgentID == "" {
		return Reply{}, domain.NewError(domain.ErrProtocol, "taskId and agentId are required", nil)
	}
	return reply, nil
}

// inferImpact maps a blocker's free-text description to one of the four
// impact levels from §4.9: critical/urgent keywords escalate to critical,
// blocking/severe language to high, minor/cosmetic language down to low,
// otherwise medium.
func inferImpact(description string) string {
	lower := strings.ToLower(description)
	switch {
	case strings.Contains(lower, "critical") || strings.Contains(lower, "urgent"):
		return "critical"
	case strings.Contains(lower, "blocking") || strings.Contains(lower, "severe") || strings.Contains(lower, "blocks all"):
		return "high"
	case strings.Contains(lower, "minor") || strings.Contains(lower, "cosmetic"):
		return "low"
	default:
		return "medium"
	}
}
