package domain

import "context"

// PathValidationResult is returned by a PathValidator (§6).
type PathValidationResult struct {
	OK            bool
	Canonical     string
	ViolationType string
}

// PathValidator is consumed, not implemented, by the core: security
// path-whitelisting and data sanitization live outside this module's scope
// (§1 Explicitly out of scope). Any !OK result is a hard failure the core
// never retries (§6).
type PathValidator interface {
	Validate(ctx context.Context, path string, op string) (PathValidationResult, error)
}

// PRDParseResult is the structured artifact a PRD/Task-list parser returns.
type PRDParseResult struct {
	Title       string
	Description string
	Tasks       []string
}

// PRDParser is an external collaborator (§1, §6): markdown/PRD parsing is
// out of scope for the core, which only depends on this narrow interface.
type PRDParser interface {
	Parse(ctx context.Context, content string, path string) (PRDParseResult, error)
}
