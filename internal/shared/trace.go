// Package shared holds small cross-cutting helpers used by every component:
// context-propagated correlation ids and log/error redaction. Grounded on
// the teacher's internal/shared package of the same shape.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	traceKey ctxKey = iota
	runKey
	sessionKey
	jobKey
)

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithRunID attaches a run_id (one decomposition or execution attempt) to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey, runID)
}

// RunID extracts run_id from context. Returns "-" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runKey).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithSessionID attaches a decomposition session id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey, sessionID)
}

// SessionID extracts the session id from context. Returns "-" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKey).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithJobID attaches a background job id to the context.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobKey, jobID)
}

// JobID extracts the job id from context. Returns "-" if absent.
func JobID(ctx context.Context) string {
	if v, ok := ctx.Value(jobKey).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string { return uuid.NewString() }

// NewRunID generates a new run_id.
func NewRunID() string { return uuid.NewString() }
