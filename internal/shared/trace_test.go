package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
}

func TestRunID_DefaultAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RunID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx = WithRunID(ctx, "run-1")
	if got := RunID(ctx); got != "run-1" {
		t.Fatalf("expected run-1, got %q", got)
	}
}

func TestSessionID_DefaultAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := SessionID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx = WithSessionID(ctx, "sess-1")
	if got := SessionID(ctx); got != "sess-1" {
		t.Fatalf("expected sess-1, got %q", got)
	}
}

func TestJobID_DefaultAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := JobID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx = WithJobID(ctx, "job-1")
	if got := JobID(ctx); got != "job-1" {
		t.Fatalf("expected job-1, got %q", got)
	}
}

func TestContextKeys_Independent(t *testing.T) {
	ctx := WithTraceID(context.Background(), "t")
	ctx = WithRunID(ctx, "r")
	ctx = WithSessionID(ctx, "s")
	ctx = WithJobID(ctx, "j")

	if TraceID(ctx) != "t" || RunID(ctx) != "r" || SessionID(ctx) != "s" || JobID(ctx) != "j" {
		t.Fatalf("expected independent values, got trace=%q run=%q session=%q job=%q",
			TraceID(ctx), RunID(ctx), SessionID(ctx), JobID(ctx))
	}
}

func TestNewTraceID_NewRunID_Unique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatal("expected distinct trace ids")
	}
	if NewRunID() == NewRunID() {
		t.Fatal("expected distinct run ids")
	}
}
