package shared

import (
	"context"
	"testing"
)

func TestTraceID_Defaults(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("TraceID on empty context = %q, want \"-\"", got)
	}

	ctx = WithTraceID(ctx, "abc-123")
	if got := TraceID(ctx); got != "abc-123" {
		t.Fatalf("TraceID = %q, want abc-123", got)
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := Identity(ctx); got != "" {
		t.Fatalf("Identity on empty context = %q, want empty", got)
	}
	ctx = WithIdentity(ctx, "worker-1")
	if got := Identity(ctx); got != "worker-1" {
		t.Fatalf("Identity = %q, want worker-1", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	if a == "" || a == b {
		t.Fatalf("expected distinct non-empty trace IDs, got %q and %q", a, b)
	}
}

func TestTaskIDRoundTrip(t *testing.T) {
	ctx := WithTaskID(context.Background(), "jeopardy")
	if got := TaskID(ctx); got != "jeopardy" {
		t.Fatalf("TaskID = %q, want jeopardy", got)
	}
}
