package shared

import (
	"context"
	"testing"
)

func TestTraceID_Default(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
	if got := TraceID(WithTraceID(context.Background(), "")); got != "-" {
		t.Fatalf("empty trace id should read as -, got %q", got)
	}
}

func TestPolicy_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if PolicyID(ctx) != "" || PolicyKind(ctx) != "" {
		t.Fatal("expected empty policy identity")
	}
	ctx = WithPolicy(ctx, "p-1", "retry-threshold")
	if got := PolicyID(ctx); got != "p-1" {
		t.Fatalf("expected p-1, got %q", got)
	}
	if got := PolicyKind(ctx); got != "retry-threshold" {
		t.Fatalf("expected retry-threshold, got %q", got)
	}
}

func TestShard_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := Shard(ctx); got != -1 {
		t.Fatalf("expected -1, got %d", got)
	}
	ctx = WithShard(ctx, 3)
	if got := Shard(ctx); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestWorkerID_RoundTrip(t *testing.T) {
	ctx := WithWorkerID(context.Background(), "w-1")
	if got := WorkerID(ctx); got != "w-1" {
		t.Fatalf("expected w-1, got %q", got)
	}
	if NewWorkerID() == NewWorkerID() {
		t.Fatal("worker ids should be unique")
	}
}
