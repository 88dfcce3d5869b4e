package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type policyIDKey struct{}
type policyKindKey struct{}
type workerIDKey struct{}
type shardKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithPolicy attaches the policy identity being reduced to the context.
func WithPolicy(ctx context.Context, policyID, kind string) context.Context {
	ctx = context.WithValue(ctx, policyIDKey{}, policyID)
	return context.WithValue(ctx, policyKindKey{}, kind)
}

// PolicyID extracts policy_id from context. Returns "" if absent.
func PolicyID(ctx context.Context) string {
	if v, ok := ctx.Value(policyIDKey{}).(string); ok {
		return v
	}
	return ""
}

// PolicyKind extracts policy_kind from context. Returns "" if absent.
func PolicyKind(ctx context.Context) string {
	if v, ok := ctx.Value(policyKindKey{}).(string); ok {
		return v
	}
	return ""
}

// WithWorkerID attaches the engine worker identity (also the lease owner).
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey{}, workerID)
}

// WorkerID extracts worker_id from context. Returns "" if absent.
func WorkerID(ctx context.Context) string {
	if v, ok := ctx.Value(workerIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithShard attaches the engine shard index.
func WithShard(ctx context.Context, shard int) context.Context {
	return context.WithValue(ctx, shardKey{}, shard)
}

// Shard extracts the shard index (-1 if absent).
func Shard(ctx context.Context) int {
	if v, ok := ctx.Value(shardKey{}).(int); ok {
		return v
	}
	return -1
}

// NewWorkerID generates a new worker id.
func NewWorkerID() string {
	return uuid.NewString()
}
