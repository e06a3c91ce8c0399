package shared

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type traceKey struct{}
type agentIDKey struct{}
type userIDKey struct{}
type runIDKey struct{}
type meetingIDKey struct{}

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

// WithAgentID attaches an agent_id to the context.
func WithAgentID(ctx context.Context, agentID int64) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// AgentID extracts agent_id from context. Returns 0 if absent.
func AgentID(ctx context.Context) int64 {
	if v, ok := ctx.Value(agentIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// WithUserID attaches the external user identity to the context.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserID extracts user_id from context. Returns 0 if absent.
func UserID(ctx context.Context) int64 {
	if v, ok := ctx.Value(userIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// WithMeetingID attaches a meeting id to the context.
func WithMeetingID(ctx context.Context, meetingID int64) context.Context {
	return context.WithValue(ctx, meetingIDKey{}, meetingID)
}

// MeetingID extracts meeting id (0 if absent).
func MeetingID(ctx context.Context) int64 {
	if v, ok := ctx.Value(meetingIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// CubicleKey renders the canonical (agent, user) key used for per-key
// serialization and log fields.
func CubicleKey(agentID, userID int64) string {
	return fmt.Sprintf("%d/%d", agentID, userID)
}
