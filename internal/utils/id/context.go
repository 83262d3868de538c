package id

import "context"

type contextKey string

const (
	sessionKey contextKey = "runway_session_id"
	runKey     contextKey = "runway_run_id"
	userKey    contextKey = "runway_user_id"
	traceKey   contextKey = "runway_trace_id"
)

// IDs captures the identifiers propagated across request boundaries.
type IDs struct {
	SessionID string
	RunID     string
	UserID    string
	TraceID   string
}

// WithSessionID stores the provided session identifier on the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// WithRunID stores the current run identifier on the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runKey, runID)
}

// WithUserID stores the authenticated user identifier on the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, userID)
}

// WithTraceID stores the trace identifier on the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceKey, traceID)
}

// WithIDs stores any provided identifiers on the context.
func WithIDs(ctx context.Context, ids IDs) context.Context {
	ctx = WithSessionID(ctx, ids.SessionID)
	ctx = WithRunID(ctx, ids.RunID)
	ctx = WithUserID(ctx, ids.UserID)
	ctx = WithTraceID(ctx, ids.TraceID)
	return ctx
}

// SessionIDFromContext extracts the session identifier from context.
func SessionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if sessionID, ok := ctx.Value(sessionKey).(string); ok {
		return sessionID
	}
	return ""
}

// RunIDFromContext extracts the run identifier from context.
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if runID, ok := ctx.Value(runKey).(string); ok {
		return runID
	}
	return ""
}

// UserIDFromContext extracts the authenticated user identifier from context.
func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if userID, ok := ctx.Value(userKey).(string); ok {
		return userID
	}
	return ""
}

// TraceIDFromContext extracts the trace identifier from context.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if traceID, ok := ctx.Value(traceKey).(string); ok {
		return traceID
	}
	return ""
}

// IDsFromContext collects all known identifiers from the context.
func IDsFromContext(ctx context.Context) IDs {
	return IDs{
		SessionID: SessionIDFromContext(ctx),
		RunID:     RunIDFromContext(ctx),
		UserID:    UserIDFromContext(ctx),
		TraceID:   TraceIDFromContext(ctx),
	}
}

// EnsureRunID guarantees a run identifier is present on the context.
// It returns the updated context and the resulting identifier.
func EnsureRunID(ctx context.Context, generator func() string) (context.Context, string) {
	if existing := RunIDFromContext(ctx); existing != "" {
		return ctx, existing
	}
	next := ""
	if generator != nil {
		next = generator()
	}
	if next == "" {
		return ctx, ""
	}
	ctx = WithRunID(ctx, next)
	return ctx, next
}

// EnsureTraceID guarantees a trace identifier is present on the context.
func EnsureTraceID(ctx context.Context) (context.Context, string) {
	if existing := TraceIDFromContext(ctx); existing != "" {
		return ctx, existing
	}
	next := NewTraceID()
	return WithTraceID(ctx, next), next
}
