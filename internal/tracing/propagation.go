package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.UserID != "" {
		logger = logger.With().Str("user_id", tc.UserID).Logger()
	}
	if tc.ConversationID != "" {
		logger = logger.With().Str("conversation_id", tc.ConversationID).Logger()
	}
	if tc.CallID != "" {
		logger = logger.With().Str("call_id", tc.CallID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext merges tracing information from source context into target context
// Useful when you need to combine contexts from different sources
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.UserID != "" && GetUserID(target) == "" {
		target = WithUserID(target, tc.UserID)
	}
	if tc.ConversationID != "" && GetConversationID(target) == "" {
		target = WithConversationID(target, tc.ConversationID)
	}
	if tc.CallID != "" && GetCallID(target) == "" {
		target = WithCallID(target, tc.CallID)
	}

	return target
}

// CloneContext creates a new context with the same tracing information
// but detached from the parent's cancellation. Useful for audit writes
// that must outlive a cancelled call.
func CloneContext(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	return NewContext(context.Background(), tc)
}
