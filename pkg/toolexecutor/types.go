package toolexecutor

import (
	"context"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/fireflyresearch/firefly-desk/internal/observability"
)

// Audit event types emitted around each call
const (
	EventToolCall   = "TOOL_CALL"
	EventToolResult = "TOOL_RESULT"
)

// Identity identifies the caller on whose behalf tools are invoked.
// Callers must supply it explicitly; there is no session introspection.
type Identity struct {
	UserID         string
	ConversationID string
}

// RequestSpec carries the data needed to build one HTTP request
type RequestSpec struct {
	PathParams map[string]interface{} `json:"path,omitempty"`
	Query      map[string]interface{} `json:"query,omitempty"`
	Body       interface{}            `json:"body,omitempty"`
}

// ClassificationHint tells the batch classifier how to treat a call.
// Method is an uppercase HTTP verb; empty defaults to POST. SystemKey
// groups calls that target the same system; empty falls back to the
// endpoint id, which conservatively treats the call as its own system.
type ClassificationHint struct {
	Method    string `json:"method,omitempty"`
	SystemKey string `json:"system_key,omitempty"`
}

// ToolCall is one external-API invocation requested by the agent
type ToolCall struct {
	CallID     string             `json:"call_id"`
	ToolName   string             `json:"tool_name"`
	EndpointID string             `json:"endpoint_id"`
	Request    RequestSpec        `json:"request"`
	Hint       ClassificationHint `json:"hint"`

	// Details is the argument payload recorded in the audit trail
	Details map[string]interface{} `json:"details,omitempty"`
}

// ToolResult is the outcome of one tool call
type ToolResult struct {
	CallID     string      `json:"call_id"`
	ToolName   string      `json:"tool_name"`
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMS float64     `json:"duration_ms"`
	StatusCode *int        `json:"status_code,omitempty"`
}

// AuditRecorder is the collaborator that persists audit events. The
// observability package provides the production implementation.
type AuditRecorder interface {
	Record(ctx context.Context, event observability.AuditEvent)
}

// CallFromArguments builds a typed ToolCall from the generic argument
// map contract used by conversation-layer callers. Reserved keys:
// "_method" and "_system_id" become the classification hint, "path",
// "query" and "body" become the request spec. Every key starting with
// "_" is excluded from the audit detail payload. A blank callID gets a
// generated id.
func CallFromArguments(callID, toolName, endpointID string, args map[string]interface{}) ToolCall {
	if callID == "" {
		callID, _ = gonanoid.New()
	}

	call := ToolCall{
		CallID:     callID,
		ToolName:   toolName,
		EndpointID: endpointID,
		Details:    make(map[string]interface{}),
	}

	for key, value := range args {
		switch key {
		case "_method":
			if method, ok := value.(string); ok {
				call.Hint.Method = strings.ToUpper(method)
			}
		case "_system_id":
			if systemID, ok := value.(string); ok {
				call.Hint.SystemKey = systemID
			}
		case "path":
			if params, ok := value.(map[string]interface{}); ok {
				call.Request.PathParams = params
			}
		case "query":
			if params, ok := value.(map[string]interface{}); ok {
				call.Request.Query = params
			}
		case "body":
			call.Request.Body = value
		}

		if !strings.HasPrefix(key, "_") {
			call.Details[key] = value
		}
	}

	return call
}

func intPtr(v int) *int {
	return &v
}
