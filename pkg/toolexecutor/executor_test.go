package toolexecutor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fireflyresearch/firefly-desk/internal/observability"
	"github.com/fireflyresearch/firefly-desk/pkg/authresolver"
	"github.com/fireflyresearch/firefly-desk/pkg/catalog"
)

// recordingAudit captures audit events for assertions
type recordingAudit struct {
	mu     sync.Mutex
	events []observability.AuditEvent
}

func (r *recordingAudit) Record(_ context.Context, event observability.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingAudit) byType(eventType string) []observability.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []observability.AuditEvent
	for _, event := range r.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

// concurrencyTracker records the high-water mark of in-flight requests
type concurrencyTracker struct {
	mu       sync.Mutex
	inFlight int
	peak     int
}

func (c *concurrencyTracker) enter() {
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.peak {
		c.peak = c.inFlight
	}
	c.mu.Unlock()
}

func (c *concurrencyTracker) leave() {
	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
}

func (c *concurrencyTracker) max() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

func testIdentity() Identity {
	return Identity{UserID: "user-1", ConversationID: "conv-1"}
}

// newTestExecutor wires an executor over an in-memory catalog with one
// system pointing at baseURL.
func newTestExecutor(baseURL string) (*ToolExecutor, *catalog.MemoryStore, *recordingAudit) {
	store := catalog.NewMemoryStore()
	store.AddSystem(&catalog.System{
		ID:      "crm",
		BaseURL: baseURL,
		Auth:    catalog.AuthConfig{Type: catalog.AuthNone},
	})

	audit := &recordingAudit{}
	executor := New(store, authresolver.New(store), audit)
	return executor, store, audit
}

func TestExecuteParallel_EmptyInput(t *testing.T) {
	executor, _, _ := newTestExecutor("https://api.example.com")

	results := executor.ExecuteParallel(context.Background(), testIdentity(), nil)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestExecuteSingle_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"users": [{"id": 1}]}`))
	}))
	defer server.Close()

	executor, store, audit := newTestExecutor(server.URL)
	store.AddEndpoint(&catalog.Endpoint{
		ID: "list-users", SystemID: "crm", Method: "GET", Path: "/users", TimeoutSeconds: 5,
	})

	result := executor.ExecuteSingle(context.Background(), testIdentity(), ToolCall{
		CallID:     "c1",
		ToolName:   "list_users",
		EndpointID: "list-users",
	})

	assert.True(t, result.Success)
	assert.Equal(t, "c1", result.CallID)
	assert.Equal(t, "list_users", result.ToolName)
	require.NotNil(t, result.StatusCode)
	assert.Equal(t, http.StatusOK, *result.StatusCode)
	assert.Empty(t, result.Error)
	assert.GreaterOrEqual(t, result.DurationMS, 0.0)

	data, ok := result.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, data, "users")

	require.Len(t, audit.byType(EventToolCall), 1)
	require.Len(t, audit.byType(EventToolResult), 1)

	pre := audit.byType(EventToolCall)[0]
	assert.Equal(t, "user-1", pre.Actor)
	assert.Equal(t, "GET /users", pre.Action)
	assert.Equal(t, "crm", pre.Metadata["system_id"])

	post := audit.byType(EventToolResult)[0]
	assert.Equal(t, "success", post.Status)
}

func TestExecuteSingle_UnknownEndpoint(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		requests++
	}))
	defer server.Close()

	executor, _, audit := newTestExecutor(server.URL)

	result := executor.ExecuteSingle(context.Background(), testIdentity(), ToolCall{
		CallID: "c1", ToolName: "ghost", EndpointID: "ep-ghost",
	})

	assert.False(t, result.Success)
	assert.Nil(t, result.StatusCode)
	assert.Contains(t, result.Error, "ep-ghost")
	assert.Contains(t, result.Error, "not found")
	assert.Zero(t, requests, "no HTTP request may be attempted")
	assert.Empty(t, audit.byType(EventToolCall), "no audit before the catalog lookup succeeds")
}

func TestExecuteSingle_UnknownSystem(t *testing.T) {
	executor, store, _ := newTestExecutor("https://api.example.com")
	store.AddEndpoint(&catalog.Endpoint{
		ID: "orphan", SystemID: "ghost-system", Method: "GET", Path: "/x",
	})

	result := executor.ExecuteSingle(context.Background(), testIdentity(), ToolCall{
		CallID: "c1", EndpointID: "orphan",
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "ghost-system")
	assert.Contains(t, result.Error, "not found")
}

func TestExecuteSingle_AuthFailureSkipsHTTP(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		requests++
	}))
	defer server.Close()

	store := catalog.NewMemoryStore()
	store.AddSystem(&catalog.System{
		ID:      "crm",
		BaseURL: server.URL,
		Auth:    catalog.AuthConfig{Type: catalog.AuthBearer, CredentialID: "cred-missing"},
	})
	store.AddEndpoint(&catalog.Endpoint{
		ID: "list-users", SystemID: "crm", Method: "GET", Path: "/users",
	})

	audit := &recordingAudit{}
	executor := New(store, authresolver.New(store), audit)

	result := executor.ExecuteSingle(context.Background(), testIdentity(), ToolCall{
		CallID: "c1", EndpointID: "list-users",
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "Auth resolution failed:")
	assert.Nil(t, result.StatusCode)
	assert.Zero(t, requests)

	// The pre-call event was already recorded before auth ran
	assert.Len(t, audit.byType(EventToolCall), 1)
	assert.Empty(t, audit.byType(EventToolResult))
}

func TestExecuteSingle_PathAndQuery(t *testing.T) {
	var gotPath, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("expand")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	executor, store, _ := newTestExecutor(server.URL)
	store.AddEndpoint(&catalog.Endpoint{
		ID: "get-item", SystemID: "crm", Method: "GET", Path: "/orders/{orderId}/items/{itemId}",
	})

	result := executor.ExecuteSingle(context.Background(), testIdentity(), ToolCall{
		CallID:     "c1",
		EndpointID: "get-item",
		Request: RequestSpec{
			PathParams: map[string]interface{}{"orderId": "42", "itemId": 7},
			Query:      map[string]interface{}{"expand": "true"},
		},
	})

	assert.True(t, result.Success)
	assert.Equal(t, "/orders/42/items/7", gotPath)
	assert.Equal(t, "true", gotQuery)
}

func TestExecuteSingle_JSONBody(t *testing.T) {
	var gotContentType string
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": "ord-1"}`))
	}))
	defer server.Close()

	executor, store, _ := newTestExecutor(server.URL)
	store.AddEndpoint(&catalog.Endpoint{
		ID: "create-order", SystemID: "crm", Method: "POST", Path: "/orders",
	})

	result := executor.ExecuteSingle(context.Background(), testIdentity(), ToolCall{
		CallID:     "c1",
		EndpointID: "create-order",
		Request:    RequestSpec{Body: map[string]interface{}{"sku": "A-1", "qty": 2}},
	})

	assert.True(t, result.Success)
	require.NotNil(t, result.StatusCode)
	assert.Equal(t, http.StatusCreated, *result.StatusCode)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "A-1", gotBody["sku"])
}

func TestExecuteSingle_HTTPErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message": "boom"}`))
	}))
	defer server.Close()

	executor, store, audit := newTestExecutor(server.URL)
	store.AddEndpoint(&catalog.Endpoint{
		ID: "list-users", SystemID: "crm", Method: "GET", Path: "/users",
	})

	result := executor.ExecuteSingle(context.Background(), testIdentity(), ToolCall{
		CallID: "c1", EndpointID: "list-users",
	})

	assert.False(t, result.Success)
	assert.Equal(t, "HTTP 500", result.Error)
	require.NotNil(t, result.StatusCode)
	assert.Equal(t, http.StatusInternalServerError, *result.StatusCode)

	// Body is still parsed and returned
	data, ok := result.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "boom", data["message"])

	post := audit.byType(EventToolResult)
	require.Len(t, post, 1)
	assert.Equal(t, "failure", post[0].Status)
}

func TestExecuteSingle_NonJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("plain text response"))
	}))
	defer server.Close()

	executor, store, _ := newTestExecutor(server.URL)
	store.AddEndpoint(&catalog.Endpoint{
		ID: "list-users", SystemID: "crm", Method: "GET", Path: "/users",
	})

	result := executor.ExecuteSingle(context.Background(), testIdentity(), ToolCall{
		CallID: "c1", EndpointID: "list-users",
	})

	assert.True(t, result.Success)
	assert.Equal(t, "plain text response", result.Data)
}

func TestExecuteSingle_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	executor, store, _ := newTestExecutor(server.URL)
	store.AddEndpoint(&catalog.Endpoint{
		ID: "slow", SystemID: "crm", Method: "GET", Path: "/slow",
	})
	executor.SetHTTPClient(&http.Client{Timeout: 50 * time.Millisecond})

	result := executor.ExecuteSingle(context.Background(), testIdentity(), ToolCall{
		CallID: "c1", EndpointID: "slow",
	})

	assert.False(t, result.Success)
	assert.Equal(t, "Request timed out", result.Error)
	assert.Nil(t, result.StatusCode)
}

func TestExecuteSingle_BodySchemaValidation(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		requests++
	}))
	defer server.Close()

	executor, store, _ := newTestExecutor(server.URL)
	store.AddEndpoint(&catalog.Endpoint{
		ID: "create-order", SystemID: "crm", Method: "POST", Path: "/orders",
		BodySchema: json.RawMessage(`{
			"type": "object",
			"required": ["sku"],
			"properties": {"sku": {"type": "string"}}
		}`),
	})

	result := executor.ExecuteSingle(context.Background(), testIdentity(), ToolCall{
		CallID:     "c1",
		EndpointID: "create-order",
		Request:    RequestSpec{Body: map[string]interface{}{"qty": 2}},
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "Body validation failed")
	assert.Zero(t, requests)
}

func TestExecuteParallel_OneResultPerCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	executor, store, _ := newTestExecutor(server.URL)
	store.AddEndpoint(&catalog.Endpoint{
		ID: "list-users", SystemID: "crm", Method: "GET", Path: "/users",
	})
	store.AddEndpoint(&catalog.Endpoint{
		ID: "create-order", SystemID: "crm", Method: "POST", Path: "/orders",
	})

	calls := []ToolCall{
		{CallID: "c1", EndpointID: "list-users", Hint: ClassificationHint{Method: "GET", SystemKey: "crm"}},
		{CallID: "c2", EndpointID: "create-order", Hint: ClassificationHint{Method: "POST", SystemKey: "crm"}},
		{CallID: "c3", EndpointID: "create-order", Hint: ClassificationHint{Method: "POST", SystemKey: "crm"}},
		{CallID: "c4", EndpointID: "ep-unknown", Hint: ClassificationHint{Method: "GET", SystemKey: "crm"}},
	}

	results := executor.ExecuteParallel(context.Background(), testIdentity(), calls)
	require.Len(t, results, len(calls))

	seen := make(map[string]ToolResult, len(results))
	for _, result := range results {
		seen[result.CallID] = result
	}
	for _, c := range calls {
		_, ok := seen[c.CallID]
		assert.True(t, ok, "missing result for %s", c.CallID)
	}
	assert.True(t, seen["c1"].Success)
	assert.False(t, seen["c4"].Success)
}

func TestExecuteParallel_SameSystemWritesNeverOverlap(t *testing.T) {
	tracker := &concurrencyTracker{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		tracker.enter()
		time.Sleep(30 * time.Millisecond)
		tracker.leave()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	executor, store, _ := newTestExecutor(server.URL)
	store.AddEndpoint(&catalog.Endpoint{
		ID: "create-order", SystemID: "crm", Method: "POST", Path: "/orders",
	})

	calls := []ToolCall{
		{CallID: "w1", EndpointID: "create-order", Hint: ClassificationHint{Method: "POST", SystemKey: "crm"}},
		{CallID: "w2", EndpointID: "create-order", Hint: ClassificationHint{Method: "POST", SystemKey: "crm"}},
		{CallID: "w3", EndpointID: "create-order", Hint: ClassificationHint{Method: "POST", SystemKey: "crm"}},
	}

	results := executor.ExecuteParallel(context.Background(), testIdentity(), calls)
	require.Len(t, results, 3)
	assert.Equal(t, 1, tracker.max(), "writes to one system must not overlap")
}

func TestExecuteParallel_BoundedConcurrency(t *testing.T) {
	tracker := &concurrencyTracker{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		tracker.enter()
		time.Sleep(30 * time.Millisecond)
		tracker.leave()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	store := catalog.NewMemoryStore()
	store.AddSystem(&catalog.System{ID: "crm", BaseURL: server.URL, Auth: catalog.AuthConfig{Type: catalog.AuthNone}})
	store.AddEndpoint(&catalog.Endpoint{ID: "list-users", SystemID: "crm", Method: "GET", Path: "/users"})

	executor := NewWithLimit(store, authresolver.New(store), &recordingAudit{}, 2)

	var calls []ToolCall
	for i := 0; i < 6; i++ {
		calls = append(calls, ToolCall{
			CallID:     string(rune('a' + i)),
			EndpointID: "list-users",
			Hint:       ClassificationHint{Method: "GET", SystemKey: "crm"},
		})
	}

	results := executor.ExecuteParallel(context.Background(), testIdentity(), calls)
	require.Len(t, results, 6)
	assert.LessOrEqual(t, tracker.max(), 2)
}

func TestExecuteParallel_CancelledContext(t *testing.T) {
	executor, store, _ := newTestExecutor("https://api.example.com")
	store.AddEndpoint(&catalog.Endpoint{ID: "list-users", SystemID: "crm", Method: "GET", Path: "/users"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := []ToolCall{
		{CallID: "c1", EndpointID: "list-users", Hint: ClassificationHint{Method: "GET", SystemKey: "crm"}},
		{CallID: "c2", EndpointID: "list-users", Hint: ClassificationHint{Method: "POST", SystemKey: "crm"}},
		{CallID: "c3", EndpointID: "list-users", Hint: ClassificationHint{Method: "POST", SystemKey: "crm"}},
	}

	results := executor.ExecuteParallel(ctx, testIdentity(), calls)
	require.Len(t, results, 3)
	for _, result := range results {
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "cancelled")
	}
}

func TestExecuteSequential_RunsInSubmissionOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	executor, store, _ := newTestExecutor(server.URL)
	store.AddEndpoint(&catalog.Endpoint{ID: "a", SystemID: "crm", Method: "POST", Path: "/a"})
	store.AddEndpoint(&catalog.Endpoint{ID: "b", SystemID: "crm", Method: "POST", Path: "/b"})
	store.AddEndpoint(&catalog.Endpoint{ID: "c", SystemID: "crm", Method: "GET", Path: "/c"})

	calls := []ToolCall{
		{CallID: "c1", EndpointID: "b"},
		{CallID: "c2", EndpointID: "a"},
		{CallID: "c3", EndpointID: "c"},
	}

	results := executor.ExecuteSequential(context.Background(), testIdentity(), calls)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"/b", "/a", "/c"}, order)
}

func TestExecuteParallel_DispatchLogCarriesIdentity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	executor, store, _ := newTestExecutor(server.URL)
	store.AddEndpoint(&catalog.Endpoint{ID: "list-users", SystemID: "crm", Method: "GET", Path: "/users"})

	var buf bytes.Buffer
	previous := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = previous }()

	executor.ExecuteParallel(context.Background(), testIdentity(), []ToolCall{
		{CallID: "c1", ToolName: "list_users", EndpointID: "list-users", Hint: ClassificationHint{Method: "GET", SystemKey: "crm"}},
	})

	logged := buf.String()
	assert.Contains(t, logged, "Dispatching tool calls")
	assert.Contains(t, logged, `"user_id":"user-1"`)
	assert.Contains(t, logged, `"conversation_id":"conv-1"`)
	assert.Contains(t, logged, "trace_id")
}

func TestExecuteSingle_CallerCancelDoesNotAbortIssuedCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte(`{"done": true}`))
	}))
	defer server.Close()

	executor, store, _ := newTestExecutor(server.URL)
	store.AddEndpoint(&catalog.Endpoint{
		ID: "slow", SystemID: "crm", Method: "GET", Path: "/slow", TimeoutSeconds: 5,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	// Cancelling the caller's context must not abort a request that is
	// already on the wire; only the endpoint timeout bounds it.
	result := executor.ExecuteSingle(ctx, testIdentity(), ToolCall{
		CallID:     "c1",
		ToolName:   "slow_read",
		EndpointID: "slow",
	})

	assert.True(t, result.Success)
	assert.Empty(t, result.Error)
	require.NotNil(t, result.StatusCode)
	assert.Equal(t, http.StatusOK, *result.StatusCode)
}

func TestExecuteParallel_AuditEventsCarryTraceID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	store := catalog.NewMemoryStore()
	store.AddSystem(&catalog.System{ID: "crm", BaseURL: server.URL, Auth: catalog.AuthConfig{Type: catalog.AuthNone}})
	store.AddEndpoint(&catalog.Endpoint{ID: "list-users", SystemID: "crm", Method: "GET", Path: "/users"})

	var buf bytes.Buffer
	audit := observability.NewAuditLogger(zerolog.New(&buf))
	executor := New(store, authresolver.New(store), audit)

	executor.ExecuteParallel(context.Background(), testIdentity(), []ToolCall{
		{CallID: "c1", ToolName: "list_users", EndpointID: "list-users", Hint: ClassificationHint{Method: "GET", SystemKey: "crm"}},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		assert.NotEmpty(t, entry["trace_id"])
	}
}
