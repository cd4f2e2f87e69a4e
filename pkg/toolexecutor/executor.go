package toolexecutor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/fireflyresearch/firefly-desk/internal/metrics"
	"github.com/fireflyresearch/firefly-desk/internal/observability"
	"github.com/fireflyresearch/firefly-desk/internal/tracing"
	"github.com/fireflyresearch/firefly-desk/pkg/authresolver"
	"github.com/fireflyresearch/firefly-desk/pkg/catalog"
)

// DefaultMaxParallel is the concurrency limit used when no explicit
// limit is configured.
const DefaultMaxParallel = 5

// defaultCallTimeout applies to endpoints that configure no timeout
const defaultCallTimeout = 30 * time.Second

// ToolExecutor turns requested tool calls into concurrency-safe
// batches, runs them against external systems and records an audit
// trail. One shared semaphore bounds concurrent calls across batches
// and across overlapping invocations.
type ToolExecutor struct {
	catalog    catalog.Repository
	resolver   *authresolver.Resolver
	audit      AuditRecorder
	httpClient *http.Client
	sem        *semaphore.Weighted
	metrics    *metrics.Metrics

	mu          sync.RWMutex
	bodySchemas map[string]*gojsonschema.Schema
}

// New creates an executor with the default concurrency limit
func New(repo catalog.Repository, resolver *authresolver.Resolver, audit AuditRecorder) *ToolExecutor {
	return NewWithLimit(repo, resolver, audit, DefaultMaxParallel)
}

// NewWithLimit creates an executor bounded to maxParallel concurrent calls
func NewWithLimit(repo catalog.Repository, resolver *authresolver.Resolver, audit AuditRecorder, maxParallel int64) *ToolExecutor {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}

	te := &ToolExecutor{
		catalog:     repo,
		resolver:    resolver,
		audit:       audit,
		httpClient:  &http.Client{},
		sem:         semaphore.NewWeighted(maxParallel),
		bodySchemas: make(map[string]*gojsonschema.Schema),
	}

	log.Info().Int64("max_parallel", maxParallel).Msg("Tool executor initialized")

	return te
}

// SetHTTPClient replaces the client used for tool requests
func (te *ToolExecutor) SetHTTPClient(client *http.Client) {
	te.httpClient = client
}

// SetMetrics enables execution metrics
func (te *ToolExecutor) SetMetrics(m *metrics.Metrics) {
	te.metrics = m
}

// ExecuteParallel classifies calls into batches and runs each batch
// concurrently, batches strictly in order. Every call yields exactly
// one result; per-call failures never abort siblings. Cancelling ctx
// stops further batches from being issued while in-flight calls finish
// or time out on their own.
func (te *ToolExecutor) ExecuteParallel(ctx context.Context, identity Identity, calls []ToolCall) []ToolResult {
	if len(calls) == 0 {
		return []ToolResult{}
	}

	ctx = te.dispatchContext(ctx, identity)
	batches := Classify(calls)

	lg := tracing.LoggerFromContext(ctx, log.Logger)
	lg.Debug().
		Int("calls", len(calls)).
		Int("batches", len(batches)).
		Msg("Dispatching tool calls")

	results := make([]ToolResult, 0, len(calls))
	for i, batch := range batches {
		if ctx.Err() != nil {
			log.Warn().
				Int("remaining_batches", len(batches)-i).
				Msg("Execution cancelled, skipping remaining batches")
			for _, remaining := range batches[i:] {
				for _, call := range remaining {
					results = append(results, te.cancelledResult(call))
				}
			}
			break
		}

		results = append(results, te.executeBatch(ctx, identity, batch)...)
		if te.metrics != nil {
			te.metrics.BatchesTotal.Inc()
		}
	}

	return results
}

// ExecuteSequential runs calls one at a time in submission order,
// skipping classification. Used when the caller has already confirmed
// an explicit order.
func (te *ToolExecutor) ExecuteSequential(ctx context.Context, identity Identity, calls []ToolCall) []ToolResult {
	ctx = te.dispatchContext(ctx, identity)
	results := make([]ToolResult, 0, len(calls))
	for _, call := range calls {
		if err := te.sem.Acquire(ctx, 1); err != nil {
			results = append(results, te.cancelledResult(call))
			continue
		}
		result := te.ExecuteSingle(ctx, identity, call)
		te.sem.Release(1)
		results = append(results, result)
	}
	return results
}

// dispatchContext ensures a trace ID and attaches the caller identity
func (te *ToolExecutor) dispatchContext(ctx context.Context, identity Identity) context.Context {
	ctx = tracing.NewRequestContext(ctx)
	if identity.UserID != "" {
		ctx = tracing.WithUserID(ctx, identity.UserID)
	}
	if identity.ConversationID != "" {
		ctx = tracing.WithConversationID(ctx, identity.ConversationID)
	}
	return ctx
}

// executeBatch fans out one batch and joins it
func (te *ToolExecutor) executeBatch(ctx context.Context, identity Identity, batch []ToolCall) []ToolResult {
	results := make([]ToolResult, len(batch))
	var wg sync.WaitGroup

	for i, call := range batch {
		wg.Add(1)
		go func(index int, call ToolCall) {
			defer wg.Done()

			if err := te.sem.Acquire(ctx, 1); err != nil {
				results[index] = te.cancelledResult(call)
				return
			}
			defer te.sem.Release(1)

			results[index] = te.ExecuteSingle(ctx, identity, call)
		}(i, call)
	}

	wg.Wait()
	return results
}

// ExecuteSingle runs one call: endpoint and system lookup, pre-call
// audit, auth resolution, HTTP request, post-call audit.
func (te *ToolExecutor) ExecuteSingle(ctx context.Context, identity Identity, call ToolCall) ToolResult {
	start := time.Now()
	ctx = tracing.WithCallID(ctx, call.CallID)
	ctx, span := tracing.StartSpan(ctx, "tool.execute",
		attribute.String("tool.name", call.ToolName),
		attribute.String("endpoint.id", call.EndpointID),
	)
	defer span.End()

	if te.metrics != nil {
		te.metrics.CallsInFlight.Inc()
		defer te.metrics.CallsInFlight.Dec()
	}

	endpoint, err := te.catalog.GetEndpoint(ctx, call.EndpointID)
	if err != nil {
		log.Error().Err(err).Str("endpoint_id", call.EndpointID).Msg("Endpoint lookup failed")
	}
	if endpoint == nil {
		return te.failed(call, fmt.Sprintf("Endpoint %s not found in catalog", call.EndpointID), "catalog", start)
	}

	system, err := te.catalog.GetSystem(ctx, endpoint.SystemID)
	if err != nil {
		log.Error().Err(err).Str("system_id", endpoint.SystemID).Msg("System lookup failed")
	}
	if system == nil {
		return te.failed(call, fmt.Sprintf("System %s not found in catalog", endpoint.SystemID), "catalog", start)
	}

	if err := te.validateBody(endpoint, call.Request.Body); err != nil {
		return te.failed(call, fmt.Sprintf("Body validation failed: %v", err), "validation", start)
	}

	action := fmt.Sprintf("%s %s", endpoint.Method, endpoint.Path)

	te.audit.Record(ctx, observability.AuditEvent{
		Type:   EventToolCall,
		Actor:  identity.UserID,
		Action: action,
		Status: "pending",
		Metadata: map[string]interface{}{
			"conversation_id": identity.ConversationID,
			"system_id":       system.ID,
			"endpoint_id":     endpoint.ID,
			"risk_level":      endpoint.RiskLevel,
			"arguments":       call.Details,
		},
	})

	headers, err := te.resolver.ResolveHeaders(ctx, system)
	if err != nil {
		return te.failed(call, fmt.Sprintf("Auth resolution failed: %v", err), "auth", start)
	}

	result := te.performRequest(ctx, call, endpoint, system, headers, start)

	te.audit.Record(ctx, observability.AuditEvent{
		Type:   EventToolResult,
		Actor:  identity.UserID,
		Action: action,
		Status: auditStatus(result.Success),
		Metadata: map[string]interface{}{
			"conversation_id": identity.ConversationID,
			"system_id":       system.ID,
			"endpoint_id":     endpoint.ID,
			"status_code":     result.StatusCode,
			"duration_ms":     result.DurationMS,
			"error":           result.Error,
		},
	})

	te.observe(call, result)

	return result
}

// performRequest builds and executes the HTTP request for one call
func (te *ToolExecutor) performRequest(ctx context.Context, call ToolCall, endpoint *catalog.Endpoint, system *catalog.System, headers map[string]string, start time.Time) ToolResult {
	requestURL := buildURL(system.BaseURL, endpoint.Path, call.Request)

	var body io.Reader
	if call.Request.Body != nil {
		encoded, err := json.Marshal(call.Request.Body)
		if err != nil {
			return te.failed(call, fmt.Sprintf("failed to encode request body: %v", err), "request", start)
		}
		body = bytes.NewReader(encoded)
	}

	timeout := defaultCallTimeout
	if endpoint.TimeoutSeconds > 0 {
		timeout = time.Duration(endpoint.TimeoutSeconds) * time.Second
	}
	// An issued request runs to completion or its own timeout; caller
	// cancellation only stops batches that have not been issued yet.
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, endpoint.Method, requestURL, body)
	if err != nil {
		return te.failed(call, fmt.Sprintf("failed to build request: %v", err), "request", start)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	if call.Request.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := te.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			log.Warn().
				Str("call_id", call.CallID).
				Str("url", requestURL).
				Dur("timeout", timeout).
				Msg("Tool call timed out")
			return te.failed(call, "Request timed out", "timeout", start)
		}
		log.Error().Err(err).Str("call_id", call.CallID).Str("url", requestURL).Msg("Tool call failed")
		return te.failed(call, err.Error(), "network", start)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return te.failed(call, err.Error(), "network", start)
	}

	var data interface{}
	if len(raw) > 0 {
		if json.Unmarshal(raw, &data) != nil {
			data = string(raw)
		}
	}

	result := ToolResult{
		CallID:     call.CallID,
		ToolName:   call.ToolName,
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 400,
		Data:       data,
		DurationMS: elapsedMS(start),
		StatusCode: intPtr(resp.StatusCode),
	}
	if !result.Success {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}

	log.Debug().
		Str("call_id", call.CallID).
		Int("status", resp.StatusCode).
		Float64("duration_ms", result.DurationMS).
		Bool("success", result.Success).
		Msg("Tool call completed")

	return result
}

// validateBody checks the request body against the endpoint's schema,
// if it declares one.
func (te *ToolExecutor) validateBody(endpoint *catalog.Endpoint, body interface{}) error {
	if len(endpoint.BodySchema) == 0 || body == nil {
		return nil
	}

	schema, err := te.bodySchema(endpoint)
	if err != nil {
		return err
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(body))
	if err != nil {
		return err
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("validation errors: %v", problems)
	}
	return nil
}

// bodySchema compiles and caches the schema for an endpoint
func (te *ToolExecutor) bodySchema(endpoint *catalog.Endpoint) (*gojsonschema.Schema, error) {
	te.mu.RLock()
	schema, ok := te.bodySchemas[endpoint.ID]
	te.mu.RUnlock()
	if ok {
		return schema, nil
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(endpoint.BodySchema))
	if err != nil {
		return nil, fmt.Errorf("invalid body schema: %w", err)
	}

	te.mu.Lock()
	te.bodySchemas[endpoint.ID] = schema
	te.mu.Unlock()

	return schema, nil
}

func (te *ToolExecutor) failed(call ToolCall, message, errorType string, start time.Time) ToolResult {
	if te.metrics != nil {
		te.metrics.ToolCallErrorsTotal.WithLabelValues(call.ToolName, errorType).Inc()
	}
	return ToolResult{
		CallID:     call.CallID,
		ToolName:   call.ToolName,
		Success:    false,
		Error:      message,
		DurationMS: elapsedMS(start),
	}
}

func (te *ToolExecutor) cancelledResult(call ToolCall) ToolResult {
	return ToolResult{
		CallID:   call.CallID,
		ToolName: call.ToolName,
		Success:  false,
		Error:    "Execution cancelled before dispatch",
	}
}

func (te *ToolExecutor) observe(call ToolCall, result ToolResult) {
	if te.metrics == nil {
		return
	}
	te.metrics.ToolCallsTotal.WithLabelValues(call.ToolName, auditStatus(result.Success)).Inc()
	te.metrics.ToolCallDuration.WithLabelValues(call.ToolName).Observe(result.DurationMS / 1000)
}

// buildURL joins the base URL with the endpoint path after substituting
// {param} placeholders, then appends query parameters.
func buildURL(baseURL, path string, request RequestSpec) string {
	for name, value := range request.PathParams {
		path = strings.ReplaceAll(path, "{"+name+"}", fmt.Sprintf("%v", value))
	}

	full := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")

	if len(request.Query) > 0 {
		values := url.Values{}
		for name, value := range request.Query {
			values.Set(name, fmt.Sprintf("%v", value))
		}
		full += "?" + values.Encode()
	}

	return full
}

// isTimeout reports whether an HTTP client error was a timeout
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// elapsedMS returns wall time since start in milliseconds, one decimal
func elapsedMS(start time.Time) float64 {
	ms := float64(time.Since(start).Microseconds()) / 1000.0
	return math.Round(ms*10) / 10
}

func auditStatus(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
