// Package toolexecutor dispatches agent-requested calls to external
// HTTP APIs registered in the catalog.
//
// Invariants:
// - Every submitted call yields exactly one ToolResult, success or failure.
// - Write calls against the same system never run concurrently.
// - All in-flight calls share one bounded concurrency limiter.
//
// Usage:
//
//	exec := toolexecutor.New(store, authresolver.New(store), audit)
//	results := exec.ExecuteParallel(ctx, toolexecutor.Identity{UserID: "u-1"}, calls)
package toolexecutor
