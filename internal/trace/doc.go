// Package trace provides structured event tracing for callobf.
//
// Tracing follows a run from the CLI driver through the rewrite pass down to
// individual call sites, which helps explain why a site was or was not
// indirected and where time goes on large modules.
//
// # Usage
//
//	callobf --trace=- --trace-level=detail app.dll
//
// # Tracers
//
//   - Nop: zero-overhead tracer when disabled
//   - StreamTracer: immediate write to a file or stderr
//   - RingTracer: circular buffer dumped on failure
//   - MultiTracer: fan-out to several tracers
//
// # Levels and scopes
//
// LevelPhase emits driver and pass boundaries, LevelDetail adds per-method
// events and LevelDebug adds per-call-site decisions.
//
// # Context Propagation
//
//	ctx = trace.WithTracer(ctx, tracer)
//	t := trace.FromContext(ctx)
//
//	span := trace.Begin(t, trace.ScopePass, "rewrite", parentID)
//	defer span.End("")
package trace
