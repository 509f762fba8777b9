// Package tracing provides OpenTelemetry tracing integration.
//
// Features:
//   - Automatic HTTP request tracing with W3C trace context propagation
//   - X-Trace-Id response headers for client-side correlation
//   - A shared tracer for application spans
//
// Example usage:
//
//	import "inference-mesh/internal/observability/tracing"
//
//	func processRequest(ctx context.Context) {
//	    ctx, span := tracing.GetTracer().Start(ctx, "process-request")
//	    defer span.End()
//	    // ... process request ...
//	}
package tracing
